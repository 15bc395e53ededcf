// Package pricing computes order totals in cents.
package pricing

import "fmt"

const (
	UnitPriceCents  int64 = 99
	MinQuantity           = 20
	MaxQuantity           = 300
	DefaultQuantity       = 40

	// MaxAmountCents is the largest single PIX charge accepted (R$ 3.000,00).
	MaxAmountCents int64 = 300000
)

// AddOn is an order bump: extra tickets sold at a discount.
type AddOn struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Quantity      int    `json:"quantity"`
	OriginalCents int64  `json:"original_cents"`
	PriceCents    int64  `json:"price_cents"`
	Discount      int    `json:"discount"` // percent
}

var Catalog = []AddOn{
	{
		ID:            "bump1",
		Title:         "Adicionar Oferta Especial",
		Description:   "COMPRE + 60 TÍTULOS COM 50% DE DESCONTO",
		Quantity:      60,
		OriginalCents: 5970,
		PriceCents:    2985,
		Discount:      50,
	},
	{
		ID:            "bump2",
		Title:         "Adicionar Oferta Especial",
		Description:   "COMPRE + 120 TÍTULOS COM 60% DE DESCONTO",
		Quantity:      120,
		OriginalCents: 11880,
		PriceCents:    4752,
		Discount:      60,
	},
	{
		ID:            "bump3",
		Title:         "Adicionar Oferta Especial",
		Description:   "COMPRE + 30 TÍTULOS COM 40% DE DESCONTO",
		Quantity:      30,
		OriginalCents: 2970,
		PriceCents:    1782,
		Discount:      40,
	},
}

// Order is the base ticket selection, before add-ons.
type Order struct {
	Quantity       int
	UnitPriceCents int64
}

type Total struct {
	AmountCents int64 `json:"amount"`
	Quantity    int   `json:"quantity"`
	BaseCents   int64 `json:"base_amount"`
	AddOnCents  int64 `json:"bump_amount"`
}

// ComputeTotal adds the selected add-ons to the base order.
func ComputeTotal(base Order, addOns []AddOn) Total {
	t := Total{
		Quantity:  base.Quantity,
		BaseCents: int64(base.Quantity) * base.UnitPriceCents,
	}
	for _, a := range addOns {
		t.AddOnCents += a.PriceCents
		t.Quantity += a.Quantity
	}
	t.AmountCents = t.BaseCents + t.AddOnCents
	return t
}

// Lookup resolves add-on ids against the catalog. Duplicates count once.
func Lookup(ids []string) ([]AddOn, error) {
	seen := make(map[string]bool, len(ids))
	var out []AddOn
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		found := false
		for _, a := range Catalog {
			if a.ID == id {
				out = append(out, a)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("pricing: unknown add-on %q", id)
		}
	}
	return out, nil
}

// FormatBRL renders cents as "R$ 1.234,56".
func FormatBRL(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	reais := cents / 100
	frac := cents % 100

	s := fmt.Sprintf("%d", reais)
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "." + s[i:]
	}
	return fmt.Sprintf("%sR$ %s,%02d", sign, s, frac)
}
