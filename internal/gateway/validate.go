package gateway

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"sorte-pix-app/internal/cpf"
	"sorte-pix-app/internal/pricing"
)

var nameChars = regexp.MustCompile(`^[a-zA-Z\x{00C0}-\x{00FF}\s'-]+$`)

// Buyer identifies who pays.
type Buyer struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	NationalID string `json:"document"`
}

// ValidateName wants at least a first and last name of two letters or more.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &ValidationError{Field: "name", Message: "Nome é obrigatório."}
	}
	if !nameChars.MatchString(name) {
		return &ValidationError{Field: "name", Message: "Use apenas letras, espaços, hífens (-) e apóstrofos (')"}
	}

	parts := strings.Fields(name)
	if len(parts) < 2 {
		return &ValidationError{Field: "name", Message: "Informe nome e sobrenome completos"}
	}
	for _, p := range parts {
		if utf8.RuneCountInString(p) < 2 {
			return &ValidationError{Field: "name", Message: "Nome e sobrenome devem ter pelo menos 2 letras cada"}
		}
	}
	return nil
}

func ValidateEmail(email string) error {
	if !strings.Contains(strings.TrimSpace(email), "@") {
		return &ValidationError{Field: "email", Message: "Email inválido."}
	}
	return nil
}

// ValidateNationalID accepts masked input.
func ValidateNationalID(id string) error {
	clean := cpf.Clean(id)
	if len(clean) != 11 {
		return &ValidationError{Field: "cpf", Message: "CPF inválido."}
	}
	if !cpf.Valid(clean) {
		return &ValidationError{Field: "cpf", Message: "CPF inválido. Verifique os dígitos verificadores."}
	}
	return nil
}

// ValidateAmount checks the charge against the ceiling.
func ValidateAmount(amount, ceiling int64) error {
	if amount <= 0 {
		return &ValidationError{Field: "amount", Message: "Valor inválido."}
	}
	if amount > ceiling {
		return &ValidationError{Field: "amount", Message: "Valor máximo: " + pricing.FormatBRL(ceiling)}
	}
	return nil
}

// Validate checks every field of a create-payment call and returns the buyer
// normalized the way it is sent to the gateway.
func Validate(b Buyer, amount int64, quantity int, ceiling int64) (Buyer, error) {
	if err := ValidateName(b.Name); err != nil {
		return Buyer{}, err
	}
	if err := ValidateEmail(b.Email); err != nil {
		return Buyer{}, err
	}
	if err := ValidateNationalID(b.NationalID); err != nil {
		return Buyer{}, err
	}
	if quantity <= 0 {
		return Buyer{}, &ValidationError{Field: "quantity", Message: "Quantidade inválida."}
	}
	if err := ValidateAmount(amount, ceiling); err != nil {
		return Buyer{}, err
	}

	return Buyer{
		Name:       strings.TrimSpace(b.Name),
		Email:      strings.ToLower(strings.TrimSpace(b.Email)),
		NationalID: cpf.Clean(b.NationalID),
	}, nil
}
