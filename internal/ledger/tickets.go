package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"

	"sorte-pix-app/internal/store"
)

// MaxTickets is how many distinct NNN.NNN codes exist.
const MaxTickets = 1000000

// GenerateTickets draws quantity distinct NNN.NNN codes. Uniqueness only holds
// inside the batch. Quantities above MaxTickets are capped.
func GenerateTickets(quantity int, r *rand.Rand) []string {
	if quantity > MaxTickets {
		quantity = MaxTickets
	}
	if quantity < 0 {
		quantity = 0
	}
	tickets := make([]string, 0, quantity)
	used := make(map[int]struct{}, quantity)

	for len(tickets) < quantity {
		n := r.Intn(1000000)
		if _, ok := used[n]; ok {
			continue
		}
		used[n] = struct{}{}
		tickets = append(tickets, fmt.Sprintf("%03d.%03d", n/1000, n%1000))
	}
	return tickets
}

// GetOrGenerateTickets returns the cached tickets of purchaseID or draws and
// caches a new set.
func (l *Ledger) GetOrGenerateTickets(ctx context.Context, purchaseID string, quantity int) ([]string, error) {
	if quantity <= 0 || quantity > MaxTickets {
		return nil, fmt.Errorf("ledger: invalid ticket quantity %d", quantity)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := ticketsPrefix + purchaseID

	if l.store != nil {
		raw, err := l.store.Get(ctx, key)
		switch {
		case err == nil:
			var cached []string
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
			log.Printf("[LEDGER] Regenerating unreadable tickets for %s", purchaseID)
		case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrUnavailable):
		default:
			return nil, err
		}
	}

	tickets := GenerateTickets(quantity, l.rand)

	if l.store == nil {
		return tickets, nil
	}
	if err := store.SetJSON(ctx, l.store, key, tickets); err != nil && !errors.Is(err, store.ErrUnavailable) {
		return nil, err
	}
	return tickets, nil
}
