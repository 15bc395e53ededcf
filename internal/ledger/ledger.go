// Package ledger records purchase attempts and their ticket numbers.
//
// Purchases live in a single collection under one key and are rewritten in
// full on every change, so two processes writing at once race and the last
// write wins. Within a process writes are serialized.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sorte-pix-app/internal/models"
	"sorte-pix-app/internal/store"
)

const (
	purchasesKey  = "all_purchases"
	ticketsPrefix = "quotas_"
)

type Ledger struct {
	store store.Store
	now   func() time.Time

	mu   sync.Mutex
	rand *rand.Rand
}

// New returns a ledger over s. A nil store turns every write into a no-op.
func New(s store.Store) *Ledger {
	return &Ledger{
		store: s,
		now:   time.Now,
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func newID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("order_%d_%s", now.UnixMilli(), suffix)
}

// Save appends a pending purchase. When the store is unavailable the purchase
// is returned without being persisted.
func (l *Ledger) Save(ctx context.Context, d models.PurchaseDraft) (models.Purchase, error) {
	now := l.now().UTC()
	p := models.Purchase{
		ID:            newID(now),
		Email:         d.Email,
		Name:          d.Name,
		NationalID:    d.NationalID,
		Quantity:      d.Quantity,
		Amount:        d.Amount,
		Status:        models.StatusPending,
		Date:          now,
		TransactionID: d.TransactionID,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	purchases, err := l.load(ctx)
	if errors.Is(err, store.ErrUnavailable) {
		return p, nil
	}
	if err != nil {
		return p, err
	}

	purchases = append(purchases, p)
	if err := l.persist(ctx, purchases); err != nil && !errors.Is(err, store.ErrUnavailable) {
		return p, err
	}
	return p, nil
}

// UpdateStatus overwrites the status of purchase id. Unknown ids are ignored.
func (l *Ledger) UpdateStatus(ctx context.Context, id string, status models.PurchaseStatus) error {
	if !status.Valid() {
		return fmt.Errorf("ledger: invalid status %q", status)
	}
	return l.mutate(ctx, id, func(p *models.Purchase) {
		p.Status = status
	})
}

// SetTransaction records the newest gateway payment id for purchase id.
func (l *Ledger) SetTransaction(ctx context.Context, id, transactionID string) error {
	return l.mutate(ctx, id, func(p *models.Purchase) {
		p.TransactionID = transactionID
	})
}

func (l *Ledger) mutate(ctx context.Context, id string, fn func(*models.Purchase)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	purchases, err := l.load(ctx)
	if errors.Is(err, store.ErrUnavailable) {
		return nil
	}
	if err != nil {
		return err
	}

	for i := range purchases {
		if purchases[i].ID == id {
			fn(&purchases[i])
			if err := l.persist(ctx, purchases); err != nil && !errors.Is(err, store.ErrUnavailable) {
				return err
			}
			log.Printf("[LEDGER] Purchase %s updated (status %s)", id, purchases[i].Status)
			return nil
		}
	}
	return nil
}

// Get finds a purchase by id.
func (l *Ledger) Get(ctx context.Context, id string) (models.Purchase, bool, error) {
	purchases, err := l.all(ctx)
	if err != nil {
		return models.Purchase{}, false, err
	}
	for _, p := range purchases {
		if p.ID == id {
			return p, true, nil
		}
	}
	return models.Purchase{}, false, nil
}

// ListByEmail matches email case-insensitively, optionally filtering by status.
// Results keep insertion order.
func (l *Ledger) ListByEmail(ctx context.Context, email string, status *models.PurchaseStatus) ([]models.Purchase, error) {
	purchases, err := l.all(ctx)
	if err != nil {
		return nil, err
	}

	var out []models.Purchase
	for _, p := range purchases {
		if !strings.EqualFold(p.Email, email) {
			continue
		}
		if status != nil && p.Status != *status {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// All returns every purchase in insertion order.
func (l *Ledger) All(ctx context.Context) ([]models.Purchase, error) {
	return l.all(ctx)
}

func (l *Ledger) all(ctx context.Context) ([]models.Purchase, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	purchases, err := l.load(ctx)
	if errors.Is(err, store.ErrUnavailable) {
		return nil, nil
	}
	return purchases, err
}

// load must be called with mu held. A corrupt collection reads as empty.
func (l *Ledger) load(ctx context.Context) ([]models.Purchase, error) {
	if l.store == nil {
		return nil, store.ErrUnavailable
	}

	raw, err := l.store.Get(ctx, purchasesKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var purchases []models.Purchase
	if err := json.Unmarshal(raw, &purchases); err != nil {
		log.Printf("[LEDGER] Discarding unreadable purchases: %v", err)
		return nil, nil
	}
	return purchases, nil
}

func (l *Ledger) persist(ctx context.Context, purchases []models.Purchase) error {
	return store.SetJSON(ctx, l.store, purchasesKey, purchases)
}
