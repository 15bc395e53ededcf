// Package checkout drives a buyer from the order form to a confirmed PIX
// payment: validation, charge creation, ledger bookkeeping, status polling
// and funnel events.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"sorte-pix-app/internal/funnel"
	"sorte-pix-app/internal/gateway"
	"sorte-pix-app/internal/ledger"
	"sorte-pix-app/internal/models"
	"sorte-pix-app/internal/pricing"
	"sorte-pix-app/internal/retry"
	"sorte-pix-app/internal/tracking"
)

type State string

const (
	StateForm            State = "form"
	StateSubmitting      State = "submitting"
	StateAwaitingPayment State = "awaiting_payment"
	StateVerifying       State = "verifying"
	StateConfirmed       State = "confirmed"
)

var (
	ErrInvalidState      = errors.New("checkout: operation not allowed in current state")
	ErrNoPendingPurchase = errors.New("checkout: no pending purchase for this email")
)

// PaymentGateway is the part of gateway.Client the checkout needs.
type PaymentGateway interface {
	CreatePayment(ctx context.Context, buyer gateway.Buyer, amount int64, quantity int, attr tracking.Attribution) (*gateway.Payment, error)
	CheckPaymentStatus(ctx context.Context, transactionID string) (gateway.PaymentStatus, error)
	MaxAmountCents() int64
}

type EventEmitter interface {
	Emit(ev funnel.Event)
}

// Notifier hears about every confirmed purchase.
type Notifier interface {
	PurchaseConfirmed(p models.Purchase, tickets []string)
}

type Options struct {
	PollInterval time.Duration
	// DisplayDelay is how long the confirmation is shown before Redirect is set.
	DisplayDelay time.Duration
	// MaxPollDuration stops polling an unpaid code. Zero polls forever.
	MaxPollDuration time.Duration
	RedirectURL     string
	Retry           retry.Policy
	UnitPriceCents  int64
	// MinQuantity and MaxQuantity bound the base ticket count, add-ons excluded.
	MinQuantity int
	MaxQuantity int
}

// DefaultRetry retries create-payment twice, 1s then 2s, on retryable gateway errors.
func DefaultRetry() retry.Policy {
	return retry.Policy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		Backoff:    retry.Exponential,
		Retryable:  gateway.IsRetryable,
	}
}

func DefaultOptions() Options {
	return Options{
		PollInterval:    5 * time.Second,
		DisplayDelay:    2 * time.Second,
		MaxPollDuration: 30 * time.Minute,
		RedirectURL:     "/dashboard",
		Retry:           DefaultRetry(),
		UnitPriceCents:  pricing.UnitPriceCents,
		MinQuantity:     pricing.MinQuantity,
		MaxQuantity:     pricing.MaxQuantity,
	}
}

// Service holds what every checkout session shares.
type Service struct {
	gateway  PaymentGateway
	ledger   *ledger.Ledger
	events   EventEmitter
	notifier Notifier
	opts     Options
}

func NewService(gw PaymentGateway, l *ledger.Ledger, events EventEmitter, notifier Notifier, opts Options) *Service {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.DisplayDelay < 0 {
		opts.DisplayDelay = 0
	}
	if opts.RedirectURL == "" {
		opts.RedirectURL = def.RedirectURL
	}
	if opts.UnitPriceCents <= 0 {
		opts.UnitPriceCents = def.UnitPriceCents
	}
	if opts.MinQuantity <= 0 {
		opts.MinQuantity = def.MinQuantity
	}
	if opts.MaxQuantity < opts.MinQuantity {
		opts.MaxQuantity = def.MaxQuantity
	}
	if opts.Retry.Retryable == nil && opts.Retry.MaxRetries == 0 {
		opts.Retry = def.Retry
	}

	return &Service{
		gateway:  gw,
		ledger:   l,
		events:   events,
		notifier: notifier,
		opts:     opts,
	}
}

func (svc *Service) emit(ev funnel.Event) {
	if svc.events != nil {
		svc.events.Emit(ev)
	}
}

func (svc *Service) ceiling() int64 {
	if c := svc.gateway.MaxAmountCents(); c > 0 {
		return c
	}
	return pricing.MaxAmountCents
}

// QuantityRange is the base ticket count Quote accepts.
func (svc *Service) QuantityRange() (lo, hi int) {
	return svc.opts.MinQuantity, svc.opts.MaxQuantity
}

// Quote prices quantity tickets plus the selected add-ons. The base quantity
// must be within the configured range and the total within the payment ceiling.
func (svc *Service) Quote(quantity int, addOnIDs []string) (pricing.Total, error) {
	if quantity < svc.opts.MinQuantity || quantity > svc.opts.MaxQuantity {
		return pricing.Total{}, &gateway.ValidationError{
			Field:   "quantity",
			Message: fmt.Sprintf("Escolha entre %d e %d títulos.", svc.opts.MinQuantity, svc.opts.MaxQuantity),
		}
	}
	addOns, err := pricing.Lookup(addOnIDs)
	if err != nil {
		return pricing.Total{}, &gateway.ValidationError{Field: "bumps", Message: "Oferta inválida."}
	}

	total := pricing.ComputeTotal(pricing.Order{Quantity: quantity, UnitPriceCents: svc.opts.UnitPriceCents}, addOns)
	if err := gateway.ValidateAmount(total.AmountCents, svc.ceiling()); err != nil {
		return total, err
	}
	return total, nil
}

// NewSession starts a checkout in the form state.
func (svc *Service) NewSession(id string, attr tracking.Attribution) *Session {
	return newSession(svc, id, attr)
}

// Resume reissues a PIX code for the oldest pending purchase of email and
// returns a session already awaiting payment. No new purchase is recorded.
func (svc *Service) Resume(ctx context.Context, id, email string, attr tracking.Attribution) (*Session, error) {
	pending := models.StatusPending
	purchases, err := svc.ledger.ListByEmail(ctx, email, &pending)
	if err != nil {
		return nil, err
	}
	if len(purchases) == 0 {
		return nil, ErrNoPendingPurchase
	}
	p := purchases[0]

	s := newSession(svc, id, attr)
	s.mu.Lock()
	s.state = StateSubmitting
	s.total = pricing.Total{AmountCents: p.Amount, Quantity: p.Quantity, BaseCents: p.Amount}
	s.mu.Unlock()

	payment, err := svc.createPayment(ctx, gateway.Buyer{Name: p.Name, Email: p.Email, NationalID: p.NationalID}, p.Amount, p.Quantity, attr)
	if err != nil {
		s.fail(err)
		return s, err
	}

	if err := svc.ledger.SetTransaction(ctx, p.ID, payment.ID); err != nil {
		log.Printf("[CHECKOUT] Failed to record new transaction for %s: %v", p.ID, err)
	}
	p.TransactionID = payment.ID

	log.Printf("[CHECKOUT] Resumed pending purchase %s with transaction %s", p.ID, payment.ID)
	s.await(p, payment)
	return s, nil
}

func (svc *Service) createPayment(ctx context.Context, buyer gateway.Buyer, amount int64, quantity int, attr tracking.Attribution) (*gateway.Payment, error) {
	var payment *gateway.Payment
	err := svc.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		payment, err = svc.gateway.CreatePayment(ctx, buyer, amount, quantity, attr)
		return err
	})
	return payment, err
}
