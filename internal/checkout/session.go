package checkout

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"sorte-pix-app/internal/cpf"
	"sorte-pix-app/internal/funnel"
	"sorte-pix-app/internal/gateway"
	"sorte-pix-app/internal/models"
	"sorte-pix-app/internal/pricing"
	"sorte-pix-app/internal/tracking"
)

const expiredMessage = "O código PIX expirou. Gere um novo código para continuar."

// Form is what the buyer typed.
type Form struct {
	Name       string   `json:"name"`
	Email      string   `json:"email"`
	NationalID string   `json:"cpf"`
	Quantity   int      `json:"quantity"`
	AddOns     []string `json:"bumps"`
}

// Session is one buyer's walk through the checkout.
type Session struct {
	svc *Service
	id  string

	mu          sync.Mutex
	state       State
	errMsg      string
	errField    string
	attribution tracking.Attribution
	total       pricing.Total
	purchase    models.Purchase
	payment     *gateway.Payment
	tickets     []string
	redirect    string
	checks      int
	createdAt   time.Time
	updatedAt   time.Time

	pollCancel    context.CancelFunc
	pollDone      chan struct{}
	redirectTimer *time.Timer
	confirmed     chan struct{}
	closed        bool
}

func newSession(svc *Service, id string, attr tracking.Attribution) *Session {
	now := time.Now()
	return &Session{
		svc:         svc,
		id:          id,
		state:       StateForm,
		attribution: attr,
		confirmed:   make(chan struct{}),
		createdAt:   now,
		updatedAt:   now,
	}
}

func (s *Session) ID() string { return s.id }

// Snapshot is a read-only copy of the session for callers and JSON.
type Snapshot struct {
	ID            string   `json:"id"`
	State         State    `json:"state"`
	Error         string   `json:"error,omitempty"`
	Field         string   `json:"field,omitempty"`
	PurchaseID    string   `json:"purchaseId,omitempty"`
	TransactionID string   `json:"transactionId,omitempty"`
	Code          string   `json:"code,omitempty"`
	QRCodeBase64  string   `json:"qrcode_base64,omitempty"`
	AmountCents   int64    `json:"amount"`
	Quantity      int      `json:"quantity"`
	Email         string   `json:"email,omitempty"`
	Name          string   `json:"name,omitempty"`
	Tickets       []string `json:"tickets,omitempty"`
	Redirect      string   `json:"redirect,omitempty"`
	Checks        int      `json:"checks"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:          s.id,
		State:       s.state,
		Error:       s.errMsg,
		Field:       s.errField,
		PurchaseID:  s.purchase.ID,
		AmountCents: s.total.AmountCents,
		Quantity:    s.total.Quantity,
		Email:       s.purchase.Email,
		Name:        s.purchase.Name,
		Tickets:     append([]string(nil), s.tickets...),
		Redirect:    s.redirect,
		Checks:      s.checks,
	}
	if s.payment != nil {
		snap.TransactionID = s.payment.ID
		snap.Code = s.payment.Code
		snap.QRCodeBase64 = s.payment.QRCodeBase64
	}
	return snap
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Confirmed is closed once the payment is confirmed.
func (s *Session) Confirmed() <-chan struct{} {
	return s.confirmed
}

// Purchase returns the ledger record behind the session, once there is one.
func (s *Session) Purchase() models.Purchase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purchase
}

// LastActivity is when the session last changed state.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// setState must be called with mu held.
func (s *Session) setState(st State) {
	s.state = st
	s.updatedAt = time.Now()
}

// fail shows msg and sends the buyer back to the form. Confirmed sessions
// stay confirmed.
func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateConfirmed {
		return
	}
	s.errMsg = gateway.UserMessage(err)
	s.errField = ""
	var verr *gateway.ValidationError
	if errors.As(err, &verr) {
		s.errField = verr.Field
	}
	s.setState(StateForm)
}

// ValidateForm runs the same checks as the form does while the buyer types.
func (s *Session) ValidateForm(f Form) (pricing.Total, error) {
	if err := gateway.ValidateName(f.Name); err != nil {
		return pricing.Total{}, err
	}
	if err := gateway.ValidateEmail(f.Email); err != nil {
		return pricing.Total{}, err
	}
	if err := gateway.ValidateNationalID(f.NationalID); err != nil {
		return pricing.Total{}, err
	}
	return s.svc.Quote(f.Quantity, f.AddOns)
}

// Submit creates the PIX charge for the form, records a pending purchase and
// starts polling. A session that already holds a pending purchase for the
// same buyer and order gets a new code for it instead of a second record.
// On failure the session is back in the form state with an error message.
func (s *Session) Submit(ctx context.Context, f Form) error {
	s.mu.Lock()
	if s.state != StateForm || s.closed {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.errMsg, s.errField = "", ""
	s.setState(StateSubmitting)
	prev := s.purchase
	attr := s.attribution
	s.mu.Unlock()

	total, err := s.ValidateForm(f)
	if err != nil {
		s.fail(err)
		return err
	}

	buyer := gateway.Buyer{
		Name:       strings.TrimSpace(f.Name),
		Email:      strings.ToLower(strings.TrimSpace(f.Email)),
		NationalID: cpf.Clean(f.NationalID),
	}

	s.mu.Lock()
	s.total = total
	s.mu.Unlock()

	log.Printf("[CHECKOUT] Session %s submitting: %d tickets, %d cents, %s", s.id, total.Quantity, total.AmountCents, attr)

	// fired before the gateway call, delivery order is not guaranteed
	s.svc.emit(funnel.Event{Stage: funnel.Lead, Email: buyer.Email, Name: buyer.Name, Attribution: attr})
	s.svc.emit(funnel.Event{Stage: funnel.CheckoutInitiated, ValueCents: total.AmountCents, Quantity: total.Quantity, Attribution: attr})

	payment, err := s.svc.createPayment(ctx, buyer, total.AmountCents, total.Quantity, attr)
	if err != nil {
		log.Printf("[CHECKOUT] Session %s failed to create payment: %v", s.id, err)
		s.fail(err)
		return err
	}

	if p, ok := s.pendingFor(ctx, prev, buyer, total); ok {
		if err := s.svc.ledger.SetTransaction(ctx, p.ID, payment.ID); err != nil {
			log.Printf("[CHECKOUT] Session %s failed to record new transaction for %s: %v", s.id, p.ID, err)
		}
		p.TransactionID = payment.ID

		s.svc.emit(funnel.Event{Stage: funnel.PaymentInfoAdded, ValueCents: total.AmountCents, Quantity: total.Quantity, Attribution: attr})

		log.Printf("[CHECKOUT] Session %s reissued payment %s for pending purchase %s", s.id, payment.ID, p.ID)
		s.await(p, payment)
		return nil
	}

	p, err := s.svc.ledger.Save(ctx, models.PurchaseDraft{
		Email:         buyer.Email,
		Name:          buyer.Name,
		NationalID:    buyer.NationalID,
		Quantity:      total.Quantity,
		Amount:        total.AmountCents,
		TransactionID: payment.ID,
	})
	if err != nil {
		// the charge exists, keep going so the buyer can still pay
		log.Printf("[CHECKOUT] Session %s failed to save purchase: %v", s.id, err)
	}

	s.svc.emit(funnel.Event{
		Stage:         funnel.PurchasePending,
		ValueCents:    total.AmountCents,
		Quantity:      total.Quantity,
		TransactionID: payment.ID,
		Email:         buyer.Email,
		Attribution:   attr,
	})
	s.svc.emit(funnel.Event{Stage: funnel.PaymentInfoAdded, ValueCents: total.AmountCents, Quantity: total.Quantity, Attribution: attr})

	log.Printf("[CHECKOUT] Session %s awaiting payment %s for purchase %s", s.id, payment.ID, p.ID)
	s.await(p, payment)
	return nil
}

// pendingFor returns the purchase the session already recorded when it is
// still pending and matches buyer and total.
func (s *Session) pendingFor(ctx context.Context, prev models.Purchase, buyer gateway.Buyer, total pricing.Total) (models.Purchase, bool) {
	if prev.ID == "" {
		return models.Purchase{}, false
	}
	if prev.Email != buyer.Email || prev.NationalID != buyer.NationalID ||
		prev.Quantity != total.Quantity || prev.Amount != total.AmountCents {
		return models.Purchase{}, false
	}

	p, ok, err := s.svc.ledger.Get(ctx, prev.ID)
	if err != nil {
		log.Printf("[CHECKOUT] Session %s failed to load purchase %s: %v", s.id, prev.ID, err)
		return models.Purchase{}, false
	}
	if !ok || p.Status != models.StatusPending {
		return models.Purchase{}, false
	}
	return p, true
}

// await switches to awaiting_payment and starts the poll loop.
func (s *Session) await(p models.Purchase, payment *gateway.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.purchase = p
	s.payment = payment
	s.errMsg, s.errField = "", ""
	s.setState(StateAwaitingPayment)
	s.startPollingLocked()
}

// startPollingLocked must be called with mu held.
func (s *Session) startPollingLocked() {
	if s.pollCancel != nil {
		return
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if limit := s.svc.opts.MaxPollDuration; limit > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), limit)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	done := make(chan struct{})
	s.pollCancel = cancel
	s.pollDone = done

	go s.poll(ctx, done)
}

func (s *Session) poll(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.svc.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				s.expire()
			}
			return
		case <-s.confirmed:
			return
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

func (s *Session) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitingPayment && s.state != StateVerifying {
		return
	}
	log.Printf("[CHECKOUT] Session %s stopped polling %s: code expired", s.id, s.payment.ID)
	s.errMsg = expiredMessage
	s.errField = ""
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}
	s.setState(StateForm)
}

// VerifyNow checks the payment right away, outside the poll schedule.
func (s *Session) VerifyNow(ctx context.Context) (Snapshot, error) {
	switch s.State() {
	case StateAwaitingPayment, StateVerifying, StateConfirmed:
	default:
		return s.Snapshot(), ErrInvalidState
	}
	s.check(ctx)
	return s.Snapshot(), nil
}

func (s *Session) check(ctx context.Context) {
	s.mu.Lock()
	if s.closed || (s.state != StateAwaitingPayment && s.state != StateVerifying) {
		s.mu.Unlock()
		return
	}
	s.setState(StateVerifying)
	s.checks++
	txID := s.payment.ID
	s.mu.Unlock()

	status, err := s.svc.gateway.CheckPaymentStatus(ctx, txID)
	if err != nil {
		log.Printf("[CHECKOUT] Session %s status check error: %v", s.id, err)
	}

	if err != nil || !status.IsPaid {
		s.mu.Lock()
		if s.state == StateVerifying {
			s.setState(StateAwaitingPayment)
		}
		s.mu.Unlock()
		return
	}

	s.confirm(ctx)
}

// confirm runs once per session no matter how many checks saw the payment.
func (s *Session) confirm(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateConfirmed || s.closed {
		s.mu.Unlock()
		return
	}
	s.setState(StateConfirmed)
	if s.pollCancel != nil {
		s.pollCancel()
	}
	p := s.purchase
	total := s.total
	attr := s.attribution
	txID := s.payment.ID
	s.mu.Unlock()

	// the poll context is already cancelled at this point
	ctx = context.WithoutCancel(ctx)

	if err := s.svc.ledger.UpdateStatus(ctx, p.ID, models.StatusCompleted); err != nil {
		log.Printf("[CHECKOUT] Session %s failed to complete purchase %s: %v", s.id, p.ID, err)
	}
	p.Status = models.StatusCompleted

	var tickets []string
	if p.ID != "" && p.Quantity > 0 {
		var err error
		tickets, err = s.svc.ledger.GetOrGenerateTickets(ctx, p.ID, p.Quantity)
		if err != nil {
			log.Printf("[CHECKOUT] Session %s failed to generate tickets: %v", s.id, err)
		}
	}

	log.Printf("[CHECKOUT] Session %s confirmed payment %s (%d tickets)", s.id, txID, len(tickets))

	s.svc.emit(funnel.Event{
		Stage:         funnel.Purchase,
		ValueCents:    total.AmountCents,
		Quantity:      total.Quantity,
		TransactionID: txID,
		Email:         p.Email,
		Attribution:   attr,
	})
	if s.svc.notifier != nil {
		s.svc.notifier.PurchaseConfirmed(p, tickets)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.purchase = p
	s.tickets = tickets
	close(s.confirmed)
	if s.closed {
		return
	}
	redirect := s.svc.opts.RedirectURL
	if s.svc.opts.DisplayDelay == 0 {
		s.redirect = redirect
		return
	}
	s.redirectTimer = time.AfterFunc(s.svc.opts.DisplayDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.closed {
			s.redirect = redirect
		}
	})
}

// Close tears the session down: the poll loop and pending timers stop and
// no further gateway calls are made.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.pollCancel
	done := s.pollDone
	if s.redirectTimer != nil {
		s.redirectTimer.Stop()
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
