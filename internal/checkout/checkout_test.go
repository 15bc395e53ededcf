package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sorte-pix-app/internal/funnel"
	"sorte-pix-app/internal/gateway"
	"sorte-pix-app/internal/ledger"
	"sorte-pix-app/internal/models"
	"sorte-pix-app/internal/pricing"
	"sorte-pix-app/internal/retry"
	"sorte-pix-app/internal/store"
	"sorte-pix-app/internal/tracking"
)

// fakeGateway answers status checks from a script; the last entry repeats.
type fakeGateway struct {
	mu          sync.Mutex
	createErrs  []error
	creates     int
	statuses    []string
	checks      int
	lastBuyer   gateway.Buyer
	lastAmount  int64
	checkedWith []string
}

func (f *fakeGateway) CreatePayment(_ context.Context, b gateway.Buyer, amount int64, _ int, _ tracking.Attribution) (*gateway.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.lastBuyer = b
	f.lastAmount = amount
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	id := "tx_" + string(rune('0'+f.creates))
	return &gateway.Payment{ID: id, Code: "000201pix", QRCodeBase64: "iVBOR"}, nil
}

func (f *fakeGateway) CheckPaymentStatus(_ context.Context, id string) (gateway.PaymentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkedWith = append(f.checkedWith, id)
	status := "pending"
	if len(f.statuses) > 0 {
		idx := f.checks
		if idx >= len(f.statuses) {
			idx = len(f.statuses) - 1
		}
		status = f.statuses[idx]
	}
	f.checks++
	return gateway.PaymentStatus{IsPaid: status == "paid" || status == "confirmed", Status: status}, nil
}

func (f *fakeGateway) MaxAmountCents() int64 { return pricing.MaxAmountCents }

func (f *fakeGateway) counts() (creates, checks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.checks
}

type eventLog struct {
	mu     sync.Mutex
	events []funnel.Event
}

func (e *eventLog) Emit(ev funnel.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) count(stage funnel.Stage) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Stage == stage {
			n++
		}
	}
	return n
}

func (e *eventLog) stages() []funnel.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]funnel.Stage, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Stage)
	}
	return out
}

type notified struct {
	mu        sync.Mutex
	purchases []models.Purchase
	tickets   [][]string
}

func (n *notified) PurchaseConfirmed(p models.Purchase, tickets []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.purchases = append(n.purchases, p)
	n.tickets = append(n.tickets, tickets)
}

type fixture struct {
	gw       *fakeGateway
	ledger   *ledger.Ledger
	events   *eventLog
	notifier *notified
	svc      *Service
}

func noSleep(context.Context, time.Duration) error { return nil }

func newFixture(t *testing.T, gw *fakeGateway, mutate func(*Options)) *fixture {
	t.Helper()
	opts := Options{
		PollInterval: 10 * time.Millisecond,
		DisplayDelay: 0,
		RedirectURL:  "/dashboard",
		Retry: retry.Policy{
			MaxRetries: 2,
			BaseDelay:  time.Second,
			Backoff:    retry.Exponential,
			Retryable:  gateway.IsRetryable,
			Sleep:      noSleep,
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	f := &fixture{
		gw:       gw,
		ledger:   ledger.New(store.NewMemory()),
		events:   &eventLog{},
		notifier: &notified{},
	}
	f.svc = NewService(gw, f.ledger, f.events, f.notifier, opts)
	return f
}

func validForm() Form {
	return Form{
		Name:       "Maria Silva",
		Email:      "Maria@Example.com",
		NationalID: "529.982.247-25",
		Quantity:   40,
	}
}

func waitConfirmed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Confirmed():
	case <-time.After(2 * time.Second):
		t.Fatalf("session not confirmed, state %s", s.State())
	}
}

func TestSubmit_PollsUntilPaid(t *testing.T) {
	gw := &fakeGateway{statuses: []string{"pending", "pending", "pending", "paid"}}
	f := newFixture(t, gw, nil)

	s := f.svc.NewSession("s1", tracking.Attribution{"utm_source": "fb"})
	defer s.Close()
	require.NoError(t, s.Submit(context.Background(), validForm()))

	waitConfirmed(t, s)
	_, checks := gw.counts()
	assert.Equal(t, 4, checks)

	snap := s.Snapshot()
	assert.Equal(t, StateConfirmed, snap.State)
	assert.Len(t, snap.Tickets, 40)
	assert.Equal(t, "/dashboard", snap.Redirect)
	assert.Equal(t, int64(3960), snap.AmountCents)

	// more status checks after confirmation change nothing
	_, err := s.VerifyNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.events.count(funnel.Purchase))

	p, ok, err := f.ledger.Get(context.Background(), snap.PurchaseID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, p.Status)
	assert.Equal(t, "maria@example.com", p.Email)
	assert.Equal(t, "52998224725", p.NationalID)
	assert.Equal(t, "tx_1", p.TransactionID)

	require.Len(t, f.notifier.purchases, 1)
	assert.Equal(t, snap.Tickets, f.notifier.tickets[0])
}

func TestSubmit_EventOrder(t *testing.T) {
	gw := &fakeGateway{statuses: []string{"paid"}}
	f := newFixture(t, gw, nil)

	s := f.svc.NewSession("s1", nil)
	defer s.Close()
	require.NoError(t, s.Submit(context.Background(), validForm()))
	waitConfirmed(t, s)

	assert.Equal(t, []funnel.Stage{
		funnel.Lead,
		funnel.CheckoutInitiated,
		funnel.PurchasePending,
		funnel.PaymentInfoAdded,
		funnel.Purchase,
	}, f.events.stages())
}

func TestSubmit_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		form  func(*Form)
		field string
	}{
		{name: "short name", form: func(f *Form) { f.Name = "Maria" }, field: "name"},
		{name: "bad email", form: func(f *Form) { f.Email = "maria.example.com" }, field: "email"},
		{name: "bad cpf", form: func(f *Form) { f.NationalID = "111.111.111-11" }, field: "cpf"},
		{name: "zero quantity", form: func(f *Form) { f.Quantity = 0 }, field: "quantity"},
		{name: "unknown bump", form: func(f *Form) { f.AddOns = []string{"bump9"} }, field: "bumps"},
		{name: "below minimum", form: func(f *Form) { f.Quantity = 19 }, field: "quantity"},
		{name: "above maximum", form: func(f *Form) { f.Quantity = 301 }, field: "quantity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{}
			f := newFixture(t, gw, nil)
			s := f.svc.NewSession("s1", nil)
			defer s.Close()

			form := validForm()
			tt.form(&form)
			err := s.Submit(context.Background(), form)

			var verr *gateway.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)

			creates, _ := gw.counts()
			assert.Zero(t, creates)
			assert.Empty(t, f.events.stages())

			snap := s.Snapshot()
			assert.Equal(t, StateForm, snap.State)
			assert.Equal(t, tt.field, snap.Field)
			assert.NotEmpty(t, snap.Error)
		})
	}
}

func TestSubmit_RetriesRetryableFailures(t *testing.T) {
	gw := &fakeGateway{
		createErrs: []error{&gateway.GatewayError{Status: 503, Retryable: true}, nil},
		statuses:   []string{"pending"},
	}
	f := newFixture(t, gw, nil)

	s := f.svc.NewSession("s1", nil)
	defer s.Close()
	require.NoError(t, s.Submit(context.Background(), validForm()))

	creates, _ := gw.counts()
	assert.Equal(t, 2, creates)
	assert.Equal(t, StateAwaitingPayment, stateOf(s))
}

func stateOf(s *Session) State {
	st := s.State()
	if st == StateVerifying {
		return StateAwaitingPayment
	}
	return st
}

func TestSubmit_GivesUpAfterRetries(t *testing.T) {
	unavailable := &gateway.GatewayError{Status: 502, Retryable: true}
	gw := &fakeGateway{createErrs: []error{unavailable, unavailable, unavailable, unavailable}}
	f := newFixture(t, gw, nil)

	s := f.svc.NewSession("s1", nil)
	defer s.Close()
	err := s.Submit(context.Background(), validForm())
	require.Error(t, err)

	creates, _ := gw.counts()
	assert.Equal(t, 3, creates)

	snap := s.Snapshot()
	assert.Equal(t, StateForm, snap.State)
	assert.Equal(t, unavailable.UserMessage(), snap.Error)

	all, err := f.ledger.All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSubmit_NonRetryableFailsAtOnce(t *testing.T) {
	gw := &fakeGateway{createErrs: []error{&gateway.GatewayError{Status: 400}}}
	f := newFixture(t, gw, nil)

	s := f.svc.NewSession("s1", nil)
	defer s.Close()
	require.Error(t, s.Submit(context.Background(), validForm()))

	creates, _ := gw.counts()
	assert.Equal(t, 1, creates)
}

func TestSubmit_WrongState(t *testing.T) {
	gw := &fakeGateway{statuses: []string{"pending"}}
	f := newFixture(t, gw, nil)

	s := f.svc.NewSession("s1", nil)
	defer s.Close()
	require.NoError(t, s.Submit(context.Background(), validForm()))
	assert.ErrorIs(t, s.Submit(context.Background(), validForm()), ErrInvalidState)
}

func TestSubmit_WithAddOns(t *testing.T) {
	gw := &fakeGateway{statuses: []string{"paid"}}
	f := newFixture(t, gw, nil)

	s := f.svc.NewSession("s1", nil)
	defer s.Close()
	form := validForm()
	form.AddOns = []string{"bump1", "bump3"}
	require.NoError(t, s.Submit(context.Background(), form))
	waitConfirmed(t, s)

	assert.Equal(t, int64(3960+2985+1782), gw.lastAmount)
	assert.Len(t, s.Snapshot().Tickets, 40+60+30)
}

func TestVerifyNow(t *testing.T) {
	gw := &fakeGateway{statuses: []string{"pending", "paid"}}
	f := newFixture(t, gw, func(o *Options) { o.PollInterval = time.Hour })

	s := f.svc.NewSession("s1", nil)
	defer s.Close()

	_, err := s.VerifyNow(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.Submit(context.Background(), validForm()))

	snap, err := s.VerifyNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPayment, snap.State)
	assert.Equal(t, 1, snap.Checks)

	snap, err = s.VerifyNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, snap.State)
	assert.Equal(t, 1, f.events.count(funnel.Purchase))
}

func TestClose_StopsPolling(t *testing.T) {
	gw := &fakeGateway{statuses: []string{"pending"}}
	f := newFixture(t, gw, nil)

	s := f.svc.NewSession("s1", nil)
	require.NoError(t, s.Submit(context.Background(), validForm()))
	time.Sleep(35 * time.Millisecond)
	s.Close()

	_, before := gw.counts()
	time.Sleep(50 * time.Millisecond)
	_, after := gw.counts()
	assert.Equal(t, before, after)
	assert.Zero(t, f.events.count(funnel.Purchase))
}

func TestMaxPollDuration_Expires(t *testing.T) {
	gw := &fakeGateway{statuses: []string{"pending"}}
	f := newFixture(t, gw, func(o *Options) { o.MaxPollDuration = 40 * time.Millisecond })

	s := f.svc.NewSession("s1", nil)
	defer s.Close()
	require.NoError(t, s.Submit(context.Background(), validForm()))

	require.Eventually(t, func() bool { return s.State() == StateForm }, time.Second, 5*time.Millisecond)
	snap := s.Snapshot()
	assert.Equal(t, expiredMessage, snap.Error)

	p, ok, err := f.ledger.Get(context.Background(), snap.PurchaseID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.StatusPending, p.Status)

	_, checks := gw.counts()
	time.Sleep(30 * time.Millisecond)
	_, later := gw.counts()
	assert.Equal(t, checks, later)
}

func TestSubmit_AfterExpiryReissuesPendingPurchase(t *testing.T) {
	gw := &fakeGateway{statuses: []string{"pending"}}
	f := newFixture(t, gw, func(o *Options) { o.MaxPollDuration = 30 * time.Millisecond })
	ctx := context.Background()

	s := f.svc.NewSession("s1", nil)
	defer s.Close()
	require.NoError(t, s.Submit(ctx, validForm()))
	first := s.Snapshot()
	require.Eventually(t, func() bool { return s.State() == StateForm }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Submit(ctx, validForm()))
	again := s.Snapshot()
	assert.Equal(t, StateAwaitingPayment, again.State)
	assert.Equal(t, first.PurchaseID, again.PurchaseID)
	assert.Equal(t, "tx_2", again.TransactionID)

	pending := models.StatusPending
	rows, err := f.ledger.ListByEmail(ctx, "maria@example.com", &pending)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "tx_2", rows[0].TransactionID)
	assert.Equal(t, 1, f.events.count(funnel.PurchasePending))
}

func TestSubmit_AfterExpiryWithNewOrderRecordsPurchase(t *testing.T) {
	gw := &fakeGateway{statuses: []string{"pending"}}
	f := newFixture(t, gw, func(o *Options) { o.MaxPollDuration = 30 * time.Millisecond })
	ctx := context.Background()

	s := f.svc.NewSession("s1", nil)
	defer s.Close()
	require.NoError(t, s.Submit(ctx, validForm()))
	first := s.Snapshot()
	require.Eventually(t, func() bool { return s.State() == StateForm }, time.Second, 5*time.Millisecond)

	form := validForm()
	form.Quantity = 60
	require.NoError(t, s.Submit(ctx, form))
	assert.NotEqual(t, first.PurchaseID, s.Snapshot().PurchaseID)

	pending := models.StatusPending
	rows, err := f.ledger.ListByEmail(ctx, "maria@example.com", &pending)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSubmit_ConcurrentCallsChargeOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		gw := &fakeGateway{statuses: []string{"pending"}}
		f := newFixture(t, gw, func(o *Options) { o.PollInterval = time.Hour })
		s := f.svc.NewSession("s1", nil)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j := range errs {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				errs[j] = s.Submit(context.Background(), validForm())
			}(j)
		}
		wg.Wait()
		s.Close()

		ok, rejected := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInvalidState):
				rejected++
			}
		}
		require.Equal(t, 1, ok)
		require.Equal(t, 1, rejected)
		creates, _ := gw.counts()
		require.Equal(t, 1, creates)
	}
}

func TestDisplayDelay_SetsRedirectLater(t *testing.T) {
	gw := &fakeGateway{statuses: []string{"paid"}}
	f := newFixture(t, gw, func(o *Options) { o.DisplayDelay = 30 * time.Millisecond })

	s := f.svc.NewSession("s1", nil)
	defer s.Close()
	require.NoError(t, s.Submit(context.Background(), validForm()))
	waitConfirmed(t, s)

	require.Eventually(t, func() bool { return s.Snapshot().Redirect == "/dashboard" }, time.Second, 5*time.Millisecond)
}

func TestResume_ReusesPendingPurchase(t *testing.T) {
	gw := &fakeGateway{statuses: []string{"paid"}}
	f := newFixture(t, gw, func(o *Options) { o.PollInterval = time.Hour })
	ctx := context.Background()

	existing, err := f.ledger.Save(ctx, models.PurchaseDraft{
		Email: "maria@example.com", Name: "Maria Silva", NationalID: "52998224725",
		Quantity: 40, Amount: 3960, TransactionID: "tx_old",
	})
	require.NoError(t, err)

	s, err := f.svc.Resume(ctx, "s2", "MARIA@example.com", nil)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, StateAwaitingPayment, s.State())
	assert.Equal(t, "Maria Silva", gw.lastBuyer.Name)
	assert.Equal(t, int64(3960), gw.lastAmount)

	_, err = s.VerifyNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, s.State())

	all, err := f.ledger.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, existing.ID, all[0].ID)
	assert.Equal(t, models.StatusCompleted, all[0].Status)
	assert.Equal(t, "tx_1", all[0].TransactionID)
	assert.Equal(t, []string{"tx_1"}, gw.checkedWith)
}

func TestResume_NoPendingPurchase(t *testing.T) {
	f := newFixture(t, &fakeGateway{}, nil)
	_, err := f.svc.Resume(context.Background(), "s1", "nobody@example.com", nil)
	assert.ErrorIs(t, err, ErrNoPendingPurchase)
}

func TestQuote(t *testing.T) {
	f := newFixture(t, &fakeGateway{}, nil)

	total, err := f.svc.Quote(40, []string{"bump2"})
	require.NoError(t, err)
	assert.Equal(t, int64(3960+4752), total.AmountCents)
	assert.Equal(t, 160, total.Quantity)

	tests := []struct {
		name     string
		quantity int
		field    string
	}{
		{name: "negative", quantity: -1, field: "quantity"},
		{name: "one ticket", quantity: 1, field: "quantity"},
		{name: "above range", quantity: 301, field: "quantity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Quote(tt.quantity, nil)
			var verr *gateway.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	for _, q := range []int{pricing.MinQuantity, pricing.MaxQuantity} {
		_, err := f.svc.Quote(q, nil)
		assert.NoError(t, err, "quantity %d", q)
	}
}

func TestQuote_AboveCeiling(t *testing.T) {
	f := newFixture(t, &fakeGateway{}, func(o *Options) { o.UnitPriceCents = 1500 })

	// 300 x R$15,00 = R$4.500,00
	_, err := f.svc.Quote(300, nil)
	var verr *gateway.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)
}

func TestManager(t *testing.T) {
	gw := &fakeGateway{statuses: []string{"pending"}}
	f := newFixture(t, gw, nil)
	m := NewManager(f.svc)

	s := m.Create(nil)
	got, ok := m.Get(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, m.Len())

	require.NoError(t, s.Submit(context.Background(), validForm()))
	m.Delete(s.ID())
	_, ok = m.Get(s.ID())
	assert.False(t, ok)

	_, before := gw.counts()
	time.Sleep(30 * time.Millisecond)
	_, after := gw.counts()
	assert.Equal(t, before, after)

	m.Delete("missing")
}

func TestManager_SweepAndCloseAll(t *testing.T) {
	f := newFixture(t, &fakeGateway{}, nil)
	m := NewManager(f.svc)

	m.Create(nil)
	m.Create(nil)
	assert.Zero(t, m.Sweep(time.Hour))
	assert.Equal(t, 2, m.Sweep(-time.Second))
	assert.Zero(t, m.Len())

	m.Create(nil)
	m.CloseAll()
	assert.Zero(t, m.Len())
}
