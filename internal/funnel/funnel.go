// Package funnel forwards checkout funnel events to the marketing pixel and
// to the conversion analytics service.
package funnel

import (
	"context"
	"log"
	"sync"
	"time"

	"sorte-pix-app/internal/tracking"
)

type Stage string

const (
	ContentView       Stage = "content_view"
	Lead              Stage = "lead"
	AddToCart         Stage = "add_to_cart"
	CheckoutInitiated Stage = "checkout_initiated"
	PaymentInfoAdded  Stage = "payment_info_added"
	Purchase          Stage = "purchase"
	// PurchasePending goes to the conversion sink only, so unpaid PIX codes
	// never count as pixel conversions.
	PurchasePending Stage = "purchase_pending"
)

const (
	DefaultCurrency  = "BRL"
	DefaultOfferName = "VIVA SORTE"
	ContentID        = "titulo-viva-sorte"
)

// Event carries whatever the stage knows. Zero fields are left out.
type Event struct {
	Stage         Stage
	ValueCents    int64
	Currency      string
	Quantity      int
	TransactionID string
	Email         string
	Name          string
	ContentName   string
	Attribution   tracking.Attribution
}

// AnalyticsSink is one third-party analytics destination.
type AnalyticsSink interface {
	Name() string
	// Ready reports whether the sink can take events yet.
	Ready() bool
	Track(ctx context.Context, event string, props map[string]any) error
}

type Options struct {
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

type Emitter struct {
	pixel      AnalyticsSink
	conversion AnalyticsSink
	opts       Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an emitter. Either sink may be nil. Zero options mean wait up
// to 5s for a sink, checking every 100ms.
func New(pixel, conversion AnalyticsSink, opts Options) *Emitter {
	if opts.WaitTimeout == 0 {
		opts.WaitTimeout = 5 * time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Emitter{
		pixel:      pixel,
		conversion: conversion,
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Emit hands the event to its sinks in the background and returns at once.
// Failures are logged, never returned.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.Currency == "" {
		ev.Currency = DefaultCurrency
	}

	if name, ok := pixelEvents[ev.Stage]; ok && e.pixel != nil {
		e.dispatch(e.pixel, name, pixelProps(name, ev))
	}
	if name, ok := conversionEvents[ev.Stage]; ok && e.conversion != nil {
		e.dispatch(e.conversion, name, conversionProps(name, ev))
	}
}

func (e *Emitter) dispatch(sink AnalyticsSink, name string, props map[string]any) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		if !e.waitReady(sink) {
			log.Printf("[FUNNEL] %s not loaded, dropping %s", sink.Name(), name)
			return
		}

		ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
		defer cancel()

		if err := sink.Track(ctx, name, props); err != nil {
			log.Printf("[FUNNEL] %s error on %s: %v", sink.Name(), name, err)
			return
		}
		log.Printf("[FUNNEL] %s - %s sent", sink.Name(), name)
	}()
}

func (e *Emitter) waitReady(sink AnalyticsSink) bool {
	if sink.Ready() {
		return true
	}

	deadline := time.NewTimer(e.opts.WaitTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(e.opts.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
			if sink.Ready() {
				return true
			}
		}
	}
}

// Wait blocks until every event emitted so far has been delivered or dropped.
func (e *Emitter) Wait() {
	if e == nil {
		return
	}
	e.wg.Wait()
}

// Close drops events still waiting for a sink and waits for the rest.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	e.cancel()
	e.wg.Wait()
}

var pixelEvents = map[Stage]string{
	ContentView:       "ViewContent",
	Lead:              "Lead",
	AddToCart:         "AddToCart",
	CheckoutInitiated: "InitiateCheckout",
	PaymentInfoAdded:  "AddPaymentInfo",
	Purchase:          "Purchase",
}

var conversionEvents = map[Stage]string{
	PurchasePending: "pendente",
	Purchase:        "purchase",
}

func reais(cents int64) float64 {
	return float64(cents) / 100
}

func pixelProps(name string, ev Event) map[string]any {
	props := map[string]any{}
	if ev.ValueCents > 0 {
		props["value"] = reais(ev.ValueCents)
		props["currency"] = ev.Currency
	}
	if ev.Quantity > 0 {
		props["num_items"] = ev.Quantity
	}
	if ev.TransactionID != "" {
		props["order_id"] = ev.TransactionID
	}
	if ev.Email != "" {
		props["em"] = ev.Email
	}
	if ev.ContentName != "" {
		props["content_name"] = ev.ContentName
	}
	for k, v := range ev.Attribution {
		if v != "" {
			props[k] = v
		}
	}
	if name != "Lead" {
		props["content_ids"] = []string{ContentID}
		props["content_type"] = "product"
	}
	return props
}

func conversionProps(name string, ev Event) map[string]any {
	status := "approved"
	if name == "pendente" {
		status = "pending"
	}
	quantity := ev.Quantity
	if quantity == 0 {
		quantity = 1
	}

	props := map[string]any{
		"event":          name,
		"value":          reais(ev.ValueCents),
		"currency":       ev.Currency,
		"transaction_id": ev.TransactionID,
		"status":         status,
		"quantity":       quantity,
		"email":          ev.Email,
		"offer_name":     DefaultOfferName,
	}
	for _, k := range []string{"utm_source", "utm_medium", "utm_campaign", "utm_content", "utm_term"} {
		props[k] = ev.Attribution.Get(k)
	}
	return props
}
