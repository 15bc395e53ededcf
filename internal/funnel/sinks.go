package funnel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// HTTPSink posts every event as JSON to Endpoint. It stands in for the
// browser SDKs on the server side.
type HTTPSink struct {
	SinkName string
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewHTTPSink(name, endpoint, token string) *HTTPSink {
	return &HTTPSink{
		SinkName: name,
		Endpoint: endpoint,
		Token:    token,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSink) Name() string { return s.SinkName }

func (s *HTTPSink) Ready() bool { return s.Endpoint != "" }

func (s *HTTPSink) Track(ctx context.Context, event string, props map[string]any) error {
	body, err := json.Marshal(map[string]any{
		"event":      event,
		"properties": props,
		"sent_at":    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s answered %d", s.SinkName, resp.StatusCode)
	}
	return nil
}

// Tracked is one call recorded by Recorder.
type Tracked struct {
	Event string
	Props map[string]any
}

// Recorder keeps events in memory. Ready can be toggled to mimic a script
// that loads late or never.
type Recorder struct {
	SinkName string

	mu     sync.Mutex
	ready  bool
	events []Tracked
}

func NewRecorder(name string, ready bool) *Recorder {
	return &Recorder{SinkName: name, ready: ready}
}

func (r *Recorder) Name() string { return r.SinkName }

func (r *Recorder) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *Recorder) SetReady(ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = ready
}

func (r *Recorder) Track(_ context.Context, event string, props map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Tracked{Event: event, Props: props})
	return nil
}

func (r *Recorder) Events() []Tracked {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Tracked(nil), r.events...)
}

// Count returns how many times event was tracked.
func (r *Recorder) Count(event string) int {
	n := 0
	for _, e := range r.Events() {
		if e.Event == event {
			n++
		}
	}
	return n
}
