// Package tracking keeps the campaign attribution (UTM and gateway referral
// parameters) seen for each visitor.
package tracking

import (
	"context"
	"errors"
	"log"
	"net/url"
	"strings"

	"sorte-pix-app/internal/store"
)

// Keys in the order they appear in logs and gateway payloads.
var Keys = []string{
	"utm_source",
	"utm_medium",
	"utm_campaign",
	"utm_id",
	"utm_term",
	"utm_content",
	"ref",
	"src",
	"sck",
}

// Attribution maps a tracking key to its value. Empty values are never kept.
type Attribution map[string]string

// FromQuery picks the known tracking keys out of a query string.
func FromQuery(q url.Values) Attribution {
	a := Attribution{}
	for _, k := range Keys {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			a[k] = v
		}
	}
	return a
}

// FromMap picks the known tracking keys out of a decoded request body.
func FromMap(m map[string]any) Attribution {
	a := Attribution{}
	for _, k := range Keys {
		if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
			a[k] = strings.TrimSpace(v)
		}
	}
	return a
}

// Merge overlays fresh on top of stored. Fresh values win.
func Merge(stored, fresh Attribution) Attribution {
	out := Attribution{}
	for k, v := range stored {
		if v != "" {
			out[k] = v
		}
	}
	for k, v := range fresh {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Get returns the value of k or "".
func (a Attribution) Get(k string) string {
	return a[k]
}

// Flatten returns every known key, with "" for the missing ones.
func (a Attribution) Flatten() map[string]string {
	out := make(map[string]string, len(Keys))
	for _, k := range Keys {
		out[k] = a[k]
	}
	return out
}

func (a Attribution) String() string {
	var parts []string
	for _, k := range Keys {
		if v := a[k]; v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	if len(parts) == 0 {
		return "No tracking parameters"
	}
	return strings.Join(parts, "&")
}

type Store struct {
	kv store.Store
}

func NewStore(kv store.Store) *Store {
	return &Store{kv: kv}
}

func key(visitorID string) string {
	return "tracking_data_" + visitorID
}

// Load returns what was stored for the visitor, or an empty attribution.
func (s *Store) Load(ctx context.Context, visitorID string) Attribution {
	var a Attribution
	if err := store.GetJSON(ctx, s.kv, key(visitorID), &a); err != nil {
		if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrUnavailable) {
			log.Printf("[TRACKING] Failed to retrieve tracking parameters: %v", err)
		}
		return Attribution{}
	}
	return a
}

// Save persists a. Empty attributions are not written so they never wipe
// what an earlier landing captured.
func (s *Store) Save(ctx context.Context, visitorID string, a Attribution) {
	if len(a) == 0 {
		return
	}
	if err := store.SetJSON(ctx, s.kv, key(visitorID), a); err != nil && !errors.Is(err, store.ErrUnavailable) {
		log.Printf("[TRACKING] Failed to store tracking parameters: %v", err)
	}
}

// Capture merges the query parameters into the stored attribution and
// returns the result.
func (s *Store) Capture(ctx context.Context, visitorID string, q url.Values) Attribution {
	fresh := FromQuery(q)
	merged := Merge(s.Load(ctx, visitorID), fresh)
	if len(fresh) > 0 {
		s.Save(ctx, visitorID, merged)
		log.Printf("[TRACKING] Visitor %s: %s", visitorID, merged)
	}
	return merged
}
