package middleware

import (
	"context"
	"net/http"

	"sorte-pix-app/internal/tracking"
)

// CaptureTracking stores the UTM and referral parameters of the URL for the
// visitor and puts the merged attribution in the request context.
// It needs Sessions.Visitor to run first.
func CaptureTracking(ts *tracking.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			visitor := VisitorID(r.Context())
			var attr tracking.Attribution
			if visitor != "" {
				attr = ts.Capture(r.Context(), visitor, r.URL.Query())
			} else {
				attr = tracking.FromQuery(r.URL.Query())
			}

			ctx := context.WithValue(r.Context(), attributionCtxKey, attr)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Attribution returns what CaptureTracking found, never nil.
func Attribution(ctx context.Context) tracking.Attribution {
	if a, ok := ctx.Value(attributionCtxKey).(tracking.Attribution); ok && a != nil {
		return a
	}
	return tracking.Attribution{}
}
