package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"

	"sorte-pix-app/internal/models"
)

const (
	SessionName = "sorte_session"

	visitorKey = "visitor_id"
	markerKey  = "logged_in_user"
)

type ctxKey int

const (
	visitorCtxKey ctxKey = iota
	attributionCtxKey
)

// Sessions wraps the signed cookie that carries the visitor id and, after
// a dashboard login, the logged-in buyer.
type Sessions struct {
	store sessions.Store
}

func NewSessions(secure bool, keyPairs ...[]byte) *Sessions {
	cs := sessions.NewCookieStore(keyPairs...)
	cs.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   30 * 24 * 3600,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &Sessions{store: cs}
}

// get never fails: a cookie that does not decode is replaced by a new one.
func (s *Sessions) get(r *http.Request) *sessions.Session {
	sess, err := s.store.Get(r, SessionName)
	if err != nil {
		log.Printf("Session cookie reset: %v", err)
	}
	return sess
}

// Visitor makes sure every request has a visitor id and puts it in the
// request context.
func (s *Sessions) Visitor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := s.get(r)
		id, _ := sess.Values[visitorKey].(string)
		if id == "" {
			id = uuid.NewString()
			sess.Values[visitorKey] = id
			if err := sess.Save(r, w); err != nil {
				log.Printf("Error saving session: %v", err)
			}
		}

		ctx := context.WithValue(r.Context(), visitorCtxKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// VisitorID returns the id set by Sessions.Visitor, or "".
func VisitorID(ctx context.Context) string {
	id, _ := ctx.Value(visitorCtxKey).(string)
	return id
}

// Marker returns the buyer selected on the dashboard login.
func (s *Sessions) Marker(r *http.Request) (models.LoggedInUser, bool) {
	raw, _ := s.get(r).Values[markerKey].(string)
	if raw == "" {
		return models.LoggedInUser{}, false
	}
	var u models.LoggedInUser
	if err := json.Unmarshal([]byte(raw), &u); err != nil || u.PurchaseID == "" {
		return models.LoggedInUser{}, false
	}
	return u, true
}

func (s *Sessions) SetMarker(w http.ResponseWriter, r *http.Request, u models.LoggedInUser) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	sess := s.get(r)
	sess.Values[markerKey] = string(raw)
	return sess.Save(r, w)
}

func (s *Sessions) ClearMarker(w http.ResponseWriter, r *http.Request) error {
	sess := s.get(r)
	delete(sess.Values, markerKey)
	return sess.Save(r, w)
}
