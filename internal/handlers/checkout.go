package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"sorte-pix-app/internal/checkout"
	"sorte-pix-app/internal/gateway"
	appmw "sorte-pix-app/internal/middleware"
	"sorte-pix-app/internal/models"
)

// checkoutResponse adds the error details of a failed submit to the snapshot.
type checkoutResponse struct {
	checkout.Snapshot
	Retryable bool `json:"retryable,omitempty"`
}

func decodeForm(w http.ResponseWriter, r *http.Request) (checkout.Form, bool) {
	var form checkout.Form
	if err := decodeJSON(r, &form); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("Requisição inválida."))
		return form, false
	}
	return form, true
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, s *checkout.Session, form checkout.Form) {
	// an in-flight charge is never cancelled, its result is kept on the session
	err := s.Submit(context.WithoutCancel(r.Context()), form)
	if errors.Is(err, checkout.ErrInvalidState) {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if err != nil {
		status, _ = errorResponse(err)
	}
	writeJSON(w, status, checkoutResponse{Snapshot: s.Snapshot(), Retryable: gateway.IsRetryable(err)})
}

// StartCheckout opens a session and submits the form in one call.
func (h *Handler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	form, ok := decodeForm(w, r)
	if !ok {
		return
	}
	s := h.manager.Create(appmw.Attribution(r.Context()))
	h.submit(w, r, s, form)
}

// SubmitCheckout retries the form on an existing session.
func (h *Handler) SubmitCheckout(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	form, ok := decodeForm(w, r)
	if !ok {
		return
	}
	h.submit(w, r, s, form)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*checkout.Session, bool) {
	s, ok := h.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("Sessão de pagamento não encontrada."))
		return nil, false
	}
	return s, true
}

func (h *Handler) GetCheckout(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	snap := s.Snapshot()
	h.rememberBuyer(w, r, snap)
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) VerifyCheckout(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	snap, err := s.VerifyNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	h.rememberBuyer(w, r, snap)
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) CloseCheckout(w http.ResponseWriter, r *http.Request) {
	h.manager.Delete(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// rememberBuyer logs the buyer into the dashboard once the payment is in.
func (h *Handler) rememberBuyer(w http.ResponseWriter, r *http.Request, snap checkout.Snapshot) {
	if snap.State != checkout.StateConfirmed || snap.PurchaseID == "" {
		return
	}
	if u, ok := h.sessions.Marker(r); ok && u.PurchaseID == snap.PurchaseID {
		return
	}
	_ = h.sessions.SetMarker(w, r, models.LoggedInUser{
		Email:      snap.Email,
		Name:       snap.Name,
		PurchaseID: snap.PurchaseID,
	})
}
