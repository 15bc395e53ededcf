package handlers

import (
	"log"
	"net/http"
	"strings"
	"time"

	"sorte-pix-app/internal/gateway"
	appmw "sorte-pix-app/internal/middleware"
	"sorte-pix-app/internal/models"
)

const loginPath = "/dashboard/login"

// purchaseView is a purchase as the buyer sees it. The CPF never leaves
// the server.
type purchaseView struct {
	ID       string                `json:"id"`
	Email    string                `json:"email"`
	Name     string                `json:"name"`
	Quantity int                   `json:"quantity"`
	Amount   int64                 `json:"amount"`
	Status   models.PurchaseStatus `json:"status"`
	Date     time.Time             `json:"date"`
}

func viewOf(p models.Purchase) purchaseView {
	return purchaseView{
		ID:       p.ID,
		Email:    p.Email,
		Name:     p.Name,
		Quantity: p.Quantity,
		Amount:   p.Amount,
		Status:   p.Status,
		Date:     p.Date,
	}
}

type loginRequest struct {
	Email      string `json:"email"`
	PurchaseID string `json:"purchaseId"`
}

// DashboardLogin looks the email up in the ledger. Paid purchases are listed
// for selection. Otherwise the oldest pending purchase gets a new PIX code.
func (h *Handler) DashboardLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("Requisição inválida."))
		return
	}
	email := strings.TrimSpace(req.Email)
	if err := gateway.ValidateEmail(email); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Email inválido", "field": "email"})
		return
	}

	completed := models.StatusCompleted
	purchases, err := h.ledger.ListByEmail(r.Context(), email, &completed)
	if err != nil {
		log.Printf("Error listing purchases: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("Erro ao buscar compras."))
		return
	}
	if len(purchases) > 0 {
		views := make([]purchaseView, 0, len(purchases))
		for _, p := range purchases {
			views = append(views, viewOf(p))
		}
		writeJSON(w, http.StatusOK, map[string]any{"step": "select", "purchases": views})
		return
	}

	pending := models.StatusPending
	open, err := h.ledger.ListByEmail(r.Context(), email, &pending)
	if err != nil {
		log.Printf("Error listing purchases: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("Erro ao buscar compras."))
		return
	}
	if len(open) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":         "Nenhuma compra encontrada para este email.",
			"checkoutEmail": email,
			"redirect":      "/?scroll=checkout",
		})
		return
	}

	s, err := h.manager.Resume(r.Context(), email, appmw.Attribution(r.Context()))
	if err != nil {
		status, body := errorResponse(err)
		if s != nil {
			body["checkout"] = s.Snapshot()
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"step": "pending", "checkout": s.Snapshot()})
}

// DashboardSelect stores the chosen paid purchase in the session.
func (h *Handler) DashboardSelect(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("Requisição inválida."))
		return
	}

	p, ok, err := h.ledger.Get(r.Context(), req.PurchaseID)
	if err != nil {
		log.Printf("Error loading purchase %s: %v", req.PurchaseID, err)
		writeJSON(w, http.StatusInternalServerError, errorBody("Erro ao buscar compras."))
		return
	}
	if !ok || !strings.EqualFold(p.Email, strings.TrimSpace(req.Email)) || p.Status != models.StatusCompleted {
		writeJSON(w, http.StatusNotFound, errorBody("Compra não encontrada."))
		return
	}

	if err := h.sessions.SetMarker(w, r, models.LoggedInUser{Email: p.Email, Name: p.Name, PurchaseID: p.ID}); err != nil {
		log.Printf("Error saving session: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("Erro ao salvar sessão."))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"redirect": "/dashboard"})
}

// Dashboard shows the logged-in purchase and its ticket numbers.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	user, ok := h.sessions.Marker(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Faça login para continuar.", "redirect": loginPath})
		return
	}

	p, found, err := h.ledger.Get(r.Context(), user.PurchaseID)
	if err != nil {
		log.Printf("Error loading purchase %s: %v", user.PurchaseID, err)
		writeJSON(w, http.StatusInternalServerError, errorBody("Erro ao buscar compras."))
		return
	}
	if !found || !strings.EqualFold(p.Email, user.Email) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Compra não encontrada.", "redirect": loginPath})
		return
	}
	if p.Status != models.StatusCompleted {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "Pagamento ainda não confirmado.", "redirect": loginPath})
		return
	}

	tickets, err := h.ledger.GetOrGenerateTickets(r.Context(), p.ID, p.Quantity)
	if err != nil {
		log.Printf("Error loading tickets for %s: %v", p.ID, err)
		writeJSON(w, http.StatusInternalServerError, errorBody("Erro ao carregar títulos."))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":     user,
		"purchase": viewOf(p),
		"tickets":  tickets,
	})
}

func (h *Handler) DashboardLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.ClearMarker(w, r); err != nil {
		log.Printf("Error clearing session: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"redirect": "/"})
}
