package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sorte-pix-app/internal/checkout"
	"sorte-pix-app/internal/funnel"
	"sorte-pix-app/internal/gateway"
	"sorte-pix-app/internal/ledger"
	appmw "sorte-pix-app/internal/middleware"
	"sorte-pix-app/internal/pricing"
	"sorte-pix-app/internal/tracking"
)

// PaymentGateway adds the strict status lookup used by the verify proxy.
type PaymentGateway interface {
	checkout.PaymentGateway
	VerifyPayment(ctx context.Context, transactionID string) (gateway.PaymentStatus, error)
}

// Handler serves the checkout API.
type Handler struct {
	gateway  PaymentGateway
	manager  *checkout.Manager
	ledger   *ledger.Ledger
	sessions *appmw.Sessions
	tracking *tracking.Store
	events   checkout.EventEmitter
}

type Deps struct {
	Gateway  PaymentGateway
	Manager  *checkout.Manager
	Ledger   *ledger.Ledger
	Sessions *appmw.Sessions
	Tracking *tracking.Store
	Events   checkout.EventEmitter
}

func New(d Deps) *Handler {
	return &Handler{
		gateway:  d.Gateway,
		manager:  d.Manager,
		ledger:   d.Ledger,
		sessions: d.Sessions,
		tracking: d.Tracking,
		events:   d.Events,
	}
}

// Router wires every route with the request logger, panic recovery, the
// visitor session and tracking capture.
func (h *Handler) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(h.sessions.Visitor)
	r.Use(appmw.CaptureTracking(h.tracking))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Use(appmw.CORS(allowedOrigins))
		r.Get("/offer", h.Offer)
		r.Post("/cart", h.Cart)
		r.Post("/create-pix", h.CreatePix)
		r.Post("/verify-pix", h.VerifyPix)
	})

	r.Route("/checkout", func(r chi.Router) {
		r.Post("/", h.StartCheckout)
		r.Get("/{id}", h.GetCheckout)
		r.Post("/{id}/submit", h.SubmitCheckout)
		r.Post("/{id}/verify", h.VerifyCheckout)
		r.Delete("/{id}", h.CloseCheckout)
	})

	r.Route("/dashboard", func(r chi.Router) {
		r.Get("/", h.Dashboard)
		r.Post("/login", h.DashboardLogin)
		r.Post("/select", h.DashboardSelect)
		r.Post("/logout", h.DashboardLogout)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error writing response: %v", err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(v)
}

func errorBody(msg string) map[string]any {
	return map[string]any{"error": msg}
}

func (h *Handler) emit(ev funnel.Event) {
	if h.events != nil {
		h.events.Emit(ev)
	}
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Offer returns the prices the landing page shows.
func (h *Handler) Offer(w http.ResponseWriter, r *http.Request) {
	h.emit(funnel.Event{
		Stage:       funnel.ContentView,
		ValueCents:  pricing.UnitPriceCents * pricing.DefaultQuantity,
		Quantity:    pricing.DefaultQuantity,
		ContentName: funnel.DefaultOfferName,
		Attribution: appmw.Attribution(r.Context()),
	})

	minQty, maxQty := h.manager.Service().QuantityRange()
	writeJSON(w, http.StatusOK, map[string]any{
		"unit_price":       pricing.UnitPriceCents,
		"min_quantity":     minQty,
		"max_quantity":     maxQty,
		"default_quantity": pricing.DefaultQuantity,
		"max_amount":       h.gateway.MaxAmountCents(),
		"bumps":            pricing.Catalog,
	})
}

type cartRequest struct {
	Quantity int      `json:"quantity"`
	Bumps    []string `json:"bumps"`
}

// Cart prices a selection without charging anything.
func (h *Handler) Cart(w http.ResponseWriter, r *http.Request) {
	var req cartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("Requisição inválida."))
		return
	}

	total, err := h.manager.Service().Quote(req.Quantity, req.Bumps)
	if err != nil {
		writeError(w, err)
		return
	}

	h.emit(funnel.Event{
		Stage:       funnel.AddToCart,
		ValueCents:  total.AmountCents,
		Quantity:    total.Quantity,
		Attribution: appmw.Attribution(r.Context()),
	})
	writeJSON(w, http.StatusOK, total)
}

type createPixRequest struct {
	Name       string  `json:"name"`
	Email      string  `json:"email"`
	CPF        string  `json:"cpf"`
	NationalID string  `json:"nationalId"`
	Quantity   int     `json:"quantity"`
	Amount     float64 `json:"amount"` // cents

	UTMSource   string `json:"utm_source"`
	UTMMedium   string `json:"utm_medium"`
	UTMCampaign string `json:"utm_campaign"`
	UTMID       string `json:"utm_id"`
	UTMTerm     string `json:"utm_term"`
	UTMContent  string `json:"utm_content"`
	Ref         string `json:"ref"`
	Src         string `json:"src"`
	Sck         string `json:"sck"`
}

func (req createPixRequest) attribution() tracking.Attribution {
	a := tracking.Attribution{}
	for k, v := range map[string]string{
		"utm_source":   req.UTMSource,
		"utm_medium":   req.UTMMedium,
		"utm_campaign": req.UTMCampaign,
		"utm_id":       req.UTMID,
		"utm_term":     req.UTMTerm,
		"utm_content":  req.UTMContent,
		"ref":          req.Ref,
		"src":          req.Src,
		"sck":          req.Sck,
	} {
		if v = strings.TrimSpace(v); v != "" {
			a[k] = v
		}
	}
	return a
}

// CreatePix proxies a create-payment call to the gateway. Values in the body
// override the attribution captured for the visitor.
func (h *Handler) CreatePix(w http.ResponseWriter, r *http.Request) {
	var req createPixRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("Requisição inválida."))
		return
	}

	nationalID := req.CPF
	if nationalID == "" {
		nationalID = req.NationalID
	}
	attr := tracking.Merge(appmw.Attribution(r.Context()), req.attribution())
	log.Printf("[PIX] Incoming tracking data: %s", attr)

	// the charge is created even when the buyer goes away mid-request
	ctx := context.WithoutCancel(r.Context())
	payment, err := h.gateway.CreatePayment(ctx, gateway.Buyer{
		Name:       req.Name,
		Email:      req.Email,
		NationalID: nationalID,
	}, int64(math.Round(req.Amount)), req.Quantity, attr)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"id":          payment.ID,
			"external_id": payment.ExternalID,
			"pix": map[string]string{
				"code":          payment.Code,
				"qrcode_base64": payment.QRCodeBase64,
			},
		},
	})
}

type verifyPixRequest struct {
	TransactionID string `json:"transactionId"`
}

func (h *Handler) VerifyPix(w http.ResponseWriter, r *http.Request) {
	var req verifyPixRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Requisição inválida.", "isPaid": false})
		return
	}

	status, err := h.gateway.VerifyPayment(r.Context(), req.TransactionID)
	if err != nil {
		code := http.StatusInternalServerError
		msg := "Erro ao verificar pagamento."
		var (
			verr *gateway.ValidationError
			gerr *gateway.GatewayError
		)
		switch {
		case errors.As(err, &verr):
			code = http.StatusBadRequest
			msg = verr.Message
		case errors.As(err, &gerr) && gerr.Status != 0:
			code = gerr.Status
		}
		writeJSON(w, code, map[string]any{"error": msg, "isPaid": false})
		return
	}

	var data any
	if len(status.Raw) > 0 {
		data = status.Raw
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"isPaid": status.IsPaid,
		"status": status.Status,
		"data":   data,
	})
}

// errorResponse maps gateway and checkout errors to a status and the JSON
// error shape.
func errorResponse(err error) (int, map[string]any) {
	var (
		verr *gateway.ValidationError
		gerr *gateway.GatewayError
		perr *gateway.ProtocolError
		cerr *gateway.ConfigurationError
	)

	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, map[string]any{"error": verr.Message, "field": verr.Field}
	case errors.As(err, &gerr):
		status := gerr.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		return status, map[string]any{"error": gerr.UserMessage(), "retryable": gerr.Retryable}
	case errors.As(err, &perr):
		return http.StatusBadGateway, errorBody(perr.UserMessage())
	case errors.As(err, &cerr):
		return http.StatusInternalServerError, errorBody(cerr.UserMessage())
	case errors.Is(err, checkout.ErrInvalidState):
		return http.StatusConflict, errorBody("Operação não permitida neste momento.")
	case errors.Is(err, checkout.ErrNoPendingPurchase):
		return http.StatusNotFound, errorBody("Nenhuma compra pendente para este email.")
	default:
		log.Printf("Unexpected error: %v", err)
		return http.StatusInternalServerError, errorBody("Erro ao processar pagamento. Tente novamente.")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	writeJSON(w, status, body)
}
