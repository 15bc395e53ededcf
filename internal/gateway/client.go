// Package gateway talks to the BuckPay PIX API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"sorte-pix-app/internal/pricing"
	"sorte-pix-app/internal/tracking"
)

const (
	DefaultUserAgent   = "Buckpay API"
	DefaultDescription = "VIVA SORTE"
	DefaultIDPrefix    = "viva-sorte"
)

type Config struct {
	BaseURL   string
	APIKey    string
	UserAgent string

	Description    string
	IDPrefix       string
	MaxAmountCents int64

	HTTPClient *http.Client
}

type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time

	mu   sync.Mutex
	rand *rand.Rand
}

func New(cfg Config) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Description == "" {
		cfg.Description = DefaultDescription
	}
	if cfg.IDPrefix == "" {
		cfg.IDPrefix = DefaultIDPrefix
	}
	if cfg.MaxAmountCents == 0 {
		cfg.MaxAmountCents = pricing.MaxAmountCents
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	return &Client{
		cfg:  cfg,
		http: httpClient,
		now:  time.Now,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Client) MaxAmountCents() int64 {
	return c.cfg.MaxAmountCents
}

func (c *Client) checkConfig() error {
	var missing []string
	if c.cfg.BaseURL == "" {
		missing = append(missing, "BUCKPAY_API_URL")
	}
	if c.cfg.APIKey == "" {
		missing = append(missing, "BUCKPAY_API_KEY")
	}
	if len(missing) > 0 {
		log.Printf("[PIX] Missing environment variables: %s", strings.Join(missing, " or "))
		return &ConfigurationError{Missing: missing}
	}
	return nil
}

// externalID is "<prefix>-<unix ms>-<9 base36 chars>".
func (c *Client) externalID() string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

	c.mu.Lock()
	defer c.mu.Unlock()

	suffix := make([]byte, 9)
	for i := range suffix {
		suffix[i] = alphabet[c.rand.Intn(len(alphabet))]
	}
	return c.cfg.IDPrefix + "-" + strconv.FormatInt(c.now().UnixMilli(), 10) + "-" + string(suffix)
}

type createRequest struct {
	ExternalID    string            `json:"external_id"`
	PaymentMethod string            `json:"payment_method"`
	Amount        int64             `json:"amount"`
	Description   string            `json:"description"`
	Buyer         Buyer             `json:"buyer"`
	Tracking      map[string]string `json:"tracking"`
	Metadata      map[string]any    `json:"metadata"`
}

type paymentEnvelope struct {
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Pix    struct {
			Code         string `json:"code"`
			QRCodeBase64 string `json:"qrcode_base64"`
		} `json:"pix"`
		Metadata map[string]any `json:"metadata"`
	} `json:"data"`
}

// Payment is a PIX charge ready to be shown to the buyer.
type Payment struct {
	ID           string          `json:"id"` // gateway transaction id, used for status checks
	ExternalID   string          `json:"external_id"`
	Code         string          `json:"code"`
	QRCodeBase64 string          `json:"qrcode_base64"`
	Raw          json.RawMessage `json:"-"`
}

// CreatePayment validates the order and asks the gateway for a PIX charge.
// Nothing is sent when validation fails.
func (c *Client) CreatePayment(ctx context.Context, buyer Buyer, amount int64, quantity int, attr tracking.Attribution) (*Payment, error) {
	if err := c.checkConfig(); err != nil {
		return nil, err
	}

	clean, err := Validate(buyer, amount, quantity, c.cfg.MaxAmountCents)
	if err != nil {
		return nil, err
	}

	log.Printf("[PIX] Incoming tracking data: %s", attr)

	metadata := map[string]any{"quantity": quantity}
	for k, v := range attr.Flatten() {
		metadata[k] = v
	}

	payload := createRequest{
		ExternalID:    c.externalID(),
		PaymentMethod: "pix",
		Amount:        amount,
		Description:   c.cfg.Description,
		Buyer:         clean,
		Tracking:      attr.Flatten(),
		Metadata:      metadata,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	log.Printf("[PIX] Sending request to %s (external_id %s, amount %d, buyer %s)",
		c.cfg.BaseURL, payload.ExternalID, amount, maskName(clean.Name))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	status, respBody, err := c.do(req)
	if err != nil {
		return nil, &GatewayError{Retryable: true, Err: err}
	}

	log.Printf("[PIX] Response status: %d", status)

	if status < 200 || status > 299 {
		log.Printf("[PIX] API error: %s", truncate(respBody, 500))
		return nil, &GatewayError{Status: status, Retryable: status >= 500, Body: string(respBody)}
	}

	var env paymentEnvelope
	if len(respBody) == 0 || json.Unmarshal(respBody, &env) != nil {
		log.Printf("[PIX] Failed to parse response as JSON")
		return nil, &ProtocolError{Reason: "body is not JSON"}
	}
	if env.Data.Pix.Code == "" || env.Data.Pix.QRCodeBase64 == "" {
		log.Printf("[PIX] Invalid response structure: %s", truncate(respBody, 500))
		return nil, &ProtocolError{Reason: "missing pix code or qr code"}
	}
	if env.Data.ID == "" {
		return nil, &ProtocolError{Reason: "missing transaction id"}
	}

	log.Printf("[PIX] Success - PIX %s generated", env.Data.ID)

	return &Payment{
		ID:           env.Data.ID,
		ExternalID:   payload.ExternalID,
		Code:         env.Data.Pix.Code,
		QRCodeBase64: env.Data.Pix.QRCodeBase64,
		Raw:          respBody,
	}, nil
}

// PaymentStatus is the gateway's view of a charge.
type PaymentStatus struct {
	IsPaid bool            `json:"isPaid"`
	Status string          `json:"status"`
	Raw    json.RawMessage `json:"data,omitempty"`
}

// VerifyPayment asks the gateway for the status of a charge. Transport
// failures and non-2xx answers are GatewayErrors carrying the gateway status.
// A 2xx body that is not JSON counts as not paid.
func (c *Client) VerifyPayment(ctx context.Context, transactionID string) (PaymentStatus, error) {
	if err := c.checkConfig(); err != nil {
		return PaymentStatus{}, err
	}
	if strings.TrimSpace(transactionID) == "" {
		return PaymentStatus{}, &ValidationError{Field: "transactionId", Message: "ID de transação inválido."}
	}

	verifyURL := c.cfg.BaseURL + "/" + url.PathEscape(transactionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, verifyURL, nil)
	if err != nil {
		return PaymentStatus{}, &GatewayError{Err: err}
	}
	c.setHeaders(req)

	status, respBody, err := c.do(req)
	if err != nil {
		log.Printf("[PIX VERIFY] Request failed for %s: %v", transactionID, err)
		return PaymentStatus{}, &GatewayError{Retryable: true, Err: err}
	}

	log.Printf("[PIX VERIFY] Response status: %d, transaction %s", status, transactionID)

	if status < 200 || status > 299 {
		log.Printf("[PIX VERIFY] API error: %s", truncate(respBody, 300))
		return PaymentStatus{}, &GatewayError{Status: status, Retryable: status >= 500, Body: string(respBody)}
	}

	var env paymentEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		log.Printf("[PIX VERIFY] Failed to parse response as JSON")
		return PaymentStatus{}, nil
	}

	paid := env.Data.Status == "paid" || env.Data.Status == "confirmed"
	log.Printf("[PIX VERIFY] Payment status: %s - Paid: %t", env.Data.Status, paid)
	if m := env.Data.Metadata; m != nil {
		log.Printf("[PIX VERIFY] Tracking data from metadata: utm_source=%v utm_campaign=%v utm_medium=%v",
			m["utm_source"], m["utm_campaign"], m["utm_medium"])
	}

	return PaymentStatus{IsPaid: paid, Status: env.Data.Status, Raw: respBody}, nil
}

// CheckPaymentStatus never fails on transport or gateway problems: it reports
// not paid and the next poll tries again. Only configuration and an empty id
// are errors.
func (c *Client) CheckPaymentStatus(ctx context.Context, transactionID string) (PaymentStatus, error) {
	st, err := c.VerifyPayment(ctx, transactionID)
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return PaymentStatus{}, nil
	}
	return st, err
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("reading body: %w", err)
	}
	return resp.StatusCode, body, nil
}

// maskName keeps the first letter: "Maria Silva" -> "M*********".
func maskName(name string) string {
	r := []rune(name)
	if len(r) == 0 {
		return ""
	}
	n := len(r) - 2
	if n < 0 {
		n = 0
	}
	return string(r[0]) + strings.Repeat("*", n)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
