// Package payments creates credit-pack checkouts with YooKassa and applies
// confirmed payments to the ledger exactly once.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// DefaultBaseURL is the YooKassa v3 API root.
const DefaultBaseURL = "https://api.yookassa.ru/v3"

// Provider statuses reported by GET /payments/{id}.
const (
	StatusPending           = "pending"
	StatusWaitingForCapture = "waiting_for_capture"
	StatusSucceeded         = "succeeded"
	StatusCanceled          = "canceled"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx response from YooKassa.
type APIError struct {
	Op          string
	StatusCode  int
	Code        string
	Description string
	Body        string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("yookassa %s: HTTP %d: %s: %s", e.Op, e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("yookassa %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// YooKassaConfig configures a YooKassa client.
type YooKassaConfig struct {
	BaseURL   string
	ShopID    string
	Secret    string
	ReturnURL string
	// VATCode is the receipt vat_code; 1 means no VAT.
	VATCode int
	// ReceiptEmail enables receipts when set.
	ReceiptEmail string
}

// YooKassa is a minimal client for the payments endpoints.
type YooKassa struct {
	httpClient *http.Client
	cfg        YooKassaConfig
}

// NewYooKassa creates a client. Enabled reports whether credentials are set.
func NewYooKassa(cfg YooKassaConfig) *YooKassa {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ReturnURL == "" {
		cfg.ReturnURL = "https://t.me"
	}
	if cfg.VATCode == 0 {
		cfg.VATCode = 1
	}
	return &YooKassa{
		httpClient: &http.Client{Timeout: defaultTimeout},
		cfg:        cfg,
	}
}

// Enabled reports whether shop id and secret are configured.
func (y *YooKassa) Enabled() bool {
	return y.cfg.ShopID != "" && y.cfg.Secret != ""
}

// CreateRequest describes one credit-pack purchase.
type CreateRequest struct {
	UserID   int64
	Credits  int64
	Amount   decimal.Decimal
	Currency string
}

// Created is the provider's answer to a create call.
type Created struct {
	ID              string
	Status          string
	ConfirmationURL string
}

type amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type receiptItem struct {
	Description    string `json:"description"`
	Quantity       string `json:"quantity"`
	Amount         amount `json:"amount"`
	VATCode        int    `json:"vat_code"`
	PaymentSubject string `json:"payment_subject"`
	PaymentMode    string `json:"payment_mode"`
}

type receipt struct {
	Customer map[string]string `json:"customer"`
	Items    []receiptItem     `json:"items"`
}

type createBody struct {
	Amount       amount            `json:"amount"`
	Capture      bool              `json:"capture"`
	Description  string            `json:"description"`
	Confirmation map[string]string `json:"confirmation"`
	Metadata     map[string]string `json:"metadata"`
	Receipt      *receipt          `json:"receipt,omitempty"`
}

type paymentObject struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		Type            string `json:"type"`
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

// Create opens a redirect-confirmed payment. Every call sends a fresh
// Idempotence-Key, so retries by the caller create distinct payments.
func (y *YooKassa) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	if !y.Enabled() {
		return nil, fmt.Errorf("yookassa: shop id and secret are not configured")
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("yookassa: amount must be positive, got %s", req.Amount)
	}

	amt := amount{Value: req.Amount.StringFixed(2), Currency: req.Currency}
	body := createBody{
		Amount:      amt,
		Capture:     true,
		Description: fmt.Sprintf("TG:%d • %d credits", req.UserID, req.Credits),
		Confirmation: map[string]string{
			"type":       "redirect",
			"return_url": y.cfg.ReturnURL,
		},
		Metadata: map[string]string{
			"user_id": strconv.FormatInt(req.UserID, 10),
			"credits": strconv.FormatInt(req.Credits, 10),
		},
	}
	if y.cfg.ReceiptEmail != "" {
		body.Receipt = &receipt{
			Customer: map[string]string{
				"full_name": fmt.Sprintf("tg-%d", req.UserID),
				"email":     y.cfg.ReceiptEmail,
			},
			Items: []receiptItem{{
				Description:    "Credits pack",
				Quantity:       "1.0",
				Amount:         amt,
				VATCode:        y.cfg.VATCode,
				PaymentSubject: "service",
				PaymentMode:    "full_prepayment",
			}},
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode payment: %w", err)
	}

	var obj paymentObject
	if err := y.do(ctx, "create", http.MethodPost, "/payments", payload, &obj); err != nil {
		return nil, err
	}
	if obj.ID == "" || obj.Confirmation.ConfirmationURL == "" {
		return nil, fmt.Errorf("yookassa create: response is missing id or confirmation_url")
	}

	log.Info().
		Str("paymentId", obj.ID).
		Int64("userId", req.UserID).
		Int64("credits", req.Credits).
		Str("amount", amt.Value).
		Msg("YooKassa payment created")
	return &Created{ID: obj.ID, Status: obj.Status, ConfirmationURL: obj.Confirmation.ConfirmationURL}, nil
}

// Status returns the provider status of paymentID.
func (y *YooKassa) Status(ctx context.Context, paymentID string) (string, error) {
	if !y.Enabled() {
		return "", fmt.Errorf("yookassa: shop id and secret are not configured")
	}
	var obj paymentObject
	if err := y.do(ctx, "status", http.MethodGet, "/payments/"+paymentID, nil, &obj); err != nil {
		return "", err
	}
	return obj.Status, nil
}

func (y *YooKassa) do(ctx context.Context, op, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, y.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(y.cfg.ShopID, y.cfg.Secret)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotence-Key", uuid.NewString())
	}

	start := time.Now()
	resp, err := y.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("yookassa %s: %w", op, err)
	}
	defer resp.Body.Close()
	log.Debug().Str("op", op).Int("statusCode", resp.StatusCode).Dur("duration", time.Since(start)).Msg("YooKassa API response")

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("yookassa %s: read response: %w", op, err)
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
		var e struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		}
		if json.Unmarshal(raw, &e) == nil {
			apiErr.Code, apiErr.Description = e.Code, e.Description
		}
		return apiErr
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("yookassa %s: parse response: %w", op, err)
	}
	return nil
}
