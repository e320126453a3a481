// Package webhook receives payment provider notifications.
//
// The provider POSTs a JSON body of the form
//
//	{"event": "payment.succeeded", "object": {"id": "...", "status": "succeeded"}}
//
// The payload status is never trusted: the handler passes the payment id to
// the reconciler, which asks the provider for the authoritative status and
// credits the ledger at most once. When a secret is configured the body must
// carry an X-Signature-256 header of the form "sha256=<hex HMAC-SHA256>".
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fpang/lookbook-bot/internal/payments"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// SignatureHeader carries the HMAC of the body.
const SignatureHeader = "X-Signature-256"

// Reconciler applies a provider payment to the ledger.
type Reconciler interface {
	Reconcile(ctx context.Context, providerID string) (payments.Outcome, error)
}

// OutcomeFunc is called with every successful reconciliation, e.g. to
// notify the paying user.
type OutcomeFunc func(ctx context.Context, out payments.Outcome)

// Notification is the provider's event payload.
type Notification struct {
	Event  string `json:"event"`
	Object struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"object"`
}

// Handler handles payment notifications.
type Handler struct {
	secret     string
	reconciler Reconciler
	onOutcome  OutcomeFunc
}

// NewHandler creates a webhook handler. An empty secret disables signature
// checks; onOutcome may be nil.
func NewHandler(secret string, reconciler Reconciler, onOutcome OutcomeFunc) *Handler {
	return &Handler{
		secret:     secret,
		reconciler: reconciler,
		onOutcome:  onOutcome,
	}
}

// ServeHTTP accepts POST notifications only.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		log.Error().Err(err).Msg("Payment webhook: failed to read body")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		log.Warn().Msg("Payment webhook: empty body")
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	if h.secret != "" {
		signature := r.Header.Get(SignatureHeader)
		if signature == "" {
			log.Warn().Msg("Payment webhook: missing signature header")
			http.Error(w, "missing signature", http.StatusForbidden)
			return
		}
		if !VerifySignature(h.secret, body, signature) {
			log.Warn().Msg("Payment webhook: invalid signature")
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		log.Warn().Err(err).Msg("Payment webhook: malformed JSON")
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	id := strings.TrimSpace(n.Object.ID)
	if id == "" {
		http.Error(w, "missing payment id", http.StatusBadRequest)
		return
	}

	log.Info().Str("event", n.Event).Str("paymentId", id).Str("status", n.Object.Status).Msg("Payment webhook received")

	out, err := h.reconciler.Reconcile(r.Context(), id)
	if err != nil {
		// Non-2xx makes the provider redeliver; reconciliation is idempotent.
		log.Error().Err(err).Str("paymentId", id).Msg("Payment webhook: reconcile failed")
		http.Error(w, "reconcile failed", http.StatusBadGateway)
		return
	}
	if h.onOutcome != nil {
		h.onOutcome(r.Context(), out)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}

// Sign returns the header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature validates a "sha256=<hex>" header against the HMAC-SHA256
// of body, in constant time.
func VerifySignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	received, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(received, mac.Sum(nil))
}
