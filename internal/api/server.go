// Package api exposes the ledger, submissions and payments over HTTP.
//
// Routes use gorilla/mux templates; every response goes through request
// logging, Prometheus metrics and gzip compression.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fpang/lookbook-bot/internal/album"
	"github.com/fpang/lookbook-bot/internal/ledger"
	"github.com/fpang/lookbook-bot/internal/orchestrator"
	"github.com/fpang/lookbook-bot/internal/payments"
)

// Submitter routes inbound photos and scene choices.
type Submitter interface {
	Submit(ctx context.Context, albums orchestrator.AlbumAdder, s orchestrator.Submission) (orchestrator.Routed, error)
	ChooseScenes(ctx context.Context, userID int64, choice string) error
}

// Seller creates pack payments.
type Seller interface {
	Packs() []payments.Pack
	Start(ctx context.Context, userID, credits int64) (*payments.Created, payments.Pack, error)
}

// Reconciler applies a provider payment to the ledger.
type Reconciler interface {
	Reconcile(ctx context.Context, providerID string) (payments.Outcome, error)
}

// Deps are the collaborators behind the routes. Seller and Reconciler are nil
// when payments are not configured; Webhook is nil when notifications are off.
type Deps struct {
	Store      ledger.Store
	Submitter  Submitter
	Albums     orchestrator.AlbumAdder
	Seller     Seller
	Reconciler Reconciler
	Webhook    http.Handler

	Welcome    int64
	Currency   string
	AdminToken string
}

type server struct {
	Deps
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	s := &server{Deps: d}

	r := mux.NewRouter()
	r.Use(withObservability)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/users/{id}/start", s.start).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}/balance", s.balance).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/transactions", s.transactions).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/grant", s.grant).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}/scenes", s.scenes).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}/checkout", s.checkout).Methods(http.MethodPost)
	api.HandleFunc("/submissions", s.submit).Methods(http.MethodPost)
	api.HandleFunc("/packs", s.packs).Methods(http.MethodGet)
	api.HandleFunc("/payments/{id}/check", s.checkPayment).Methods(http.MethodPost)

	if d.Webhook != nil {
		r.Handle("/webhooks/payments", d.Webhook)
	}

	return gzhttp.GzipHandler(r)
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type balanceResponse struct {
	UserID  int64 `json:"user_id"`
	Balance int64 `json:"balance"`
	New     bool  `json:"new,omitempty"`
}

func (s *server) start(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(r)
	if !ok {
		httpError(w, http.StatusBadRequest, "invalid user id", nil)
		return
	}
	isNew, balance, err := s.Store.EnsureAccount(r.Context(), id, s.Welcome)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to open account", err)
		return
	}
	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	respondJSON(w, status, balanceResponse{UserID: id, Balance: balance, New: isNew})
}

func (s *server) balance(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(r)
	if !ok {
		httpError(w, http.StatusBadRequest, "invalid user id", nil)
		return
	}
	balance, err := s.Store.Balance(r.Context(), id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to read balance", err)
		return
	}
	respondJSON(w, http.StatusOK, balanceResponse{UserID: id, Balance: balance})
}

type transactionView struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Amount    int64     `json:"amount"`
	Meta      string    `json:"meta,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *server) transactions(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(r)
	if !ok {
		httpError(w, http.StatusBadRequest, "invalid user id", nil)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httpError(w, http.StatusBadRequest, "invalid limit", nil)
			return
		}
		limit = n
	}
	txns, err := s.Store.Transactions(r.Context(), id, limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to list transactions", err)
		return
	}
	views := make([]transactionView, 0, len(txns))
	for _, t := range txns {
		views = append(views, transactionView{ID: t.ID, Kind: string(t.Kind), Amount: t.Amount, Meta: t.Meta, CreatedAt: t.CreatedAt})
	}
	respondJSON(w, http.StatusOK, map[string]any{"user_id": id, "transactions": views})
}

type grantRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (s *server) grant(w http.ResponseWriter, r *http.Request) {
	if !bearerMatches(r, s.AdminToken) {
		httpError(w, http.StatusForbidden, "forbidden", nil)
		return
	}
	id, ok := userID(r)
	if !ok {
		httpError(w, http.StatusBadRequest, "invalid user id", nil)
		return
	}
	var req grantRequest
	if err := decodeBody(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON", nil)
		return
	}
	if req.Amount <= 0 {
		httpError(w, http.StatusUnprocessableEntity, "amount must be positive", nil)
		return
	}
	reason := "admin:api"
	if req.Reason != "" {
		reason = "admin:" + strings.TrimSpace(req.Reason)
	}
	if err := s.Store.AddCredits(r.Context(), id, req.Amount, ledger.KindAdjust, reason); err != nil {
		httpError(w, http.StatusInternalServerError, "failed to grant credits", err)
		return
	}
	balance, err := s.Store.Balance(r.Context(), id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to read balance", err)
		return
	}
	respondJSON(w, http.StatusOK, balanceResponse{UserID: id, Balance: balance})
}

func (s *server) submit(w http.ResponseWriter, r *http.Request) {
	var sub orchestrator.Submission
	if err := decodeBody(r, &sub); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON", nil)
		return
	}
	if sub.UserID <= 0 || strings.TrimSpace(sub.FileRef) == "" {
		httpError(w, http.StatusBadRequest, "user_id and file_ref are required", nil)
		return
	}
	routed, err := s.Submitter.Submit(r.Context(), s.Albums, sub)
	if err != nil {
		if errors.Is(err, orchestrator.ErrShuttingDown) || errors.Is(err, album.ErrClosed) {
			httpError(w, http.StatusServiceUnavailable, "shutting down", nil)
			return
		}
		httpError(w, http.StatusInternalServerError, "submission failed", err)
		return
	}
	status := http.StatusAccepted
	if routed.Action == orchestrator.ActionMenu {
		status = http.StatusOK
	}
	respondJSON(w, status, routed)
}

type sceneRequest struct {
	Choice string `json:"choice"`
}

func (s *server) scenes(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(r)
	if !ok {
		httpError(w, http.StatusBadRequest, "invalid user id", nil)
		return
	}
	var req sceneRequest
	if err := decodeBody(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON", nil)
		return
	}
	err := s.Submitter.ChooseScenes(r.Context(), id, req.Choice)
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, orchestrator.ErrNoPhoto):
		httpError(w, http.StatusConflict, orchestrator.Notice(err), nil)
	case errors.Is(err, orchestrator.ErrInvalidScene):
		httpError(w, http.StatusBadRequest, orchestrator.Notice(err), nil)
	case errors.Is(err, orchestrator.ErrShuttingDown):
		httpError(w, http.StatusServiceUnavailable, "shutting down", nil)
	default:
		httpError(w, http.StatusInternalServerError, "scene choice failed", err)
	}
}

type packView struct {
	Credits     int64  `json:"credits"`
	Price       int64  `json:"price"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

func (s *server) packs(w http.ResponseWriter, r *http.Request) {
	if s.Seller == nil {
		respondJSON(w, http.StatusOK, map[string]any{"packs": []packView{}, "enabled": false})
		return
	}
	var views []packView
	for _, p := range s.Seller.Packs() {
		views = append(views, packView{Credits: p.Credits, Price: p.Price, AmountMinor: p.AmountMinor(), Currency: s.Currency})
	}
	respondJSON(w, http.StatusOK, map[string]any{"packs": views, "enabled": true})
}

type checkoutRequest struct {
	Pack int64 `json:"pack"`
}

type checkoutResponse struct {
	PaymentID       string `json:"payment_id"`
	ConfirmationURL string `json:"confirmation_url"`
	Credits         int64  `json:"credits"`
	Price           int64  `json:"price"`
	Currency        string `json:"currency"`
}

func (s *server) checkout(w http.ResponseWriter, r *http.Request) {
	if s.Seller == nil {
		httpError(w, http.StatusServiceUnavailable, "payments are not configured", nil)
		return
	}
	id, ok := userID(r)
	if !ok {
		httpError(w, http.StatusBadRequest, "invalid user id", nil)
		return
	}
	var req checkoutRequest
	if err := decodeBody(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON", nil)
		return
	}
	created, pack, err := s.Seller.Start(r.Context(), id, req.Pack)
	if err != nil {
		var apiErr *payments.APIError
		switch {
		case errors.Is(err, payments.ErrUnknownPack):
			httpError(w, http.StatusBadRequest, "unknown pack", nil)
		case errors.As(err, &apiErr):
			httpError(w, http.StatusBadGateway, "payment provider error", err)
		default:
			httpError(w, http.StatusInternalServerError, "checkout failed", err)
		}
		return
	}
	respondJSON(w, http.StatusCreated, checkoutResponse{
		PaymentID:       created.ID,
		ConfirmationURL: created.ConfirmationURL,
		Credits:         pack.Credits,
		Price:           pack.Price,
		Currency:        s.Currency,
	})
}

type checkResponse struct {
	payments.Outcome
	Message string `json:"message"`
}

func (s *server) checkPayment(w http.ResponseWriter, r *http.Request) {
	if s.Reconciler == nil {
		httpError(w, http.StatusServiceUnavailable, "payments are not configured", nil)
		return
	}
	paymentID := strings.TrimSpace(mux.Vars(r)["id"])
	out, err := s.Reconciler.Reconcile(r.Context(), paymentID)
	if err != nil {
		httpError(w, http.StatusBadGateway, "payment check failed", err)
		return
	}
	respondJSON(w, http.StatusOK, checkResponse{Outcome: out, Message: out.Message()})
}
