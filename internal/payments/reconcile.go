package payments

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fpang/lookbook-bot/internal/ledger"
	"github.com/fpang/lookbook-bot/internal/metrics"
)

// StatusChecker reports a payment's provider status.
type StatusChecker interface {
	Status(ctx context.Context, paymentID string) (string, error)
}

// OutcomeKind classifies the result of a reconciliation.
type OutcomeKind string

const (
	OutcomeCredited       OutcomeKind = "credited"
	OutcomeAlreadyApplied OutcomeKind = "already_applied"
	OutcomePending        OutcomeKind = "pending"
	OutcomeCanceled       OutcomeKind = "canceled"
	OutcomeOther          OutcomeKind = "other"
)

// Outcome is the user-facing result of Reconcile.
type Outcome struct {
	Kind      OutcomeKind `json:"kind"`
	PaymentID string      `json:"payment_id"`
	UserID    int64       `json:"user_id,omitempty"`
	Credits   int64       `json:"credits,omitempty"`
	Balance   int64       `json:"balance,omitempty"`
	// Status is the raw provider status.
	Status string `json:"status"`
}

// Message renders the outcome for the paying user.
func (o Outcome) Message() string {
	switch o.Kind {
	case OutcomeCredited:
		return fmt.Sprintf("Payment confirmed ✅ %d credits added.\nBalance: %d.", o.Credits, o.Balance)
	case OutcomeAlreadyApplied:
		return "This payment has already been applied ✅"
	case OutcomePending:
		return "The payment is not complete yet. Finish paying and check again."
	case OutcomeCanceled:
		return "The payment was canceled."
	default:
		return "Payment status: " + o.Status
	}
}

// Reconciler applies provider-confirmed payments to the ledger.
type Reconciler struct {
	store    ledger.Store
	provider StatusChecker
}

// NewReconciler wires a ledger to a payment provider.
func NewReconciler(store ledger.Store, provider StatusChecker) *Reconciler {
	return &Reconciler{store: store, provider: provider}
}

// Reconcile checks providerID with the provider and credits the ledger the
// first time the payment is seen as paid. Repeated or concurrent calls for
// the same id credit at most once.
func (r *Reconciler) Reconcile(ctx context.Context, providerID string) (Outcome, error) {
	status, err := r.provider.Status(ctx, providerID)
	if err != nil {
		return Outcome{}, fmt.Errorf("check payment %s: %w", providerID, err)
	}
	out := Outcome{PaymentID: providerID, Status: status}

	switch status {
	case StatusSucceeded, StatusWaitingForCapture:
		applied, err := r.store.MarkApplied(ctx, providerID)
		if err != nil {
			return Outcome{}, fmt.Errorf("mark payment %s applied: %w", providerID, err)
		}
		if applied == nil {
			out.Kind = OutcomeAlreadyApplied
			log.Info().Str("paymentId", providerID).Msg("Payment already applied")
			metrics.Reconciliations.WithLabelValues(string(out.Kind)).Inc()
			return out, nil
		}
		reason := ledger.ProviderYooKassa + ":" + providerID
		if err := r.store.AddCredits(ctx, applied.UserID, applied.Credits, ledger.KindPurchase, reason); err != nil {
			// The payment is now applied but the credit did not land; this needs an operator.
			log.Error().Err(err).
				Str("paymentId", providerID).
				Int64("userId", applied.UserID).
				Int64("credits", applied.Credits).
				Msg("Payment marked applied but crediting failed")
			return Outcome{}, fmt.Errorf("credit payment %s: %w", providerID, err)
		}
		balance, err := r.store.Balance(ctx, applied.UserID)
		if err != nil {
			return Outcome{}, fmt.Errorf("read balance: %w", err)
		}
		out.Kind = OutcomeCredited
		out.UserID = applied.UserID
		out.Credits = applied.Credits
		out.Balance = balance
		log.Info().
			Str("paymentId", providerID).
			Int64("userId", applied.UserID).
			Int64("credits", applied.Credits).
			Int64("balance", balance).
			Msg("Payment applied")

	case StatusPending:
		out.Kind = OutcomePending

	case StatusCanceled:
		if err := r.store.SetPaymentStatus(ctx, providerID, ledger.PaymentCanceled); err != nil {
			return Outcome{}, fmt.Errorf("cancel payment %s: %w", providerID, err)
		}
		out.Kind = OutcomeCanceled
		log.Info().Str("paymentId", providerID).Msg("Payment canceled")

	default:
		out.Kind = OutcomeOther
		log.Warn().Str("paymentId", providerID).Str("status", status).Msg("Unrecognised payment status")
	}
	metrics.Reconciliations.WithLabelValues(string(out.Kind)).Inc()
	return out, nil
}
