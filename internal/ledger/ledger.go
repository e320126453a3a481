// Package ledger defines the credit ledger: accounts with an integer credit
// balance, the append-only transaction log that justifies every balance, and
// the payment records that feed purchases into it.
//
// Every Store method is a single indivisible step. Callers never read a
// balance and write it back themselves; the conditional debit lives inside
// SpendCredits and the exactly-once payment transition inside MarkApplied.
//
// Three backends implement Store:
//   - sqlite (default, embedded, single writer connection)
//   - postgres (pgx, row locks)
//   - dynamo (DynamoDB conditional writes)
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Kind classifies a ledger transaction.
type Kind string

const (
	KindBonus    Kind = "bonus"
	KindSpend    Kind = "spend"
	KindPurchase Kind = "purchase"
	KindAdjust   Kind = "adjust"
)

// PaymentStatus is the lifecycle state of a stored payment.
type PaymentStatus string

const (
	PaymentNew       PaymentStatus = "new"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentApplied   PaymentStatus = "applied"
	PaymentCanceled  PaymentStatus = "canceled"
)

// ProviderYooKassa is the only payment provider recorded on payments.
const ProviderYooKassa = "yookassa"

// Transaction meta values written by the ledger itself.
const (
	MetaWelcome = "welcome"
	MetaImage   = "image"
)

var (
	// ErrInvalidAmount is returned for amounts that can never be applied.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrInvalidStatus is returned when a status transition is not allowed.
	ErrInvalidStatus = errors.New("ledger: invalid payment status")
	// ErrInvalidPayment is returned by RegisterPayment for malformed input.
	ErrInvalidPayment = errors.New("ledger: invalid payment")
)

// Account is a user's balance record.
type Account struct {
	UserID    int64
	Balance   int64
	Welcomed  bool
	CreatedAt time.Time
}

// Transaction is one immutable audit entry. Amount is signed: spends are negative.
type Transaction struct {
	ID        int64
	UserID    int64
	Kind      Kind
	Amount    int64
	Meta      string
	CreatedAt time.Time
}

// Payment is a checkout attempt recorded against a provider payment id.
type Payment struct {
	ID                int64
	Provider          string
	ProviderPaymentID string
	UserID            int64
	Credits           int64
	AmountMinor       int64
	Currency          string
	Status            PaymentStatus
	CreatedAt         time.Time
}

// NewPayment is the input to RegisterPayment.
type NewPayment struct {
	ProviderPaymentID string
	UserID            int64
	Credits           int64
	AmountMinor       int64
	Currency          string
}

// PaymentID normalizes a provider payment id. Every payment method of every
// backend keys on the normalized form.
func PaymentID(id string) string { return strings.TrimSpace(id) }

// Validate checks the fields every backend requires.
func (p NewPayment) Validate() error {
	if p.ProviderPaymentID == "" {
		return errors.Join(ErrInvalidPayment, errors.New("provider payment id is required"))
	}
	if p.Credits <= 0 {
		return errors.Join(ErrInvalidPayment, errors.New("credits must be positive"))
	}
	if p.AmountMinor < 0 {
		return errors.Join(ErrInvalidPayment, errors.New("amount must not be negative"))
	}
	return nil
}

// Applied is returned by MarkApplied the one time a payment transitions to applied.
type Applied struct {
	UserID  int64
	Credits int64
}

// Store is the ledger persistence contract. Implementations must make every
// method atomic with respect to concurrent callers on the same account or
// payment.
type Store interface {
	// EnsureAccount creates the account when absent. A new account with
	// welcome > 0 receives the bonus and a bonus transaction in the same step.
	EnsureAccount(ctx context.Context, userID, welcome int64) (isNew bool, balance int64, err error)
	// Balance returns 0 for unknown accounts without creating them.
	Balance(ctx context.Context, userID int64) (int64, error)
	// AddCredits increments the balance. Non-positive amounts are a no-op.
	AddCredits(ctx context.Context, userID, amount int64, kind Kind, reason string) error
	// SpendCredits debits amount iff the balance covers it.
	SpendCredits(ctx context.Context, userID, amount int64, reason string) (bool, error)
	// RegisterPayment stores a new payment; a duplicate provider id is ignored.
	RegisterPayment(ctx context.Context, p NewPayment) error
	// SetPaymentStatus updates a non-applied payment. Unknown ids are ignored.
	SetPaymentStatus(ctx context.Context, providerPaymentID string, status PaymentStatus) error
	// MarkApplied moves a payment to applied and returns its owner and credits
	// exactly once. Absent or already applied payments return nil.
	MarkApplied(ctx context.Context, providerPaymentID string) (*Applied, error)
	// Transactions lists a user's transactions, newest first.
	Transactions(ctx context.Context, userID int64, limit int) ([]Transaction, error)
	// Payment returns nil when the provider id is unknown.
	Payment(ctx context.Context, providerPaymentID string) (*Payment, error)
	Close() error
}

// CheckKind reports whether kind may be passed to AddCredits.
func CheckKind(kind Kind) error {
	switch kind {
	case KindPurchase, KindAdjust:
		return nil
	default:
		return errors.New("ledger: credits kind must be purchase or adjust, got " + string(kind))
	}
}

// CheckSettableStatus reports whether status may be passed to SetPaymentStatus.
// Applied is reachable only through MarkApplied.
func CheckSettableStatus(status PaymentStatus) error {
	switch status {
	case PaymentNew, PaymentSucceeded, PaymentCanceled:
		return nil
	default:
		return ErrInvalidStatus
	}
}

// DefaultListLimit bounds Transactions when the caller passes limit <= 0.
const DefaultListLimit = 50
