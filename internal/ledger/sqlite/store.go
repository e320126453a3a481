// Package sqlite implements ledger.Store on an embedded SQLite database.
//
// The store holds exactly one connection and opens every write transaction
// with BEGIN IMMEDIATE, so ledger operations are linearized inside the
// process and across any other process sharing the file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/fpang/lookbook-bot/internal/ledger"
	"github.com/fpang/lookbook-bot/internal/ledger/sqlite/migrations"
)

// Store is the SQLite-backed ledger.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// Open opens (creating if needed) the ledger database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	dsn := cleanPath +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.Debug().Str("path", cleanPath).Msg("SQLite ledger opened")
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) nowMilli() int64 {
	return s.now().UTC().UnixMilli()
}

// withTx runs fn in one immediate transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, userID int64, kind ledger.Kind, amount int64, meta string, at int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (user_id, kind, amount, meta, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID, string(kind), amount, meta, at)
	if err != nil {
		return fmt.Errorf("insert %s transaction: %w", kind, err)
	}
	return nil
}

// EnsureAccount creates the account on first contact and grants the welcome bonus once.
func (s *Store) EnsureAccount(ctx context.Context, userID, welcome int64) (bool, int64, error) {
	if welcome < 0 {
		return false, 0, ledger.ErrInvalidAmount
	}
	var (
		isNew   bool
		balance int64
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.nowMilli()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (user_id, balance, welcomed, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (user_id) DO NOTHING`,
			userID, welcome, boolInt(welcome > 0), now)
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		if n == 1 {
			isNew = true
			balance = welcome
			if welcome > 0 {
				return insertTransaction(ctx, tx, userID, ledger.KindBonus, welcome, ledger.MetaWelcome, now)
			}
			return nil
		}
		if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = ?`, userID).Scan(&balance); err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("ensure account %d: %w", userID, err)
	}
	if isNew {
		log.Info().Int64("userId", userID).Int64("welcome", welcome).Msg("Account created")
	}
	return isNew, balance, nil
}

// Balance returns the user's balance, or 0 when the account does not exist.
func (s *Store) Balance(ctx context.Context, userID int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var balance int64
	err := s.sqlDB.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance %d: %w", userID, err)
	}
	return balance, nil
}

// AddCredits credits the account, creating an unwelcomed account row when missing.
func (s *Store) AddCredits(ctx context.Context, userID, amount int64, kind ledger.Kind, reason string) error {
	if amount <= 0 {
		return nil
	}
	if err := ledger.CheckKind(kind); err != nil {
		return err
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.nowMilli()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (user_id, balance, welcomed, created_at) VALUES (?, ?, 0, ?)
			 ON CONFLICT (user_id) DO UPDATE SET balance = balance + excluded.balance`,
			userID, amount, now); err != nil {
			return fmt.Errorf("credit account: %w", err)
		}
		return insertTransaction(ctx, tx, userID, kind, amount, reason, now)
	})
	if err != nil {
		return fmt.Errorf("add credits %d: %w", userID, err)
	}
	return nil
}

// SpendCredits debits amount only when the balance covers it, in one statement.
func (s *Store) SpendCredits(ctx context.Context, userID, amount int64, reason string) (bool, error) {
	if amount <= 0 {
		return false, ledger.ErrInvalidAmount
	}
	if reason == "" {
		reason = ledger.MetaImage
	}
	var ok bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = balance - ? WHERE user_id = ? AND balance >= ?`,
			amount, userID, amount)
		if err != nil {
			return fmt.Errorf("debit account: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("debit account: %w", err)
		}
		if n == 0 {
			return nil
		}
		ok = true
		return insertTransaction(ctx, tx, userID, ledger.KindSpend, -amount, reason, s.nowMilli())
	})
	if err != nil {
		return false, fmt.Errorf("spend credits %d: %w", userID, err)
	}
	return ok, nil
}

// RegisterPayment inserts a new payment; an existing provider id is left untouched.
func (s *Store) RegisterPayment(ctx context.Context, p ledger.NewPayment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.ProviderPaymentID = ledger.PaymentID(p.ProviderPaymentID)
	if err := p.Validate(); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO payments (provider, provider_payment_id, user_id, credits, amount_minor, currency, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (provider_payment_id) DO NOTHING`,
		ledger.ProviderYooKassa, p.ProviderPaymentID, p.UserID, p.Credits, p.AmountMinor, p.Currency,
		string(ledger.PaymentNew), s.nowMilli())
	if err != nil {
		return fmt.Errorf("register payment %s: %w", p.ProviderPaymentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Debug().Str("paymentId", p.ProviderPaymentID).Msg("Payment already registered")
	}
	return nil
}

// SetPaymentStatus updates the status of a payment that has not been applied.
func (s *Store) SetPaymentStatus(ctx context.Context, providerPaymentID string, status ledger.PaymentStatus) error {
	providerPaymentID = ledger.PaymentID(providerPaymentID)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ledger.CheckSettableStatus(status); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`UPDATE payments SET status = ? WHERE provider_payment_id = ? AND status <> ?`,
		string(status), providerPaymentID, string(ledger.PaymentApplied))
	if err != nil {
		return fmt.Errorf("set payment %s status: %w", providerPaymentID, err)
	}
	return nil
}

// MarkApplied transitions the payment to applied with a single conditional UPDATE.
func (s *Store) MarkApplied(ctx context.Context, providerPaymentID string) (*ledger.Applied, error) {
	providerPaymentID = ledger.PaymentID(providerPaymentID)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var applied ledger.Applied
	err := s.sqlDB.QueryRowContext(ctx,
		`UPDATE payments SET status = ? WHERE provider_payment_id = ? AND status <> ?
		 RETURNING user_id, credits`,
		string(ledger.PaymentApplied), providerPaymentID, string(ledger.PaymentApplied),
	).Scan(&applied.UserID, &applied.Credits)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mark payment %s applied: %w", providerPaymentID, err)
	}
	return &applied, nil
}

// Transactions lists the user's transactions, newest first.
func (s *Store) Transactions(ctx context.Context, userID int64, limit int) ([]ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = ledger.DefaultListLimit
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, user_id, kind, amount, meta, created_at
FROM transactions
WHERE user_id = ?
ORDER BY id DESC
LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions %d: %w", userID, err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var (
			txn       ledger.Transaction
			kind      string
			createdAt int64
		)
		if err := rows.Scan(&txn.ID, &txn.UserID, &kind, &txn.Amount, &txn.Meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txn.Kind = ledger.Kind(kind)
		txn.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

// Payment returns the stored payment, or nil when unknown.
func (s *Store) Payment(ctx context.Context, providerPaymentID string) (*ledger.Payment, error) {
	providerPaymentID = ledger.PaymentID(providerPaymentID)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		p         ledger.Payment
		status    string
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, provider, provider_payment_id, user_id, credits, amount_minor, currency, status, created_at
FROM payments WHERE provider_payment_id = ?`, providerPaymentID).Scan(
		&p.ID, &p.Provider, &p.ProviderPaymentID, &p.UserID, &p.Credits, &p.AmountMinor, &p.Currency, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment %s: %w", providerPaymentID, err)
	}
	p.Status = ledger.PaymentStatus(status)
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &p, nil
}
