// Package postgres implements ledger.Store on PostgreSQL using pgx.
//
// Balance changes lock the account row (SELECT ... FOR UPDATE) inside a
// transaction; payment transitions are single conditional statements.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/fpang/lookbook-bot/internal/ledger"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Store is the PostgreSQL-backed ledger.
type Store struct {
	db *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// Open connects to dsn, verifies the connection, and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	log.Debug().Str("host", config.ConnConfig.Host).Msg("Postgres ledger opened")
	return &Store{db: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// inTx runs fn in a read-committed transaction; row locks provide the ordering.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, userID int64, kind ledger.Kind, amount int64, meta string) error {
	_, err := tx.Exec(ctx,
		"INSERT INTO transactions (user_id, kind, amount, meta) VALUES ($1, $2, $3, $4)",
		userID, string(kind), amount, meta)
	if err != nil {
		return fmt.Errorf("insert %s transaction: %w", kind, err)
	}
	return nil
}

func (s *Store) EnsureAccount(ctx context.Context, userID, welcome int64) (bool, int64, error) {
	if welcome < 0 {
		return false, 0, ledger.ErrInvalidAmount
	}
	var (
		isNew   bool
		balance int64
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO accounts (user_id, balance, welcomed) VALUES ($1, $2, $3)
			 ON CONFLICT (user_id) DO NOTHING`,
			userID, welcome, welcome > 0)
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		if tag.RowsAffected() == 1 {
			isNew, balance = true, welcome
			if welcome > 0 {
				return insertTransaction(ctx, tx, userID, ledger.KindBonus, welcome, ledger.MetaWelcome)
			}
			return nil
		}
		return tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE user_id = $1", userID).Scan(&balance)
	})
	if err != nil {
		return false, 0, fmt.Errorf("ensure account %d: %w", userID, err)
	}
	return isNew, balance, nil
}

func (s *Store) Balance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx, "SELECT balance FROM accounts WHERE user_id = $1", userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance %d: %w", userID, err)
	}
	return balance, nil
}

func (s *Store) AddCredits(ctx context.Context, userID, amount int64, kind ledger.Kind, reason string) error {
	if amount <= 0 {
		return nil
	}
	if err := ledger.CheckKind(kind); err != nil {
		return err
	}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO accounts (user_id, balance, welcomed) VALUES ($1, $2, FALSE)
			 ON CONFLICT (user_id) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance`,
			userID, amount); err != nil {
			return fmt.Errorf("credit account: %w", err)
		}
		return insertTransaction(ctx, tx, userID, kind, amount, reason)
	})
	if err != nil {
		return fmt.Errorf("add credits %d: %w", userID, err)
	}
	return nil
}

func (s *Store) SpendCredits(ctx context.Context, userID, amount int64, reason string) (bool, error) {
	if amount <= 0 {
		return false, ledger.ErrInvalidAmount
	}
	if reason == "" {
		reason = ledger.MetaImage
	}
	var ok bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var balance int64
		err := tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE user_id = $1 FOR UPDATE", userID).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock acquisition failed: %w", err)
		}
		if balance < amount {
			return nil
		}
		if _, err := tx.Exec(ctx, "UPDATE accounts SET balance = balance - $1 WHERE user_id = $2", amount, userID); err != nil {
			return fmt.Errorf("debit account: %w", err)
		}
		ok = true
		return insertTransaction(ctx, tx, userID, ledger.KindSpend, -amount, reason)
	})
	if err != nil {
		return false, fmt.Errorf("spend credits %d: %w", userID, err)
	}
	return ok, nil
}

func (s *Store) RegisterPayment(ctx context.Context, p ledger.NewPayment) error {
	p.ProviderPaymentID = ledger.PaymentID(p.ProviderPaymentID)
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO payments (provider, provider_payment_id, user_id, credits, amount_minor, currency, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ledger.ProviderYooKassa, p.ProviderPaymentID, p.UserID, p.Credits, p.AmountMinor, p.Currency, string(ledger.PaymentNew))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			log.Debug().Str("paymentId", p.ProviderPaymentID).Msg("Payment already registered")
			return nil
		}
		return fmt.Errorf("register payment %s: %w", p.ProviderPaymentID, err)
	}
	return nil
}

func (s *Store) SetPaymentStatus(ctx context.Context, providerPaymentID string, status ledger.PaymentStatus) error {
	providerPaymentID = ledger.PaymentID(providerPaymentID)
	if err := ledger.CheckSettableStatus(status); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx,
		"UPDATE payments SET status = $1 WHERE provider_payment_id = $2 AND status <> $3",
		string(status), providerPaymentID, string(ledger.PaymentApplied))
	if err != nil {
		return fmt.Errorf("set payment %s status: %w", providerPaymentID, err)
	}
	return nil
}

func (s *Store) MarkApplied(ctx context.Context, providerPaymentID string) (*ledger.Applied, error) {
	providerPaymentID = ledger.PaymentID(providerPaymentID)
	var applied ledger.Applied
	err := s.db.QueryRow(ctx,
		`UPDATE payments SET status = $1 WHERE provider_payment_id = $2 AND status <> $1
		 RETURNING user_id, credits`,
		string(ledger.PaymentApplied), providerPaymentID,
	).Scan(&applied.UserID, &applied.Credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mark payment %s applied: %w", providerPaymentID, err)
	}
	return &applied, nil
}

func (s *Store) Transactions(ctx context.Context, userID int64, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = ledger.DefaultListLimit
	}
	rows, err := s.db.Query(ctx, `
SELECT id, user_id, kind, amount, meta, created_at
FROM transactions WHERE user_id = $1
ORDER BY id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions %d: %w", userID, err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var (
			txn  ledger.Transaction
			kind string
		)
		if err := rows.Scan(&txn.ID, &txn.UserID, &kind, &txn.Amount, &txn.Meta, &txn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txn.Kind = ledger.Kind(kind)
		out = append(out, txn)
	}
	return out, rows.Err()
}

func (s *Store) Payment(ctx context.Context, providerPaymentID string) (*ledger.Payment, error) {
	providerPaymentID = ledger.PaymentID(providerPaymentID)
	var (
		p      ledger.Payment
		status string
	)
	err := s.db.QueryRow(ctx, `
SELECT id, provider, provider_payment_id, user_id, credits, amount_minor, currency, status, created_at
FROM payments WHERE provider_payment_id = $1`, providerPaymentID).Scan(
		&p.ID, &p.Provider, &p.ProviderPaymentID, &p.UserID, &p.Credits, &p.AmountMinor, &p.Currency, &status, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment %s: %w", providerPaymentID, err)
	}
	p.Status = ledger.PaymentStatus(status)
	return &p, nil
}
