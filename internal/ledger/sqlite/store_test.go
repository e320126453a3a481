package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fpang/lookbook-bot/internal/ledger"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

// assertConsistent checks that the balance equals the sum of the user's transactions.
func assertConsistent(t *testing.T, store *Store, userID int64) {
	t.Helper()
	ctx := context.Background()
	balance, err := store.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	txns, err := store.Transactions(ctx, userID, 10000)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	var sum int64
	for _, txn := range txns {
		sum += txn.Amount
	}
	if sum != balance {
		t.Fatalf("sum(transactions) = %d, balance = %d", sum, balance)
	}
}

func TestEnsureAccountWelcomeOnce(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	isNew, balance, err := store.EnsureAccount(ctx, 42, 5)
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	if !isNew || balance != 5 {
		t.Fatalf("EnsureAccount = (%v, %d), want (true, 5)", isNew, balance)
	}

	for i := 0; i < 3; i++ {
		isNew, balance, err = store.EnsureAccount(ctx, 42, 5)
		if err != nil {
			t.Fatalf("ensure account again: %v", err)
		}
		if isNew || balance != 5 {
			t.Fatalf("EnsureAccount repeat = (%v, %d), want (false, 5)", isNew, balance)
		}
	}

	txns, err := store.Transactions(ctx, 42, 0)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("transactions len = %d, want 1", len(txns))
	}
	if txns[0].Kind != ledger.KindBonus || txns[0].Amount != 5 || txns[0].Meta != ledger.MetaWelcome {
		t.Fatalf("bonus transaction = %+v", txns[0])
	}
	assertConsistent(t, store, 42)
}

func TestEnsureAccountWithoutWelcome(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	isNew, balance, err := store.EnsureAccount(ctx, 7, 0)
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	if !isNew || balance != 0 {
		t.Fatalf("EnsureAccount = (%v, %d), want (true, 0)", isNew, balance)
	}
	txns, _ := store.Transactions(ctx, 7, 0)
	if len(txns) != 0 {
		t.Fatalf("transactions len = %d, want 0", len(txns))
	}

	if _, _, err := store.EnsureAccount(ctx, 8, -1); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("negative welcome err = %v, want ErrInvalidAmount", err)
	}
}

func TestBalanceUnknownAccountDoesNotCreate(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	balance, err := store.Balance(ctx, 99)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("balance = %d, want 0", balance)
	}

	isNew, _, err := store.EnsureAccount(ctx, 99, 5)
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	if !isNew {
		t.Fatal("Balance must not create the account")
	}
}

func TestSpendCredits(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if _, _, err := store.EnsureAccount(ctx, 1, 5); err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	ok, err := store.SpendCredits(ctx, 1, 3, "")
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if !ok {
		t.Fatal("spend 3 of 5 should succeed")
	}
	balance, _ := store.Balance(ctx, 1)
	if balance != 2 {
		t.Fatalf("balance = %d, want 2", balance)
	}

	txns, _ := store.Transactions(ctx, 1, 0)
	if txns[0].Kind != ledger.KindSpend || txns[0].Amount != -3 || txns[0].Meta != ledger.MetaImage {
		t.Fatalf("spend transaction = %+v", txns[0])
	}

	ok, err = store.SpendCredits(ctx, 1, 3, "image")
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if ok {
		t.Fatal("spend 3 of 2 should fail")
	}
	balance, _ = store.Balance(ctx, 1)
	if balance != 2 {
		t.Fatalf("balance after failed spend = %d, want 2", balance)
	}

	if ok, _ := store.SpendCredits(ctx, 404, 1, ""); ok {
		t.Fatal("spend on unknown account should fail")
	}
	if _, err := store.SpendCredits(ctx, 1, 0, ""); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("spend 0 err = %v, want ErrInvalidAmount", err)
	}
	assertConsistent(t, store, 1)
}

func TestConcurrentSpendNeverOverdraws(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if _, _, err := store.EnsureAccount(ctx, 1, 10); err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.SpendCredits(ctx, 1, 1, "")
			if err != nil {
				t.Errorf("spend: %v", err)
				return
			}
			if ok {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Fatalf("successful spends = %d, want 10", succeeded)
	}
	balance, _ := store.Balance(ctx, 1)
	if balance != 0 {
		t.Fatalf("balance = %d, want 0", balance)
	}
	assertConsistent(t, store, 1)
}

func TestAddCredits(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.AddCredits(ctx, 5, 0, ledger.KindPurchase, "noop"); err != nil {
		t.Fatalf("add zero: %v", err)
	}
	if err := store.AddCredits(ctx, 5, -3, ledger.KindPurchase, "noop"); err != nil {
		t.Fatalf("add negative: %v", err)
	}
	txns, _ := store.Transactions(ctx, 5, 0)
	if len(txns) != 0 {
		t.Fatalf("non-positive amounts wrote %d transactions", len(txns))
	}

	// Credits before first contact create the account without a welcome.
	if err := store.AddCredits(ctx, 5, 30, ledger.KindAdjust, "admin:1"); err != nil {
		t.Fatalf("add credits: %v", err)
	}
	isNew, balance, err := store.EnsureAccount(ctx, 5, 5)
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	if isNew || balance != 30 {
		t.Fatalf("EnsureAccount = (%v, %d), want (false, 30)", isNew, balance)
	}

	if err := store.AddCredits(ctx, 5, 120, ledger.KindPurchase, "payment:p1"); err != nil {
		t.Fatalf("add credits: %v", err)
	}
	balance, _ = store.Balance(ctx, 5)
	if balance != 150 {
		t.Fatalf("balance = %d, want 150", balance)
	}
	if err := store.AddCredits(ctx, 5, 1, ledger.KindSpend, "bad"); err == nil {
		t.Fatal("expected error for spend kind")
	}
	assertConsistent(t, store, 5)
}

func TestRegisterPaymentIdempotent(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	p := ledger.NewPayment{ProviderPaymentID: "p1", UserID: 1, Credits: 30, AmountMinor: 14900, Currency: "RUB"}
	if err := store.RegisterPayment(ctx, p); err != nil {
		t.Fatalf("register: %v", err)
	}
	dup := p
	dup.Credits = 999
	if err := store.RegisterPayment(ctx, dup); err != nil {
		t.Fatalf("register duplicate: %v", err)
	}

	got, err := store.Payment(ctx, "p1")
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	if got == nil {
		t.Fatal("payment not stored")
	}
	if got.Credits != 30 || got.Status != ledger.PaymentNew || got.Provider != ledger.ProviderYooKassa {
		t.Fatalf("payment = %+v", got)
	}

	var count int
	if err := store.sqlDB.QueryRow(`SELECT COUNT(*) FROM payments WHERE provider_payment_id = 'p1'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("payment rows = %d, want 1", count)
	}

	if err := store.RegisterPayment(ctx, ledger.NewPayment{ProviderPaymentID: "p2", Credits: 0}); !errors.Is(err, ledger.ErrInvalidPayment) {
		t.Fatalf("invalid payment err = %v, want ErrInvalidPayment", err)
	}
}

func TestMarkAppliedExactlyOnce(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.RegisterPayment(ctx, ledger.NewPayment{ProviderPaymentID: "p1", UserID: 3, Credits: 30, AmountMinor: 14900, Currency: "RUB"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*ledger.Applied
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := store.MarkApplied(ctx, "p1")
			if err != nil {
				t.Errorf("mark applied: %v", err)
				return
			}
			if applied != nil {
				mu.Lock()
				results = append(results, applied)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(results) != 1 {
		t.Fatalf("MarkApplied returned a value %d times, want 1", len(results))
	}
	if results[0].UserID != 3 || results[0].Credits != 30 {
		t.Fatalf("applied = %+v, want {3 30}", *results[0])
	}

	applied, err := store.MarkApplied(ctx, "missing")
	if err != nil || applied != nil {
		t.Fatalf("MarkApplied(missing) = (%v, %v), want (nil, nil)", applied, err)
	}
}

func TestPaymentIDNormalizedEverywhere(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.RegisterPayment(ctx, ledger.NewPayment{ProviderPaymentID: " p-9 ", UserID: 4, Credits: 10, AmountMinor: 5000, Currency: "RUB"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := store.SetPaymentStatus(ctx, "p-9\n", ledger.PaymentSucceeded); err != nil {
		t.Fatalf("set status: %v", err)
	}
	p, err := store.Payment(ctx, "  p-9")
	if err != nil || p == nil {
		t.Fatalf("Payment = (%v, %v), want the stored payment", p, err)
	}
	if p.ProviderPaymentID != "p-9" || p.Status != ledger.PaymentSucceeded {
		t.Errorf("payment = %+v", *p)
	}

	first, err := store.MarkApplied(ctx, "p-9")
	if err != nil || first == nil {
		t.Fatalf("MarkApplied(p-9) = (%v, %v), want applied", first, err)
	}
	second, err := store.MarkApplied(ctx, " p-9 ")
	if err != nil || second != nil {
		t.Fatalf("MarkApplied( p-9 ) = (%v, %v), want (nil, nil)", second, err)
	}
}

func TestSetPaymentStatus(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2"} {
		if err := store.RegisterPayment(ctx, ledger.NewPayment{ProviderPaymentID: id, UserID: 1, Credits: 30, Currency: "RUB"}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	if err := store.SetPaymentStatus(ctx, "p1", ledger.PaymentCanceled); err != nil {
		t.Fatalf("set status: %v", err)
	}
	p1, _ := store.Payment(ctx, "p1")
	if p1.Status != ledger.PaymentCanceled {
		t.Fatalf("p1 status = %q, want canceled", p1.Status)
	}

	if _, err := store.MarkApplied(ctx, "p2"); err != nil {
		t.Fatalf("mark applied: %v", err)
	}
	if err := store.SetPaymentStatus(ctx, "p2", ledger.PaymentCanceled); err != nil {
		t.Fatalf("set status: %v", err)
	}
	p2, _ := store.Payment(ctx, "p2")
	if p2.Status != ledger.PaymentApplied {
		t.Fatalf("p2 status = %q, applied must never revert", p2.Status)
	}

	if err := store.SetPaymentStatus(ctx, "p1", ledger.PaymentApplied); !errors.Is(err, ledger.ErrInvalidStatus) {
		t.Fatalf("set applied err = %v, want ErrInvalidStatus", err)
	}
	if err := store.SetPaymentStatus(ctx, "unknown", ledger.PaymentCanceled); err != nil {
		t.Fatalf("unknown payment should be a no-op, got %v", err)
	}
}

func TestLedgerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")
	ctx := context.Background()

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, _, err := store.EnsureAccount(ctx, 1, 5); err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	if _, err := store.SpendCredits(ctx, 1, 2, ""); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	balance, _ := reopened.Balance(ctx, 1)
	if balance != 3 {
		t.Fatalf("balance after reopen = %d, want 3", balance)
	}
	assertConsistent(t, reopened, 1)
}

func TestUpSection(t *testing.T) {
	got := upSection("-- +migrate Up\nCREATE TABLE a (x INT);\n-- +migrate Down\nDROP TABLE a;")
	if got != "\nCREATE TABLE a (x INT);\n" {
		t.Fatalf("upSection = %q", got)
	}
	if got := upSection("SELECT 1;"); got != "SELECT 1;" {
		t.Fatalf("upSection without markers = %q", got)
	}
}
