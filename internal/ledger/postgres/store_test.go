package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/fpang/lookbook-bot/internal/ledger"
)

// openTestStore connects to LOOKBOOK_TEST_POSTGRES_DSN and skips when unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LOOKBOOK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LOOKBOOK_TEST_POSTGRES_DSN not set")
	}
	store, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// testUserID returns an id unlikely to collide across runs against a shared database.
func testUserID() int64 {
	return time.Now().UnixNano() & 0x7fffffffffff
}

func TestPostgresSpendAndWelcome(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	uid := testUserID()

	isNew, balance, err := store.EnsureAccount(ctx, uid, 5)
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	if !isNew || balance != 5 {
		t.Fatalf("EnsureAccount = (%v, %d), want (true, 5)", isNew, balance)
	}
	if isNew, _, _ := store.EnsureAccount(ctx, uid, 5); isNew {
		t.Fatal("second EnsureAccount reported a new account")
	}

	ok, err := store.SpendCredits(ctx, uid, 3, "")
	if err != nil || !ok {
		t.Fatalf("spend 3 = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = store.SpendCredits(ctx, uid, 3, "")
	if err != nil || ok {
		t.Fatalf("spend 3 of 2 = (%v, %v), want (false, nil)", ok, err)
	}
	if balance, _ := store.Balance(ctx, uid); balance != 2 {
		t.Fatalf("balance = %d, want 2", balance)
	}
}

func TestPostgresMarkAppliedOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	uid := testUserID()
	pid := "pg-test-" + time.Now().Format("150405.000000000")

	p := ledger.NewPayment{ProviderPaymentID: pid, UserID: uid, Credits: 30, AmountMinor: 14900, Currency: "RUB"}
	if err := store.RegisterPayment(ctx, p); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := store.RegisterPayment(ctx, p); err != nil {
		t.Fatalf("register duplicate: %v", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		hits int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := store.MarkApplied(ctx, pid)
			if err != nil {
				t.Errorf("mark applied: %v", err)
				return
			}
			if applied != nil {
				mu.Lock()
				hits++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if hits != 1 {
		t.Fatalf("MarkApplied returned a value %d times, want 1", hits)
	}
}

func TestPostgresPaymentIDNormalized(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	pid := "pg-trim-" + time.Now().Format("150405.000000000")

	if err := store.RegisterPayment(ctx, ledger.NewPayment{ProviderPaymentID: " " + pid + " ", UserID: testUserID(), Credits: 10, Currency: "RUB"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if p, err := store.Payment(ctx, pid+"\n"); err != nil || p == nil || p.ProviderPaymentID != pid {
		t.Fatalf("Payment = (%v, %v), want stored %q", p, err, pid)
	}
	if applied, err := store.MarkApplied(ctx, " "+pid); err != nil || applied == nil {
		t.Fatalf("MarkApplied = (%v, %v), want applied", applied, err)
	}
	if applied, err := store.MarkApplied(ctx, pid); err != nil || applied != nil {
		t.Fatalf("second MarkApplied = (%v, %v), want (nil, nil)", applied, err)
	}
}
