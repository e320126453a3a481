package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/fpang/lookbook-bot/internal/ledger"
	"github.com/fpang/lookbook-bot/internal/ledger/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type fakeStatus struct {
	mu       sync.Mutex
	statuses map[string]string
	err      error
}

func (f *fakeStatus) Status(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.statuses[id], nil
}

func register(t *testing.T, store ledger.Store, id string, userID, credits int64) {
	t.Helper()
	err := store.RegisterPayment(context.Background(), ledger.NewPayment{
		ProviderPaymentID: id, UserID: userID, Credits: credits, AmountMinor: 14900, Currency: "RUB",
	})
	if err != nil {
		t.Fatalf("RegisterPayment: %v", err)
	}
}

func TestReconcileAppliesOnce(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	register(t, store, "p1", 7, 30)
	r := NewReconciler(store, &fakeStatus{statuses: map[string]string{"p1": StatusSucceeded}})

	first, err := r.Reconcile(ctx, "p1")
	if err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	if first.Kind != OutcomeCredited || first.Credits != 30 || first.Balance != 30 || first.UserID != 7 {
		t.Fatalf("first outcome = %+v", first)
	}

	second, err := r.Reconcile(ctx, "p1")
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if second.Kind != OutcomeAlreadyApplied {
		t.Fatalf("second outcome = %+v, want already applied", second)
	}
	if bal, _ := store.Balance(ctx, 7); bal != 30 {
		t.Errorf("balance = %d, want 30", bal)
	}

	txns, err := store.Transactions(ctx, 7, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 1 || txns[0].Kind != ledger.KindPurchase || txns[0].Meta != "yookassa:p1" {
		t.Errorf("transactions = %+v", txns)
	}
}

func TestReconcileConcurrentCreditsOnce(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	register(t, store, "p2", 9, 120)
	r := NewReconciler(store, &fakeStatus{statuses: map[string]string{"p2": StatusWaitingForCapture}})

	var credited atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := r.Reconcile(ctx, "p2")
			if err != nil {
				t.Errorf("Reconcile: %v", err)
				return
			}
			if out.Kind == OutcomeCredited {
				credited.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := credited.Load(); got != 1 {
		t.Errorf("credited outcomes = %d, want 1", got)
	}
	if bal, _ := store.Balance(ctx, 9); bal != 120 {
		t.Errorf("balance = %d, want 120", bal)
	}
}

func TestReconcileOtherStatuses(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	register(t, store, "pend", 1, 30)
	register(t, store, "canc", 1, 30)
	register(t, store, "odd", 1, 30)
	r := NewReconciler(store, &fakeStatus{statuses: map[string]string{
		"pend": StatusPending,
		"canc": StatusCanceled,
		"odd":  "refund_requested",
	}})

	tests := []struct {
		id   string
		want OutcomeKind
	}{
		{"pend", OutcomePending},
		{"canc", OutcomeCanceled},
		{"odd", OutcomeOther},
	}
	for _, tt := range tests {
		out, err := r.Reconcile(ctx, tt.id)
		if err != nil {
			t.Fatalf("Reconcile(%s): %v", tt.id, err)
		}
		if out.Kind != tt.want {
			t.Errorf("Reconcile(%s) = %s, want %s", tt.id, out.Kind, tt.want)
		}
	}

	p, err := store.Payment(ctx, "canc")
	if err != nil || p == nil {
		t.Fatalf("Payment(canc) = %v, %v", p, err)
	}
	if p.Status != ledger.PaymentCanceled {
		t.Errorf("status = %s, want canceled", p.Status)
	}
	if bal, _ := store.Balance(ctx, 1); bal != 0 {
		t.Errorf("balance = %d, want 0", bal)
	}

	out, _ := r.Reconcile(ctx, "odd")
	if !strings.Contains(out.Message(), "refund_requested") {
		t.Errorf("message %q should carry the raw status", out.Message())
	}
}

func TestReconcileProviderError(t *testing.T) {
	store := openStore(t)
	boom := errors.New("network down")
	r := NewReconciler(store, &fakeStatus{err: boom})
	if _, err := r.Reconcile(context.Background(), "p1"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped provider error", err)
	}
}

func TestOutcomeMessage(t *testing.T) {
	tests := []struct {
		out  Outcome
		want string
	}{
		{Outcome{Kind: OutcomeCredited, Credits: 30, Balance: 35}, "30 credits added"},
		{Outcome{Kind: OutcomeAlreadyApplied}, "already been applied"},
		{Outcome{Kind: OutcomePending}, "not complete"},
		{Outcome{Kind: OutcomeCanceled}, "canceled"},
		{Outcome{Kind: OutcomeOther, Status: "weird"}, "weird"},
	}
	for _, tt := range tests {
		if got := tt.out.Message(); !strings.Contains(got, tt.want) {
			t.Errorf("Message(%s) = %q, want it to contain %q", tt.out.Kind, got, tt.want)
		}
	}
}

func TestParsePacks(t *testing.T) {
	tests := []struct {
		in   string
		want []Pack
	}{
		{"30:149,120:399", []Pack{{30, 149}, {120, 399}}},
		{" 10 : 50 , bad, 0:10, 5:x, 7:70:1", []Pack{{10, 50}}},
		{"", DefaultPacks},
		{"garbage", DefaultPacks},
	}
	for _, tt := range tests {
		if got := ParsePacks(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParsePacks(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

type fakeCreator struct {
	req CreateRequest
	err error
}

func (f *fakeCreator) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &Created{ID: "pay-1", Status: StatusPending, ConfirmationURL: "https://pay.example/confirm"}, nil
}

func TestCheckoutStart(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	creator := &fakeCreator{}
	co := NewCheckout(creator, store, []Pack{{Credits: 30, Price: 149}}, "RUB")

	created, pack, err := co.Start(ctx, 5, 30)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if created.ConfirmationURL == "" || pack.Price != 149 {
		t.Errorf("Start = %+v, %+v", created, pack)
	}
	if !creator.req.Amount.Equal(decimal.NewFromInt(149)) || creator.req.Currency != "RUB" {
		t.Errorf("create request = %+v", creator.req)
	}

	p, err := store.Payment(ctx, "pay-1")
	if err != nil || p == nil {
		t.Fatalf("Payment = %v, %v", p, err)
	}
	if p.AmountMinor != 14900 || p.Credits != 30 || p.UserID != 5 || p.Status != ledger.PaymentNew {
		t.Errorf("stored payment = %+v", p)
	}

	if _, _, err := co.Start(ctx, 5, 31); !errors.Is(err, ErrUnknownPack) {
		t.Errorf("unknown pack err = %v", err)
	}
}

func TestYooKassaCreate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/payments" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "shop" || pass != "secret" {
			t.Errorf("basic auth = %q/%q", user, pass)
		}
		if r.Header.Get("Idempotence-Key") == "" {
			t.Error("missing Idempotence-Key")
		}
		var body createBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Amount.Value != "149.00" || body.Amount.Currency != "RUB" {
			t.Errorf("amount = %+v", body.Amount)
		}
		if !body.Capture || body.Confirmation["type"] != "redirect" {
			t.Errorf("body = %+v", body)
		}
		if body.Metadata["credits"] != "30" || body.Metadata["user_id"] != "7" {
			t.Errorf("metadata = %v", body.Metadata)
		}
		if body.Receipt == nil || body.Receipt.Items[0].PaymentMode != "full_prepayment" || body.Receipt.Items[0].VATCode != 1 {
			t.Errorf("receipt = %+v", body.Receipt)
		}
		w.Write([]byte(`{"id":"2d9c","status":"pending","confirmation":{"type":"redirect","confirmation_url":"https://yoomoney.ru/checkout?x=1"}}`))
	}))
	defer server.Close()

	yk := NewYooKassa(YooKassaConfig{BaseURL: server.URL, ShopID: "shop", Secret: "secret", ReceiptEmail: "buyer@example.com"})
	created, err := yk.Create(context.Background(), CreateRequest{UserID: 7, Credits: 30, Amount: decimal.NewFromInt(149), Currency: "RUB"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID != "2d9c" || created.ConfirmationURL != "https://yoomoney.ru/checkout?x=1" {
		t.Errorf("created = %+v", created)
	}
}

func TestYooKassaStatusAndErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/payments/missing" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"type":"error","code":"not_found","description":"Payment not found"}`))
			return
		}
		if r.Header.Get("Idempotence-Key") != "" {
			t.Error("GET must not carry an Idempotence-Key")
		}
		w.Write([]byte(`{"id":"p1","status":"succeeded"}`))
	}))
	defer server.Close()

	yk := NewYooKassa(YooKassaConfig{BaseURL: server.URL, ShopID: "shop", Secret: "secret"})
	status, err := yk.Status(context.Background(), "p1")
	if err != nil || status != StatusSucceeded {
		t.Fatalf("Status = %q, %v", status, err)
	}

	_, err = yk.Status(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestYooKassaDisabled(t *testing.T) {
	yk := NewYooKassa(YooKassaConfig{})
	if yk.Enabled() {
		t.Fatal("client without credentials reports enabled")
	}
	if _, err := yk.Status(context.Background(), "p1"); err == nil {
		t.Error("expected error from disabled client")
	}
}
