package ledger

import (
	"errors"
	"testing"
)

func TestNewPaymentValidate(t *testing.T) {
	tests := []struct {
		name    string
		p       NewPayment
		wantErr bool
	}{
		{"valid", NewPayment{ProviderPaymentID: "p1", UserID: 1, Credits: 30, AmountMinor: 14900, Currency: "RUB"}, false},
		{"missing id", NewPayment{Credits: 30}, true},
		{"zero credits", NewPayment{ProviderPaymentID: "p1"}, true},
		{"negative amount", NewPayment{ProviderPaymentID: "p1", Credits: 1, AmountMinor: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPayment) {
				t.Fatalf("Validate() error = %v, want ErrInvalidPayment", err)
			}
		})
	}
}

func TestCheckKind(t *testing.T) {
	for _, k := range []Kind{KindPurchase, KindAdjust} {
		if err := CheckKind(k); err != nil {
			t.Errorf("CheckKind(%s) = %v, want nil", k, err)
		}
	}
	for _, k := range []Kind{KindBonus, KindSpend, "other"} {
		if err := CheckKind(k); err == nil {
			t.Errorf("CheckKind(%s) = nil, want error", k)
		}
	}
}

func TestCheckSettableStatus(t *testing.T) {
	if err := CheckSettableStatus(PaymentCanceled); err != nil {
		t.Fatalf("canceled: %v", err)
	}
	if err := CheckSettableStatus(PaymentApplied); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("applied: %v, want ErrInvalidStatus", err)
	}
}
