package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fpang/lookbook-bot/internal/ledger"
)

// DefaultPacks is the catalog used when BUY_PACKS is empty or unparseable.
var DefaultPacks = []Pack{{Credits: 30, Price: 149}, {Credits: 120, Price: 399}, {Credits: 350, Price: 899}}

// ErrUnknownPack is returned by Checkout.Start for a pack not in the catalog.
var ErrUnknownPack = errors.New("payments: unknown credit pack")

// Pack is a purchasable bundle: Credits for Price whole currency units.
type Pack struct {
	Credits int64 `json:"credits"`
	Price   int64 `json:"price"`
}

// AmountMinor is the pack price in minor currency units.
func (p Pack) AmountMinor() int64 { return p.Price * 100 }

// ParsePacks reads "credits:price" pairs separated by commas. Malformed or
// non-positive entries are skipped; an empty result yields DefaultPacks.
func ParsePacks(s string) []Pack {
	var packs []Pack
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		c, p, ok := strings.Cut(item, ":")
		if !ok {
			continue
		}
		credits, err1 := strconv.ParseInt(strings.TrimSpace(c), 10, 64)
		price, err2 := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err1 != nil || err2 != nil || credits <= 0 || price <= 0 {
			continue
		}
		packs = append(packs, Pack{Credits: credits, Price: price})
	}
	if len(packs) == 0 {
		return append([]Pack(nil), DefaultPacks...)
	}
	return packs
}

// Creator opens a payment with the provider.
type Creator interface {
	Create(ctx context.Context, req CreateRequest) (*Created, error)
}

// Checkout sells packs: it creates the provider payment and records it as new.
type Checkout struct {
	creator  Creator
	store    ledger.Store
	packs    []Pack
	currency string
}

// NewCheckout builds a Checkout over the given catalog.
func NewCheckout(creator Creator, store ledger.Store, packs []Pack, currency string) *Checkout {
	return &Checkout{
		creator:  creator,
		store:    store,
		packs:    append([]Pack(nil), packs...),
		currency: currency,
	}
}

// Packs returns a copy of the catalog.
func (c *Checkout) Packs() []Pack {
	return append([]Pack(nil), c.packs...)
}

// Start creates a payment for the pack with the given credit count and
// registers it in the ledger with status new.
func (c *Checkout) Start(ctx context.Context, userID, credits int64) (*Created, Pack, error) {
	var pack Pack
	found := false
	for _, p := range c.packs {
		if p.Credits == credits {
			pack, found = p, true
			break
		}
	}
	if !found {
		return nil, Pack{}, fmt.Errorf("%w: %d credits", ErrUnknownPack, credits)
	}

	created, err := c.creator.Create(ctx, CreateRequest{
		UserID:   userID,
		Credits:  pack.Credits,
		Amount:   decimal.NewFromInt(pack.Price),
		Currency: c.currency,
	})
	if err != nil {
		return nil, pack, fmt.Errorf("create payment: %w", err)
	}

	err = c.store.RegisterPayment(ctx, ledger.NewPayment{
		ProviderPaymentID: created.ID,
		UserID:            userID,
		Credits:           pack.Credits,
		AmountMinor:       pack.AmountMinor(),
		Currency:          c.currency,
	})
	if err != nil {
		return nil, pack, fmt.Errorf("register payment %s: %w", created.ID, err)
	}
	return created, pack, nil
}
