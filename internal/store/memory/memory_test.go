package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agoramarket/auction-engine/internal/clock"
	"github.com/agoramarket/auction-engine/internal/money"
	"github.com/agoramarket/auction-engine/internal/store"
	"github.com/agoramarket/auction-engine/internal/store/memory"
)

func TestAccountRepo(t *testing.T) {
	repos := memory.Open(clock.Real{})
	ctx := context.Background()

	a := &store.Account{UserID: "user-1", Balance: money.FromTokens(10)}
	if err := repos.Accounts.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ID == "" {
		t.Fatal("expected ID to be set after Create")
	}

	got, err := repos.Accounts.GetByUserID(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetByUserID: %v", err)
	}
	if got.ID != a.ID || got.Balance != money.FromTokens(10) {
		t.Errorf("got %+v", got)
	}

	if err := repos.Accounts.Create(ctx, &store.Account{UserID: "user-1"}); err == nil {
		t.Error("expected error for duplicate user")
	}
	if _, err := repos.Accounts.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestLedgerRepo_Apply(t *testing.T) {
	repos := memory.Open(clock.Real{})
	ctx := context.Background()

	a := &store.Account{UserID: "user-1"}
	if err := repos.Accounts.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	a.Balance = money.FromTokens(50)
	tx := &store.LedgerTransaction{
		AccountID:    a.ID,
		Amount:       money.FromTokens(50),
		BalanceAfter: money.FromTokens(50),
		Kind:         store.TxDeposit,
	}
	if err := repos.Ledger.Apply(ctx, []*store.Account{a}, []*store.LedgerTransaction{tx}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, _ := repos.Accounts.Get(ctx, a.ID)
	if got.Balance != money.FromTokens(50) {
		t.Errorf("balance = %s, want 50.00", got.Balance)
	}

	txs, err := repos.Ledger.Transactions(ctx, a.ID)
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Kind != store.TxDeposit {
		t.Errorf("txs = %+v", txs)
	}

	byKind, err := repos.Ledger.TransactionsByKind(ctx, store.TxDeposit)
	if err != nil {
		t.Fatalf("TransactionsByKind: %v", err)
	}
	if len(byKind) != 1 {
		t.Errorf("TransactionsByKind returned %d txs, want 1", len(byKind))
	}

	// Apply against an unknown account must not write anything.
	bad := &store.Account{ID: "missing"}
	if err := repos.Ledger.Apply(ctx, []*store.Account{bad}, nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Apply(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListingRepo_UpdateStatusGuard(t *testing.T) {
	repos := memory.Open(clock.Real{})
	ctx := context.Background()

	l := &store.Listing{SellerID: "seller", StartingPrice: money.FromTokens(100), MinIncrement: money.FromTokens(5)}
	if err := repos.Listings.Create(ctx, l); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if l.Status != store.ListingDraft {
		t.Fatalf("status = %q, want draft default", l.Status)
	}

	if err := repos.Listings.UpdateStatus(ctx, l.ID, store.ListingDraft, store.ListingActive); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	// The from guard rejects a second activation.
	if err := repos.Listings.UpdateStatus(ctx, l.ID, store.ListingDraft, store.ListingActive); err == nil {
		t.Error("expected error for status guard mismatch")
	}
}

func TestAuctionRepo_ListExpired(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repos := memory.Open(clk)
	ctx := context.Background()
	now := clk.Now()

	mk := func(end time.Time, status string) *store.Auction {
		a := &store.Auction{
			ListingID:    "l",
			SellerID:     "seller",
			Status:       status,
			StartTime:    now.Add(-time.Hour),
			EndTime:      end,
			MinIncrement: money.FromTokens(5),
			CurrentPrice: money.FromTokens(100),
		}
		if err := repos.Auctions.Create(ctx, a); err != nil {
			t.Fatalf("Create: %v", err)
		}
		return a
	}

	expired := mk(now.Add(-time.Minute), store.AuctionActive)
	mk(now.Add(time.Hour), store.AuctionActive)
	mk(now.Add(-time.Hour), store.AuctionEnded)

	got, err := repos.Auctions.ListExpired(ctx, now)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(got) != 1 || got[0].ID != expired.ID {
		t.Errorf("ListExpired returned %d auctions, want just the expired active one", len(got))
	}
}
