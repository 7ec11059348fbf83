// Package memory provides a store.Driver backed by in-process maps. It is
// used by unit tests and local development; it honors the same interface
// contracts as the Postgres driver, including the status guards on updates.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agoramarket/auction-engine/internal/clock"
	"github.com/agoramarket/auction-engine/internal/config"
	"github.com/agoramarket/auction-engine/internal/store"
)

func init() {
	store.Register("memory", openMemory)
}

// openMemory is the store.Driver for the "memory" backend.
func openMemory(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	return Open(clk), nil
}

// Open returns in-memory Repositories. Exported so tests can construct a
// store without going through the driver registry.
func Open(clk clock.Clock) *store.Repositories {
	db := &database{
		clk:      clk,
		accounts: make(map[string]store.Account),
		listings: make(map[string]store.Listing),
		auctions: make(map[string]store.Auction),
		bids:     make(map[string][]store.Bid),
	}
	return &store.Repositories{
		Accounts: &accountRepo{db},
		Ledger:   &ledgerRepo{db},
		Listings: &listingRepo{db},
		Auctions: &auctionRepo{db},
		Bids:     &bidRepo{db},
		Closer:   closerFunc(func() error { return nil }),
		Ping:     func(context.Context) error { return nil },
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// database holds all tables behind one mutex. The services layer provides
// per-entity serialization; this lock only guards map access.
type database struct {
	mu       sync.RWMutex
	clk      clock.Clock
	accounts map[string]store.Account
	ledger   []store.LedgerTransaction
	listings map[string]store.Listing
	auctions map[string]store.Auction
	bids     map[string][]store.Bid
}

// --- accounts ---

type accountRepo struct{ db *database }

func (r *accountRepo) Create(_ context.Context, a *store.Account) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, existing := range r.db.accounts {
		if existing.UserID == a.UserID {
			return fmt.Errorf("account for user %s already exists", a.UserID)
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := r.db.clk.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	r.db.accounts[a.ID] = *a
	return nil
}

func (r *accountRepo) Get(_ context.Context, id string) (*store.Account, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	a, ok := r.db.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	return &a, nil
}

func (r *accountRepo) GetByUserID(_ context.Context, userID string) (*store.Account, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, a := range r.db.accounts {
		if a.UserID == userID {
			cp := a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("account for user %s: %w", userID, store.ErrNotFound)
}

// --- ledger ---

type ledgerRepo struct{ db *database }

func (r *ledgerRepo) Apply(_ context.Context, accounts []*store.Account, txs []*store.LedgerTransaction) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	now := r.db.clk.Now().UTC()
	for _, a := range accounts {
		if _, ok := r.db.accounts[a.ID]; !ok {
			return fmt.Errorf("account %s: %w", a.ID, store.ErrNotFound)
		}
	}
	for _, a := range accounts {
		a.UpdatedAt = now
		r.db.accounts[a.ID] = *a
	}
	for _, tx := range txs {
		if tx.ID == "" {
			tx.ID = uuid.NewString()
		}
		tx.CreatedAt = now
		r.db.ledger = append(r.db.ledger, *tx)
	}
	return nil
}

func (r *ledgerRepo) Transactions(_ context.Context, accountID string) ([]store.LedgerTransaction, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []store.LedgerTransaction
	for _, tx := range r.db.ledger {
		if tx.AccountID == accountID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (r *ledgerRepo) TransactionsByKind(_ context.Context, kind string) ([]store.LedgerTransaction, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []store.LedgerTransaction
	for _, tx := range r.db.ledger {
		if tx.Kind == kind {
			out = append(out, tx)
		}
	}
	return out, nil
}

// --- listings ---

type listingRepo struct{ db *database }

func (r *listingRepo) Create(_ context.Context, l *store.Listing) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = store.ListingDraft
	}
	now := r.db.clk.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now
	r.db.listings[l.ID] = *l
	return nil
}

func (r *listingRepo) Get(_ context.Context, id string) (*store.Listing, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	l, ok := r.db.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, store.ErrNotFound)
	}
	return &l, nil
}

func (r *listingRepo) UpdateStatus(_ context.Context, id, from, to string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	l, ok := r.db.listings[id]
	if !ok {
		return fmt.Errorf("listing %s: %w", id, store.ErrNotFound)
	}
	if l.Status != from {
		return fmt.Errorf("listing %s is %s, not %s", id, l.Status, from)
	}
	l.Status = to
	l.UpdatedAt = r.db.clk.Now().UTC()
	r.db.listings[id] = l
	return nil
}

// --- auctions ---

type auctionRepo struct{ db *database }

func (r *auctionRepo) Create(_ context.Context, a *store.Auction) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = r.db.clk.Now().UTC()
	r.db.auctions[a.ID] = *a
	return nil
}

func (r *auctionRepo) Get(_ context.Context, id string) (*store.Auction, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	a, ok := r.db.auctions[id]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	return &a, nil
}

func (r *auctionRepo) Update(_ context.Context, a *store.Auction) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.auctions[a.ID]; !ok {
		return fmt.Errorf("auction %s: %w", a.ID, store.ErrNotFound)
	}
	r.db.auctions[a.ID] = *a
	return nil
}

func (r *auctionRepo) ListExpired(_ context.Context, before time.Time) ([]store.Auction, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []store.Auction
	for _, a := range r.db.auctions {
		if a.Status == store.AuctionActive && !a.EndTime.After(before) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	return out, nil
}

func (r *auctionRepo) List(_ context.Context, status string) ([]store.Auction, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []store.Auction
	for _, a := range r.db.auctions {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- bids ---

type bidRepo struct{ db *database }

func (r *bidRepo) Create(_ context.Context, b *store.Bid) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.CreatedAt = r.db.clk.Now().UTC()
	r.db.bids[b.AuctionID] = append(r.db.bids[b.AuctionID], *b)
	return nil
}

func (r *bidRepo) ListByAuction(_ context.Context, auctionID string) ([]store.Bid, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	return append([]store.Bid(nil), r.db.bids[auctionID]...), nil
}
