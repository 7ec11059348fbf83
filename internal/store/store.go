// Package store defines the persistent records of the auction engine and the
// repository interfaces its services depend on. Balances and auction state are
// only ever written through the ledger and auction services; no other
// component reads-then-writes these tables directly.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agoramarket/auction-engine/internal/money"
)

// ErrNotFound is returned by repositories when a record does not exist.
// Drivers wrap it so callers can test with errors.Is.
var ErrNotFound = errors.New("not found")

// Listing statuses.
const (
	ListingDraft     = "draft"
	ListingActive    = "active"
	ListingSold      = "sold"
	ListingCancelled = "cancelled"
	ListingFlagged   = "flagged"
)

// Auction statuses.
const (
	AuctionActive = "active"
	AuctionEnded  = "ended"
)

// Ledger transaction kinds.
const (
	TxDeposit     = "deposit"
	TxTransferIn  = "transfer_in"
	TxTransferOut = "transfer_out"
	TxBidHold     = "bid_hold"
	TxBidRelease  = "bid_release"
	TxSettlement  = "settlement"
)

// Account holds a user's spendable token balance. The balance column is only
// ever mutated together with an appended LedgerTransaction.
type Account struct {
	ID        string       `db:"id"`
	UserID    string       `db:"user_id"`
	Balance   money.Amount `db:"balance"`
	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt time.Time    `db:"updated_at"`
}

// LedgerTransaction is one immutable row of the audit trail. An account's
// balance always equals the signed sum of its transactions.
type LedgerTransaction struct {
	ID           string       `db:"id"`
	AccountID    string       `db:"account_id"`
	Amount       money.Amount `db:"amount"`
	BalanceAfter money.Amount `db:"balance_after"`
	Kind         string       `db:"kind"`
	ReferenceID  string       `db:"reference_id"`
	CreatedAt    time.Time    `db:"created_at"`
}

// Listing is an item offered for sale.
type Listing struct {
	ID            string       `db:"id"`
	SellerID      string       `db:"seller_id"`
	Status        string       `db:"status"`
	StartingPrice money.Amount `db:"starting_price"`
	MinIncrement  money.Amount `db:"min_increment"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

// Auction is one bidding process over exactly one listing. The denormalized
// price/bidder fields must always agree with the ordered bid rows.
type Auction struct {
	ID              string        `db:"id"`
	ListingID       string        `db:"listing_id"`
	SellerID        string        `db:"seller_id"`
	Status          string        `db:"status"`
	StartTime       time.Time     `db:"start_time"`
	EndTime         time.Time     `db:"end_time"`
	MinIncrement    money.Amount  `db:"min_increment"`
	CurrentPrice    money.Amount  `db:"current_price"`
	CurrentBidderID *string       `db:"current_bidder_id"`
	CurrentHoldID   *string       `db:"current_hold_id"`
	BidCount        int           `db:"bid_count"`
	WinnerID        *string       `db:"winner_id"`
	FinalPrice      *money.Amount `db:"final_price"`
	CreatedAt       time.Time     `db:"created_at"`
	ClosedAt        *time.Time    `db:"closed_at"`
}

// Bid is an immutable record of an accepted bid.
type Bid struct {
	ID        string       `db:"id"`
	AuctionID string       `db:"auction_id"`
	BidderID  string       `db:"bidder_id"`
	Amount    money.Amount `db:"amount"`
	CreatedAt time.Time    `db:"created_at"`
}

// AccountRepository defines account persistence operations.
type AccountRepository interface {
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	GetByUserID(ctx context.Context, userID string) (*Account, error)
}

// LedgerRepository persists balance mutations and the transaction log.
type LedgerRepository interface {
	// Apply atomically persists the updated balances and appends the
	// transactions in one unit; a partial write must never be observable.
	Apply(ctx context.Context, accounts []*Account, txs []*LedgerTransaction) error
	// Transactions returns an account's history, oldest first.
	Transactions(ctx context.Context, accountID string) ([]LedgerTransaction, error)
	// TransactionsByKind returns all transactions of one kind, oldest first.
	TransactionsByKind(ctx context.Context, kind string) ([]LedgerTransaction, error)
}

// ListingRepository defines listing persistence operations.
type ListingRepository interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	// UpdateStatus moves a listing from one status to another; it fails if
	// the listing is not currently in the from status.
	UpdateStatus(ctx context.Context, id, from, to string) error
}

// AuctionRepository defines auction persistence operations.
type AuctionRepository interface {
	Create(ctx context.Context, a *Auction) error
	Get(ctx context.Context, id string) (*Auction, error)
	// Update persists the mutable auction fields (price, bidder, hold,
	// counts, close fields).
	Update(ctx context.Context, a *Auction) error
	// ListExpired returns active auctions whose end time is at or before
	// the given instant.
	ListExpired(ctx context.Context, before time.Time) ([]Auction, error)
	List(ctx context.Context, status string) ([]Auction, error)
}

// BidRepository defines bid persistence operations.
type BidRepository interface {
	Create(ctx context.Context, b *Bid) error
	// ListByAuction returns an auction's bids ordered by acceptance time,
	// oldest first.
	ListByAuction(ctx context.Context, auctionID string) ([]Bid, error)
}
