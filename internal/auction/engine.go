// Package auction implements the auction lifecycle: admission of bids,
// transitions to ended, and settlement through the token ledger. All mutating
// operations on one auction run under a per-auction exclusive critical
// section; independent auctions proceed fully in parallel.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agoramarket/auction-engine/internal/clock"
	"github.com/agoramarket/auction-engine/internal/keylock"
	"github.com/agoramarket/auction-engine/internal/ledger"
	"github.com/agoramarket/auction-engine/internal/money"
	"github.com/agoramarket/auction-engine/internal/notify"
	"github.com/agoramarket/auction-engine/internal/store"
)

// Errors returned by engine operations. All are expected business rejections
// surfaced to the caller unchanged.
var (
	ErrAuctionNotActive = errors.New("auction is not active")
	ErrAuctionExpired   = errors.New("auction has ended")
	ErrSelfBid          = errors.New("cannot bid on your own auction")
	ErrBidTooLow        = errors.New("bid is below minimum")
	ErrNotSeller        = errors.New("caller does not own the listing")
	ErrListingNotDraft  = errors.New("listing is not a draft")
)

// Ledger is the subset of ledger operations the engine needs.
type Ledger interface {
	Reserve(ctx context.Context, accountID string, amount money.Amount) (*ledger.Hold, error)
	Release(ctx context.Context, holdID string) error
	Settle(ctx context.Context, holdID string, final money.Amount, toAccountID string) (*store.LedgerTransaction, *store.LedgerTransaction, error)
}

// Notifier receives fire-and-forget engine events.
type Notifier interface {
	Emit(e notify.Event)
}

// Result describes the outcome of a closed auction.
type Result struct {
	AuctionID  string
	WinnerID   *string
	FinalPrice *money.Amount
	Sold       bool
}

// Engine coordinates auction lifecycle and concurrency.
type Engine struct {
	auctions store.AuctionRepository
	listings store.ListingRepository
	bids     store.BidRepository
	accounts store.AccountRepository
	ledger   Ledger
	notifier Notifier
	locks    *keylock.Set

	logger *slog.Logger
	tracer trace.Tracer
	clock  clock.Clock

	defaultDuration time.Duration
}

// New creates an auction Engine.
func New(repos *store.Repositories, led Ledger, n Notifier, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock, defaultDuration time.Duration) *Engine {
	return &Engine{
		auctions:        repos.Auctions,
		listings:        repos.Listings,
		bids:            repos.Bids,
		accounts:        repos.Accounts,
		ledger:          led,
		notifier:        n,
		locks:           keylock.NewSet(),
		logger:          logger,
		tracer:          tp.Tracer("github.com/agoramarket/auction-engine/internal/auction"),
		clock:           clk,
		defaultDuration: defaultDuration,
	}
}

// CreateAuction activates a draft listing and opens bidding on it. Only the
// listing's seller may create the auction; the listing's draft status is the
// guard that keeps at most one active auction per listing.
func (e *Engine) CreateAuction(ctx context.Context, listingID, sellerID string, duration time.Duration) (*store.Auction, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.CreateAuction",
		trace.WithAttributes(
			attribute.String("listing.id", listingID),
			attribute.String("seller.id", sellerID),
		),
	)
	defer span.End()

	l, err := e.listings.Get(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("loading listing: %w", err)
	}
	if l.SellerID != sellerID {
		return nil, fmt.Errorf("listing %s: %w", listingID, ErrNotSeller)
	}
	if l.Status != store.ListingDraft {
		return nil, fmt.Errorf("listing %s is %s: %w", listingID, l.Status, ErrListingNotDraft)
	}

	if duration <= 0 {
		duration = e.defaultDuration
	}

	if err := e.listings.UpdateStatus(ctx, listingID, store.ListingDraft, store.ListingActive); err != nil {
		return nil, fmt.Errorf("activating listing: %w", err)
	}

	now := e.clock.Now().UTC()
	a := &store.Auction{
		ListingID:    listingID,
		SellerID:     sellerID,
		Status:       store.AuctionActive,
		StartTime:    now,
		EndTime:      now.Add(duration),
		MinIncrement: l.MinIncrement,
		CurrentPrice: l.StartingPrice,
		BidCount:     0,
	}
	if err := e.auctions.Create(ctx, a); err != nil {
		// Put the listing back so the seller can retry.
		if revertErr := e.listings.UpdateStatus(ctx, listingID, store.ListingActive, store.ListingDraft); revertErr != nil {
			e.logger.ErrorContext(ctx, "failed to revert listing after auction create failure",
				slog.String("listing_id", listingID),
				slog.Any("error", revertErr),
			)
		}
		return nil, fmt.Errorf("creating auction: %w", err)
	}

	e.logger.InfoContext(ctx, "auction created",
		slog.String("auction_id", a.ID),
		slog.String("listing_id", listingID),
		slog.String("seller_id", sellerID),
		slog.Time("end_time", a.EndTime),
	)
	return a, nil
}

// PlaceBid admits a bid: it validates the auction state and minimum price,
// reserves the bidder's funds, persists the bid, and releases the previous
// highest bidder's hold. The whole sequence runs under the auction's lock so
// a competing bid cannot slip between the check and the update.
func (e *Engine) PlaceBid(ctx context.Context, auctionID, bidderID string, amount money.Amount) (*store.Bid, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.PlaceBid",
		trace.WithAttributes(
			attribute.String("auction.id", auctionID),
			attribute.String("bidder.id", bidderID),
			attribute.String("bid.amount", amount.String()),
		),
	)
	defer span.End()

	unlock := e.locks.Lock(auctionID)
	defer unlock()

	a, err := e.auctions.Get(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("loading auction: %w", err)
	}

	if a.Status != store.AuctionActive {
		return nil, fmt.Errorf("auction %s: %w", auctionID, ErrAuctionNotActive)
	}
	if !e.clock.Now().Before(a.EndTime) {
		return nil, fmt.Errorf("auction %s: %w", auctionID, ErrAuctionExpired)
	}
	if bidderID == a.SellerID {
		return nil, fmt.Errorf("auction %s: %w", auctionID, ErrSelfBid)
	}

	minimum := a.CurrentPrice + a.MinIncrement
	if amount < minimum {
		return nil, fmt.Errorf("minimum bid is %s: %w", minimum, ErrBidTooLow)
	}

	bidder, err := e.accounts.GetByUserID(ctx, bidderID)
	if err != nil {
		return nil, fmt.Errorf("loading bidder account: %w", err)
	}

	hold, err := e.ledger.Reserve(ctx, bidder.ID, amount)
	if err != nil {
		return nil, fmt.Errorf("reserving bid funds: %w", err)
	}

	prevHold := a.CurrentHoldID

	b := &store.Bid{
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
	}
	a.CurrentPrice = amount
	a.CurrentBidderID = &bidderID
	a.CurrentHoldID = &hold.ID
	a.BidCount++

	if err := e.persistBid(ctx, a, b); err != nil {
		// The bid never became visible; give the funds back.
		if relErr := e.ledger.Release(ctx, hold.ID); relErr != nil {
			e.logger.ErrorContext(ctx, "failed to release hold after persist failure",
				slog.String("hold_id", hold.ID),
				slog.Any("error", relErr),
			)
		}
		return nil, err
	}

	// The outbid bidder's funds become spendable again; they were reserved,
	// never charged.
	if prevHold != nil {
		if err := e.ledger.Release(ctx, *prevHold); err != nil {
			e.logger.ErrorContext(ctx, "failed to release outbid hold",
				slog.String("auction_id", auctionID),
				slog.String("hold_id", *prevHold),
				slog.Any("error", err),
			)
		}
	}

	e.emit(ctx, notify.NewBid, auctionID, notify.NewBidData{
		BidID:    b.ID,
		BidderID: bidderID,
		Amount:   amount,
		BidCount: a.BidCount,
	}, e.clock.Now().UTC())

	e.logger.InfoContext(ctx, "bid placed",
		slog.String("auction_id", auctionID),
		slog.String("bidder_id", bidderID),
		slog.String("amount", amount.String()),
		slog.Int("bid_count", a.BidCount),
	)
	return b, nil
}

func (e *Engine) persistBid(ctx context.Context, a *store.Auction, b *store.Bid) error {
	if err := e.bids.Create(ctx, b); err != nil {
		return fmt.Errorf("persisting bid: %w", err)
	}
	if err := e.auctions.Update(ctx, a); err != nil {
		return fmt.Errorf("updating auction: %w", err)
	}
	return nil
}

// reopen restores an auction to active after a failed close step so the
// sweeper can retry the close.
func (e *Engine) reopen(ctx context.Context, a *store.Auction) {
	a.Status = store.AuctionActive
	a.ClosedAt = nil
	a.WinnerID = nil
	a.FinalPrice = nil
	if err := e.auctions.Update(ctx, a); err != nil {
		e.logger.ErrorContext(ctx, "failed to reopen auction after close failure",
			slog.String("auction_id", a.ID),
			slog.Any("error", err),
		)
	}
}

func (e *Engine) emit(ctx context.Context, t notify.Type, auctionID string, payload any, at time.Time) {
	ev, err := notify.NewEvent(t, auctionID, payload, at)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to encode event",
			slog.String("type", string(t)),
			slog.String("auction_id", auctionID),
			slog.Any("error", err),
		)
		return
	}
	e.notifier.Emit(ev)
}

// CloseAuction finalizes an auction: it determines the winner, settles the
// winning hold against the seller, and marks the listing sold or cancelled.
// Closing an already-ended auction returns its prior result with no side
// effects.
func (e *Engine) CloseAuction(ctx context.Context, auctionID string) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.CloseAuction",
		trace.WithAttributes(attribute.String("auction.id", auctionID)),
	)
	defer span.End()

	unlock := e.locks.Lock(auctionID)
	defer unlock()

	a, err := e.auctions.Get(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("loading auction: %w", err)
	}

	if a.Status == store.AuctionEnded {
		return &Result{
			AuctionID:  a.ID,
			WinnerID:   a.WinnerID,
			FinalPrice: a.FinalPrice,
			Sold:       a.WinnerID != nil,
		}, nil
	}

	winnerID := a.CurrentBidderID
	winningHold := a.CurrentHoldID

	now := e.clock.Now().UTC()
	a.Status = store.AuctionEnded
	a.ClosedAt = &now
	a.WinnerID = winnerID
	if winnerID != nil {
		final := a.CurrentPrice
		a.FinalPrice = &final
	}

	if err := e.auctions.Update(ctx, a); err != nil {
		return nil, fmt.Errorf("closing auction: %w", err)
	}

	// Both status transitions commit before any money moves; a failure on
	// either unwinds the close so the sweeper can retry it.
	listingStatus := store.ListingCancelled
	if winnerID != nil {
		listingStatus = store.ListingSold
	}
	if err := e.listings.UpdateStatus(ctx, a.ListingID, store.ListingActive, listingStatus); err != nil {
		e.reopen(ctx, a)
		return nil, fmt.Errorf("updating listing: %w", err)
	}

	if winnerID != nil {
		seller, err := e.accounts.GetByUserID(ctx, a.SellerID)
		if err == nil {
			_, _, err = e.ledger.Settle(ctx, *winningHold, *a.FinalPrice, seller.ID)
		}
		if err != nil {
			// Settlement failed before any ledger write; unwind the status
			// changes so the close can be retried.
			if revertErr := e.listings.UpdateStatus(ctx, a.ListingID, listingStatus, store.ListingActive); revertErr != nil {
				e.logger.ErrorContext(ctx, "failed to revert listing after settlement failure",
					slog.String("auction_id", auctionID),
					slog.String("listing_id", a.ListingID),
					slog.Any("error", revertErr),
				)
			}
			e.reopen(ctx, a)
			return nil, fmt.Errorf("settling winning bid: %w", err)
		}
	}

	res := &Result{
		AuctionID:  a.ID,
		WinnerID:   a.WinnerID,
		FinalPrice: a.FinalPrice,
		Sold:       a.WinnerID != nil,
	}

	ended := notify.AuctionEndedData{}
	if a.WinnerID != nil {
		ended.WinnerID = *a.WinnerID
		ended.FinalPrice = *a.FinalPrice
	}
	e.emit(ctx, notify.AuctionEnded, auctionID, ended, now)

	e.logger.InfoContext(ctx, "auction closed",
		slog.String("auction_id", auctionID),
		slog.Bool("sold", res.Sold),
		slog.Int("bid_count", a.BidCount),
	)
	return res, nil
}

// GetAuction returns an auction's current state.
func (e *Engine) GetAuction(ctx context.Context, auctionID string) (*store.Auction, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.GetAuction")
	defer span.End()

	return e.auctions.Get(ctx, auctionID)
}

// Bids returns an auction's accepted bids ordered by acceptance time.
func (e *Engine) Bids(ctx context.Context, auctionID string) ([]store.Bid, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Bids")
	defer span.End()

	if _, err := e.auctions.Get(ctx, auctionID); err != nil {
		return nil, fmt.Errorf("loading auction: %w", err)
	}
	return e.bids.ListByAuction(ctx, auctionID)
}

// SweepExpired closes every active auction whose end time has passed and
// returns how many were closed. Failures on individual auctions are logged
// and skipped so one stuck auction cannot block the sweep.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.SweepExpired")
	defer span.End()

	expired, err := e.auctions.ListExpired(ctx, e.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("listing expired auctions: %w", err)
	}

	closed := 0
	for _, a := range expired {
		if _, closeErr := e.CloseAuction(ctx, a.ID); closeErr != nil {
			e.logger.ErrorContext(ctx, "failed to close expired auction",
				slog.String("auction_id", a.ID),
				slog.Any("error", closeErr),
			)
			continue
		}
		closed++
	}

	if closed > 0 {
		e.logger.InfoContext(ctx, "expired auctions swept", slog.Int("closed", closed))
	}
	return closed, nil
}
