package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agoramarket/auction-engine/internal/store"
)

// AuctionRepo implements store.AuctionRepository with sqlx.
type AuctionRepo struct {
	db *sqlx.DB
}

// NewAuctionRepo returns a new AuctionRepo.
func NewAuctionRepo(db *sqlx.DB) *AuctionRepo {
	return &AuctionRepo{db: db}
}

func (r *AuctionRepo) Create(ctx context.Context, a *store.Auction) error {
	query := `INSERT INTO auctions (listing_id, seller_id, status, start_time, end_time, min_increment, current_price, bid_count, created_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`
	a.CreatedAt = time.Now().UTC()
	return r.db.QueryRowContext(ctx, query,
		a.ListingID, a.SellerID, a.Status, a.StartTime, a.EndTime, a.MinIncrement, a.CurrentPrice, a.BidCount, a.CreatedAt,
	).Scan(&a.ID)
}

func (r *AuctionRepo) Get(ctx context.Context, id string) (*store.Auction, error) {
	var a store.Auction
	err := r.db.GetContext(ctx, &a, `SELECT * FROM auctions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction: %w", err)
	}
	return &a, nil
}

func (r *AuctionRepo) Update(ctx context.Context, a *store.Auction) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions
		 SET status = $1, current_price = $2, current_bidder_id = $3, current_hold_id = $4,
		     bid_count = $5, winner_id = $6, final_price = $7, closed_at = $8
		 WHERE id = $9`,
		a.Status, a.CurrentPrice, a.CurrentBidderID, a.CurrentHoldID,
		a.BidCount, a.WinnerID, a.FinalPrice, a.ClosedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("updating auction: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("auction %s: %w", a.ID, store.ErrNotFound)
	}
	return nil
}

func (r *AuctionRepo) ListExpired(ctx context.Context, before time.Time) ([]store.Auction, error) {
	var auctions []store.Auction
	err := r.db.SelectContext(ctx, &auctions,
		`SELECT * FROM auctions WHERE status = $1 AND end_time <= $2 ORDER BY end_time ASC`,
		store.AuctionActive, before,
	)
	if err != nil {
		return nil, fmt.Errorf("listing expired auctions: %w", err)
	}
	return auctions, nil
}

func (r *AuctionRepo) List(ctx context.Context, status string) ([]store.Auction, error) {
	var auctions []store.Auction
	var err error
	if status == "" {
		err = r.db.SelectContext(ctx, &auctions, `SELECT * FROM auctions ORDER BY created_at ASC`)
	} else {
		err = r.db.SelectContext(ctx, &auctions, `SELECT * FROM auctions WHERE status = $1 ORDER BY created_at ASC`, status)
	}
	if err != nil {
		return nil, fmt.Errorf("listing auctions: %w", err)
	}
	return auctions, nil
}
