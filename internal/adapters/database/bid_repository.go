package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kurateapp/kurate/internal/domain/bids"
	"github.com/kurateapp/kurate/internal/domain/listings"
)

// PostgresBidRepository implements bids.BidRepository (and the listings
// package's BidReader) using pgx
type PostgresBidRepository struct {
	pool *pgxpool.Pool // Keep pool for read-only operations
}

// NewPostgresBidRepository creates a new PostgreSQL bid repository
func NewPostgresBidRepository(pool *pgxpool.Pool) *PostgresBidRepository {
	return &PostgresBidRepository{pool: pool}
}

const bidColumns = `id, listing_id, bidder_id, amount, is_winning, payment_intent_id, selected_size, created_at`

// Save inserts a bid within a transaction
func (r *PostgresBidRepository) Save(ctx context.Context, tx pgx.Tx, bid *bids.Bid) error {
	query := `
		INSERT INTO bids (id, listing_id, bidder_id, amount, is_winning, payment_intent_id, selected_size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := tx.Exec(ctx, query,
		bid.ID,
		bid.ListingID,
		bid.BidderID,
		bid.Amount,
		bid.IsWinning,
		bid.PaymentIntentID,
		bid.SelectedSize,
		bid.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}
	return nil
}

// DemoteWinning flips the listing's winning bid to is_winning = false and
// returns it, or nil when the listing has no bids yet. Must run under the
// listing row lock so at most one bid per listing is ever winning.
func (r *PostgresBidRepository) DemoteWinning(ctx context.Context, tx pgx.Tx, listingID uuid.UUID) (*bids.Bid, error) {
	query := `
		UPDATE bids
		SET is_winning = FALSE
		WHERE listing_id = $1 AND is_winning = TRUE
		RETURNING ` + bidColumns

	bid, err := scanBid(tx.QueryRow(ctx, query, listingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to demote winning bid: %w", err)
	}
	return bid, nil
}

// GetWinning retrieves the current winning bid, or nil if none exists
func (r *PostgresBidRepository) GetWinning(ctx context.Context, listingID uuid.UUID) (*bids.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE listing_id = $1 AND is_winning = TRUE`

	bid, err := scanBid(r.pool.QueryRow(ctx, query, listingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get winning bid: %w", err)
	}
	return bid, nil
}

// ListByListing retrieves all bids for a listing, newest first
func (r *PostgresBidRepository) ListByListing(ctx context.Context, listingID uuid.UUID) ([]*bids.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE listing_id = $1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var result []*bids.Bid
	for rows.Next() {
		bid, scanErr := scanBid(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", scanErr)
		}
		result = append(result, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bids: %w", err)
	}
	return result, nil
}

// ListHeld returns the hold-bearing view of a listing's bids used by the
// cancellation flow.
func (r *PostgresBidRepository) ListHeld(ctx context.Context, listingID uuid.UUID) ([]listings.HeldBid, error) {
	allBids, err := r.ListByListing(ctx, listingID)
	if err != nil {
		return nil, err
	}

	held := make([]listings.HeldBid, 0, len(allBids))
	for _, bid := range allBids {
		held = append(held, listings.HeldBid{
			BidID:    bid.ID,
			BidderID: bid.BidderID,
			HoldID:   bid.PaymentIntentID,
		})
	}
	return held, nil
}

// ListByBidder retrieves a bidder's history joined with listing snapshots,
// newest bid first.
func (r *PostgresBidRepository) ListByBidder(ctx context.Context, bidderID uuid.UUID) ([]*bids.HistoryEntry, error) {
	query := `
		SELECT
			b.id, b.listing_id, b.bidder_id, b.amount, b.is_winning, b.payment_intent_id, b.selected_size, b.created_at,
			l.id, l.curator_id, l.title, l.starting_bid, l.current_high_bid, l.high_bidder_id,
			l.status, l.auction_start, l.auction_end, l.extensions_used, l.available_sizes,
			l.created_at, l.updated_at
		FROM bids b
		JOIN listings l ON l.id = b.listing_id
		WHERE b.bidder_id = $1
		ORDER BY b.created_at DESC
	`
	rows, err := r.pool.Query(ctx, query, bidderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bid history: %w", err)
	}
	defer rows.Close()

	var result []*bids.HistoryEntry
	for rows.Next() {
		var bid bids.Bid
		var l listings.Listing
		if err := rows.Scan(
			&bid.ID,
			&bid.ListingID,
			&bid.BidderID,
			&bid.Amount,
			&bid.IsWinning,
			&bid.PaymentIntentID,
			&bid.SelectedSize,
			&bid.CreatedAt,
			&l.ID,
			&l.CuratorID,
			&l.Title,
			&l.StartingBid,
			&l.CurrentHighBid,
			&l.HighBidderID,
			&l.Status,
			&l.AuctionStart,
			&l.AuctionEnd,
			&l.ExtensionsUsed,
			&l.AvailableSizes,
			&l.CreatedAt,
			&l.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan bid history row: %w", err)
		}
		result = append(result, &bids.HistoryEntry{Bid: &bid, Listing: &l})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bid history: %w", err)
	}
	return result, nil
}

func scanBid(row pgx.Row) (*bids.Bid, error) {
	var bid bids.Bid
	err := row.Scan(
		&bid.ID,
		&bid.ListingID,
		&bid.BidderID,
		&bid.Amount,
		&bid.IsWinning,
		&bid.PaymentIntentID,
		&bid.SelectedSize,
		&bid.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &bid, nil
}
