package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kurateapp/kurate/internal/domain/listings"
	pkgdb "github.com/kurateapp/kurate/pkg/database"
)

// PostgresListingRepository implements the listing persistence ports
// (bids.ListingRepository, listings.Repository, settlement.ListingStore)
// using pgx.
type PostgresListingRepository struct {
	pool *pgxpool.Pool // Keep pool for non-transactional reads
}

// NewPostgresListingRepository creates a new PostgreSQL listing repository
func NewPostgresListingRepository(pool *pgxpool.Pool) *PostgresListingRepository {
	return &PostgresListingRepository{pool: pool}
}

const listingColumns = `
	id, curator_id, title, starting_bid, current_high_bid, high_bidder_id,
	status, auction_start, auction_end, extensions_used, available_sizes,
	created_at, updated_at
`

// GetByID retrieves a listing by its ID (non-transactional read)
func (r *PostgresListingRepository) GetByID(ctx context.Context, listingID uuid.UUID) (*listings.Listing, error) {
	return r.getByID(ctx, r.pool, listingID, false)
}

// GetByIDForUpdate retrieves a listing and takes an exclusive row lock.
// This serializes all concurrent bids on the same listing.
func (r *PostgresListingRepository) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, listingID uuid.UUID) (*listings.Listing, error) {
	return r.getByID(ctx, tx, listingID, true)
}

// getByID is the internal implementation that works with any DBTX
func (r *PostgresListingRepository) getByID(ctx context.Context, db pkgdb.DBTX, listingID uuid.UUID, forUpdate bool) (*listings.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var l listings.Listing
	err := db.QueryRow(ctx, query, listingID).Scan(
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
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, listings.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return &l, nil
}

// SetHighBid updates the listing's current high bid and bidder within a transaction
func (r *PostgresListingRepository) SetHighBid(ctx context.Context, tx pgx.Tx, listingID uuid.UUID, amount int64, bidderID uuid.UUID) error {
	query := `
		UPDATE listings
		SET current_high_bid = $1, high_bidder_id = $2, updated_at = NOW()
		WHERE id = $3
	`
	result, err := tx.Exec(ctx, query, amount, bidderID, listingID)
	if err != nil {
		return fmt.Errorf("failed to update high bid: %w", err)
	}
	if result.RowsAffected() == 0 {
		return listings.ErrNotFound
	}
	return nil
}

// ExtendAuction moves the auction end and records the extension within a transaction
func (r *PostgresListingRepository) ExtendAuction(ctx context.Context, tx pgx.Tx, listingID uuid.UUID, newEnd time.Time, extensionsUsed int) error {
	query := `
		UPDATE listings
		SET auction_end = $1, extensions_used = $2, updated_at = NOW()
		WHERE id = $3
	`
	result, err := tx.Exec(ctx, query, newEnd, extensionsUsed, listingID)
	if err != nil {
		return fmt.Errorf("failed to extend auction: %w", err)
	}
	if result.RowsAffected() == 0 {
		return listings.ErrNotFound
	}
	return nil
}

// SetStatus flips the listing status within a transaction
func (r *PostgresListingRepository) SetStatus(ctx context.Context, tx pgx.Tx, listingID uuid.UUID, status listings.Status) error {
	query := `
		UPDATE listings
		SET status = $1, updated_at = NOW()
		WHERE id = $2
	`
	result, err := tx.Exec(ctx, query, status, listingID)
	if err != nil {
		return fmt.Errorf("failed to set listing status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return listings.ErrNotFound
	}
	return nil
}

// ListExpired returns ids of active listings whose auction_end has passed,
// oldest first. Used by the auction close sweep.
func (r *PostgresListingRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id
		FROM listings
		WHERE status = $1 AND auction_end <= $2
		ORDER BY auction_end ASC
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, listings.StatusActive, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired listings: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan listing id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating listings: %w", err)
	}
	return ids, nil
}
