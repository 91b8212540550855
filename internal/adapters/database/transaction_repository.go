package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kurateapp/kurate/internal/domain/settlement"
	pkgdb "github.com/kurateapp/kurate/pkg/database"
)

// PostgresTransactionRepository implements settlement.TransactionRepository using pgx
type PostgresTransactionRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresTransactionRepository creates a new PostgreSQL transaction repository
func NewPostgresTransactionRepository(pool *pgxpool.Pool) *PostgresTransactionRepository {
	return &PostgresTransactionRepository{pool: pool}
}

const transactionColumns = `
	id, listing_id, buyer_id, curator_id, final_price, platform_fee,
	curator_earnings, shipping_cost, status, payment_intent_id,
	stripe_transfer_id, tracking_number, shipped_at, delivered_at,
	payout_completed_at, payout_error, created_at, updated_at
`

// Create inserts a transaction within a transaction. The UNIQUE constraint
// on listing_id enforces at most one settlement record per listing.
func (r *PostgresTransactionRepository) Create(ctx context.Context, tx pgx.Tx, txn *settlement.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, listing_id, buyer_id, curator_id, final_price, platform_fee,
			curator_earnings, shipping_cost, status, payment_intent_id, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := tx.Exec(ctx, query,
		txn.ID,
		txn.ListingID,
		txn.BuyerID,
		txn.CuratorID,
		txn.FinalPrice,
		txn.PlatformFee,
		txn.CuratorEarnings,
		txn.ShippingCost,
		txn.Status,
		txn.PaymentIntentID,
		txn.CreatedAt,
		txn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// GetByID retrieves a transaction by its ID (non-transactional read)
func (r *PostgresTransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*settlement.Transaction, error) {
	txn, err := r.getOne(ctx, r.pool, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, settlement.ErrNotFound
		}
		return nil, err
	}
	return txn, nil
}

// GetByIDForUpdate retrieves a transaction and locks its row
func (r *PostgresTransactionRepository) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*settlement.Transaction, error) {
	txn, err := r.getOne(ctx, tx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, settlement.ErrNotFound
		}
		return nil, err
	}
	return txn, nil
}

// GetByListingID retrieves the transaction for a listing, or nil if none exists
func (r *PostgresTransactionRepository) GetByListingID(ctx context.Context, listingID uuid.UUID) (*settlement.Transaction, error) {
	txn, err := r.getOne(ctx, r.pool, `SELECT `+transactionColumns+` FROM transactions WHERE listing_id = $1`, listingID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return txn, nil
}

// Update writes the transaction's mutable columns within a transaction
func (r *PostgresTransactionRepository) Update(ctx context.Context, tx pgx.Tx, txn *settlement.Transaction) error {
	query := `
		UPDATE transactions
		SET status = $1,
			payment_intent_id = $2,
			stripe_transfer_id = $3,
			tracking_number = $4,
			shipping_cost = $5,
			shipped_at = $6,
			delivered_at = $7,
			payout_completed_at = $8,
			payout_error = $9,
			updated_at = $10
		WHERE id = $11
	`
	result, err := tx.Exec(ctx, query,
		txn.Status,
		txn.PaymentIntentID,
		txn.StripeTransferID,
		txn.TrackingNumber,
		txn.ShippingCost,
		txn.ShippedAt,
		txn.DeliveredAt,
		txn.PayoutCompletedAt,
		txn.PayoutError,
		txn.UpdatedAt,
		txn.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if result.RowsAffected() == 0 {
		return settlement.ErrNotFound
	}
	return nil
}

func (r *PostgresTransactionRepository) getOne(ctx context.Context, db pkgdb.DBTX, query string, arg any) (*settlement.Transaction, error) {
	var txn settlement.Transaction
	err := db.QueryRow(ctx, query, arg).Scan(
		&txn.ID,
		&txn.ListingID,
		&txn.BuyerID,
		&txn.CuratorID,
		&txn.FinalPrice,
		&txn.PlatformFee,
		&txn.CuratorEarnings,
		&txn.ShippingCost,
		&txn.Status,
		&txn.PaymentIntentID,
		&txn.StripeTransferID,
		&txn.TrackingNumber,
		&txn.ShippedAt,
		&txn.DeliveredAt,
		&txn.PayoutCompletedAt,
		&txn.PayoutError,
		&txn.CreatedAt,
		&txn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &txn, nil
}
