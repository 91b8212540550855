package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kurateapp/kurate/internal/domain/settlement"
)

// PostgresCuratorRepository implements settlement.CuratorRepository using pgx
type PostgresCuratorRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresCuratorRepository creates a new PostgreSQL curator repository
func NewPostgresCuratorRepository(pool *pgxpool.Pool) *PostgresCuratorRepository {
	return &PostgresCuratorRepository{pool: pool}
}

// GetByID retrieves a curator by ID
func (r *PostgresCuratorRepository) GetByID(ctx context.Context, id uuid.UUID) (*settlement.Curator, error) {
	query := `
		SELECT id, tier, stripe_account_id, total_earnings, total_sales
		FROM curators
		WHERE id = $1
	`
	var curator settlement.Curator
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&curator.ID,
		&curator.Tier,
		&curator.StripeAccountID,
		&curator.TotalEarnings,
		&curator.TotalSales,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, settlement.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get curator: %w", err)
	}
	return &curator, nil
}

// RecordSale increments the curator's lifetime sale counters within a transaction
func (r *PostgresCuratorRepository) RecordSale(ctx context.Context, tx pgx.Tx, curatorID uuid.UUID, earnings int64) error {
	query := `
		UPDATE curators
		SET total_earnings = total_earnings + $1,
			total_sales = total_sales + 1,
			updated_at = NOW()
		WHERE id = $2
	`
	result, err := tx.Exec(ctx, query, earnings, curatorID)
	if err != nil {
		return fmt.Errorf("failed to record sale: %w", err)
	}
	if result.RowsAffected() == 0 {
		return settlement.ErrNotFound
	}
	return nil
}
