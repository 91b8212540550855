package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kurateapp/kurate/internal/domain/payments"
)

// PostgresProfileDirectory looks up stored payment profiles. It satisfies
// the PaymentProfiles port in both the bids and settlement domains.
type PostgresProfileDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresProfileDirectory creates a new payment profile directory
func NewPostgresProfileDirectory(pool *pgxpool.Pool) *PostgresProfileDirectory {
	return &PostgresProfileDirectory{pool: pool}
}

// GetPaymentMethod returns the user's default payment method, or nil when
// the user has no payment profile on file.
func (d *PostgresProfileDirectory) GetPaymentMethod(ctx context.Context, userID uuid.UUID) (*payments.PaymentMethod, error) {
	query := `
		SELECT stripe_customer_id, default_payment_method_id
		FROM payment_profiles
		WHERE user_id = $1 AND default_payment_method_id IS NOT NULL
	`
	var method payments.PaymentMethod
	err := d.pool.QueryRow(ctx, query, userID).Scan(&method.CustomerID, &method.MethodID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get payment method: %w", err)
	}
	return &method, nil
}
