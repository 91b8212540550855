package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kurateapp/kurate/internal/domain/bids"
	"github.com/kurateapp/kurate/internal/domain/listings"
	"github.com/kurateapp/kurate/internal/domain/payments"
)

// TransactionRepository defines the interface for transaction persistence
type TransactionRepository interface {
	// Create inserts a transaction within a transaction. The unique
	// listing_id constraint backs the one-transaction-per-listing rule.
	Create(ctx context.Context, tx pgx.Tx, txn *Transaction) error

	// GetByID retrieves a transaction (non-transactional read)
	GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error)

	// GetByIDForUpdate retrieves a transaction and locks its row.
	// Must be called within a transaction.
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Transaction, error)

	// GetByListingID retrieves the transaction for a listing, or nil if none
	GetByListingID(ctx context.Context, listingID uuid.UUID) (*Transaction, error)

	// Update writes the transaction's mutable columns within a transaction
	Update(ctx context.Context, tx pgx.Tx, txn *Transaction) error
}

// CuratorRepository reads curator profiles and records completed sales.
type CuratorRepository interface {
	GetByID(ctx context.Context, curatorID uuid.UUID) (*Curator, error)

	// RecordSale increments the curator's cumulative earnings and sales
	// counters within a transaction.
	RecordSale(ctx context.Context, tx pgx.Tx, curatorID uuid.UUID, earnings int64) error
}

// ListingStore is the settlement pipeline's view of listings: lock, flip
// status, and find auctions whose clock has run out.
type ListingStore interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, listingID uuid.UUID) (*listings.Listing, error)
	SetStatus(ctx context.Context, tx pgx.Tx, listingID uuid.UUID, status listings.Status) error

	// ListExpired returns ids of active listings whose auction_end has
	// passed, oldest first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// WinningBidReader resolves the winning bid when an auction closes.
type WinningBidReader interface {
	GetWinning(ctx context.Context, listingID uuid.UUID) (*bids.Bid, error)
}

// PaymentProfiles resolves a buyer's saved payment method for payment
// retries. Returns nil when the buyer has none.
type PaymentProfiles interface {
	GetPaymentMethod(ctx context.Context, userID uuid.UUID) (*payments.PaymentMethod, error)
}
