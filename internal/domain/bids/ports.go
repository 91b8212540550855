package bids

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kurateapp/kurate/internal/domain/listings"
	"github.com/kurateapp/kurate/internal/domain/payments"
)

// ListingRepository defines the listing persistence the ledger needs.
type ListingRepository interface {
	// GetByID retrieves a listing (non-transactional read)
	GetByID(ctx context.Context, listingID uuid.UUID) (*listings.Listing, error)

	// GetByIDForUpdate retrieves a listing and takes an exclusive row lock.
	// This is the single serialization point for all bids on one listing.
	// Must be called within a transaction.
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, listingID uuid.UUID) (*listings.Listing, error)

	// SetHighBid updates the listing's current high bid and bidder within a transaction
	SetHighBid(ctx context.Context, tx pgx.Tx, listingID uuid.UUID, amount int64, bidderID uuid.UUID) error

	// ExtendAuction moves the auction end and records the extension within a transaction
	ExtendAuction(ctx context.Context, tx pgx.Tx, listingID uuid.UUID, newEnd time.Time, extensionsUsed int) error
}

// BidRepository defines the interface for bid persistence
type BidRepository interface {
	// Save inserts a bid within a transaction
	Save(ctx context.Context, tx pgx.Tx, bid *Bid) error

	// DemoteWinning flips the listing's current winning bid to is_winning =
	// false and returns it, or nil when the listing has no bids yet.
	// Must be called under the listing row lock.
	DemoteWinning(ctx context.Context, tx pgx.Tx, listingID uuid.UUID) (*Bid, error)

	// GetWinning retrieves the current winning bid, or nil if none exists
	GetWinning(ctx context.Context, listingID uuid.UUID) (*Bid, error)

	// ListByListing retrieves all bids for a listing, newest first
	ListByListing(ctx context.Context, listingID uuid.UUID) ([]*Bid, error)

	// ListByBidder retrieves a bidder's history joined with listing snapshots
	ListByBidder(ctx context.Context, bidderID uuid.UUID) ([]*HistoryEntry, error)
}

// PaymentProfiles is the external profile collaborator: it resolves a
// buyer's saved payment method. Returns nil when the buyer has none.
type PaymentProfiles interface {
	GetPaymentMethod(ctx context.Context, userID uuid.UUID) (*payments.PaymentMethod, error)
}

// Notifier is the external notification collaborator. Calls are
// fire-and-forget from the engine's point of view.
type Notifier interface {
	NotifyOutbid(ctx context.Context, userID, listingID uuid.UUID, amount int64) error
	NotifyListingCancelled(ctx context.Context, userID, listingID uuid.UUID) error
}
