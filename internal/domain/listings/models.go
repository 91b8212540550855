package listings

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a listing.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusSold      Status = "sold"
	StatusExpired   Status = "expired"
)

// Listing is an item under auction. CurrentHighBid and HighBidderID are nil
// until the first bid lands; after that CurrentHighBid always equals the
// amount of the unique winning bid.
type Listing struct {
	ID             uuid.UUID  `db:"id"`
	CuratorID      uuid.UUID  `db:"curator_id"`
	Title          string     `db:"title"`
	StartingBid    int64      `db:"starting_bid"`
	CurrentHighBid *int64     `db:"current_high_bid"`
	HighBidderID   *uuid.UUID `db:"high_bidder_id"`
	Status         Status     `db:"status"`
	AuctionStart   time.Time  `db:"auction_start"`
	AuctionEnd     time.Time  `db:"auction_end"`
	ExtensionsUsed int        `db:"extensions_used"`
	AvailableSizes []string   `db:"available_sizes"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// Validation errors
var (
	ErrNotFound     = fmt.Errorf("listing not found")
	ErrNotActive    = fmt.Errorf("auction is not active")
	ErrSizeRequired = fmt.Errorf("this listing requires a size selection")
	ErrInvalidSize  = fmt.Errorf("selected size is not available for this listing")
	ErrUnauthorized = fmt.Errorf("listing does not belong to this curator")
	ErrCannotCancel = fmt.Errorf("only active listings can be cancelled")
)

// ValidateSize checks a bid's size selection against the listing's
// available sizes. Listings with more than one size require a selection;
// any supplied size must be on the list.
func (l *Listing) ValidateSize(selected *string) error {
	if len(l.AvailableSizes) > 1 && selected == nil {
		return ErrSizeRequired
	}
	if selected != nil && len(l.AvailableSizes) > 0 && !slices.Contains(l.AvailableSizes, *selected) {
		return ErrInvalidSize
	}
	return nil
}

// EventTypeListingCancelled is published when a curator cancels a listing
// with outstanding bids.
const EventTypeListingCancelled = "listing.cancelled"

// CancelledEvent is the JSON payload for EventTypeListingCancelled. The
// notification worker fans it out to every distinct bidder.
type CancelledEvent struct {
	EventID   uuid.UUID   `json:"event_id"`
	ListingID uuid.UUID   `json:"listing_id"`
	BidderIDs []uuid.UUID `json:"bidder_ids"`
	Timestamp time.Time   `json:"timestamp"`
}
