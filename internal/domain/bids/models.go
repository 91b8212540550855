package bids

import (
	"time"

	"github.com/google/uuid"

	"github.com/kurateapp/kurate/internal/domain/listings"
)

// Bid represents one claim on a listing. PaymentIntentID references the
// pre-authorization hold backing the bid; a bid row is never written
// without one.
type Bid struct {
	ID              uuid.UUID `db:"id"`
	ListingID       uuid.UUID `db:"listing_id"`
	BidderID        uuid.UUID `db:"bidder_id"`
	Amount          int64     `db:"amount"`
	IsWinning       bool      `db:"is_winning"`
	PaymentIntentID string    `db:"payment_intent_id"`
	SelectedSize    *string   `db:"selected_size"`
	CreatedAt       time.Time `db:"created_at"`
}

// HistoryEntry is a bid joined with a snapshot of its listing, returned by
// the bidder history query.
type HistoryEntry struct {
	Bid     *Bid
	Listing *listings.Listing
}

// Event types emitted by the placement service via the outbox.
const (
	EventTypeBidPlaced = "bid.placed"
	EventTypeBidOutbid = "bid.outbid"
)

// PlacedEvent is the JSON payload for EventTypeBidPlaced.
type PlacedEvent struct {
	EventID   uuid.UUID `json:"event_id"`
	BidID     uuid.UUID `json:"bid_id"`
	ListingID uuid.UUID `json:"listing_id"`
	BidderID  uuid.UUID `json:"bidder_id"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// OutbidEvent is the JSON payload for EventTypeBidOutbid. The worker uses
// it to release the superseded hold and notify the outbid buyer; both are
// best-effort and retried by the broker, never by the bidding request.
type OutbidEvent struct {
	EventID        uuid.UUID `json:"event_id"`
	ListingID      uuid.UUID `json:"listing_id"`
	OutbidBidderID uuid.UUID `json:"outbid_bidder_id"`
	HoldID         string    `json:"hold_id"`
	NewAmount      int64     `json:"new_amount"`
	Timestamp      time.Time `json:"timestamp"`
}
