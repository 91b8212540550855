package bids

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kurateapp/kurate/internal/domain/listings"
)

// Anti-snipe rules: a bid landing inside the window pushes the auction end
// out by one extension, at most maxExtensions times per listing.
const (
	snipeWindow    = 2 * time.Minute
	snipeExtension = 2 * time.Minute
	maxExtensions  = 3
)

// Validation errors
var (
	ErrBidTooLow        = fmt.Errorf("bid amount must be higher than the current high bid")
	ErrInvalidAmount    = fmt.Errorf("bid amount must be positive")
	ErrCuratorCannotBid = fmt.Errorf("curator cannot bid on their own listing")
)

// validateAmount checks a bid against the listing's current price. Ties are
// rejected: the first bid must beat the starting bid, later bids must beat
// the current high bid.
func validateAmount(amount int64, currentHigh *int64, startingBid int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	floor := startingBid
	if currentHigh != nil {
		floor = *currentHigh
	}
	if amount <= floor {
		return ErrBidTooLow
	}
	return nil
}

// extendedEnd reports whether a bid placed at now triggers an anti-snipe
// extension, and the new auction end if it does. Once the extension cap is
// reached the end time stops moving, silently.
func extendedEnd(auctionEnd, now time.Time, extensionsUsed int) (time.Time, bool) {
	if extensionsUsed >= maxExtensions {
		return auctionEnd, false
	}
	if auctionEnd.Sub(now) >= snipeWindow {
		return auctionEnd, false
	}
	return auctionEnd.Add(snipeExtension), true
}

// PlaceBidCommand is the ledger-level request to record a bid. The hold
// must already exist; the ledger never talks to the payment gateway.
type PlaceBidCommand struct {
	ListingID       uuid.UUID
	BidderID        uuid.UUID
	Amount          int64
	SelectedSize    *string
	PaymentIntentID string
}

// PlacedBid is the result of a successful ledger commit. Previous is the
// superseded winning bid, nil for the first bid on a listing.
type PlacedBid struct {
	Bid      *Bid
	Listing  *listings.Listing
	Previous *Bid
}

// Ledger guarantees a linear, consistent bid history per listing. All
// mutations happen under the listing's exclusive row lock inside the
// caller's transaction, so two concurrent bids on the same listing can
// never both be the current high bid.
type Ledger struct {
	listingRepo ListingRepository
	bidRepo     BidRepository
	now         func() time.Time
}

// NewLedger creates a bid ledger
func NewLedger(listingRepo ListingRepository, bidRepo BidRepository) *Ledger {
	return &Ledger{
		listingRepo: listingRepo,
		bidRepo:     bidRepo,
		now:         time.Now,
	}
}

// PlaceBid validates and records a bid within the caller's transaction.
// On success the previous winning bid is demoted, the new bid is inserted
// as winning and the listing's high bid fields (and, inside the snipe
// window, its end time) are updated, all under the same row lock.
func (l *Ledger) PlaceBid(ctx context.Context, tx pgx.Tx, cmd PlaceBidCommand) (*PlacedBid, error) {
	// Lock the listing row. Every read below is guaranteed fresh.
	listing, err := l.listingRepo.GetByIDForUpdate(ctx, tx, cmd.ListingID)
	if err != nil {
		return nil, err
	}

	if listing.Status != listings.StatusActive {
		return nil, listings.ErrNotActive
	}
	if listing.CuratorID == cmd.BidderID {
		return nil, ErrCuratorCannotBid
	}

	now := l.now()
	// The close sweep may not have run yet; an expired clock still ends bidding.
	if !now.Before(listing.AuctionEnd) {
		return nil, listings.ErrNotActive
	}

	if sizeErr := listing.ValidateSize(cmd.SelectedSize); sizeErr != nil {
		return nil, sizeErr
	}

	if valErr := validateAmount(cmd.Amount, listing.CurrentHighBid, listing.StartingBid); valErr != nil {
		return nil, valErr
	}

	previous, err := l.bidRepo.DemoteWinning(ctx, tx, cmd.ListingID)
	if err != nil {
		return nil, fmt.Errorf("failed to demote previous winning bid: %w", err)
	}

	bid := &Bid{
		ID:              uuid.New(),
		ListingID:       cmd.ListingID,
		BidderID:        cmd.BidderID,
		Amount:          cmd.Amount,
		IsWinning:       true,
		PaymentIntentID: cmd.PaymentIntentID,
		SelectedSize:    cmd.SelectedSize,
		CreatedAt:       now,
	}

	if saveErr := l.bidRepo.Save(ctx, tx, bid); saveErr != nil {
		return nil, fmt.Errorf("failed to save bid: %w", saveErr)
	}

	if updateErr := l.listingRepo.SetHighBid(ctx, tx, cmd.ListingID, cmd.Amount, cmd.BidderID); updateErr != nil {
		return nil, fmt.Errorf("failed to update high bid: %w", updateErr)
	}

	if newEnd, extended := extendedEnd(listing.AuctionEnd, now, listing.ExtensionsUsed); extended {
		if extendErr := l.listingRepo.ExtendAuction(ctx, tx, cmd.ListingID, newEnd, listing.ExtensionsUsed+1); extendErr != nil {
			return nil, fmt.Errorf("failed to extend auction: %w", extendErr)
		}
		listing.AuctionEnd = newEnd
		listing.ExtensionsUsed++
	}

	listing.CurrentHighBid = &cmd.Amount
	listing.HighBidderID = &cmd.BidderID

	return &PlacedBid{
		Bid:      bid,
		Listing:  listing,
		Previous: previous,
	}, nil
}
