package bids

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kurateapp/kurate/internal/domain/listings"
	"github.com/kurateapp/kurate/internal/domain/payments"
	"github.com/kurateapp/kurate/pkg/database"
	"github.com/kurateapp/kurate/pkg/events"
)

var ErrPaymentMethodRequired = fmt.Errorf("a saved payment method is required to bid")

// SubmitBidCommand is the request to place a bid on behalf of a buyer.
type SubmitBidCommand struct {
	ListingID    uuid.UUID
	BidderID     uuid.UUID
	Amount       int64
	SelectedSize *string
}

// Placement is the result returned to the bidder: the accepted bid plus
// the listing as it looks after the bid (new high price, possibly an
// extended end time).
type Placement struct {
	Bid     *Bid
	Listing *listings.Listing
}

// Service composes payment hold creation with the ledger commit so that no
// bid is ever recorded without a hold backing it, and no hold outlives its
// bid's relevance.
type Service struct {
	txManager  database.TransactionManager
	ledger     *Ledger
	bidRepo    BidRepository
	outboxRepo events.OutboxRepository
	profiles   PaymentProfiles
	gateway    payments.Gateway
	logger     *slog.Logger
}

// NewService creates a bid placement service
func NewService(
	txManager database.TransactionManager,
	ledger *Ledger,
	bidRepo BidRepository,
	outboxRepo events.OutboxRepository,
	profiles PaymentProfiles,
	gateway payments.Gateway,
	logger *slog.Logger,
) *Service {
	return &Service{
		txManager:  txManager,
		ledger:     ledger,
		bidRepo:    bidRepo,
		outboxRepo: outboxRepo,
		profiles:   profiles,
		gateway:    gateway,
		logger:     logger,
	}
}

// SubmitBid places a bid. The hold is created before the listing lock is
// taken, so a slow gateway never stalls other bidders; if the ledger then
// rejects the bid the hold is cancelled before the error is returned.
// Releasing the superseded bidder's hold and notifying them happens
// asynchronously through the outbox. A delayed release is invisible to
// users; a missing hold on the leading bid would be a correctness bug.
func (s *Service) SubmitBid(ctx context.Context, cmd SubmitBidCommand) (*Placement, error) {
	method, err := s.profiles.GetPaymentMethod(ctx, cmd.BidderID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up payment method: %w", err)
	}
	if method == nil {
		return nil, ErrPaymentMethodRequired
	}

	hold, err := s.gateway.CreateHold(ctx, payments.HoldRequest{
		Amount:   cmd.Amount,
		Customer: method.CustomerID,
		Method:   method.MethodID,
		Metadata: map[string]string{
			"listing_id": cmd.ListingID.String(),
			"bidder_id":  cmd.BidderID.String(),
		},
		// Salted per attempt: a stable key would replay the first intent,
		// which may since have been cancelled by the compensating release.
		IdempotencyKey: fmt.Sprintf("bid-hold-%s-%s-%d", cmd.ListingID, cmd.BidderID, time.Now().UnixNano()),
	})
	if err != nil {
		// No local mutation has happened yet; surface the gateway's reason.
		return nil, err
	}

	placement, err := s.commitBid(ctx, cmd, hold.ID)
	if err != nil {
		s.releaseHold(ctx, hold.ID)
		return nil, err
	}

	return placement, nil
}

// commitBid runs the ledger commit and outbox writes in one transaction.
func (s *Service) commitBid(ctx context.Context, cmd SubmitBidCommand, holdID string) (*Placement, error) {
	tx, err := s.txManager.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	placed, err := s.ledger.PlaceBid(ctx, tx, PlaceBidCommand{
		ListingID:       cmd.ListingID,
		BidderID:        cmd.BidderID,
		Amount:          cmd.Amount,
		SelectedSize:    cmd.SelectedSize,
		PaymentIntentID: holdID,
	})
	if err != nil {
		return nil, err
	}

	placedPayload, err := json.Marshal(PlacedEvent{
		EventID:   uuid.New(),
		BidID:     placed.Bid.ID,
		ListingID: placed.Bid.ListingID,
		BidderID:  placed.Bid.BidderID,
		Amount:    placed.Bid.Amount,
		Timestamp: placed.Bid.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal placed event: %w", err)
	}
	if saveErr := s.outboxRepo.SaveEvent(ctx, tx, events.NewOutboxEvent(EventTypeBidPlaced, placedPayload)); saveErr != nil {
		return nil, fmt.Errorf("failed to save placed event: %w", saveErr)
	}

	// The demoted bid comes from the same locked transaction, so the hold
	// we release later is exactly the one this bid superseded. A self-outbid
	// emits no event: the superseded hold belongs to the same buyer and is
	// released by the gateway when it expires.
	if placed.Previous != nil && placed.Previous.BidderID != cmd.BidderID {
		outbidPayload, marshalErr := json.Marshal(OutbidEvent{
			EventID:        uuid.New(),
			ListingID:      placed.Bid.ListingID,
			OutbidBidderID: placed.Previous.BidderID,
			HoldID:         placed.Previous.PaymentIntentID,
			NewAmount:      placed.Bid.Amount,
			Timestamp:      time.Now(),
		})
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to marshal outbid event: %w", marshalErr)
		}
		if saveErr := s.outboxRepo.SaveEvent(ctx, tx, events.NewOutboxEvent(EventTypeBidOutbid, outbidPayload)); saveErr != nil {
			return nil, fmt.Errorf("failed to save outbid event: %w", saveErr)
		}
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", commitErr)
	}

	return &Placement{Bid: placed.Bid, Listing: placed.Listing}, nil
}

// releaseHold cancels a hold created for a bid that never committed. A bid
// attempt must not leave an orphaned hold; failure here is logged because
// the hold will still auto-expire on the gateway side.
func (s *Service) releaseHold(ctx context.Context, holdID string) {
	if err := s.gateway.CancelHold(ctx, holdID); err != nil {
		s.logger.Error("failed to release hold after aborted bid", "hold_id", holdID, "error", err)
	}
}

// History returns the caller's bids joined with listing snapshots.
func (s *Service) History(ctx context.Context, bidderID uuid.UUID) ([]*HistoryEntry, error) {
	entries, err := s.bidRepo.ListByBidder(ctx, bidderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}
	return entries, nil
}
