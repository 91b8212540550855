package listings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kurateapp/kurate/internal/domain/payments"
	"github.com/kurateapp/kurate/pkg/database"
	"github.com/kurateapp/kurate/pkg/events"
)

// Repository defines the listing persistence the cancellation flow needs.
type Repository interface {
	GetByID(ctx context.Context, listingID uuid.UUID) (*Listing, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, listingID uuid.UUID) (*Listing, error)
	SetStatus(ctx context.Context, tx pgx.Tx, listingID uuid.UUID, status Status) error
}

// HeldBid is the slice of a bid the cancellation flow cares about: who
// placed it and which hold backs it.
type HeldBid struct {
	BidID    uuid.UUID
	BidderID uuid.UUID
	HoldID   string
}

// BidReader lists the bids whose holds must be released on cancellation.
type BidReader interface {
	ListHeld(ctx context.Context, listingID uuid.UUID) ([]HeldBid, error)
}

// Refunder unwinds a captured settlement transaction for a listing.
// Implemented by the settlement service.
type Refunder interface {
	RefundForListing(ctx context.Context, listingID uuid.UUID, reason string) (bool, error)
}

// CancelCommand is a curator's request to cancel their active listing.
type CancelCommand struct {
	ListingID uuid.UUID
	CuratorID uuid.UUID
}

// HoldFailure records one hold that could not be released during
// cancellation. Some holds legitimately expire on the gateway side first.
type HoldFailure struct {
	BidID  uuid.UUID `json:"bidId"`
	HoldID string    `json:"holdId"`
	Reason string    `json:"reason"`
}

// CancellationReport summarizes a best-effort cancellation. Partial
// failures are collected here rather than aborting the operation.
type CancellationReport struct {
	ListingID     uuid.UUID     `json:"listingId"`
	HoldsReleased int           `json:"holdsReleased"`
	HoldFailures  []HoldFailure `json:"holdFailures,omitempty"`
	Refunded      bool          `json:"refunded"`
	BiddersQueued int           `json:"biddersQueued"`
}

// Service owns the listing cancellation flow.
type Service struct {
	txManager  database.TransactionManager
	repo       Repository
	bidReader  BidReader
	refunder   Refunder
	gateway    payments.Gateway
	outboxRepo events.OutboxRepository
	logger     *slog.Logger
}

// NewService creates a listings service
func NewService(
	txManager database.TransactionManager,
	repo Repository,
	bidReader BidReader,
	refunder Refunder,
	gateway payments.Gateway,
	outboxRepo events.OutboxRepository,
	logger *slog.Logger,
) *Service {
	return &Service{
		txManager:  txManager,
		repo:       repo,
		bidReader:  bidReader,
		refunder:   refunder,
		gateway:    gateway,
		outboxRepo: outboxRepo,
		logger:     logger,
	}
}

// GetListing retrieves a listing by id.
func (s *Service) GetListing(ctx context.Context, listingID uuid.UUID) (*Listing, error) {
	return s.repo.GetByID(ctx, listingID)
}

// Cancel cancels an active listing with outstanding bids: release every
// bid's hold (collecting failures without stopping), refund any captured
// transaction, mark the listing cancelled and queue a notification for
// every distinct bidder. The gateway's view of the world may already have
// drifted (expired holds), so one stuck hold must never leave the listing
// uncancellable.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*CancellationReport, error) {
	listing, err := s.repo.GetByID(ctx, cmd.ListingID)
	if err != nil {
		return nil, err
	}
	if listing.CuratorID != cmd.CuratorID {
		return nil, ErrUnauthorized
	}
	if listing.Status != StatusActive {
		return nil, ErrCannotCancel
	}

	heldBids, err := s.bidReader.ListHeld(ctx, cmd.ListingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}

	report := &CancellationReport{ListingID: cmd.ListingID}

	for _, held := range heldBids {
		if cancelErr := s.gateway.CancelHold(ctx, held.HoldID); cancelErr != nil {
			s.logger.Error("failed to release hold during cancellation",
				"listing_id", cmd.ListingID, "bid_id", held.BidID, "error", cancelErr)
			report.HoldFailures = append(report.HoldFailures, HoldFailure{
				BidID:  held.BidID,
				HoldID: held.HoldID,
				Reason: cancelErr.Error(),
			})
			continue
		}
		report.HoldsReleased++
	}

	refunded, refundErr := s.refunder.RefundForListing(ctx, cmd.ListingID, "listing cancelled by curator")
	if refundErr != nil {
		s.logger.Error("failed to refund transaction during cancellation",
			"listing_id", cmd.ListingID, "error", refundErr)
	}
	report.Refunded = refunded

	bidders := distinctBidders(heldBids)
	if markErr := s.markCancelled(ctx, cmd.ListingID, bidders); markErr != nil {
		return nil, markErr
	}
	report.BiddersQueued = len(bidders)

	return report, nil
}

// markCancelled flips the listing status and stores the notification event
// in the same database transaction.
func (s *Service) markCancelled(ctx context.Context, listingID uuid.UUID, bidders []uuid.UUID) error {
	tx, err := s.txManager.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// Re-check under the lock: a concurrent close may have sold the listing
	// between the read above and now.
	listing, err := s.repo.GetByIDForUpdate(ctx, tx, listingID)
	if err != nil {
		return err
	}
	if listing.Status != StatusActive {
		return ErrCannotCancel
	}

	if setErr := s.repo.SetStatus(ctx, tx, listingID, StatusCancelled); setErr != nil {
		return fmt.Errorf("failed to mark listing cancelled: %w", setErr)
	}

	if len(bidders) > 0 {
		payload, marshalErr := json.Marshal(CancelledEvent{
			EventID:   uuid.New(),
			ListingID: listingID,
			BidderIDs: bidders,
			Timestamp: time.Now(),
		})
		if marshalErr != nil {
			return fmt.Errorf("failed to marshal cancelled event: %w", marshalErr)
		}
		if saveErr := s.outboxRepo.SaveEvent(ctx, tx, events.NewOutboxEvent(EventTypeListingCancelled, payload)); saveErr != nil {
			return fmt.Errorf("failed to save cancelled event: %w", saveErr)
		}
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return fmt.Errorf("failed to commit transaction: %w", commitErr)
	}

	return nil
}

func distinctBidders(heldBids []HeldBid) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(heldBids))
	var out []uuid.UUID
	for _, held := range heldBids {
		if _, ok := seen[held.BidderID]; ok {
			continue
		}
		seen[held.BidderID] = struct{}{}
		out = append(out, held.BidderID)
	}
	return out
}
