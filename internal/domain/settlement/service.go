package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kurateapp/kurate/internal/domain/fees"
	"github.com/kurateapp/kurate/internal/domain/listings"
	"github.com/kurateapp/kurate/internal/domain/payments"
	"github.com/kurateapp/kurate/pkg/database"
)

// DeliveryResult is returned by ConfirmDelivery. PayoutWarning is set when
// the curator payout failed after the delivery was recorded; delivery
// confirmation itself is never blocked by a payout failure.
type DeliveryResult struct {
	Transaction   *Transaction
	PayoutWarning string
}

// Service drives a won listing through payment, curator confirmation,
// shipment, delivery and payout. Every transition runs in its own database
// transaction under the transaction row lock, so a crash mid-transition
// can never leave the status updated without its side effects.
type Service struct {
	txManager    database.TransactionManager
	txnRepo      TransactionRepository
	curatorRepo  CuratorRepository
	listingStore ListingStore
	winningBids  WinningBidReader
	profiles     PaymentProfiles
	gateway      payments.Gateway
	logger       *slog.Logger
}

// NewService creates a settlement service
func NewService(
	txManager database.TransactionManager,
	txnRepo TransactionRepository,
	curatorRepo CuratorRepository,
	listingStore ListingStore,
	winningBids WinningBidReader,
	profiles PaymentProfiles,
	gateway payments.Gateway,
	logger *slog.Logger,
) *Service {
	return &Service{
		txManager:    txManager,
		txnRepo:      txnRepo,
		curatorRepo:  curatorRepo,
		listingStore: listingStore,
		winningBids:  winningBids,
		profiles:     profiles,
		gateway:      gateway,
		logger:       logger,
	}
}

// CompleteAuction closes a listing whose clock has run out. With no bids
// the listing expires; with a winning bid it becomes sold, a settlement
// transaction is created with the fee split computed from the curator's
// tier, and the winning hold is captured. Calling it again on an already
// closed listing is a no-op returning the existing transaction.
func (s *Service) CompleteAuction(ctx context.Context, listingID uuid.UUID) (*Transaction, error) {
	txn, err := s.closeListing(ctx, listingID)
	if err != nil || txn == nil {
		return txn, err
	}

	// A fresh close needs its capture, and so does an old one that crashed
	// between the close commit and the capture: pending_payment with a sold
	// listing has no other way forward.
	if txn.Status == StatusPendingPayment {
		if captureErr := s.capturePayment(ctx, txn.ID); captureErr != nil {
			// The transaction is parked in payment_failed; the buyer can retry.
			s.logger.Error("payment capture failed after auction close",
				"transaction_id", txn.ID, "listing_id", listingID, "error", captureErr)
		}
		return s.txnRepo.GetByID(ctx, txn.ID)
	}

	return txn, nil
}

// closeListing performs the locked close step. Re-closing a sold listing
// returns its existing transaction.
func (s *Service) closeListing(ctx context.Context, listingID uuid.UUID) (*Transaction, error) {
	tx, err := s.txManager.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	listing, err := s.listingStore.GetByIDForUpdate(ctx, tx, listingID)
	if err != nil {
		return nil, err
	}

	switch listing.Status {
	case listings.StatusActive:
		// fall through to the close below
	case listings.StatusSold:
		return s.txnRepo.GetByListingID(ctx, listingID)
	case listings.StatusExpired, listings.StatusCancelled:
		return nil, nil
	default:
		return nil, listings.ErrNotActive
	}

	win, err := s.winningBids.GetWinning(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to read winning bid: %w", err)
	}

	if win == nil {
		if setErr := s.listingStore.SetStatus(ctx, tx, listingID, listings.StatusExpired); setErr != nil {
			return nil, fmt.Errorf("failed to expire listing: %w", setErr)
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", commitErr)
		}
		return nil, nil
	}

	curator, err := s.curatorRepo.GetByID(ctx, listing.CuratorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load curator: %w", err)
	}

	breakdown := fees.Compute(win.Amount, listing.StartingBid, curator.Tier)

	now := time.Now()
	txn := &Transaction{
		ID:              uuid.New(),
		ListingID:       listingID,
		BuyerID:         win.BidderID,
		CuratorID:       listing.CuratorID,
		FinalPrice:      win.Amount,
		PlatformFee:     breakdown.PlatformFee,
		CuratorEarnings: breakdown.CuratorEarnings,
		Status:          StatusPendingPayment,
		PaymentIntentID: win.PaymentIntentID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if createErr := s.txnRepo.Create(ctx, tx, txn); createErr != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", createErr)
	}

	if setErr := s.listingStore.SetStatus(ctx, tx, listingID, listings.StatusSold); setErr != nil {
		return nil, fmt.Errorf("failed to mark listing sold: %w", setErr)
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", commitErr)
	}

	return txn, nil
}

// capturePayment charges the winning hold and records the outcome. The
// gateway call happens outside any row lock; only the status flip is locked.
func (s *Service) capturePayment(ctx context.Context, txnID uuid.UUID) error {
	txn, err := s.txnRepo.GetByID(ctx, txnID)
	if err != nil {
		return err
	}
	if txn.Status != StatusPendingPayment {
		return fmt.Errorf("%w: %s", ErrInvalidState, txn.Status)
	}

	captureErr := s.gateway.Capture(ctx, txn.PaymentIntentID, txn.FinalPrice)

	next := StatusPaid
	if captureErr != nil {
		next = StatusPaymentFailed
	}

	if updateErr := s.applyTransition(ctx, txnID, StatusPendingPayment, func(t *Transaction) error {
		return t.transition(next)
	}); updateErr != nil {
		return updateErr
	}

	return captureErr
}

// ConfirmPurchase records the curator's confirmation of a paid sale.
func (s *Service) ConfirmPurchase(ctx context.Context, curatorID, txnID uuid.UUID) (*Transaction, error) {
	return s.transitionFor(ctx, txnID, func(t *Transaction) error {
		if t.CuratorID != curatorID {
			return ErrUnauthorized
		}
		return t.transition(StatusCuratorConfirmed)
	})
}

// MarkShipped records shipment. The tracking number is required and is
// written in the same transaction as the status flip.
func (s *Service) MarkShipped(ctx context.Context, curatorID, txnID uuid.UUID, trackingNumber string) (*Transaction, error) {
	if trackingNumber == "" {
		return nil, ErrTrackingRequired
	}
	return s.transitionFor(ctx, txnID, func(t *Transaction) error {
		if t.CuratorID != curatorID {
			return ErrUnauthorized
		}
		if err := t.transition(StatusShipped); err != nil {
			return err
		}
		now := time.Now()
		t.TrackingNumber = &trackingNumber
		t.ShippedAt = &now
		return nil
	})
}

// ConfirmDelivery records the buyer's receipt and then attempts the curator
// payout. A payout failure leaves the transaction delivered with the
// failure reason stored for retry; it never fails the confirmation.
func (s *Service) ConfirmDelivery(ctx context.Context, buyerID, txnID uuid.UUID) (*DeliveryResult, error) {
	txn, err := s.transitionFor(ctx, txnID, func(t *Transaction) error {
		if t.BuyerID != buyerID {
			return ErrUnauthorized
		}
		if err := t.transition(StatusDelivered); err != nil {
			return err
		}
		now := time.Now()
		t.DeliveredAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.payout(ctx, txn.ID)
}

// RetryPayout re-attempts a payout that failed after delivery.
func (s *Service) RetryPayout(ctx context.Context, txnID uuid.UUID) (*DeliveryResult, error) {
	txn, err := s.txnRepo.GetByID(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.Status != StatusDelivered {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, txn.Status)
	}
	return s.payout(ctx, txnID)
}

// payout transfers the stored curator earnings (never recomputed) to the
// curator's connected account. On success the status flip, transfer
// reference and curator counters are committed together.
func (s *Service) payout(ctx context.Context, txnID uuid.UUID) (*DeliveryResult, error) {
	txn, err := s.txnRepo.GetByID(ctx, txnID)
	if err != nil {
		return nil, err
	}

	curator, err := s.curatorRepo.GetByID(ctx, txn.CuratorID)
	if err != nil {
		return s.recordPayoutFailure(ctx, txnID, fmt.Sprintf("failed to load curator: %v", err))
	}
	if curator.StripeAccountID == nil || *curator.StripeAccountID == "" {
		return s.recordPayoutFailure(ctx, txnID, "curator has no connected payout account")
	}

	transferID, err := s.gateway.Transfer(ctx, payments.TransferRequest{
		Amount:      txn.CuratorEarnings,
		Destination: *curator.StripeAccountID,
		Metadata: map[string]string{
			"transaction_id": txn.ID.String(),
			"listing_id":     txn.ListingID.String(),
		},
		IdempotencyKey: fmt.Sprintf("payout-%s", txn.ID),
	})
	if err != nil {
		return s.recordPayoutFailure(ctx, txnID, err.Error())
	}

	updated, err := s.transitionFor(ctx, txnID, func(t *Transaction) error {
		if err := t.transition(StatusPayoutComplete); err != nil {
			return err
		}
		now := time.Now()
		t.StripeTransferID = &transferID
		t.PayoutCompletedAt = &now
		t.PayoutError = nil
		return nil
	}, func(ctx context.Context, tx pgx.Tx, t *Transaction) error {
		return s.curatorRepo.RecordSale(ctx, tx, t.CuratorID, t.CuratorEarnings)
	})
	if err != nil {
		return nil, err
	}

	return &DeliveryResult{Transaction: updated}, nil
}

// recordPayoutFailure stores the failure reason and surfaces it as a soft
// warning. The transaction stays delivered for a manual or scheduled retry.
func (s *Service) recordPayoutFailure(ctx context.Context, txnID uuid.UUID, reason string) (*DeliveryResult, error) {
	s.logger.Error("curator payout failed", "transaction_id", txnID, "reason", reason)

	updated, err := s.transitionFor(ctx, txnID, func(t *Transaction) error {
		if t.Status != StatusDelivered {
			return fmt.Errorf("%w: %s", ErrInvalidState, t.Status)
		}
		t.PayoutError = &reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &DeliveryResult{Transaction: updated, PayoutWarning: reason}, nil
}

// RetryPayment places and captures a fresh hold for a failed payment.
func (s *Service) RetryPayment(ctx context.Context, buyerID, txnID uuid.UUID) (*Transaction, error) {
	txn, err := s.txnRepo.GetByID(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.BuyerID != buyerID {
		return nil, ErrUnauthorized
	}
	if txn.Status != StatusPaymentFailed {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, txn.Status)
	}

	method, err := s.profiles.GetPaymentMethod(ctx, buyerID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up payment method: %w", err)
	}
	if method == nil {
		return nil, fmt.Errorf("no saved payment method for buyer %s", buyerID)
	}

	hold, err := s.gateway.CreateHold(ctx, payments.HoldRequest{
		Amount:   txn.FinalPrice,
		Customer: method.CustomerID,
		Method:   method.MethodID,
		Metadata: map[string]string{
			"transaction_id": txn.ID.String(),
			"listing_id":     txn.ListingID.String(),
		},
		IdempotencyKey: fmt.Sprintf("payment-retry-%s-%d", txn.ID, time.Now().Unix()),
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.transitionFor(ctx, txnID, func(t *Transaction) error {
		if err := t.transition(StatusPendingPayment); err != nil {
			return err
		}
		t.PaymentIntentID = hold.ID
		return nil
	}); err != nil {
		return nil, err
	}

	if captureErr := s.capturePayment(ctx, txnID); captureErr != nil {
		return nil, captureErr
	}

	return s.txnRepo.GetByID(ctx, txnID)
}

// RefundForListing unwinds the transaction for a cancelled listing, if one
// exists. Captured money is refunded; an uncaptured hold is released.
func (s *Service) RefundForListing(ctx context.Context, listingID uuid.UUID, reason string) (bool, error) {
	txn, err := s.txnRepo.GetByListingID(ctx, listingID)
	if err != nil {
		return false, err
	}
	if txn == nil || txn.Status == StatusRefunded {
		return false, nil
	}
	if txn.Status == StatusPayoutComplete {
		return false, fmt.Errorf("%w: payout already completed for listing %s", ErrInvalidState, listingID)
	}

	if txn.Status.Captured() {
		if _, refundErr := s.gateway.Refund(ctx, txn.PaymentIntentID, nil, reason); refundErr != nil {
			return false, fmt.Errorf("failed to refund payment: %w", refundErr)
		}
	} else {
		if cancelErr := s.gateway.CancelHold(ctx, txn.PaymentIntentID); cancelErr != nil {
			return false, fmt.Errorf("failed to release hold: %w", cancelErr)
		}
	}

	if _, err := s.transitionFor(ctx, txn.ID, func(t *Transaction) error {
		return t.transition(StatusRefunded)
	}); err != nil {
		return false, err
	}

	return true, nil
}

// GetTransaction retrieves a transaction visible to the given user.
func (s *Service) GetTransaction(ctx context.Context, userID, txnID uuid.UUID) (*Transaction, error) {
	txn, err := s.txnRepo.GetByID(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.BuyerID != userID && txn.CuratorID != userID {
		return nil, ErrUnauthorized
	}
	return txn, nil
}

// extraStep is extra transactional work committed with a transition.
type extraStep func(ctx context.Context, tx pgx.Tx, t *Transaction) error

// transitionFor applies mutate to the row-locked transaction and commits.
// An error from mutate (illegal transition, wrong user) rolls everything
// back and nothing is mutated.
func (s *Service) transitionFor(ctx context.Context, txnID uuid.UUID, mutate func(*Transaction) error, extras ...extraStep) (*Transaction, error) {
	tx, err := s.txManager.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txn, err := s.txnRepo.GetByIDForUpdate(ctx, tx, txnID)
	if err != nil {
		return nil, err
	}

	if mutateErr := mutate(txn); mutateErr != nil {
		return nil, mutateErr
	}
	txn.UpdatedAt = time.Now()

	if updateErr := s.txnRepo.Update(ctx, tx, txn); updateErr != nil {
		return nil, fmt.Errorf("failed to update transaction: %w", updateErr)
	}

	for _, extra := range extras {
		if extraErr := extra(ctx, tx, txn); extraErr != nil {
			return nil, extraErr
		}
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", commitErr)
	}

	return txn, nil
}

// applyTransition is transitionFor with a precondition on the current
// status, used by the capture path.
func (s *Service) applyTransition(ctx context.Context, txnID uuid.UUID, from Status, mutate func(*Transaction) error) error {
	_, err := s.transitionFor(ctx, txnID, func(t *Transaction) error {
		if t.Status != from {
			return fmt.Errorf("%w: %s", ErrInvalidState, t.Status)
		}
		return mutate(t)
	})
	return err
}
