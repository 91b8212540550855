package settlement

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kurateapp/kurate/internal/domain/fees"
)

// Status is a transaction's position in the settlement pipeline.
type Status string

const (
	StatusPendingPayment   Status = "pending_payment"
	StatusPaid             Status = "paid"
	StatusPaymentFailed    Status = "payment_failed"
	StatusCuratorConfirmed Status = "curator_confirmed"
	StatusShipped          Status = "shipped"
	StatusDelivered        Status = "delivered"
	StatusPayoutComplete   Status = "payout_complete"
	StatusRefunded         Status = "refunded"
)

// transitions is the full state machine. A transition absent from this
// table is illegal and must not mutate anything. Refunded is reachable from
// every non-terminal state via listing cancellation.
var transitions = map[Status][]Status{
	StatusPendingPayment:   {StatusPaid, StatusPaymentFailed, StatusRefunded},
	StatusPaymentFailed:    {StatusPendingPayment, StatusRefunded},
	StatusPaid:             {StatusCuratorConfirmed, StatusRefunded},
	StatusCuratorConfirmed: {StatusShipped, StatusRefunded},
	StatusShipped:          {StatusDelivered, StatusRefunded},
	StatusDelivered:        {StatusPayoutComplete, StatusRefunded},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// Terminal reports whether the pipeline is finished in this state.
func (s Status) Terminal() bool {
	return s == StatusPayoutComplete || s == StatusRefunded
}

// Captured reports whether the buyer's money has actually been charged,
// which decides between a refund and a hold cancellation on unwind.
func (s Status) Captured() bool {
	switch s {
	case StatusPaid, StatusCuratorConfirmed, StatusShipped, StatusDelivered, StatusPayoutComplete:
		return true
	default:
		return false
	}
}

// Errors
var (
	ErrNotFound         = fmt.Errorf("transaction not found")
	ErrInvalidState     = fmt.Errorf("transaction is not in a state that allows this operation")
	ErrUnauthorized     = fmt.Errorf("transaction does not belong to this user")
	ErrTrackingRequired = fmt.Errorf("a tracking number is required to mark a transaction shipped")
)

// Transaction is the settlement record for a won listing, exactly one per
// listing. PlatformFee + CuratorEarnings == FinalPrice always holds; the
// split is computed once when the auction closes and never recomputed.
type Transaction struct {
	ID                uuid.UUID  `db:"id"`
	ListingID         uuid.UUID  `db:"listing_id"`
	BuyerID           uuid.UUID  `db:"buyer_id"`
	CuratorID         uuid.UUID  `db:"curator_id"`
	FinalPrice        int64      `db:"final_price"`
	PlatformFee       int64      `db:"platform_fee"`
	CuratorEarnings   int64      `db:"curator_earnings"`
	ShippingCost      *int64     `db:"shipping_cost"`
	Status            Status     `db:"status"`
	PaymentIntentID   string     `db:"payment_intent_id"`
	StripeTransferID  *string    `db:"stripe_transfer_id"`
	TrackingNumber    *string    `db:"tracking_number"`
	ShippedAt         *time.Time `db:"shipped_at"`
	DeliveredAt       *time.Time `db:"delivered_at"`
	PayoutCompletedAt *time.Time `db:"payout_completed_at"`
	PayoutError       *string    `db:"payout_error"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// transition moves the transaction to next or fails with ErrInvalidState.
func (t *Transaction) transition(next Status) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, t.Status, next)
	}
	t.Status = next
	return nil
}

// Curator is the seller-side profile the settlement pipeline reads (tier,
// payout destination) and updates (cumulative counters on payout).
// StripeAccountID is nil until the curator connects a payout account; the
// payout step treats that as a retryable failure, not a scan error.
type Curator struct {
	ID              uuid.UUID `db:"id"`
	Tier            fees.Tier `db:"tier"`
	StripeAccountID *string   `db:"stripe_account_id"`
	TotalEarnings   int64     `db:"total_earnings"`
	TotalSales      int64     `db:"total_sales"`
}
