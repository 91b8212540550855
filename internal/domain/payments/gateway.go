// Package payments defines the port to the external card-processing
// provider. The engine only ever talks to the provider through this
// interface; the concrete Stripe adapter lives under internal/adapters.
package payments

import (
	"context"
	"errors"
	"fmt"
)

// PaymentMethod is a buyer's saved card, resolved by the profile
// collaborator before any money is held.
type PaymentMethod struct {
	CustomerID string
	MethodID   string
}

// Hold is a pre-authorization: funds reserved on a card but not captured.
type Hold struct {
	ID     string
	Amount int64
}

// HoldRequest describes the hold to place. Metadata is attached to the
// provider object so support staff can trace a hold back to its listing.
type HoldRequest struct {
	Amount         int64
	Customer       string
	Method         string
	Metadata       map[string]string
	IdempotencyKey string
}

// TransferRequest moves captured funds to a curator's connected account.
type TransferRequest struct {
	Amount         int64
	Destination    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Gateway wraps the card-processing provider. Implementations must be safe
// to retry: "already cancelled" and "already captured" provider responses
// are treated as success, not error.
type Gateway interface {
	// CreateHold places a pre-authorization for the given amount.
	CreateHold(ctx context.Context, req HoldRequest) (*Hold, error)

	// CancelHold releases a pre-authorization. Cancelling a hold that has
	// already been released or expired is a no-op.
	CancelHold(ctx context.Context, holdID string) error

	// UpdateHoldAmount re-authorizes an existing hold for a new amount.
	UpdateHoldAmount(ctx context.Context, holdID string, amount int64, metadata map[string]string) error

	// Capture charges a previously held amount. Capturing an already
	// captured hold is a no-op.
	Capture(ctx context.Context, holdID string, amount int64) error

	// Transfer pays out to a connected account and returns the transfer id.
	Transfer(ctx context.Context, req TransferRequest) (string, error)

	// Refund returns captured funds to the buyer. A nil amount refunds the
	// full charge. Returns the refund id.
	Refund(ctx context.Context, paymentID string, amount *int64, reason string) (string, error)
}

// DeclinedError is returned by CreateHold and Capture when the provider
// rejects the card. Reason carries the provider's human-readable message so
// it can be surfaced to the buyer.
type DeclinedError struct {
	Code   string
	Reason string
}

func (e *DeclinedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("card declined (%s)", e.Code)
	}
	return fmt.Sprintf("card declined: %s", e.Reason)
}

// AsDeclined unwraps err into a DeclinedError if there is one.
func AsDeclined(err error) (*DeclinedError, bool) {
	var declined *DeclinedError
	if errors.As(err, &declined) {
		return declined, true
	}
	return nil, false
}
