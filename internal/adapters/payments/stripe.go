// Package payments contains the Stripe implementation of the payment gateway
// port. All amounts are USD cents, matching Stripe's smallest-unit convention.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/kurateapp/kurate/internal/domain/payments"
)

// StripeGateway implements payments.Gateway against the Stripe API.
type StripeGateway struct {
	api    *client.API
	logger *slog.Logger
}

// NewStripeGateway creates a gateway backed by the given secret key.
func NewStripeGateway(secretKey string, logger *slog.Logger) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api, logger: logger}
}

// CreateHold places a manual-capture PaymentIntent on the buyer's saved card.
// The intent is confirmed off-session so funds are authorized immediately.
func (g *StripeGateway) CreateHold(ctx context.Context, req payments.HoldRequest) (*payments.Hold, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(string(stripe.CurrencyUSD)),
		Customer:      stripe.String(req.Customer),
		PaymentMethod: stripe.String(req.Method),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	intent, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, wrapStripeErr("failed to create hold", err)
	}
	return &payments.Hold{ID: intent.ID, Amount: intent.Amount}, nil
}

// CancelHold releases a pre-authorization. An intent that was already
// cancelled, or already released by Stripe's authorization expiry, is
// treated as success.
func (g *StripeGateway) CancelHold(ctx context.Context, holdID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := g.api.PaymentIntents.Cancel(holdID, params)
	if err != nil {
		if isUnexpectedState(err) {
			g.logger.Debug("Hold already released", "hold_id", holdID)
			return nil
		}
		return wrapStripeErr("failed to cancel hold", err)
	}
	return nil
}

// UpdateHoldAmount re-authorizes an existing intent for a new amount.
func (g *StripeGateway) UpdateHoldAmount(ctx context.Context, holdID string, amount int64, metadata map[string]string) error {
	params := &stripe.PaymentIntentParams{
		Amount: stripe.Int64(amount),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	_, err := g.api.PaymentIntents.Update(holdID, params)
	if err != nil {
		return wrapStripeErr("failed to update hold amount", err)
	}
	return nil
}

// Capture charges a previously authorized intent. If the intent already
// reached the succeeded state the call is a no-op, so retrying a capture
// after a crash is safe.
func (g *StripeGateway) Capture(ctx context.Context, holdID string, amount int64) error {
	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(amount),
	}
	params.Context = ctx
	_, err := g.api.PaymentIntents.Capture(holdID, params)
	if err != nil {
		if isUnexpectedState(err) && g.isCaptured(ctx, holdID) {
			g.logger.Debug("Hold already captured", "hold_id", holdID)
			return nil
		}
		return wrapStripeErr("failed to capture hold", err)
	}
	return nil
}

// Transfer pays out to a curator's connected account.
func (g *StripeGateway) Transfer(ctx context.Context, req payments.TransferRequest) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(string(stripe.CurrencyUSD)),
		Destination: stripe.String(req.Destination),
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	transfer, err := g.api.Transfers.New(params)
	if err != nil {
		return "", wrapStripeErr("failed to create transfer", err)
	}
	return transfer.ID, nil
}

// Refund returns captured funds to the buyer. A nil amount refunds the
// full charge.
func (g *StripeGateway) Refund(ctx context.Context, paymentID string, amount *int64, reason string) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if amount != nil {
		params.Amount = stripe.Int64(*amount)
	}
	if reason != "" {
		params.AddMetadata("reason", reason)
	}

	refund, err := g.api.Refunds.New(params)
	if err != nil {
		return "", wrapStripeErr("failed to refund payment", err)
	}
	return refund.ID, nil
}

func (g *StripeGateway) isCaptured(ctx context.Context, holdID string) bool {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := g.api.PaymentIntents.Get(holdID, params)
	if err != nil {
		return false
	}
	return intent.Status == stripe.PaymentIntentStatusSucceeded
}

// wrapStripeErr maps card declines to the domain's DeclinedError so callers
// can distinguish "buyer's card said no" from infrastructure failures.
func wrapStripeErr(msg string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
		code := string(stripeErr.Code)
		if stripeErr.DeclineCode != "" {
			code = string(stripeErr.DeclineCode)
		}
		return &payments.DeclinedError{Code: code, Reason: stripeErr.Msg}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isUnexpectedState(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodePaymentIntentUnexpectedState
}
