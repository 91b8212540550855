package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kurateapp/kurate/internal/domain/bids"
	"github.com/kurateapp/kurate/internal/domain/listings"
	"github.com/kurateapp/kurate/internal/domain/payments"
)

const settlementQueue = "settlement_worker"

// OutbidConsumer consumes outbid and cancellation events. For outbids it
// releases the superseded pre-authorization and notifies the losing buyer;
// for cancellations it fans a notification out to every bidder. Hold
// release happens here, off the bidding request path, so a slow provider
// never blocks a bid.
type OutbidConsumer struct {
	conn     *amqp.Connection
	gateway  payments.Gateway
	notifier bids.Notifier
	logger   *slog.Logger
}

// NewOutbidConsumer creates a new outbid consumer
func NewOutbidConsumer(conn *amqp.Connection, gateway payments.Gateway, notifier bids.Notifier, logger *slog.Logger) *OutbidConsumer {
	return &OutbidConsumer{
		conn:     conn,
		gateway:  gateway,
		notifier: notifier,
		logger:   logger,
	}
}

// Run starts the consumer loop
func (c *OutbidConsumer) Run(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if setupErr := c.setupRabbitMQ(ch); setupErr != nil {
		return fmt.Errorf("failed to setup rabbitmq: %w", setupErr)
	}

	msgs, err := ch.Consume(
		settlementQueue, // queue
		"",              // consumer tag
		false,           // auto-ack
		false,           // exclusive
		false,           // no-local
		false,           // no-wait
		nil,             // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("Waiting for messages...")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *OutbidConsumer) handle(ctx context.Context, d amqp.Delivery) {
	c.logger.Info("Received message", "routing_key", d.RoutingKey)

	var err error
	switch d.RoutingKey {
	case bids.EventTypeBidOutbid:
		err = c.handleOutbid(ctx, d.Body)
	case listings.EventTypeListingCancelled:
		err = c.handleCancelled(ctx, d.Body)
	default:
		c.logger.Warn("Unknown routing key, dropping", "routing_key", d.RoutingKey)
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Error("Failed to Nack message", "error", nackErr)
		}
		return
	}

	if err != nil {
		c.logger.Error("Failed to process event", "routing_key", d.RoutingKey, "error", err)
		// Requeue so the broker retries
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.Error("Failed to Nack message (requeue)", "error", nackErr)
		}
		return
	}

	if ackErr := d.Ack(false); ackErr != nil {
		c.logger.Error("Failed to Ack message", "error", ackErr)
	}
}

func (c *OutbidConsumer) handleOutbid(ctx context.Context, body []byte) error {
	var event bids.OutbidEvent
	if err := json.Unmarshal(body, &event); err != nil {
		// Unparseable payloads will never succeed, log and swallow
		c.logger.Error("Failed to unmarshal outbid event", "error", err)
		return nil
	}

	// CancelHold is a no-op for already released holds, so redelivery is safe
	if err := c.gateway.CancelHold(ctx, event.HoldID); err != nil {
		return fmt.Errorf("failed to release hold %s: %w", event.HoldID, err)
	}

	if err := c.notifier.NotifyOutbid(ctx, event.OutbidBidderID, event.ListingID, event.NewAmount); err != nil {
		// The hold is already released; losing a notification is not worth
		// re-running the whole event.
		c.logger.Error("Failed to notify outbid buyer", "user_id", event.OutbidBidderID, "error", err)
	}

	c.logger.Info("Released superseded hold", "hold_id", event.HoldID, "listing_id", event.ListingID)
	return nil
}

func (c *OutbidConsumer) handleCancelled(ctx context.Context, body []byte) error {
	var event listings.CancelledEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Error("Failed to unmarshal cancellation event", "error", err)
		return nil
	}

	for _, bidderID := range event.BidderIDs {
		if err := c.notifier.NotifyListingCancelled(ctx, bidderID, event.ListingID); err != nil {
			c.logger.Error("Failed to notify bidder of cancellation", "user_id", bidderID, "error", err)
		}
	}
	return nil
}

func (c *OutbidConsumer) setupRabbitMQ(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		Exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // args
	)
	if err != nil {
		return err
	}

	q, err := ch.QueueDeclare(
		settlementQueue, // name
		true,            // durable
		false,           // delete when unused
		false,           // exclusive
		false,           // no-wait
		nil,             // args
	)
	if err != nil {
		return err
	}

	for _, key := range []string{bids.EventTypeBidOutbid, listings.EventTypeListingCancelled} {
		if err := ch.QueueBind(q.Name, key, Exchange, false, nil); err != nil {
			return err
		}
	}
	return nil
}
