package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Routing keys for user-facing notifications. A notification service owns
// the queues bound to these; the engine only publishes.
const (
	routingKeyNotifyOutbid    = "notify.outbid"
	routingKeyNotifyCancelled = "notify.listing_cancelled"
)

type notification struct {
	UserID    uuid.UUID `json:"user_id"`
	ListingID uuid.UUID `json:"listing_id"`
	Amount    int64     `json:"amount,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RabbitMQNotifier implements bids.Notifier by publishing notification
// messages to the marketplace exchange.
type RabbitMQNotifier struct {
	publisher *RabbitMQPublisher
}

// NewRabbitMQNotifier creates a new notifier
func NewRabbitMQNotifier(publisher *RabbitMQPublisher) *RabbitMQNotifier {
	return &RabbitMQNotifier{publisher: publisher}
}

// NotifyOutbid tells a buyer their bid was beaten
func (n *RabbitMQNotifier) NotifyOutbid(ctx context.Context, userID, listingID uuid.UUID, amount int64) error {
	return n.publish(ctx, routingKeyNotifyOutbid, notification{
		UserID:    userID,
		ListingID: listingID,
		Amount:    amount,
		Timestamp: time.Now(),
	})
}

// NotifyListingCancelled tells a bidder the listing they bid on is gone
func (n *RabbitMQNotifier) NotifyListingCancelled(ctx context.Context, userID, listingID uuid.UUID) error {
	return n.publish(ctx, routingKeyNotifyCancelled, notification{
		UserID:    userID,
		ListingID: listingID,
		Timestamp: time.Now(),
	})
}

func (n *RabbitMQNotifier) publish(ctx context.Context, routingKey string, msg notification) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return n.publisher.Publish(ctx, Exchange, routingKey, body)
}
