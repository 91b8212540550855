package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Closer sweeps for active listings whose auction_end has passed and
// completes them. CompleteAuction is idempotent, so the sweep overlapping
// an external close trigger (or another sweep instance) is harmless.
type Closer struct {
	service      *Service
	listingStore ListingStore
	batchSize    int
	interval     time.Duration
	logger       *slog.Logger
}

// NewCloser creates an auction close sweep
func NewCloser(service *Service, listingStore ListingStore, batchSize int, interval time.Duration, logger *slog.Logger) *Closer {
	return &Closer{
		service:      service,
		listingStore: listingStore,
		batchSize:    batchSize,
		interval:     interval,
		logger:       logger,
	}
}

// Run starts the polling loop
func (c *Closer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Closer) sweep(ctx context.Context) {
	ids, err := c.listingStore.ListExpired(ctx, time.Now(), c.batchSize)
	if err != nil {
		c.logger.Error("failed to list expired auctions", "error", err)
		return
	}

	for _, id := range ids {
		c.close(ctx, id)
	}
}

func (c *Closer) close(ctx context.Context, listingID uuid.UUID) {
	txn, err := c.service.CompleteAuction(ctx, listingID)
	if err != nil {
		c.logger.Error("failed to complete auction", "listing_id", listingID, "error", err)
		return
	}

	if txn != nil {
		c.logger.Info("auction completed", "listing_id", listingID, "transaction_id", txn.ID, "status", txn.Status)
	} else {
		c.logger.Info("auction expired with no bids", "listing_id", listingID)
	}
}
