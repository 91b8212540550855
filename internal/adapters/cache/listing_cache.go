// Package cache provides a Redis read-through cache for listing snapshots.
// The cache is strictly best-effort: a Redis outage degrades reads to the
// database, it never fails a request.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kurateapp/kurate/internal/domain/listings"
)

const listingTTL = 30 * time.Second

// ListingCache caches listing snapshots in Redis
type ListingCache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewListingCache creates a new listing cache
func NewListingCache(client *redis.Client, logger *slog.Logger) *ListingCache {
	return &ListingCache{client: client, logger: logger}
}

func listingKey(id uuid.UUID) string {
	return fmt.Sprintf("listing:%s", id)
}

// Get returns the cached listing, or nil on a miss
func (c *ListingCache) Get(ctx context.Context, id uuid.UUID) *listings.Listing {
	data, err := c.client.Get(ctx, listingKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Failed to read listing cache", "listing_id", id, "error", err)
		}
		return nil
	}

	var listing listings.Listing
	if err := json.Unmarshal(data, &listing); err != nil {
		c.logger.Warn("Corrupt listing cache entry", "listing_id", id, "error", err)
		return nil
	}
	return &listing
}

// Set stores a listing snapshot with a short TTL
func (c *ListingCache) Set(ctx context.Context, listing *listings.Listing) {
	data, err := json.Marshal(listing)
	if err != nil {
		c.logger.Warn("Failed to marshal listing for cache", "listing_id", listing.ID, "error", err)
		return
	}
	if err := c.client.Set(ctx, listingKey(listing.ID), data, listingTTL).Err(); err != nil {
		c.logger.Warn("Failed to write listing cache", "listing_id", listing.ID, "error", err)
	}
}

// Invalidate drops the cached snapshot after a bid or status change
func (c *ListingCache) Invalidate(ctx context.Context, id uuid.UUID) {
	if err := c.client.Del(ctx, listingKey(id)).Err(); err != nil {
		c.logger.Warn("Failed to invalidate listing cache", "listing_id", id, "error", err)
	}
}
