package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// reservationTTL bounds how long a reservation shadows an occurrence.
// Long enough to cover repeated ticks within the same day, short enough
// that a reservation orphaned by a crash cannot suppress the occurrence
// on the following day.
const reservationTTL = 12 * time.Hour

// DedupCache reserves reminder occurrences across scheduler ticks so
// that overlapping processes do not both build the same notification.
// It is purely a work-saving layer: losing Redis loses nothing but
// effort, because the ledger's unique constraint still rejects the
// second commit.
type DedupCache struct {
	client *Client
	logger *zap.Logger
}

func NewDedupCache(client *Client, logger *zap.Logger) *DedupCache {
	return &DedupCache{client: client, logger: logger}
}

func (c *DedupCache) buildKey(occurrenceKey string) string {
	return c.client.key(fmt.Sprintf("reminder:occurrence:%s", occurrenceKey))
}

// Reserve claims an occurrence with SET NX. Returns false when another
// tick already holds it.
func (c *DedupCache) Reserve(ctx context.Context, occurrenceKey string) (bool, error) {
	set, err := c.client.rdb.SetNX(ctx, c.buildKey(occurrenceKey), "reserved", reservationTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if set {
		c.logger.Debug("occurrence reserved", zap.String("key", occurrenceKey))
	}
	return set, nil
}

// Release drops a reservation after the occurrence failed to schedule,
// so the next tick can pick it up again.
func (c *DedupCache) Release(ctx context.Context, occurrenceKey string) error {
	if err := c.client.rdb.Del(ctx, c.buildKey(occurrenceKey)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
