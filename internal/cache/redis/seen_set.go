package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
)

// SeenSet implements domain.SeenSet with one expiring key per id, so signal
// dedup survives restarts and is shared between replicas.
type SeenSet struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

var _ domain.SeenSet = (*SeenSet)(nil)

// NewSeenSet creates a SeenSet whose entries expire after ttl.
func NewSeenSet(c *Client, prefix string, ttl time.Duration) *SeenSet {
	return &SeenSet{rdb: c.Underlying(), prefix: prefix, ttl: ttl}
}

// MarkSeen reports true the first time id is offered within the TTL.
func (s *SeenSet) MarkSeen(ctx context.Context, id string) (bool, error) {
	fresh, err := s.rdb.SetNX(ctx, s.prefix+id, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: mark seen %s: %w", id, err)
	}
	return fresh, nil
}
