package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultEventTTL = 72 * time.Hour

func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisEventDedup stores processed webhook event ids with a TTL.
type RedisEventDedup struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisEventDedup(client *redis.Client, ttl time.Duration) *RedisEventDedup {
	if ttl <= 0 {
		ttl = DefaultEventTTL
	}
	return &RedisEventDedup{client: client, ttl: ttl}
}

func eventKey(eventID string) string {
	return "payretry:webhook:event:" + eventID
}

func (d *RedisEventDedup) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	_, err := d.client.Get(ctx, eventKey(eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *RedisEventDedup) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	return d.client.SetNX(ctx, eventKey(eventID), eventType, d.ttl).Err()
}

// MemoryEventDedup is the process-local fallback.
type MemoryEventDedup struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryEventDedup(ttl time.Duration) *MemoryEventDedup {
	if ttl <= 0 {
		ttl = DefaultEventTTL
	}
	return &MemoryEventDedup{ttl: ttl, seen: map[string]time.Time{}, now: time.Now}
}

func (d *MemoryEventDedup) IsDuplicate(_ context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	exp, ok := d.seen[eventID]
	if !ok {
		return false, nil
	}
	if d.now().After(exp) {
		delete(d.seen, eventID)
		return false, nil
	}
	return true, nil
}

func (d *MemoryEventDedup) MarkProcessed(_ context.Context, eventID, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for id, exp := range d.seen {
		if now.After(exp) {
			delete(d.seen, id)
		}
	}
	d.seen[eventID] = now.Add(d.ttl)
	return nil
}
