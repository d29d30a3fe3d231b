package utils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisDeduplicator remembers provider message ids for ttl.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduplicator(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, ttl: ttl}
}

func dedupeKey(messageID string) string {
	return "inbound:" + messageID
}

// FirstSeen records messageID and reports whether it was new. Events without an
// id are always treated as new.
func (d *RedisDeduplicator) FirstSeen(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return true, nil
	}
	ok, err := d.client.SetNX(ctx, dedupeKey(messageID), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe %s: %w", messageID, err)
	}
	return ok, nil
}

func (d *RedisDeduplicator) Forget(ctx context.Context, messageID string) error {
	if messageID == "" {
		return nil
	}
	return d.client.Del(ctx, dedupeKey(messageID)).Err()
}

// MemoryDeduplicator is the single-process Deduplicator.
type MemoryDeduplicator struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewMemoryDeduplicator(ttl time.Duration) *MemoryDeduplicator {
	return &MemoryDeduplicator{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (d *MemoryDeduplicator) FirstSeen(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return true, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.seen[messageID]; ok && (d.ttl <= 0 || now.Before(exp)) {
		return false, nil
	}
	d.seen[messageID] = now.Add(d.ttl)
	d.sweep(now)
	return true, nil
}

func (d *MemoryDeduplicator) Forget(ctx context.Context, messageID string) error {
	d.mu.Lock()
	delete(d.seen, messageID)
	d.mu.Unlock()
	return nil
}

// sweep drops expired ids once the map grows. Caller holds mu.
func (d *MemoryDeduplicator) sweep(now time.Time) {
	if d.ttl <= 0 || len(d.seen) < 1024 {
		return
	}
	for id, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, id)
		}
	}
}
