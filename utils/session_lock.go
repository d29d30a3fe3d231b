package utils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Deletes the key only while it still holds our token, so a lock that expired
// and was taken by another worker is never released by us.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisSessionLock serializes per-contact work across instances with SET NX PX.
type RedisSessionLock struct {
	client  *redis.Client
	prefix  string
	minPoll time.Duration
	maxPoll time.Duration
	log     *logrus.Entry
}

func NewRedisSessionLock(client *redis.Client) *RedisSessionLock {
	return &RedisSessionLock{
		client:  client,
		prefix:  "lock:",
		minPoll: 10 * time.Millisecond,
		maxPoll: 250 * time.Millisecond,
		log:     logrus.WithField("component", "session_lock"),
	}
}

// Acquire blocks until key is held or ctx ends. The lock lapses after ttl if
// release is never called.
func (l *RedisSessionLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	release, ok, err := l.TryAcquire(ctx, key, ttl)
	wait := l.minPoll
	for !ok {
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("acquire lock for %s: %w", key, ctx.Err())
			}
			return nil, err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("acquire lock for %s: %w", key, ctx.Err())
		case <-timer.C:
		}
		if wait *= 2; wait > l.maxPoll {
			wait = l.maxPoll
		}
		release, ok, err = l.TryAcquire(ctx, key, ttl)
	}
	return release, err
}

// TryAcquire takes the lock if it is free.
func (l *RedisSessionLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	full := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock for %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// the request context may already be cancelled here
			if err := unlockScript.Run(context.Background(), l.client, []string{full}, token).Err(); err != nil {
				l.log.WithError(err).WithField("key", key).Warn("Failed to release session lock")
			}
		})
	}
	return release, true, nil
}

// MemorySessionLock is a single-process SessionLocker for development and tests.
type MemorySessionLock struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

// lockSlot is dropped once no holder or waiter references it.
type lockSlot struct {
	ch   chan struct{}
	refs int
}

func NewMemorySessionLock() *MemorySessionLock {
	return &MemorySessionLock{slots: make(map[string]*lockSlot)}
}

func (l *MemorySessionLock) slot(key string) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[key]
	if !ok {
		s = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *MemorySessionLock) unref(key string, s *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s.refs--
	if s.refs == 0 && l.slots[key] == s {
		delete(l.slots, key)
	}
}

// Keys returns how many keys are currently held or waited on.
func (l *MemorySessionLock) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func (l *MemorySessionLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	s := l.slot(key)
	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, s)
		return nil, fmt.Errorf("acquire lock for %s: %w", key, ctx.Err())
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-s.ch
			l.unref(key, s)
		})
	}
	if ttl > 0 {
		time.AfterFunc(ttl, release)
	}
	return release, nil
}
