package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mnemos-io/mnemos/internal/domain"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no TTL
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && e.expiresAt.Before(now)
}

// InProcess is a TTL map cache used when no Redis is configured.
type InProcess struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewInProcess() *InProcess {
	return &InProcess{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// SetNowFunc overrides the cache clock, for tests.
func (c *InProcess) SetNowFunc(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *InProcess) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.expired(c.now()) {
		if ok {
			delete(c.entries, key)
		}
		return nil, fmt.Errorf("%w: cache key %s", domain.ErrNotFound, key)
	}
	return append([]byte(nil), e.value...), nil
}

func (c *InProcess) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

func (c *InProcess) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *InProcess) Increment(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	var n int64
	if ok && !e.expired(c.now()) {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: key %s holds a non-integer", domain.ErrInvalidArgument, key)
		}
		n = parsed
	}
	n++
	c.entries[key] = entry{value: []byte(strconv.FormatInt(n, 10)), expiresAt: e.expiresAt}
	return n, nil
}

func (c *InProcess) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	now := c.now()
	if !ok || e.expired(now) {
		return -2 * time.Second, nil // matches the Redis convention for a missing key
	}
	if e.expiresAt.IsZero() {
		return -1 * time.Second, nil
	}
	return e.expiresAt.Sub(now), nil
}
