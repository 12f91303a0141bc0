package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mnemos-io/mnemos/internal/domain"
)

func newFixedCache(start time.Time) (*InProcess, *time.Time) {
	now := start
	c := NewInProcess()
	c.SetNowFunc(func() time.Time { return now })
	return c, &now
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newFixedCache(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("value = %q, want v", got)
	}
}

func TestGetMissingKey(t *testing.T) {
	ctx := context.Background()
	c, _ := newFixedCache(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	if _, err := c.Get(ctx, "absent"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	c, now := newFixedCache(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := c.Get(ctx, "k"); err != nil {
		t.Fatalf("get before expiry: %v", err)
	}

	*now = now.Add(2 * time.Minute)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want not found after TTL", err)
	}
}

func TestGetReturnsACopy(t *testing.T) {
	ctx := context.Background()
	c, _ := newFixedCache(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	if err := c.Set(ctx, "k", []byte("abc"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, _ := c.Get(ctx, "k")
	got[0] = 'z'

	again, _ := c.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("cached value mutated through a returned copy: %q", again)
	}
}

func TestIncrement(t *testing.T) {
	ctx := context.Background()
	c, _ := newFixedCache(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	for want := int64(1); want <= 3; want++ {
		n, err := c.Increment(ctx, "counter")
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if n != want {
			t.Errorf("counter = %d, want %d", n, want)
		}
	}

	if err := c.Set(ctx, "text", []byte("not a number"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := c.Increment(ctx, "text"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("increment on text: err = %v, want invalid argument", err)
	}
}

func TestGetTTLConventions(t *testing.T) {
	ctx := context.Background()
	c, _ := newFixedCache(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	if ttl, _ := c.GetTTL(ctx, "absent"); ttl != -2*time.Second {
		t.Errorf("missing key ttl = %v, want -2s", ttl)
	}

	_ = c.Set(ctx, "forever", []byte("v"), 0)
	if ttl, _ := c.GetTTL(ctx, "forever"); ttl != -1*time.Second {
		t.Errorf("no-ttl key ttl = %v, want -1s", ttl)
	}

	_ = c.Set(ctx, "bounded", []byte("v"), time.Minute)
	if ttl, _ := c.GetTTL(ctx, "bounded"); ttl != time.Minute {
		t.Errorf("bounded key ttl = %v, want 1m", ttl)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, _ := newFixedCache(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	_ = c.Set(ctx, "k", []byte("v"), 0)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want not found after delete", err)
	}
}
