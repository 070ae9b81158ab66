package cache

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCache(mr.Addr())
	if err != nil {
		t.Fatalf("new redis cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCacheBasicOps(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	got, err := c.Get(ctx, "missing")
	if err != nil || got != "" {
		t.Fatalf("missing key should be empty without error, got %q, %v", got, err)
	}
	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := c.Get(ctx, "k"); got != "v" {
		t.Fatalf("unexpected value %q", got)
	}
	if ttl, _ := c.TTL(ctx, "k"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}
	mr.FastForward(2 * time.Minute)
	if got, _ := c.Get(ctx, "k"); got != "" {
		t.Fatalf("expected key to expire, got %q", got)
	}
	_ = c.Set(ctx, "a", "1", 0)
	if err := c.Del(ctx, "a"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if mr.Exists("a") {
		t.Fatalf("expected key to be deleted")
	}
	if err := c.Del(ctx); err != nil {
		t.Fatalf("empty del should be a no-op: %v", err)
	}
}

func TestNewRedisCacheRejectsEmptyAddr(t *testing.T) {
	if _, err := NewRedisCache(""); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}

func TestGetWithCached(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	calls := 0
	fetch := func(value int) func(context.Context) (int, error) {
		return func(context.Context) (int, error) {
			calls++
			return value, nil
		}
	}
	load := func(key string, fn func(context.Context) (int, error)) (int, error) {
		return GetWithCached(ctx, c, key, time.Minute, time.Second*10,
			func(v int) bool { return v == 0 },
			strconv.Itoa,
			strconv.Atoi,
			fn)
	}

	for i := 0; i < 3; i++ {
		v, err := load("n", fetch(7))
		if err != nil || v != 7 {
			t.Fatalf("unexpected result %d, %v", v, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected a single fetch, got %d", calls)
	}

	calls = 0
	for i := 0; i < 2; i++ {
		if v, _ := load("empty", fetch(0)); v != 0 {
			t.Fatalf("expected zero value")
		}
	}
	if calls != 1 {
		t.Fatalf("empty result should be cached, fetched %d times", calls)
	}
	if raw, _ := mr.Get("empty"); raw != NullCacheValue {
		t.Fatalf("expected null marker, got %q", raw)
	}

	boom := errors.New("boom")
	if _, err := load("err", func(context.Context) (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if mr.Exists("err") {
		t.Fatalf("errors must not be cached")
	}
}

func TestJitterTTL(t *testing.T) {
	for i := 0; i < 20; i++ {
		got := JitterTTL(time.Minute)
		if got > time.Minute || got < 54*time.Second {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
	if JitterTTL(0) != 0 {
		t.Fatalf("zero ttl must stay zero")
	}
}
