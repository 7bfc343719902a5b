package chain

import (
	"context"
	"fmt"
	"testing"
)

func TestRingCacheFillOnce(t *testing.T) {
	ctx := context.Background()
	c := newRingCache[int, string](4)

	var fills int
	fill := func(ctx context.Context, k int) (string, error) {
		fills++
		return fmt.Sprintf("v%d", k), nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.Get(ctx, 1, fill)
		if err != nil {
			t.Fatal(err)
		}
		if v != "v1" {
			t.Fatalf("have %q, want %q", v, "v1")
		}
	}

	if fills != 1 {
		t.Fatalf("fills %d, want 1", fills)
	}
}

func TestRingCacheEviction(t *testing.T) {
	ctx := context.Background()
	c := newRingCache[int, string](2)

	var fills int
	fill := func(ctx context.Context, k int) (string, error) {
		fills++
		return fmt.Sprintf("v%d", k), nil
	}

	c.Get(ctx, 1, fill)
	c.Get(ctx, 2, fill)
	c.Get(ctx, 3, fill) // evicts 1
	c.Get(ctx, 1, fill) // refill

	if fills != 4 {
		t.Fatalf("fills %d, want 4", fills)
	}
}

func TestRingCacheErrorNotCached(t *testing.T) {
	ctx := context.Background()
	c := newRingCache[int, string](2)

	boom := fmt.Errorf("boom")
	calls := 0
	fill := func(ctx context.Context, k int) (string, error) {
		calls++
		if calls == 1 {
			return "", boom
		}
		return "ok", nil
	}

	if _, err := c.Get(ctx, 1, fill); err != boom {
		t.Fatalf("have %v, want %v", err, boom)
	}

	v, err := c.Get(ctx, 1, fill)
	if err != nil {
		t.Fatal(err)
	}
	if v != "ok" {
		t.Fatalf("have %q, want %q", v, "ok")
	}
}
