package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(maxEntries int, ttl time.Duration) *ResponseCache {
	return New(Config{
		DefaultTTL: ttl,
		MaxEntries: maxEntries,
		// 测试内手动 Sweep，不起后台清理
		CleanupInterval: 0,
	}, nil, nil)
}

func TestGetMiss(t *testing.T) {
	c := newTestCache(10, time.Minute)
	defer c.Close()

	_, err := c.Get("absent")
	assert.True(t, IsCacheMiss(err))
}

func TestPutGet(t *testing.T) {
	c := newTestCache(10, time.Minute)
	defer c.Close()

	c.Put("k", "v", 0)
	v, err := c.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestExpiredEntryIsMiss(t *testing.T) {
	c := newTestCache(10, time.Minute)
	defer c.Close()

	c.Put("k", "v", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, err := c.Get("k")
	assert.True(t, IsCacheMiss(err))
	assert.Equal(t, 0, c.GetStats().Entries)
}

func TestCapacityEvictsOldestInsert(t *testing.T) {
	c := newTestCache(3, time.Minute)
	defer c.Close()

	c.Put("a", 1, 0)
	c.Put("b", 2, 0)
	c.Put("c", 3, 0)
	// 读 a 不应让它逃过逐出，逐出看插入顺序而非访问顺序
	_, err := c.Get("a")
	require.NoError(t, err)

	c.Put("d", 4, 0)

	_, err = c.Get("a")
	assert.True(t, IsCacheMiss(err))
	for _, key := range []string{"b", "c", "d"} {
		_, err := c.Get(key)
		assert.NoError(t, err, key)
	}
}

func TestOverwriteRefreshesInsertOrder(t *testing.T) {
	c := newTestCache(2, time.Minute)
	defer c.Close()

	c.Put("a", 1, 0)
	c.Put("b", 2, 0)
	// 覆盖写整体替换，a 变为最新插入
	c.Put("a", 10, 0)
	c.Put("c", 3, 0)

	_, err := c.Get("b")
	assert.True(t, IsCacheMiss(err))
	v, err := c.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 10, v)
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	c := newTestCache(10, time.Minute)
	defer c.Close()

	c.Put("short", 1, 10*time.Millisecond)
	c.Put("long", 2, time.Hour)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, c.Sweep())
	_, err := c.Get("long")
	assert.NoError(t, err)
}

func TestGetOrComputeCoalesces(t *testing.T) {
	c := newTestCache(10, time.Minute)
	defer c.Close()

	var calls int
	var mu sync.Mutex
	fetch := func(ctx context.Context) (any, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return "computed", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrCompute(context.Background(), "k", fetch)
			assert.NoError(t, err)
			assert.Equal(t, "computed", v)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestGetOrComputeErrorNotCached(t *testing.T) {
	c := newTestCache(10, time.Minute)
	defer c.Close()

	_, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (any, error) {
		return nil, fmt.Errorf("backend down")
	})
	require.Error(t, err)

	v, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestStats(t *testing.T) {
	c := newTestCache(10, time.Minute)
	defer c.Close()

	c.Put("k", "v", 0)
	_, _ = c.Get("k")
	_, _ = c.Get("absent")

	stats := c.GetStats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "table:dwd.orders", NormalizeKey("table", "  DWD.Orders "))
	assert.Equal(t, NormalizeKey("table", "dwd.orders"), NormalizeKey("table", "DWD.ORDERS"))
}
