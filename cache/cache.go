// Package cache 提供按归一化查询签名键控的有界 TTL 响应缓存。
//
// 校验与查询节点通过它避免重复的高开销调用。逐出策略为
// TTL 过期 + 容量满时淘汰最早插入的条目。
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/edwflow/internal/metrics"
)

// ErrCacheMiss 缓存未命中错误
var ErrCacheMiss = fmt.Errorf("cache miss")

// IsCacheMiss 判断是否为缓存未命中错误
func IsCacheMiss(err error) bool {
	return err == ErrCacheMiss
}

// entry 缓存条目，归缓存独占所有
type entry struct {
	value      any
	insertedAt time.Time
	ttl        time.Duration
	hits       int
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.insertedAt) > e.ttl
}

// Stats 缓存统计信息
type Stats struct {
	Entries       int     `json:"entries"`
	TotalRequests int64   `json:"total_requests"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
}

// Config 缓存配置
type Config struct {
	DefaultTTL      time.Duration
	MaxEntries      int
	CleanupInterval time.Duration
}

// ResponseCache 响应缓存管理器
type ResponseCache struct {
	config  Config
	logger  *zap.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	entries map[string]*entry
	// 插入顺序，用于容量逐出（最早插入先淘汰）
	order []string

	hits     int64
	misses   int64
	requests int64

	group    singleflight.Group
	stopChan chan struct{}
	stopOnce sync.Once
}

// New 创建响应缓存并启动后台清理
func New(config Config, logger *zap.Logger, collector *metrics.Collector) *ResponseCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &ResponseCache{
		config:   config,
		logger:   logger.With(zap.String("component", "response_cache")),
		metrics:  collector,
		entries:  make(map[string]*entry),
		stopChan: make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go c.sweepLoop()
	}

	c.logger.Info("response cache initialized",
		zap.Duration("ttl", config.DefaultTTL),
		zap.Int("max_entries", config.MaxEntries),
	)
	return c
}

// NormalizeKey 将查询签名归一化为缓存键
func NormalizeKey(operation, subject string) string {
	return operation + ":" + strings.ToLower(strings.TrimSpace(subject))
}

// Get 获取缓存值，过期或缺失返回 ErrCacheMiss
func (c *ResponseCache) Get(key string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests++
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		c.metrics.CacheMiss()
		return nil, ErrCacheMiss
	}
	if e.expired(time.Now()) {
		c.removeLocked(key)
		c.misses++
		c.metrics.CacheMiss()
		return nil, ErrCacheMiss
	}

	e.hits++
	c.hits++
	c.metrics.CacheHit()
	return e.value, nil
}

// Put 写入缓存值；同键写入即整体覆盖，ttl<=0 使用默认 TTL
func (c *ResponseCache) Put(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.removeLocked(key)
	}

	// 容量满先逐出最早插入的条目
	for c.config.MaxEntries > 0 && len(c.entries) >= c.config.MaxEntries {
		oldest := c.order[0]
		c.removeLocked(oldest)
		c.logger.Debug("evicted oldest cache entry", zap.String("key", oldest))
	}

	c.entries[key] = &entry{value: value, insertedAt: time.Now(), ttl: ttl}
	c.order = append(c.order, key)
}

// GetOrCompute 缓存未命中时调用 fetch 取值并写入缓存。
// 同键并发未命中仅计算一次。
func (c *ResponseCache) GetOrCompute(ctx context.Context, key string, fetch func(ctx context.Context) (any, error)) (any, error) {
	if v, err := c.Get(key); err == nil {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// 可能已有并发计算写入
		if v, err := c.Get(key); err == nil {
			return v, nil
		}
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(key, v, 0)
		return v, nil
	})
	return v, err
}

// Sweep 立即清理所有过期条目，返回清理数量
func (c *ResponseCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expired []string
	for key, e := range c.entries {
		if e.expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.removeLocked(key)
	}

	if len(expired) > 0 {
		c.logger.Debug("swept expired cache entries", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// GetStats 获取缓存统计信息
func (c *ResponseCache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries:       len(c.entries),
		TotalRequests: c.requests,
		Hits:          c.hits,
		Misses:        c.misses,
	}
	if c.requests > 0 {
		s.HitRate = float64(c.hits) / float64(c.requests)
	}
	return s
}

// Close 停止后台清理
func (c *ResponseCache) Close() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *ResponseCache) sweepLoop() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// removeLocked 删除条目并维护插入顺序，调用方必须持锁
func (c *ResponseCache) removeLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
