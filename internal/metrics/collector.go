// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 会话指标
	sessionsActive  prometheus.Gauge
	sessionsEvicted prometheus.Counter

	// 工作流指标
	nodeExecutions *prometheus.CounterVec
	nodeFailures   *prometheus.CounterVec
	interruptsOpen prometheus.Gauge

	// 缓存指标
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	registry *prometheus.Registry
}

// NewCollector 创建指标收集器
func NewCollector(namespace string) *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of in-memory workflow sessions",
	})
	c.sessionsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_evicted_total",
		Help:      "Total number of sessions evicted for idleness",
	})
	c.nodeExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "node_executions_total",
		Help:      "Total node executions by node id",
	}, []string{"node"})
	c.nodeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "node_failures_total",
		Help:      "Total node failures by node id",
	}, []string{"node"})
	c.interruptsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "interrupts_pending",
		Help:      "Number of sessions suspended on a pending interrupt",
	})
	c.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "Response cache hits",
	})
	c.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "Response cache misses",
	})

	c.registry.MustRegister(
		c.sessionsActive, c.sessionsEvicted,
		c.nodeExecutions, c.nodeFailures, c.interruptsOpen,
		c.cacheHits, c.cacheMisses,
	)
	return c
}

// Registry returns the prometheus registry for HTTP exposure.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return prometheus.NewRegistry()
	}
	return c.registry
}

// 所有记录方法都允许 nil 接收者，组件无需判空。

// SessionOpened increments the active session gauge.
func (c *Collector) SessionOpened() {
	if c != nil {
		c.sessionsActive.Inc()
	}
}

// SessionClosed decrements the active session gauge.
func (c *Collector) SessionClosed() {
	if c != nil {
		c.sessionsActive.Dec()
	}
}

// SessionEvicted counts an idle eviction.
func (c *Collector) SessionEvicted() {
	if c != nil {
		c.sessionsEvicted.Inc()
		c.sessionsActive.Dec()
	}
}

// NodeExecuted counts one node execution.
func (c *Collector) NodeExecuted(node string) {
	if c != nil {
		c.nodeExecutions.WithLabelValues(node).Inc()
	}
}

// NodeFailed counts one node failure.
func (c *Collector) NodeFailed(node string) {
	if c != nil {
		c.nodeFailures.WithLabelValues(node).Inc()
	}
}

// InterruptOpened increments the pending interrupt gauge.
func (c *Collector) InterruptOpened() {
	if c != nil {
		c.interruptsOpen.Inc()
	}
}

// InterruptClosed decrements the pending interrupt gauge.
func (c *Collector) InterruptClosed() {
	if c != nil {
		c.interruptsOpen.Dec()
	}
}

// CacheHit counts a cache hit.
func (c *Collector) CacheHit() {
	if c != nil {
		c.cacheHits.Inc()
	}
}

// CacheMiss counts a cache miss.
func (c *Collector) CacheMiss() {
	if c != nil {
		c.cacheMisses.Inc()
	}
}
