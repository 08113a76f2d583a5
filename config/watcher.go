// 配置文件变更监听与热重载。
//
// 基于轮询的修改时间检测触发配置重载回调；重载失败时保留旧配置。
package config

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Reloader 热重载管理器，持有当前配置快照并在文件变更时原子替换。
type Reloader struct {
	loader   *Loader
	path     string
	interval time.Duration
	current  atomic.Pointer[Config]
	logger   *zap.Logger

	mu        sync.Mutex
	callbacks []func(*Config)
	lastMod   time.Time
	stopChan  chan struct{}
	running   bool
}

// ReloaderOption configures the Reloader.
type ReloaderOption func(*Reloader)

// WithPollInterval sets how often the config file is checked.
func WithPollInterval(d time.Duration) ReloaderOption {
	return func(r *Reloader) { r.interval = d }
}

// WithReloaderLogger sets the logger.
func WithReloaderLogger(logger *zap.Logger) ReloaderOption {
	return func(r *Reloader) { r.logger = logger }
}

// NewReloader 创建热重载管理器并加载初始配置。
func NewReloader(path string, opts ...ReloaderOption) (*Reloader, error) {
	r := &Reloader{
		loader:   NewLoader().WithConfigPath(path),
		path:     path,
		interval: time.Second,
		logger:   zap.NewNop(),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "config_reloader"))

	cfg, err := r.loader.Load()
	if err != nil {
		return nil, err
	}
	r.current.Store(cfg)

	if info, err := os.Stat(path); err == nil {
		r.lastMod = info.ModTime()
	}
	return r, nil
}

// Current 返回当前配置快照。
func (r *Reloader) Current() *Config {
	return r.current.Load()
}

// OnReload registers a callback invoked with each successfully reloaded config.
func (r *Reloader) OnReload(cb func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Start begins watching for file changes.
func (r *Reloader) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.pollLoop(ctx)
	r.logger.Info("config reloader started",
		zap.String("path", r.path),
		zap.Duration("interval", r.interval))
}

// Stop stops watching.
func (r *Reloader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	close(r.stopChan)
	r.running = false
}

// pollLoop polls the config file for changes (cross-platform fallback,
// no fsnotify dependency).
func (r *Reloader) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.checkFile()
		}
	}
}

func (r *Reloader) checkFile() {
	info, err := os.Stat(r.path)
	if err != nil {
		return
	}

	r.mu.Lock()
	changed := info.ModTime().After(r.lastMod)
	if changed {
		r.lastMod = info.ModTime()
	}
	r.mu.Unlock()

	if !changed {
		return
	}

	cfg, err := r.loader.Load()
	if err != nil {
		// 重载失败保留旧配置
		r.logger.Error("config reload failed, keeping previous config", zap.Error(err))
		return
	}

	r.current.Store(cfg)
	r.logger.Info("config reloaded", zap.String("path", r.path))

	r.mu.Lock()
	callbacks := make([]func(*Config), len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
}
