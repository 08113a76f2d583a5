package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 3600, cfg.Cache.TTLSeconds)
	assert.Equal(t, 1000, cfg.Cache.MaxEntries)
	assert.Equal(t, 300, cfg.Cache.CleanupInterval)
	assert.Equal(t, 0.6, cfg.Validation.SimilarityThreshold)
	assert.Equal(t, 5, cfg.Validation.MaxSuggestions)
	assert.Equal(t, 3, cfg.System.MaxRetryAttempts)
	assert.Equal(t, 120*time.Second, cfg.System.RequestTimeout)
	assert.Equal(t, 20, cfg.MessageManagement.SummaryThreshold)
	assert.Equal(t, 5, cfg.MessageManagement.KeepRecentCount)
	assert.Equal(t, 10, cfg.MessageManagement.MaxContextLength)
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edwflow.yaml")
	yaml := `
cache:
  ttl_seconds: 60
  max_entries: 10
validation:
  similarity_threshold: 0.8
system:
  max_retry_attempts: 5
  request_timeout: 30s
review:
  acceptance_score: 90
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.Cache.TTLSeconds)
	assert.Equal(t, 10, cfg.Cache.MaxEntries)
	assert.Equal(t, 0.8, cfg.Validation.SimilarityThreshold)
	assert.Equal(t, 5, cfg.System.MaxRetryAttempts)
	assert.Equal(t, 30*time.Second, cfg.System.RequestTimeout)
	assert.Equal(t, 90.0, cfg.Review.AcceptanceScore)
	// 未覆盖的键保持默认值
	assert.Equal(t, 300, cfg.Cache.CleanupInterval)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/edwflow.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 3600, cfg.Cache.TTLSeconds)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edwflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  ttl_seconds: 60\n"), 0o644))

	t.Setenv("EDWFLOW_CACHE_TTL_SECONDS", "120")
	t.Setenv("EDWFLOW_SYSTEM_REQUEST_TIMEOUT", "45s")
	t.Setenv("EDWFLOW_VALIDATION_ENABLE_PATTERN_MATCHING", "false")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 120, cfg.Cache.TTLSeconds)
	assert.Equal(t, 45*time.Second, cfg.System.RequestTimeout)
	assert.False(t, cfg.Validation.EnablePatternMatching)
}

func TestValidateRejectsBadBounds(t *testing.T) {
	cases := map[string]func(*Config){
		"negative ttl":          func(c *Config) { c.Cache.TTLSeconds = -1 },
		"zero max entries":      func(c *Config) { c.Cache.MaxEntries = 0 },
		"threshold above one":   func(c *Config) { c.Validation.SimilarityThreshold = 1.5 },
		"zero retries":          func(c *Config) { c.System.MaxRetryAttempts = 0 },
		"zero request timeout":  func(c *Config) { c.System.RequestTimeout = 0 },
		"keep above threshold":  func(c *Config) { c.MessageManagement.KeepRecentCount = 30 },
		"score above hundred":   func(c *Config) { c.Review.AcceptanceScore = 101 },
		"zero summary trigger":  func(c *Config) { c.MessageManagement.SummaryThreshold = 0 },
		"zero context window":   func(c *Config) { c.MessageManagement.MaxContextLength = 0 },
		"zero review rounds":    func(c *Config) { c.Review.MaxRounds = 0 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestReloaderNotifiesCallbacks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edwflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  ttl_seconds: 60\n"), 0o644))

	r, err := NewReloader(path, WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	var reloaded *Config
	r.OnReload(func(c *Config) { reloaded = c })

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  ttl_seconds: 90\n"), 0o644))
	r.checkFile()

	require.NotNil(t, reloaded)
	assert.Equal(t, 90, reloaded.Cache.TTLSeconds)
	assert.Equal(t, 90, r.Current().Cache.TTLSeconds)
}

func TestReloaderKeepsOldConfigOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edwflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  ttl_seconds: 60\n"), 0o644))

	r, err := NewReloader(path, WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 60, r.Current().Cache.TTLSeconds)

	// 写入非法配置后当前快照不变
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  ttl_seconds: -5\n"), 0o644))
	r.checkFile()
	assert.Equal(t, 60, r.Current().Cache.TTLSeconds)
}
