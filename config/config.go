// =============================================================================
// 📦 edwflow 配置定义
// =============================================================================
// 统一配置结构与默认值，校验失败在启动期即为致命错误。
// =============================================================================
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/edwflow/types"
)

// Config 是 edwflow 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Redis 检查点存储配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Model 模型服务配置
	Model ModelConfig `yaml:"model" env:"MODEL"`

	// Cache 响应缓存配置
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Validation 字段校验配置
	Validation ValidationConfig `yaml:"validation" env:"VALIDATION"`

	// System 工作流执行配置
	System SystemConfig `yaml:"system" env:"SYSTEM"`

	// MessageManagement 消息历史管理配置
	MessageManagement MessageManagementConfig `yaml:"message_management" env:"MESSAGE_MANAGEMENT"`

	// Review 代码评审循环配置
	Review ReviewConfig `yaml:"review" env:"REVIEW"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每会话提交速率限制（次/秒）
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" env:"RATE_LIMIT_PER_SEC"`
	// 速率限制突发量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用（关闭时检查点落在内存存储）
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
}

// ModelConfig 模型服务配置。BaseURL 为空时使用内置应答桩，便于本地冒烟。
type ModelConfig struct {
	// OpenAI 兼容接口地址
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 鉴权密钥
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 模型名
	Name string `yaml:"name" env:"NAME"`
	// 单次调用超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// CacheConfig 响应缓存配置
type CacheConfig struct {
	// 过期时间（秒）
	TTLSeconds int `yaml:"ttl_seconds" env:"TTL_SECONDS"`
	// 最大条目数
	MaxEntries int `yaml:"max_entries" env:"MAX_ENTRIES"`
	// 后台清理间隔（秒）
	CleanupInterval int `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
}

// TTL returns the entry lifetime as a duration.
func (c CacheConfig) TTL() time.Duration { return time.Duration(c.TTLSeconds) * time.Second }

// ValidationConfig 字段校验配置
type ValidationConfig struct {
	// 相似度阈值 [0,1]
	SimilarityThreshold float64 `yaml:"similarity_threshold" env:"SIMILARITY_THRESHOLD"`
	// 最大建议数
	MaxSuggestions int `yaml:"max_suggestions" env:"MAX_SUGGESTIONS"`
	// 是否启用命名模式匹配
	EnablePatternMatching bool `yaml:"enable_pattern_matching" env:"ENABLE_PATTERN_MATCHING"`
}

// SystemConfig 工作流执行配置
type SystemConfig struct {
	// 节点最大重试次数
	MaxRetryAttempts int `yaml:"max_retry_attempts" env:"MAX_RETRY_ATTEMPTS"`
	// 挂起会话超时
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// 单条消息最多推进的节点数
	MaxStepsPerMessage int `yaml:"max_steps_per_message" env:"MAX_STEPS_PER_MESSAGE"`
	// 空闲会话驱逐时限
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// 每个成功节点后额外落检查点（挂起/终止检查点始终保留）
	CheckpointEachNode bool `yaml:"checkpoint_each_node" env:"CHECKPOINT_EACH_NODE"`
}

// MessageManagementConfig 消息管理配置
type MessageManagementConfig struct {
	// 触发总结的消息数阈值
	SummaryThreshold int `yaml:"summary_threshold" env:"SUMMARY_THRESHOLD"`
	// 总结后保留的最近消息数
	KeepRecentCount int `yaml:"keep_recent_count" env:"KEEP_RECENT_COUNT"`
	// 上下文窗口最大消息数
	MaxContextLength int `yaml:"max_context_length" env:"MAX_CONTEXT_LENGTH"`
}

// ReviewConfig 代码评审循环配置
type ReviewConfig struct {
	// 通过评审的最低分 (0-100)
	AcceptanceScore float64 `yaml:"acceptance_score" env:"ACCEPTANCE_SCORE"`
	// 最大评审轮次
	MaxRounds int `yaml:"max_rounds" env:"MAX_ROUNDS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimitPerSec: 5,
			RateLimitBurst:  10,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
		Model: ModelConfig{
			Timeout: 60 * time.Second,
		},
		Cache: CacheConfig{
			TTLSeconds:      3600,
			MaxEntries:      1000,
			CleanupInterval: 300,
		},
		Validation: ValidationConfig{
			SimilarityThreshold:   0.6,
			MaxSuggestions:        5,
			EnablePatternMatching: true,
		},
		System: SystemConfig{
			MaxRetryAttempts:   3,
			RequestTimeout:     120 * time.Second,
			MaxStepsPerMessage: 32,
			IdleTimeout:        30 * time.Minute,
			CheckpointEachNode: false,
		},
		MessageManagement: MessageManagementConfig{
			SummaryThreshold: 20,
			KeepRecentCount:  5,
			MaxContextLength: 10,
		},
		Review: ReviewConfig{
			AcceptanceScore: 70,
			MaxRounds:       3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate 验证配置边界，任何错误都应让启动失败
func (c *Config) Validate() error {
	var errs []string

	if c.Cache.TTLSeconds <= 0 {
		errs = append(errs, "cache.ttl_seconds must be positive")
	}
	if c.Cache.MaxEntries <= 0 {
		errs = append(errs, "cache.max_entries must be positive")
	}
	if c.Cache.CleanupInterval <= 0 {
		errs = append(errs, "cache.cleanup_interval must be positive")
	}
	if c.Validation.SimilarityThreshold < 0 || c.Validation.SimilarityThreshold > 1 {
		errs = append(errs, "validation.similarity_threshold must be within [0,1]")
	}
	if c.Validation.MaxSuggestions <= 0 {
		errs = append(errs, "validation.max_suggestions must be positive")
	}
	if c.System.MaxRetryAttempts <= 0 {
		errs = append(errs, "system.max_retry_attempts must be positive")
	}
	if c.System.RequestTimeout <= 0 {
		errs = append(errs, "system.request_timeout must be positive")
	}
	if c.System.MaxStepsPerMessage <= 0 {
		errs = append(errs, "system.max_steps_per_message must be positive")
	}
	if c.MessageManagement.SummaryThreshold <= 0 {
		errs = append(errs, "message_management.summary_threshold must be positive")
	}
	if c.MessageManagement.KeepRecentCount < 0 {
		errs = append(errs, "message_management.keep_recent_count must not be negative")
	}
	if c.MessageManagement.KeepRecentCount >= c.MessageManagement.SummaryThreshold {
		errs = append(errs, "message_management.keep_recent_count must be below summary_threshold")
	}
	if c.MessageManagement.MaxContextLength <= 0 {
		errs = append(errs, "message_management.max_context_length must be positive")
	}
	if c.Review.AcceptanceScore < 0 || c.Review.AcceptanceScore > 100 {
		errs = append(errs, "review.acceptance_score must be within [0,100]")
	}
	if c.Review.MaxRounds <= 0 {
		errs = append(errs, "review.max_rounds must be positive")
	}

	if len(errs) > 0 {
		return types.NewError(types.ErrKindConfiguration,
			fmt.Sprintf("config validation errors: %s", strings.Join(errs, "; ")))
	}
	return nil
}
