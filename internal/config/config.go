package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/LBatsoft/e-websearch/internal/circuitbreaker"
	"github.com/LBatsoft/e-websearch/internal/condition"
	"github.com/LBatsoft/e-websearch/internal/engine"
	"github.com/LBatsoft/e-websearch/internal/models"
	"github.com/LBatsoft/e-websearch/internal/orchestrator"
	"github.com/LBatsoft/e-websearch/internal/ratecontrol"
	"github.com/LBatsoft/e-websearch/internal/tools"
	"github.com/LBatsoft/e-websearch/internal/tracing"
)

// DefaultPath is used when AGENT_CONFIG_PATH is unset.
const DefaultPath = "config/agent.yaml"

// EngineConfig tunes step execution and the per-tool breakers.
type EngineConfig struct {
	engine.Config `mapstructure:",squash"`
	Breaker       circuitbreaker.CircuitBreakerConfig `mapstructure:"breaker"`
}

type CacheConfig struct {
	// Type is "memory" or "redis".
	Type    string        `mapstructure:"type"`
	TTL     time.Duration `mapstructure:"ttl"`
	MaxSize int           `mapstructure:"max_size"`
	Prefix  string        `mapstructure:"prefix"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// ProviderConfig is one JSON search provider plus its request budget.
type ProviderConfig struct {
	tools.JSONProviderConfig `mapstructure:",squash"`
	RPM                      int `mapstructure:"rpm"`
	Burst                    int `mapstructure:"burst"`
}

type SearXNGConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	RPM     int           `mapstructure:"rpm"`
	Burst   int           `mapstructure:"burst"`
}

type SearchConfig struct {
	Providers []ProviderConfig `mapstructure:"providers"`
	SearXNG   SearXNGConfig    `mapstructure:"searxng"`
}

// RateLimits returns the per-source overrides for ratecontrol.NewLimiter.
func (s SearchConfig) RateLimits() map[string]ratecontrol.RateLimit {
	out := make(map[string]ratecontrol.RateLimit)
	for _, p := range s.Providers {
		if p.RPM > 0 || p.Burst > 0 {
			out[string(p.Source)] = ratecontrol.RateLimit{RPM: p.RPM, Burst: p.Burst}
		}
	}
	if s.SearXNG.RPM > 0 || s.SearXNG.Burst > 0 {
		out[string(models.SourceSearXNG)] = ratecontrol.RateLimit{RPM: s.SearXNG.RPM, Burst: s.SearXNG.Burst}
	}
	return out
}

// EndpointConfig points at an optional HTTP collaborator. An empty BaseURL
// disables it.
type EndpointConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type HTTPConfig struct {
	Port      int `mapstructure:"port"`
	AdminPort int `mapstructure:"admin_port"`
}

type StreamingConfig struct {
	RedisSink           bool          `mapstructure:"redis_sink"`
	MaxLen              int64         `mapstructure:"maxlen"`
	TTL                 time.Duration `mapstructure:"ttl"`
	MaxEventsPerSession int           `mapstructure:"max_events_per_session"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Build returns a production logger, or a development one when
// Development is set, at the configured level.
func (l LoggingConfig) Build() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if l.Level != "" {
		lvl, err := zap.ParseAtomicLevel(l.Level)
		if err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
		zc.Level = lvl
	}
	return zc.Build()
}

// Config is the service configuration read from agent.yaml.
type Config struct {
	Defaults  models.SearchRequest `mapstructure:"defaults"`
	Engine    EngineConfig         `mapstructure:"engine"`
	Session   orchestrator.Config  `mapstructure:"session"`
	Adaptive  condition.Weights    `mapstructure:"adaptive"`
	Cache     CacheConfig          `mapstructure:"cache"`
	Redis     RedisConfig          `mapstructure:"redis"`
	Tracing   tracing.Config       `mapstructure:"tracing"`
	Search    SearchConfig         `mapstructure:"search"`
	Enhancer  EndpointConfig       `mapstructure:"enhancer"`
	Analyzer  EndpointConfig       `mapstructure:"analyzer"`
	HTTP      HTTPConfig           `mapstructure:"http"`
	Streaming StreamingConfig      `mapstructure:"streaming"`
	Logging   LoggingConfig        `mapstructure:"logging"`
}

// Path returns AGENT_CONFIG_PATH or DefaultPath.
func Path() string {
	if p := os.Getenv("AGENT_CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

func setDefaults(v *viper.Viper) {
	d := models.DefaultRequest()
	v.SetDefault("defaults.max_iterations", d.MaxIterations)
	v.SetDefault("defaults.max_results_per_iteration", d.MaxResultsPerIteration)
	v.SetDefault("defaults.total_max_results", d.TotalMaxResults)
	v.SetDefault("defaults.sources", []string{string(models.SourceBing)})
	v.SetDefault("defaults.include_content", d.IncludeContent)
	v.SetDefault("defaults.enable_refinement", d.EnableRefinement)
	v.SetDefault("defaults.confidence_threshold", d.ConfidenceThreshold)
	v.SetDefault("defaults.enable_tracing", d.EnableTracing)
	v.SetDefault("defaults.enable_performance_monitoring", d.EnablePerformanceMonitoring)
	v.SetDefault("defaults.timeout", d.TimeoutSeconds)
	v.SetDefault("defaults.llm_language", d.Language)

	e := engine.DefaultConfig()
	v.SetDefault("engine.max_attempts", e.MaxAttempts)
	v.SetDefault("engine.backoff_base", e.BackoffBase)
	v.SetDefault("engine.backoff_max", e.BackoffMax)
	v.SetDefault("engine.validation_overlap", e.ValidationOverlap)

	s := orchestrator.DefaultConfig()
	v.SetDefault("session.consecutive_failure_threshold", s.ConsecutiveFailureThreshold)
	v.SetDefault("session.retention", s.Retention)
	v.SetDefault("session.cancel_grace", s.CancelGrace)
	v.SetDefault("session.janitor_interval", s.JanitorInterval)
	v.SetDefault("session.max_concurrency", s.MaxConcurrency)
	v.SetDefault("session.worker_pool_size", s.WorkerPoolSize)
	v.SetDefault("session.implicit_synthesis", s.ImplicitSynthesis)

	w := condition.DefaultWeights()
	v.SetDefault("adaptive.gain", w.Gain)
	v.SetDefault("adaptive.coverage", w.Coverage)
	v.SetDefault("adaptive.budget", w.Budget)
	v.SetDefault("adaptive.floor", w.Floor)

	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.max_size", 1000)
	v.SetDefault("cache.prefix", "websearch:cache:")

	v.SetDefault("redis.db", 0)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "websearch-agent")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("enhancer.timeout", 20*time.Second)
	v.SetDefault("analyzer.timeout", 3*time.Second)
	v.SetDefault("search.searxng.timeout", 10*time.Second)

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.admin_port", 8081)

	v.SetDefault("streaming.redis_sink", false)
	v.SetDefault("streaming.maxlen", 10000)
	v.SetDefault("streaming.ttl", 24*time.Hour)
	v.SetDefault("streaming.max_events_per_session", 10000)

	v.SetDefault("logging.level", "info")
}

// Load reads path on top of the built-in defaults. A missing file is not
// an error. AGENT_* variables override file values, e.g.
// AGENT_SESSION_RETENTION=1h. REDIS_HOST, REDIS_PORT and REDIS_DB are
// honoured when AGENT_REDIS_ADDR is unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}
	applyLegacyRedisEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyLegacyRedisEnv(v *viper.Viper) {
	if os.Getenv("AGENT_REDIS_ADDR") != "" {
		return
	}
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		return
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	v.Set("redis.addr", host+":"+port)
	if db := os.Getenv("REDIS_DB"); db != "" {
		v.Set("redis.db", db)
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		v.Set("redis.password", pw)
	}
}

// Validate checks the request defaults against the request limits and the
// cache backend choice.
func (c *Config) Validate() error {
	d := c.Defaults
	if strings.TrimSpace(d.Query) == "" {
		d.Query = "defaults"
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid defaults: %w", err)
	}
	switch c.Cache.Type {
	case "memory", "":
	case "redis":
		if !c.Redis.Enabled() {
			return fmt.Errorf("cache type redis requires redis.addr")
		}
	default:
		return fmt.Errorf("unknown cache type %q", c.Cache.Type)
	}
	if c.Streaming.RedisSink && !c.Redis.Enabled() {
		return fmt.Errorf("streaming.redis_sink requires redis.addr")
	}
	return nil
}

// RequestDefaults returns the request defaults new sessions decode onto.
func (c *Config) RequestDefaults() models.SearchRequest {
	d := c.Defaults
	d.Query = ""
	d.Context = nil
	d.Sources = append([]models.SourceType(nil), c.Defaults.Sources...)
	return d
}
