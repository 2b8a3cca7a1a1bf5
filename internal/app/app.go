// Package app assembles the agent from its configuration. The service
// entrypoint and agentctl share it so both run the same stack.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/LBatsoft/e-websearch/internal/cache"
	"github.com/LBatsoft/e-websearch/internal/circuitbreaker"
	"github.com/LBatsoft/e-websearch/internal/config"
	"github.com/LBatsoft/e-websearch/internal/engine"
	"github.com/LBatsoft/e-websearch/internal/health"
	"github.com/LBatsoft/e-websearch/internal/orchestrator"
	"github.com/LBatsoft/e-websearch/internal/planner"
	"github.com/LBatsoft/e-websearch/internal/ratecontrol"
	"github.com/LBatsoft/e-websearch/internal/state"
	"github.com/LBatsoft/e-websearch/internal/streaming"
	"github.com/LBatsoft/e-websearch/internal/tools"
)

// Stack holds the wired components of one agent instance.
type Stack struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Search       *tools.MultiSource
	Breakers     *circuitbreaker.Registry
	Traces       *streaming.Manager
	States       *state.Manager
	Health       *health.Manager
	Redis        *circuitbreaker.RedisWrapper

	logger *zap.Logger
}

// NewPlanner builds a planner from cfg. planCache may be nil.
func NewPlanner(cfg *config.Config, planCache *cache.Cache, logger *zap.Logger) *planner.Planner {
	var delegate planner.Delegate
	if cfg.Analyzer.BaseURL != "" {
		delegate = planner.NewHTTPDelegate(cfg.Analyzer.BaseURL, cfg.Analyzer.Timeout, logger)
	}
	return planner.New(planner.NewQueryAnalyzer(delegate, cfg.Analyzer.Timeout, logger), planCache, logger)
}

// NewSearch registers every configured provider on a multi-source tool.
func NewSearch(cfg *config.Config, logger *zap.Logger) *tools.MultiSource {
	search := tools.NewMultiSource(ratecontrol.NewLimiter(cfg.Search.RateLimits()), cfg.Defaults.Language, logger)
	for _, p := range cfg.Search.Providers {
		if p.BaseURL == "" {
			logger.Warn("Skipping search provider without base_url", zap.String("source", string(p.Source)))
			continue
		}
		search.Register(tools.NewJSONProvider(p.JSONProviderConfig, logger))
	}
	if cfg.Search.SearXNG.BaseURL != "" {
		search.Register(tools.NewSearXNG(cfg.Search.SearXNG.BaseURL, cfg.Search.SearXNG.Timeout, logger))
	}
	if !search.Configured() {
		logger.Warn("No search providers configured; search steps will fail")
	}
	return search
}

// Build wires the stack. Redis is optional; an unreachable Redis is logged
// and left to its breaker.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Stack, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Stack{Config: cfg, logger: logger}

	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.Redis = circuitbreaker.NewRedisWrapper(client, "websearch-agent", logger)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := s.Redis.Ping(pingCtx); err != nil {
			logger.Warn("Redis not reachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()
	}

	var store cache.Store
	switch cfg.Cache.Type {
	case "redis":
		if s.Redis == nil {
			return nil, fmt.Errorf("cache type redis requires redis.addr")
		}
		store = cache.NewRedisStore(s.Redis, cfg.Cache.Prefix, logger)
	default:
		store = cache.NewLocalLRU(cfg.Cache.MaxSize)
	}
	sharedCache := cache.New(store, cfg.Cache.TTL, logger)

	s.Search = NewSearch(cfg, logger)

	var enhancer tools.ModelEnhancer = tools.NoopEnhancer{}
	if cfg.Enhancer.BaseURL != "" {
		enhancer = tools.NewHTTPEnhancer(cfg.Enhancer.BaseURL, cfg.Enhancer.Timeout, logger)
	}

	breakerCfg := cfg.Engine.Breaker
	s.Breakers = circuitbreaker.NewRegistry("tools", func(name string) circuitbreaker.Config {
		return breakerCfg.WithToolEnv(name).ToConfig()
	}, logger)

	exec := engine.New(cfg.Engine.Config, engine.Tools{
		Search:   s.Search,
		Analysis: tools.NewHeuristicAnalyzer(),
		Ranking:  tools.NewKeywordRanker(),
		Enhancer: enhancer,
	}, s.Breakers, sharedCache, logger)

	var (
		sink   streaming.Sink
		loader orchestrator.TraceLoader
	)
	if cfg.Streaming.RedisSink {
		if s.Redis == nil {
			return nil, fmt.Errorf("streaming.redis_sink requires redis.addr")
		}
		rs := streaming.NewRedisSink(s.Redis, "agent:trace:", cfg.Streaming.MaxLen, cfg.Streaming.TTL)
		sink, loader = rs, rs
	}
	opts := streaming.DefaultOptions()
	if cfg.Streaming.MaxEventsPerSession > 0 {
		opts.MaxEventsPerSession = cfg.Streaming.MaxEventsPerSession
	}
	s.Traces = streaming.NewManager(opts, sink, logger)
	s.States = state.NewManager(logger)

	orch, err := orchestrator.New(cfg.Session, NewPlanner(cfg, sharedCache, logger), exec, s.States, s.Traces, loader, logger)
	if err != nil {
		s.States.Close()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	orch.UpdateDefaults(cfg.RequestDefaults())
	orch.UpdateWeights(cfg.Adaptive)
	s.Orchestrator = orch

	s.Health = health.NewManager(30*time.Second, logger)
	if s.Redis != nil {
		_ = s.Health.RegisterChecker(health.NewRedisChecker(s.Redis, cfg.Cache.Type == "redis"))
	}
	_ = s.Health.RegisterChecker(health.NewSearchChecker(s.Search, s.Breakers))
	return s, nil
}

// Apply swaps the hot-reloadable settings of a new configuration in.
func (s *Stack) Apply(cfg *config.Config) {
	s.Orchestrator.UpdateDefaults(cfg.RequestDefaults())
	s.Orchestrator.UpdateWeights(cfg.Adaptive)
	s.logger.Info("Session defaults reloaded",
		zap.Int("max_iterations", cfg.Defaults.MaxIterations),
		zap.Float64("confidence_threshold", cfg.Defaults.ConfidenceThreshold))
}

// Start runs the background loops until ctx is done.
func (s *Stack) Start(ctx context.Context) {
	go s.Traces.Run(ctx)
	go s.Orchestrator.Run(ctx)
	s.Health.Start(ctx)
}

// Close drains running sessions and releases resources.
func (s *Stack) Close(ctx context.Context) error {
	err := s.Orchestrator.Shutdown(ctx)
	s.Health.Stop()
	s.States.Close()
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	return err
}
