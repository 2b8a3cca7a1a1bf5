package ratecontrol

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

type config struct {
	RateLimits struct {
		DefaultRPM      int `yaml:"default_rpm"`
		DefaultBurst    int `yaml:"default_burst"`
		SourceOverrides map[string]struct {
			RPM   int `yaml:"rpm"`
			Burst int `yaml:"burst"`
		} `yaml:"source_overrides"`
	} `yaml:"rate_limits"`
}

// RateLimit is the request budget of one search source.
type RateLimit struct {
	RPM   int
	Burst int
}

var (
	mu          sync.RWMutex
	loaded      *config
	initialized bool
)

var defaultPaths = []string{
	os.Getenv("SEARCH_LIMITS_PATH"),
	"/app/config/search_limits.yaml",
	"./config/search_limits.yaml",
	"../../config/search_limits.yaml",
}

func loadLocked() {
	var cfg config
	for _, p := range defaultPaths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var tmp config
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			zap.L().Warn("Failed to unmarshal source rate limits", zap.String("path", p), zap.Error(err))
			continue
		}
		cfg = tmp
		zap.L().Info("Loaded source rate limits", zap.String("path", p))
		break
	}
	if cfg.RateLimits.DefaultRPM == 0 && len(cfg.RateLimits.SourceOverrides) == 0 {
		if path, ok := findUpConfig(); ok {
			if data, err := os.ReadFile(path); err == nil {
				var tmp config
				if err := yaml.Unmarshal(data, &tmp); err == nil {
					cfg = tmp
				}
			}
		}
	}
	loaded = &cfg
	initialized = true
}

func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 4; i++ {
		cand := filepath.Join(wd, "config", "search_limits.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

func get() *config {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return loaded
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
	return loaded
}

// LimitForSource resolves the limit of a source: file override, then
// built-in table, then the file default.
func LimitForSource(source string) RateLimit {
	key := strings.ToLower(strings.TrimSpace(source))
	cfg := get()
	if cfg != nil && cfg.RateLimits.SourceOverrides != nil {
		if o, ok := cfg.RateLimits.SourceOverrides[key]; ok {
			return RateLimit{RPM: o.RPM, Burst: o.Burst}
		}
	}
	if limit, ok := builtInSourceLimits[key]; ok {
		return limit
	}
	if cfg != nil {
		return RateLimit{RPM: cfg.RateLimits.DefaultRPM, Burst: cfg.RateLimits.DefaultBurst}
	}
	return RateLimit{}
}

var builtInSourceLimits = map[string]RateLimit{
	"bing":    {RPM: 180, Burst: 5},
	"zai":     {RPM: 60, Burst: 3},
	"wechat":  {RPM: 30, Burst: 2},
	"zhihu":   {RPM: 30, Burst: 2},
	"baidu":   {RPM: 120, Burst: 4},
	"searxng": {RPM: 300, Burst: 10},
}

// CombineLimits keeps the stricter positive value of each field.
func CombineLimits(a, b RateLimit) RateLimit {
	limit := RateLimit{
		RPM:   minPositive(a.RPM, b.RPM),
		Burst: minPositive(a.Burst, b.Burst),
	}
	return limit
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		return min(a, b)
	}
}

// Reload re-reads the limits file. Limiters already handed out keep their rate.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}

// Limiter hands out one token bucket per source.
type Limiter struct {
	mu        sync.Mutex
	overrides map[string]RateLimit
	limiters  map[string]*rate.Limiter
}

// NewLimiter builds a limiter. Overrides (from service config) are combined
// with the file/built-in limit of the same source.
func NewLimiter(overrides map[string]RateLimit) *Limiter {
	o := make(map[string]RateLimit, len(overrides))
	for k, v := range overrides {
		o[strings.ToLower(k)] = v
	}
	return &Limiter{overrides: o, limiters: make(map[string]*rate.Limiter)}
}

func (l *Limiter) limiterFor(source string) *rate.Limiter {
	key := strings.ToLower(strings.TrimSpace(source))
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[key]; ok {
		return lim
	}
	limit := LimitForSource(key)
	if o, ok := l.overrides[key]; ok {
		limit = CombineLimits(limit, o)
	}
	var lim *rate.Limiter
	if limit.RPM <= 0 {
		lim = rate.NewLimiter(rate.Inf, 0)
	} else {
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(limit.RPM)), burst)
	}
	l.limiters[key] = lim
	return lim
}

// Wait blocks until source may be called or ctx is done.
func (l *Limiter) Wait(ctx context.Context, source string) error {
	return l.limiterFor(source).Wait(ctx)
}

// Allow reports whether source may be called right now without waiting.
func (l *Limiter) Allow(source string) bool {
	return l.limiterFor(source).Allow()
}
