package circuitbreaker

import (
	"sync"

	"go.uber.org/zap"
)

// Registry hands out one breaker per named dependency, creating it on first use.
type Registry struct {
	service string
	config  func(name string) Config
	logger  *zap.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a registry. configFor builds the config of a breaker
// the first time its name is requested; nil falls back to GetToolConfig.
func NewRegistry(service string, configFor func(name string) Config, logger *zap.Logger) *Registry {
	if configFor == nil {
		configFor = func(name string) Config { return GetToolConfig(name).ToConfig() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		service:  service,
		config:   configFor,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, r.config(name), r.logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, r.service, cb)
	r.breakers[name] = cb
	return cb
}

// States reports the current state of every breaker created so far.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State()
	}
	return out
}

// Service returns the service label used for metrics.
func (r *Registry) Service() string { return r.service }
