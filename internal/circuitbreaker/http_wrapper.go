package circuitbreaker

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper guards one HTTP collaborator (a search provider, the model
// enhancer or the analysis delegate) with its own breaker.
type HTTPWrapper struct {
	client  *http.Client
	cb      *CircuitBreaker
	name    string
	service string
	logger  *zap.Logger
}

// NewHTTPWrapper creates a wrapper named after the collaborator. The
// breaker starts from the CB_HTTP_* settings; CB_<NAME>_* variables
// override them per collaborator.
func NewHTTPWrapper(client *http.Client, name, service string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := GetHTTPConfig().WithToolEnv(name).ToConfig()
	cfg.IsFailure = IsProviderFailure
	cb := NewCircuitBreaker(name, cfg, logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, service, cb)
	return &HTTPWrapper{client: client, cb: cb, name: name, service: service, logger: logger}
}

// StatusError carries a provider response that counts against the breaker.
// Do never returns it; the response itself is handed back instead.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return http.StatusText(e.Code) }

// degradedStatus reports whether a response means the provider is
// degraded or throttling us. Other 4xx are answers about the request.
func degradedStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// IsProviderFailure classifies the outcome of a collaborator call:
// transport errors and degraded statuses count, cancellation does not.
func IsProviderFailure(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return degradedStatus(se.Code)
	}
	return IgnoreCancellation(err)
}

// Do executes req through the breaker. Degraded statuses are returned as
// responses; only the breaker sees them as failures.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var err2 error
		resp, err2 = hw.client.Do(req)
		if err2 != nil {
			return err2
		}
		if degradedStatus(resp.StatusCode) {
			return &StatusError{Code: resp.StatusCode}
		}
		return nil
	})

	var se *StatusError
	if errors.As(err, &se) {
		GlobalMetricsCollector.RecordRequest(hw.name, hw.service, hw.cb.State(), false)
		if se.Code == http.StatusTooManyRequests {
			hw.logger.Warn("Provider is throttling requests",
				zap.String("provider", hw.name),
				zap.String("retry_after", resp.Header.Get("Retry-After")))
		}
		return resp, nil
	}
	GlobalMetricsCollector.RecordRequest(hw.name, hw.service, hw.cb.State(), err == nil)
	return resp, err
}

// IsCircuitBreakerOpen reports whether calls are currently rejected
func (hw *HTTPWrapper) IsCircuitBreakerOpen() bool {
	return hw.cb.State() == StateOpen
}

// State returns the breaker state of the collaborator.
func (hw *HTTPWrapper) State() State { return hw.cb.State() }
