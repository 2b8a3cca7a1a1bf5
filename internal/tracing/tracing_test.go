package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

func TestInitializeDisabledIsNoop(t *testing.T) {
	shutdown, err := Initialize(Config{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	ctx, span := StartStepSpan(context.Background(), "step-1", "search", 1)
	defer span.End()
	assert.NotNil(t, ctx)
}

func TestStepSpanAttributesAndTraceparent(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	setTracer(tp.Tracer("test"))
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		setTracer(nil)
	})

	ctx, sessionSpan := StartSessionSpan(context.Background(), "s-1", "iterative")
	stepCtx, stepSpan := StartStepSpan(ctx, "step-1", "search", 2)

	req, err := http.NewRequestWithContext(stepCtx, http.MethodPost, "http://search.local", nil)
	require.NoError(t, err)
	InjectTraceparent(stepCtx, req)
	traceID, spanID, _, ok := ParseTraceparent(req.Header.Get("traceparent"))
	require.True(t, ok)
	assert.Equal(t, stepSpan.SpanContext().TraceID().String(), traceID)
	assert.Equal(t, stepSpan.SpanContext().SpanID().String(), spanID)

	stepSpan.End()
	sessionSpan.End()

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "agent.step.search", ended[0].Name())
	attrs := map[string]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "step-1", attrs["step.id"])
	assert.Equal(t, "2", attrs["step.attempt"])
}

func TestParseTraceparentRejectsMalformed(t *testing.T) {
	_, _, _, ok := ParseTraceparent("01-abc-def-00")
	assert.False(t, ok)
	_, _, _, ok = ParseTraceparent("garbage")
	assert.False(t, ok)
}

func TestWrapHandlerContinuesRemoteTrace(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	setTracer(tp.Tracer("test"))
	t.Cleanup(func() { setTracer(nil) })

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var inner string
	h := WrapHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = W3CTraceparent(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/agent/sessions/s-1", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	gotTrace, _, _, ok := ParseTraceparent(inner)
	require.True(t, ok)
	assert.Equal(t, traceID, gotTrace)
	require.Len(t, rec.Ended(), 1)
	assert.Equal(t, "GET /agent/sessions/s-1", rec.Ended()[0].Name())
}
