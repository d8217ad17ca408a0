package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/memengine/config"
)

func restoreGlobals(t *testing.T) {
	t.Helper()
	tp, mp := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

func useRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	restoreGlobals(t)
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	return rec
}

// =============================================================================
// ⚙️ Init / Shutdown
// =============================================================================

func TestInit_DisabledLeavesNoopTracing(t *testing.T) {
	restoreGlobals(t)

	p, err := Init(config.TelemetryConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, p.tp)
	assert.Nil(t, p.mp)
	assert.NoError(t, p.Shutdown(context.Background()))

	// 未启用时阶段 span 不记录
	_, span := StartSpan(context.Background(), "memengine.stage.vectorize")
	assert.False(t, span.IsRecording())
	EndSpan(span, errors.New("ignored"))
}

func TestInit_EnabledInstallsSDKProviders(t *testing.T) {
	restoreGlobals(t)

	p, err := Init(config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		SampleRate:   1,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		// 没有 collector，导出失败可以忽略
		_ = p.Shutdown(ctx)
	})

	assert.IsType(t, &sdktrace.TracerProvider{}, otel.GetTracerProvider())
	assert.IsType(t, &sdkmetric.MeterProvider{}, otel.GetMeterProvider())

	_, span := StartSpan(context.Background(), "memengine.enhance")
	assert.True(t, span.SpanContext().IsSampled())
	span.End()
}

func TestInit_ZeroSampleRateDropsRootSpans(t *testing.T) {
	restoreGlobals(t)

	p, err := Init(config.TelemetryConfig{Enabled: true, OTLPEndpoint: "localhost:4317", SampleRate: 0}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})

	ctx, root := StartSpan(context.Background(), "memengine.enhance")
	_, child := StartSpan(ctx, "memengine.stage.index_search")
	assert.False(t, root.SpanContext().IsSampled())
	// 子 span 跟随父 span 的采样决定
	assert.False(t, child.SpanContext().IsSampled())
	child.End()
	root.End()
}

func TestProviders_ShutdownNil(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSampleRatio(t *testing.T) {
	assert.Equal(t, 0.0, sampleRatio(-0.5))
	assert.Equal(t, 0.25, sampleRatio(0.25))
	assert.Equal(t, 1.0, sampleRatio(3))
}

func TestBuildVersion(t *testing.T) {
	assert.Equal(t, "dev", buildVersion())
}

// =============================================================================
// 🔭 Stage spans
// =============================================================================

func TestStageSpans_NestUnderEnhance(t *testing.T) {
	rec := useRecorder(t)

	ctx, root := StartSpan(context.Background(), "memengine.enhance", attribute.String("session_id", "s1"))
	for _, stage := range []string{"vectorize", "cache_lookup", "index_search"} {
		_, span := StartSpan(ctx, "memengine.stage."+stage)
		span.SetAttributes(attribute.Int("items", 2))
		EndSpan(span, nil)
	}
	EndSpan(root, nil)

	spans := rec.Ended()
	require.Len(t, spans, 4)
	rootSpan := spans[3]
	assert.Equal(t, "memengine.enhance", rootSpan.Name())
	assert.Contains(t, rootSpan.Attributes(), attribute.String("session_id", "s1"))
	assert.Equal(t, instrumentationName, rootSpan.InstrumentationScope().Name)
	for _, s := range spans[:3] {
		assert.Equal(t, rootSpan.SpanContext().SpanID(), s.Parent().SpanID(), s.Name())
		assert.Equal(t, rootSpan.SpanContext().TraceID(), s.SpanContext().TraceID())
		assert.Contains(t, s.Attributes(), attribute.Int("items", 2))
	}
}

func TestEndSpan_FailedStageRecordsError(t *testing.T) {
	rec := useRecorder(t)

	_, span := StartSpan(context.Background(), "memengine.stage.index_search")
	EndSpan(span, errors.New("index unavailable"))
	_, ok := StartSpan(context.Background(), "memengine.stage.rank_dedupe")
	EndSpan(ok, nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)

	failed := spans[0]
	assert.Equal(t, codes.Error, failed.Status().Code)
	assert.Equal(t, "index unavailable", failed.Status().Description)
	require.Len(t, failed.Events(), 1)
	assert.Equal(t, "exception", failed.Events()[0].Name)

	assert.Equal(t, codes.Unset, spans[1].Status().Code)
	assert.Empty(t, spans[1].Events())
}

func TestTracer_FollowsGlobalProvider(t *testing.T) {
	rec := useRecorder(t)
	_, span := Tracer().Start(context.Background(), "memengine.evaluate", trace.WithSpanKind(trace.SpanKindInternal))
	span.End()
	require.Len(t, rec.Ended(), 1)
	assert.Equal(t, trace.SpanKindInternal, rec.Ended()[0].SpanKind())
}
