package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector("test", prometheus.NewRegistry(), zap.NewNop())
}

func TestNewCollector(t *testing.T) {
	collector := newTestCollector(t)

	assert.NotNil(t, collector.Registry())
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.enhanceTotal)
	assert.NotNil(t, collector.cacheHits)
}

func TestNewCollector_SeparateRegistries(t *testing.T) {
	// 同名 namespace 在独立 Registry 中不会重复注册
	a := NewCollector("dup", nil, nil)
	b := NewCollector("dup", nil, nil)
	assert.NotSame(t, a.Registry(), b.Registry())
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordHTTPRequest("GET", "/v1/stats", 200, 100*time.Millisecond)
	collector.RecordHTTPRequest("GET", "/v1/stats", 204, 50*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/v1/stats", "2xx")))
}

func TestCollector_RecordEnhance(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordEnhance("ok", 10*time.Millisecond)
	collector.RecordEnhance("degraded", 5*time.Millisecond)
	collector.RecordStage("INDEX_SEARCH", time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.enhanceTotal.WithLabelValues("degraded")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.stageDuration))
}

func TestCollector_RecordCache(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordCacheHit("hot")
	collector.RecordCacheMiss()
	collector.RecordCacheEviction("cold")
	collector.RecordCachePromotion("warm", "hot")

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.cacheHits.WithLabelValues("hot")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.cacheMisses))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.cachePromotions.WithLabelValues("warm", "hot")))
}

func TestCollector_RecordBreakerTransition(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordBreakerTransition("evaluator", "CLOSED", "OPEN")
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.breakerState.WithLabelValues("evaluator")))

	collector.RecordBreakerTransition("evaluator", "OPEN", "HALF_OPEN")
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.breakerState.WithLabelValues("evaluator")))

	collector.RecordBreakerTransition("evaluator", "HALF_OPEN", "CLOSED")
	assert.Equal(t, float64(0), testutil.ToFloat64(collector.breakerState.WithLabelValues("evaluator")))
}

func TestCollector_RecordAssociation(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordAssociation("removed", 3)
	collector.RecordAssociation("removed", 0)
	assert.Equal(t, float64(3), testutil.ToFloat64(collector.associationsTotal.WithLabelValues("removed")))
}

func TestCollector_NilSafe(t *testing.T) {
	var collector *Collector
	assert.NotPanics(t, func() {
		collector.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
		collector.RecordEnhance("ok", time.Millisecond)
		collector.RecordStage("INIT", time.Millisecond)
		collector.RecordInteraction("ok")
		collector.RecordDualWrite("committed")
		collector.RecordEvaluation("heuristic")
		collector.SetQueueDepth(1)
		collector.RecordQueueRejected()
		collector.RecordCacheHit("hot")
		collector.RecordCacheMiss()
		collector.RecordCacheEviction("hot")
		collector.RecordCachePromotion("warm", "hot")
		collector.RecordAssociation("created", 1)
		collector.RecordBreakerTransition("x", "CLOSED", "OPEN")
		collector.RecordDBConnections(1, 1)
	})
}

func TestCollector_Handler(t *testing.T) {
	collector := newTestCollector(t)
	collector.RecordInteraction("ok")
	collector.RecordDBConnections(4, 2)

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "test_interactions_stored_total"))
	assert.True(t, strings.Contains(body, "test_db_connections_open 4"))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordHTTPRequest("GET", "/test", 200, 100*time.Millisecond)
			collector.RecordEvaluation("evaluator")
			collector.RecordCacheHit("warm")
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(10), testutil.ToFloat64(collector.evaluationsTotal.WithLabelValues("evaluator")))
	assert.Equal(t, float64(10), testutil.ToFloat64(collector.cacheHits.WithLabelValues("warm")))
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(200))
	assert.Equal(t, "3xx", statusCode(301))
	assert.Equal(t, "4xx", statusCode(404))
	assert.Equal(t, "5xx", statusCode(503))
	assert.Equal(t, "unknown", statusCode(100))
}
