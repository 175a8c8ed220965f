package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs instruments backed by a ManualReader and
// restores the global state when the test ends.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/releases/com/acme/lib/1.0/lib-1.0.jar", nil)
	r = InjectTags(r)
	SetRepository(r, "releases", false)
	SetEndpoint(r, "file")

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "artifact_repo_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "method", http.MethodGet))
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "file"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))

	bytesDps := findCounter(rm, "artifact_repo_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "artifact_repo_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	// Repository names stay out of the HTTP series
	_, hasRepo := dps[0].Attributes.Value(attribute.Key("repository"))
	require.False(t, hasRepo)
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	// Request without InjectTags, as if it bypassed the middleware
	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, time.Millisecond)

	dps := findCounter(collectMetrics(t, reader), "artifact_repo_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordBackendOp(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordBackendOp(context.Background(), "filesystem", "write_file", "success", 10*time.Millisecond, 512)
	RecordBackendOp(context.Background(), "filesystem", "get_entry", "not_found", time.Millisecond, 0)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "artifact_repo_backend_requests_total")
	require.Len(t, dps, 2)

	bytesDps := findCounter(rm, "artifact_repo_backend_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 512, bytesDps[0].Value)
	require.True(t, hasAttr(bytesDps[0].Attributes, "op", "write_file"))
}

func TestRecordCacheLookup(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordCacheLookup(ctx, "listing", CacheMiss)
	RecordCacheLookup(ctx, "listing", CacheHit)
	RecordCacheLookup(ctx, "listing", CacheHit)
	RecordCacheLookup(ctx, "entry", CacheNegativeHit)

	dps := findCounter(collectMetrics(t, reader), "artifact_repo_cache_lookups_total")
	require.Len(t, dps, 3)

	for _, dp := range dps {
		if hasAttr(dp.Attributes, "cache", "listing") && hasAttr(dp.Attributes, "result", "hit") {
			require.EqualValues(t, 2, dp.Value)
			return
		}
	}
	t.Fatal("listing hit data point not found")
}

func TestRecordCacheInvalidationAndEviction(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordCacheInvalidation(ctx, "entry")
	RecordCacheInvalidation(ctx, "entry")
	RecordCacheEviction(ctx, "metadata")

	rm := collectMetrics(t, reader)

	inv := findCounter(rm, "artifact_repo_cache_invalidations_total")
	require.Len(t, inv, 1)
	require.EqualValues(t, 2, inv[0].Value)
	require.True(t, hasAttr(inv[0].Attributes, "cache", "entry"))

	ev := findCounter(rm, "artifact_repo_cache_evictions_total")
	require.Len(t, ev, 1)
	require.True(t, hasAttr(ev[0].Attributes, "cache", "metadata"))
}

func TestRecordMetadataSynthesis(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordMetadataSynthesis(context.Background(), "public", "success", 2, 3*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "artifact_repo_metadata_synthesis_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "repository", "public"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "success"))

	members, ok := dps[0].Attributes.Value(attribute.Key("members"))
	require.True(t, ok)
	require.EqualValues(t, 2, members.AsInt64())

	require.Len(t, findHistogram(rm, "artifact_repo_metadata_synthesis_duration_seconds"), 1)
}

func TestRecord_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/test", nil))

	// None of these may panic before InitMetrics
	RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
	RecordBackendOp(ctx, "filesystem", "exists", "success", time.Millisecond, 0)
	RecordObjectStoreRequest(ctx, "s3", "get", "success", time.Millisecond, 0, 10)
	RecordCacheLookup(ctx, "entry", CacheHit)
	RecordCacheInvalidation(ctx, "entry")
	RecordCacheEviction(ctx, "entry")
	RecordMetadataSynthesis(ctx, "public", "success", 1, time.Millisecond)
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	setupTestMetrics(t)

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{304, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{405, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
