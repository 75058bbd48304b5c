package freshness

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/razvanmarinn/weave/internal/config"
	"github.com/razvanmarinn/weave/internal/core"
	"github.com/razvanmarinn/weave/pkg/logging"
	"github.com/razvanmarinn/weave/pkg/metrics"
)

const packageShowBody = `{
  "success": true,
  "result": {
    "name": "ssen_smart_meter_prod_lv_feeder",
    "resources": [
      {"id": "0d1c8c30-0000-0000-0000-000000000000", "last_modified": "2024-01-01T00:00:00"},
      {"id": "1cce1fb4-d7f4-4309-b9e3-943bd4d18618", "last_modified": "2024-11-30T19:53:57.016797"},
      {"id": "no-timestamp", "last_modified": null}
    ]
  }
}`

var datasets = map[string]config.DatasetResource{
	"ssen_lv_feeder_postcode_mapping": {PackageName: "ssen_smart_meter_prod_lv_feeder", ResourceID: "1cce1fb4-d7f4-4309-b9e3-943bd4d18618"},
	"unpublished":                     {PackageName: "ssen_smart_meter_prod_lv_feeder", ResourceID: "no-timestamp"},
	"gone":                            {PackageName: "ssen_smart_meter_prod_lv_feeder", ResourceID: "deleted"},
	"broken":                          {PackageName: "broken", ResourceID: "x"},
}

func newCKAN(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		assert.Equal(t, "/api/3/action/package_show", r.URL.Path)
		switch r.URL.Query().Get("id") {
		case "ssen_smart_meter_prod_lv_feeder":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(packageShowBody))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLastModified(t *testing.T) {
	var calls int32
	srv := newCKAN(t, &calls)
	obs, logs := observer.New(zap.DebugLevel)
	oracle := New(Options{BaseURL: srv.URL + "/", Datasets: datasets, HTTPClient: srv.Client(), Logger: logging.New(zap.New(obs))})
	ctx := context.Background()

	t.Run("matching resource", func(t *testing.T) {
		got, err := oracle.LastModified(ctx, "ssen_lv_feeder_postcode_mapping")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, time.Date(2024, 11, 30, 19, 53, 57, 16797000, time.UTC).Equal(*got))
		assert.Equal(t, time.UTC, got.Location())
		assert.Equal(t, 1, logs.FilterMessage("Catalog timestamp has no zone, assuming UTC").Len())
	})

	t.Run("resource without timestamp", func(t *testing.T) {
		got, err := oracle.LastModified(ctx, "unpublished")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("resource missing from package", func(t *testing.T) {
		_, err := oracle.LastModified(ctx, "gone")
		assert.ErrorIs(t, err, core.ErrStructural)
		assert.Contains(t, err.Error(), "deleted")
		assert.Contains(t, err.Error(), "ssen_smart_meter_prod_lv_feeder")
	})

	t.Run("unmapped dataset", func(t *testing.T) {
		_, err := oracle.LastModified(ctx, "nobody")
		assert.ErrorIs(t, err, core.ErrConfiguration)
	})

	t.Run("catalog error status", func(t *testing.T) {
		_, err := oracle.LastModified(ctx, "broken")
		assert.ErrorIs(t, err, core.ErrTransport)
	})
}

func TestLastModifiedCache(t *testing.T) {
	var calls int32
	srv := newCKAN(t, &calls)
	reg := prometheus.NewRegistry()
	m := metrics.NewAcquisitionMetrics("weave-test", reg)
	oracle := New(Options{BaseURL: srv.URL, Datasets: datasets, HTTPClient: srv.Client(), CacheTTL: time.Minute, Metrics: m})

	for i := 0; i < 3; i++ {
		_, err := oracle.LastModified(context.Background(), "ssen_lv_feeder_postcode_mapping")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FreshnessLookupsTotal.WithLabelValues("ssen_lv_feeder_postcode_mapping", metrics.StatusSuccess)))
}

func TestLastModifiedTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	oracle := New(Options{BaseURL: srv.URL, Datasets: datasets, HTTPClient: srv.Client(), Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := oracle.LastModified(context.Background(), "ssen_lv_feeder_postcode_mapping")
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.Less(t, time.Since(start), time.Second)
}

func TestIsStale(t *testing.T) {
	materialized := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	later := materialized.Add(time.Hour)
	earlier := materialized.Add(-time.Hour)

	assert.True(t, IsStale(materialized, &later))
	assert.False(t, IsStale(materialized, &earlier))
	assert.False(t, IsStale(materialized, &materialized))
	assert.False(t, IsStale(materialized, nil))
}
