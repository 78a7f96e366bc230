package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New()
	m.Download("segment", 1000)
	m.Download("segment", 500)
	m.Download("playlist", 10)
	m.DownloadFailed("segment")
	m.Switch("video", "up")
	m.Merge("applied")
	m.Quarantine()
	m.SetLAB("video", 12.5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.downloads.WithLabelValues("segment")))
	assert.Equal(t, 1500.0, testutil.ToFloat64(m.downloadBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.downloadFailures.WithLabelValues("segment")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.switches.WithLabelValues("video", "up")))
	assert.Equal(t, 12.5, testutil.ToFloat64(m.lab.WithLabelValues("video")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Download("segment", 1)
	m.DownloadFailed("segment")
	m.Switch("video", "down")
	m.Merge("skipped")
	m.BufferEvent("start")
	m.Quarantine()
	m.SetLAB("audio", 1)
	m.SetActiveBandwidth("audio", 1)
	m.SetEstimate(1)
}

func TestMetrics_HandlerAndMiddleware(t *testing.T) {
	m := New()
	refreshed := false
	h := RequestMiddleware(m)(m.Handler(func() {
		refreshed = true
		m.SetEstimate(42)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, refreshed)

	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), "hlsabr_bandwidth_estimate_bps 42"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests))

	fail := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	fail.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestErrors))
}
