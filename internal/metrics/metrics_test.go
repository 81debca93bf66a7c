package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticFPS map[string]float64

func (s staticFPS) FPS() map[string]float64 { return s }

func TestCounters(t *testing.T) {
	m := New()
	m.Detections.WithLabelValues("cam1", "ok").Inc()
	m.Detections.WithLabelValues("cam1", "ok").Inc()
	m.Detections.WithLabelValues("cam1", "timeout").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Detections.WithLabelValues("cam1", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Detections.WithLabelValues("cam1", "timeout")))
}

func TestFPSCollector(t *testing.T) {
	m := New()
	m.WatchFPS(staticFPS{"north": 29.9})

	expected := `
# HELP skywatch_source_fps Frames per second measured over the last second
# TYPE skywatch_source_fps gauge
skywatch_source_fps{camera="north"} 29.9
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "skywatch_source_fps"))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ActiveStreams.Set(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "skywatch_active_streams 3")
}
