package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Run("nil metrics are a no-op", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.RecordFetchAttempt("transient", time.Second)
			m.RecordWindow("failed")
			m.AddRows("persisted", 3)
			m.ObserveUpsert(time.Second)
			m.SetCheckpoint(time.Now())
			m.SetConsecutiveFailures(2)
			m.RecordBreakerTrip()
			m.RecordCheckpointError()
		})
		assert.Nil(t, m.Registry())
	})

	t.Run("records counters by label", func(t *testing.T) {
		m := New()

		m.RecordWindow("rows_persisted")
		m.RecordWindow("rows_persisted")
		m.RecordWindow("failed")
		m.AddRows("persisted", 5)
		m.AddRows("persisted", 0)
		m.RecordBreakerTrip()

		assert.Equal(t, 2.0, testutil.ToFloat64(m.WindowsTotal.WithLabelValues("rows_persisted")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.WindowsTotal.WithLabelValues("failed")))
		assert.Equal(t, 5.0, testutil.ToFloat64(m.RowsTotal.WithLabelValues("persisted")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerTrips))
	})

	t.Run("sets the checkpoint gauge", func(t *testing.T) {
		m := New()
		ts := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)

		m.SetCheckpoint(ts)
		m.SetCheckpoint(time.Time{})

		assert.Equal(t, float64(ts.Unix()), testutil.ToFloat64(m.Checkpoint))
	})

	t.Run("serves the exposition format", func(t *testing.T) {
		m := New()
		m.RecordWindow("no_data")

		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `argo_ingest_windows_total{outcome="no_data"} 1`)
	})
}
