package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRows(t *testing.T) {
	m := New()
	m.AddRows("ebrite", OutcomeImported, 3)
	m.AddRows("ebrite", OutcomeImported, 2)
	m.AddRows("ebrite", OutcomeFailed, 0)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.rows.WithLabelValues("ebrite", OutcomeImported)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.rows.WithLabelValues("ebrite", OutcomeFailed)))
}

func TestObserveRun(t *testing.T) {
	m := New()
	m.ObserveRun("meetup", time.Second, nil)
	m.ObserveRun("meetup", time.Second, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("meetup", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("meetup", "error")))
	assert.Positive(t, testutil.ToFloat64(m.lastSuccess.WithLabelValues("meetup")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.AddRows("x", OutcomeImported, 1)
	m.ObserveRun("x", time.Second, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestHandler(t *testing.T) {
	m := New()
	m.AddRows("rss", OutcomeDuplicate, 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `cfevents_rows_total{outcome="duplicate",source="rss"} 1`))
}
