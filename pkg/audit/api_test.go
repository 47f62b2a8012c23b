package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubQuerier struct {
	metrics []MetricRow
	events  []StoredEvent
	err     error
	pingErr error

	gotDate   string
	gotRegion string
}

func (s *stubQuerier) MetricsByFilter(ctx context.Context, date, region string) ([]MetricRow, error) {
	s.gotDate, s.gotRegion = date, region
	return s.metrics, s.err
}

func (s *stubQuerier) EventsForMetric(ctx context.Context, date, region string) ([]StoredEvent, error) {
	s.gotDate, s.gotRegion = date, region
	return s.events, s.err
}

func (s *stubQuerier) Ping(ctx context.Context) error {
	return s.pingErr
}

func newTestServer(t *testing.T, q Querier) *httptest.Server {
	t.Helper()
	api := NewAPI(zaptest.NewLogger(t), q, prometheus.NewRegistry())
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestMetricsEndpoint(t *testing.T) {
	q := &stubQuerier{metrics: []MetricRow{
		{ID: 1, Date: "2025-03-10", Region: "norte", Metrics: json.RawMessage(`{"security.incident":{"count":3}}`), UpdatedAt: time.Now()},
	}}
	srv := newTestServer(t, q)

	var body struct {
		Metrics []MetricRow `json:"metrics"`
		Count   int         `json:"count"`
	}
	status := getJSON(t, srv.URL+"/api/v1/metrics?date=2025-03-10&region=norte", &body)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Metrics, 1)
	assert.Equal(t, "norte", body.Metrics[0].Region)
	assert.Equal(t, "2025-03-10", q.gotDate)
	assert.Equal(t, "norte", q.gotRegion)
}

func TestMetricsEndpointNoFilters(t *testing.T) {
	q := &stubQuerier{}
	srv := newTestServer(t, q)

	var body struct {
		Metrics []MetricRow `json:"metrics"`
		Count   int         `json:"count"`
	}
	status := getJSON(t, srv.URL+"/api/v1/metrics", &body)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, body.Count)
	assert.NotNil(t, body.Metrics)
}

func TestMetricsEndpointBadDate(t *testing.T) {
	srv := newTestServer(t, &stubQuerier{})

	var body map[string]string
	status := getJSON(t, srv.URL+"/api/v1/metrics?date=10-03-2025", &body)

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "YYYY-MM-DD")
}

func TestMetricsEndpointQueryError(t *testing.T) {
	srv := newTestServer(t, &stubQuerier{err: errors.New("boom")})

	var body map[string]string
	status := getJSON(t, srv.URL+"/api/v1/metrics", &body)

	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestEventsEndpoint(t *testing.T) {
	q := &stubQuerier{events: []StoredEvent{
		{EventID: "evt-1", Source: "security.incident", Region: "sur", Date: "2025-03-10"},
		{EventID: "evt-2", Source: "migration.case", Region: "sur", Date: "2025-03-10"},
	}}
	srv := newTestServer(t, q)

	var body struct {
		Date   string        `json:"date"`
		Region string        `json:"region"`
		Events []StoredEvent `json:"events"`
		Count  int           `json:"count"`
	}
	status := getJSON(t, srv.URL+"/api/v1/metrics/2025-03-10/sur/events", &body)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "2025-03-10", body.Date)
	assert.Equal(t, "sur", body.Region)
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "evt-1", body.Events[0].EventID)
}

func TestEventsEndpointBadDate(t *testing.T) {
	srv := newTestServer(t, &stubQuerier{})

	var body map[string]string
	status := getJSON(t, srv.URL+"/api/v1/metrics/not-a-date/sur/events", &body)

	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubQuerier{})

	var body map[string]string
	status := getJSON(t, srv.URL+"/healthz", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestHealthEndpointUnavailable(t *testing.T) {
	srv := newTestServer(t, &stubQuerier{pingErr: errors.New("down")})

	var body map[string]string
	status := getJSON(t, srv.URL+"/healthz", &body)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestPrometheusExposition(t *testing.T) {
	srv := newTestServer(t, &stubQuerier{})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
