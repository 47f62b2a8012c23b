package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mvaldesr/observa/pkg/domain"
)

// Querier is the read surface the API needs from the store.
type Querier interface {
	MetricsByFilter(ctx context.Context, date, region string) ([]MetricRow, error)
	EventsForMetric(ctx context.Context, date, region string) ([]StoredEvent, error)
	Ping(ctx context.Context) error
}

// API serves the query endpoints and Prometheus exposition.
type API struct {
	logger   *zap.Logger
	querier  Querier
	gatherer prometheus.Gatherer
}

// NewAPI builds the HTTP surface over a querier.
func NewAPI(logger *zap.Logger, querier Querier, gatherer prometheus.Gatherer) *API {
	return &API{logger: logger, querier: querier, gatherer: gatherer}
}

// Router returns the configured mux router.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/metrics", a.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/metrics/{date}/{region}/events", a.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	region := r.URL.Query().Get("region")

	if date != "" && !validDate(date) {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	rows, err := a.querier.MetricsByFilter(r.Context(), date, region)
	if err != nil {
		a.logger.Error("Metrics query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if rows == nil {
		rows = []MetricRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": rows, "count": len(rows)})
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	date, region := vars["date"], vars["region"]

	if !validDate(date) {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	events, err := a.querier.EventsForMetric(r.Context(), date, region)
	if err != nil {
		a.logger.Error("Events query failed", zap.Error(err),
			zap.String("date", date), zap.String("region", region))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if events == nil {
		events = []StoredEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":   date,
		"region": region,
		"events": events,
		"count":  len(events),
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.querier.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func validDate(date string) bool {
	_, err := time.Parse(domain.DateLayout, date)
	return err == nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
