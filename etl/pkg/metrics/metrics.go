package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rentals_lake_etl_build_info",
			Help: "Build information of the rentals lake ETL",
		},
		[]string{"version", "commit", "date"},
	)

	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentals_lake_etl_pipeline_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"mode", "status"},
	)

	PipelineRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rentals_lake_etl_pipeline_run_duration_seconds",
			Help:    "Duration of pipeline runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~27 minutes
		},
		[]string{"mode"},
	)

	PipelineLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rentals_lake_etl_pipeline_last_success_timestamp_seconds",
			Help: "Unix time of the last successful pipeline run",
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rentals_lake_etl_stage_duration_seconds",
			Help:    "Duration of individual pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"stage"},
	)

	RowsLoadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentals_lake_etl_rows_loaded_total",
			Help: "Total number of rows written to warehouse tables",
		},
		[]string{"table", "strategy"},
	)

	VersionsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentals_lake_etl_versions_closed_total",
			Help: "Total number of dimension versions closed out",
		},
		[]string{"table"},
	)

	VersionsInsertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentals_lake_etl_versions_inserted_total",
			Help: "Total number of dimension versions inserted",
		},
		[]string{"table"},
	)

	LoadsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentals_lake_etl_loads_skipped_total",
			Help: "Total number of table loads skipped because the input was empty",
		},
		[]string{"table"},
	)

	RowsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentals_lake_etl_rows_dropped_total",
			Help: "Total number of dimension rows dropped for a missing natural key",
		},
		[]string{"table"},
	)

	ValidationIssuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentals_lake_etl_validation_issues_total",
			Help: "Total number of data validation issues",
		},
		[]string{"dataset"},
	)

	OrphanedListings = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rentals_lake_etl_orphaned_listings",
			Help: "Current listings whose host has no current dimension row, as of the last check",
		},
	)

	WarehouseQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentals_lake_etl_warehouse_queries_total",
			Help: "Total number of warehouse statements",
		},
		[]string{"dialect", "status"},
	)

	WarehouseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rentals_lake_etl_warehouse_query_duration_seconds",
			Help:    "Duration of warehouse statements",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"dialect"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentals_lake_etl_http_requests_total",
			Help: "Total number of control server HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rentals_lake_etl_http_request_duration_seconds",
			Help:    "Duration of control server HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordWarehouseQuery records metrics for a warehouse statement.
func RecordWarehouseQuery(dialect string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	WarehouseQueriesTotal.WithLabelValues(dialect, status).Inc()
	WarehouseQueryDuration.WithLabelValues(dialect).Observe(duration.Seconds())
}
