package metrics

import (
	"database/sql"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store holds the Prometheus collectors, registered on a private registry.
type Store struct {
	Registry *prometheus.Registry

	JobsRunning        prometheus.Gauge
	JobDuration        *prometheus.HistogramVec
	StageDuration      *prometheus.HistogramVec
	TableStageTotal    *prometheus.CounterVec
	RowsMigratedTotal  *prometheus.CounterVec
	BatchesWritten     *prometheus.CounterVec
	BatchWriteDuration *prometheus.HistogramVec
	BatchRetriesTotal  *prometheus.CounterVec
	FetchRetriesTotal  *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	ConnectAttempts    *prometheus.CounterVec
	TranslatorRequests *prometheus.CounterVec
	ReconcileMismatch  *prometheus.CounterVec
}

func NewStore() *Store {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(registry)

	return &Store{
		Registry: registry,
		JobsRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "strata_jobs_running",
			Help: "Number of migration jobs currently executing.",
		}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strata_job_duration_seconds",
			Help:    "Duration of whole migration jobs by outcome.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15),
		}, []string{"outcome"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strata_stage_duration_seconds",
			Help:    "Duration of job stages.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
		}, []string{"stage"}),
		TableStageTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_table_stage_total",
			Help: "Per-table stage results.",
		}, []string{"stage", "status"}), // status: SUCCESS, FAILED, SKIPPED
		RowsMigratedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_rows_migrated_total",
			Help: "Rows written to the target, labeled by table.",
		}, []string{"table"}),
		BatchesWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_batches_written_total",
			Help: "Batches written to the target, labeled by table.",
		}, []string{"table"}),
		BatchWriteDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strata_batch_write_duration_seconds",
			Help:    "Duration of batch upserts.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}, []string{"table", "status"}), // status: success, success_retry, failure_*
		BatchRetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_batch_retries_total",
			Help: "Transient batch write failures that were retried.",
		}, []string{"table"}),
		FetchRetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_fetch_retries_total",
			Help: "Transient extraction fetch failures that were retried.",
		}, []string{"table"}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_errors_total",
			Help: "Errors recorded in job error logs, labeled by kind and table.",
		}, []string{"kind", "table"}),
		ConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_connect_attempts_total",
			Help: "Database connection attempts by alias and result.",
		}, []string{"db_alias", "result"}),
		TranslatorRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_translator_requests_total",
			Help: "Translation service calls by provider and result.",
		}, []string{"provider", "result"}), // result: ok, cached, error
		ReconcileMismatch: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_reconcile_mismatches_total",
			Help: "Sampled row mismatches found by reconciliation.",
		}, []string{"table"}),
	}
}

// RegisterDB exports sql.DBStats for a pool. Registering the same alias twice
// is a no-op.
func (s *Store) RegisterDB(alias string, db *sql.DB) {
	if s == nil || db == nil {
		return
	}
	if err := s.Registry.Register(collectors.NewDBStatsCollector(db, alias)); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
	}
}
