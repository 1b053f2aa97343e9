package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/anbu0809/strata-migrate/internal/config"
	"github.com/anbu0809/strata-migrate/internal/job"
	"github.com/anbu0809/strata-migrate/internal/metrics"
	"github.com/anbu0809/strata-migrate/internal/reconcile"
	"github.com/anbu0809/strata-migrate/internal/translate"
)

// Jobs is the read-only view of the job controller served over HTTP.
type Jobs interface {
	List(ctx context.Context) ([]job.Summary, error)
	Status(ctx context.Context, id string) (*job.Status, error)
	Plan(ctx context.Context, id string) (*translate.Plan, error)
	Report(ctx context.Context, id string) (*reconcile.Report, error)
}

// Check is one readiness probe, e.g. a ping of the job store.
type Check func(ctx context.Context) error

type errorResp struct {
	ErrNo  int    `json:"err_no"`
	ErrMsg string `json:"err_msg"`
}

// NewRouter builds the ops routes: metrics, liveness, readiness, optional
// pprof and job polling.
func NewRouter(cfg *config.Config, metricsStore *metrics.Store, jobs Jobs, checks map[string]Check, logger *zap.Logger) *mux.Router {
	log := logger.Named("http-server")
	r := mux.NewRouter()
	r.Use(logRequests(log))

	r.Handle("/metrics", promhttp.HandlerFor(metricsStore.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	}).Methods(http.MethodGet)

	r.HandleFunc("/readyz", makeReadyHandler(checks, log)).Methods(http.MethodGet)

	if cfg.EnablePprof {
		log.Info("Enabling pprof endpoints on /debug/pprof/")
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
	}

	if jobs != nil {
		r.HandleFunc("/jobs", makeListJobsHandler(jobs)).Methods(http.MethodGet)
		r.HandleFunc("/jobs/{id}", makeJobStatusHandler(jobs)).Methods(http.MethodGet)
		r.HandleFunc("/jobs/{id}/plan", makeJobPlanHandler(jobs)).Methods(http.MethodGet)
		r.HandleFunc("/jobs/{id}/report", makeJobReportHandler(jobs)).Methods(http.MethodGet)
	}
	return r
}

// RunHTTPServer serves the ops routes on cfg.MetricsPort until ctx ends,
// then shuts down gracefully.
func RunHTTPServer(ctx context.Context, cfg *config.Config, handler http.Handler, logger *zap.Logger) {
	log := logger.Named("http-server")
	addr := fmt.Sprintf(":%d", cfg.MetricsPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server ListenAndServe error", zap.Error(err))
		}
		log.Info("HTTP server stopped listening")
	}()

	<-ctx.Done()
	log.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server graceful shutdown failed", zap.Error(err))
	} else {
		log.Info("HTTP server gracefully stopped")
	}
}

func logRequests(log *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Debug("Http request", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.String("remote", r.RemoteAddr))
			next.ServeHTTP(w, r)
		})
	}
}

func makeReadyHandler(checks map[string]Check, log *zap.Logger) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		results := make([]error, len(names))
		var wg sync.WaitGroup
		for i, name := range names {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = checks[name](ctx)
			}()
		}
		wg.Wait()

		failed := false
		status := make(map[string]string, len(names))
		for i, name := range names {
			status[name] = formatCheckError(results[i])
			if results[i] != nil {
				failed = true
				log.Warn("Readiness check failed", zap.String("check", name), zap.Error(results[i]))
			}
		}
		if failed {
			writeJSONWithStatusCode(w, http.StatusServiceUnavailable, status)
			return
		}
		writeJSON(w, status)
	}
}

func formatCheckError(err error) string {
	if err == nil {
		return "OK"
	}
	return fmt.Sprintf("Error (%v)", err)
}

func makeListJobsHandler(jobs Jobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := jobs.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if list == nil {
			list = []job.Summary{}
		}
		writeJSON(w, list)
	}
}

func makeJobStatusHandler(jobs Jobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := jobs.Status(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, st)
	}
}

func makeJobPlanHandler(jobs Jobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plan, err := jobs.Plan(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, plan)
	}
}

func makeJobReportHandler(jobs Jobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := jobs.Report(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, rep)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, job.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, job.ErrPlanNotReady), errors.Is(err, job.ErrNoReport):
		code = http.StatusConflict
	}
	writeJSONWithStatusCode(w, code, errorResp{ErrNo: code, ErrMsg: err.Error()})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONWithStatusCode(w, http.StatusOK, v)
}

func writeJSONWithStatusCode(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
