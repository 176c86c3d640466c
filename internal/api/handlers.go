// Package api wires the predict-serving HTTP surface: gorilla/mux routing,
// the handlers for every endpoint named in spec §6, and the diagnostics
// sample reported by /health.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/pcraw4d/fraud-serving/internal/analytics"
	"github.com/pcraw4d/fraud-serving/internal/cache"
	"github.com/pcraw4d/fraud-serving/internal/observability"
	"github.com/pcraw4d/fraud-serving/internal/policy"
	"github.com/pcraw4d/fraud-serving/internal/registry"
	"github.com/pcraw4d/fraud-serving/internal/retrain"
	"github.com/pcraw4d/fraud-serving/internal/serving"
)

// Server holds every collaborator the HTTP surface dispatches to.
type Server struct {
	engine      *serving.Engine
	manager     *registry.Manager
	emitter     *retrain.Emitter
	analytics   *analytics.Store // optional
	cache       *cache.DashboardCache // optional
	diagnostics *observability.Diagnostics
	logger      *observability.Logger
	metrics     *observability.Metrics

	schemaVersion int
	prometheusURL string
}

// Config bundles Server construction parameters.
type Config struct {
	SchemaVersion int
	PrometheusURL string
}

// NewServer constructs the HTTP surface's Server.
func NewServer(cfg Config, engine *serving.Engine, manager *registry.Manager, emitter *retrain.Emitter, store *analytics.Store, dashCache *cache.DashboardCache, diagnostics *observability.Diagnostics, logger *observability.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		engine:        engine,
		manager:       manager,
		emitter:       emitter,
		analytics:     store,
		cache:         dashCache,
		diagnostics:   diagnostics,
		logger:        logger.WithComponent("api"),
		metrics:       metrics,
		schemaVersion: cfg.SchemaVersion,
		prometheusURL: cfg.PrometheusURL,
	}
}

// Router builds the gorilla/mux router for every endpoint in spec §6.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/contracts/predict", s.handleContract).Methods(http.MethodGet)
	r.HandleFunc("/predict", s.handlePredict).Methods(http.MethodPost)
	r.HandleFunc("/retrain", s.handleRetrain).Methods(http.MethodPost)
	r.HandleFunc("/models/info", s.handleModelsInfo).Methods(http.MethodGet)
	r.HandleFunc("/dashboard/stats", s.handleDashboardStats).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	r.PathPrefix("/prometheus/{path:.*}").HandlerFunc(s.handlePrometheusProxy)
	return r
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// handleHealth reports process liveness plus a best-effort readiness flag;
// it never blocks and never fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := s.manager.GetActive()
	body := map[string]interface{}{
		"status":  "ok",
		"service": "fraud-serving",
		"ready":   active != nil,
	}
	if s.diagnostics != nil {
		body["diagnostics"] = s.diagnostics.Last()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleReady reports whether the active bundle is loaded and usable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	active := s.manager.GetActive()
	if active == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ready":  false,
			"detail": "no active model bundle loaded",
		})
		return
	}
	resp := map[string]interface{}{
		"ready":                true,
		"detail":               "serving",
		"active_model_version": active.Version,
	}
	if shadow := s.manager.GetShadow(); shadow != nil {
		resp["shadow_model_version"] = shadow.Version
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleContract describes the wire contract so API consumers can
// validate against it without reading the spec.
func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"contract_version": 1,
		"schema_version":   s.schemaVersion,
		"action_codes": []string{
			policy.ActionPredict, policy.ActionMonitor, policy.ActionFallback,
			policy.ActionAbstain, policy.ActionManual,
		},
		"reason_codes": []string{
			policy.ReasonDataContract, policy.ReasonConformalUncertain,
			policy.ReasonHardDrift, policy.ReasonSoftDrift, policy.ReasonPredictionError,
		},
		"notes": []string{
			"schema violations always take precedence over drift/uncertainty reasons",
			"fallback_reason is only set when action_code is FALLBACK",
		},
	})
}

// handlePredict runs the full predict path (spec §4.H).
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req serving.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be valid JSON")
		return
	}

	requestID, _ := r.Context().Value(observability.RequestIDKey).(string)

	resp, err := s.engine.Predict(r.Context(), requestID, req)
	if err != nil {
		if errors.Is(err, serving.ErrModelServiceUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "model_service_unavailable", "no active model bundle is loaded")
			return
		}
		s.logger.WithError(err).Error("predict failed", "request_id", requestID)
		writeError(w, http.StatusInternalServerError, "prediction_error", "prediction failed")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleRetrain enqueues a manual retrain request, throttled by the
// emitter's own cooldown (spec scenario 6: second call within cooldown
// gets 429).
func (s *Server) handleRetrain(w http.ResponseWriter, r *http.Request) {
	emitted, err := s.emitter.Emit("MANUAL_RETRAIN", 0, time.Now())
	if err != nil {
		s.logger.WithError(err).Error("manual retrain emit failed")
		writeError(w, http.StatusInternalServerError, "retrain_emit_failed", "could not enqueue retrain request")
		return
	}
	if !emitted {
		writeError(w, http.StatusTooManyRequests, "retrain_throttled", "a retrain request was already enqueued within the cooldown window")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enqueued"})
}

// handleModelsInfo reports the active/shadow versions, thresholds, and
// conformal coverage.
func (s *Server) handleModelsInfo(w http.ResponseWriter, r *http.Request) {
	active := s.manager.GetActive()
	if active == nil {
		writeError(w, http.StatusServiceUnavailable, "model_service_unavailable", "no active model bundle is loaded")
		return
	}
	body := map[string]interface{}{
		"active_version": active.Version,
		"feature_names":  active.FeatureNames,
		"coverage":       active.ConformalCalib.Coverage(),
		"alpha":          active.ConformalCalib.Alpha,
	}
	if shadow := s.manager.GetShadow(); shadow != nil {
		body["shadow_version"] = shadow.Version
		body["shadow_coverage"] = shadow.ConformalCalib.Coverage()
	}
	writeJSON(w, http.StatusOK, body)
}

const dashboardCacheKey = "stats:last_24h"

// handleDashboardStats serves the analytics aggregation, through a 5s
// Redis cache when one is configured (spec §4.Q).
func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	if s.analytics == nil {
		writeError(w, http.StatusNotImplemented, "analytics_disabled", "the analytics store is not configured")
		return
	}

	var stats analytics.DashboardStats
	if s.cache != nil {
		if hit, err := s.cache.Get(r.Context(), dashboardCacheKey, &stats); err == nil && hit {
			writeJSON(w, http.StatusOK, stats)
			return
		}
	}

	stats, err := s.analytics.DashboardAggregate(r.Context(), time.Now().Add(-24*time.Hour))
	if err != nil {
		s.logger.WithError(err).Error("dashboard aggregate failed")
		writeError(w, http.StatusInternalServerError, "dashboard_query_failed", "could not compute dashboard stats")
		return
	}

	if s.cache != nil {
		if err := s.cache.SetWithTTL(r.Context(), dashboardCacheKey, stats, 5*time.Second); err != nil {
			s.logger.Warn("dashboard cache write failed", "error", err.Error())
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

// handlePrometheusProxy reverse-proxies to the configured Prometheus URL,
// stripping the /prometheus prefix.
func (s *Server) handlePrometheusProxy(w http.ResponseWriter, r *http.Request) {
	if s.prometheusURL == "" {
		writeError(w, http.StatusNotImplemented, "prometheus_disabled", "PROMETHEUS_URL is not configured")
		return
	}
	target, err := url.Parse(s.prometheusURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "invalid_prometheus_url", "configured PROMETHEUS_URL is invalid")
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	r.URL.Path = "/" + mux.Vars(r)["path"]
	proxy.ServeHTTP(w, r)
}
