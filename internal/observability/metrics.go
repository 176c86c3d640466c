package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide Prometheus registry, constructed once and
// shared by the HTTP surface and the retrain worker. It is safe for
// concurrent use: counters/gauges/histograms are internally lock-free.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsInFlight *prometheus.GaugeVec

	predictTotal        *prometheus.CounterVec
	driftScore          prometheus.Gauge
	featureSoftCount    prometheus.Gauge
	featureHardCount    prometheus.Gauge
	retrainTriggered    prometheus.Counter
	retrainEmitted      prometheus.Counter
	retrainThrottled    prometheus.Counter
	bundleSwaps         *prometheus.CounterVec
	bundleLoadFailures  *prometheus.CounterVec
	shadowDisagreements prometheus.Counter
	promotions          prometheus.Counter
	promotionsRejected  prometheus.Counter
}

var (
	singleton *Metrics
	once      sync.Once
)

// NewMetrics lazily constructs the singleton metrics registry, avoiding
// double-registration across hot reloads or repeated test construction.
func NewMetrics() *Metrics {
	once.Do(func() {
		reg := prometheus.NewRegistry()
		m := &Metrics{
			registry: reg,
			httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "fraud_serving_http_requests_total",
				Help: "Total HTTP requests by method, path and status class (2xx/3xx/4xx/5xx).",
			}, []string{"method", "path", "status"}),
			httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "fraud_serving_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: prometheus.DefBuckets,
			}, []string{"method", "path"}),
			httpRequestsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "fraud_serving_http_requests_in_flight",
				Help: "In-flight HTTP requests by method and path.",
			}, []string{"method", "path"}),
			predictTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "fraud_serving_predict_total",
				Help: "Total predict decisions by action code.",
			}, []string{"action_code"}),
			driftScore: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "fraud_serving_drift_score",
				Help: "Most recently computed drift score for the active bundle.",
			}),
			featureSoftCount: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "fraud_serving_feature_soft_count",
				Help: "How many features are soft-drifted in the latest window.",
			}),
			featureHardCount: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "fraud_serving_feature_hard_count",
				Help: "How many features are hard-drifted in the latest window.",
			}),
			retrainTriggered: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "fraud_serving_retrain_triggered_total",
				Help: "Total times the consecutive-hard-window retrain trigger fired.",
			}),
			retrainEmitted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "fraud_serving_retrain_emitted_total",
				Help: "Total retrain request files successfully emitted.",
			}),
			retrainThrottled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "fraud_serving_retrain_throttled_total",
				Help: "Total retrain emit attempts refused by cooldown or backlog.",
			}),
			bundleSwaps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "fraud_serving_bundle_swaps_total",
				Help: "Total successful bundle hot-swaps by slot (active/shadow).",
			}, []string{"slot"}),
			bundleLoadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "fraud_serving_bundle_load_failures_total",
				Help: "Total bundle load failures by slot (active/shadow).",
			}, []string{"slot"}),
			shadowDisagreements: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "fraud_serving_shadow_disagreements_total",
				Help: "Total shadow-vs-active disagreements observed during sampling.",
			}),
			promotions: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "fraud_serving_promotions_total",
				Help: "Total candidate promotions to ACTIVE.",
			}),
			promotionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "fraud_serving_promotions_rejected_total",
				Help: "Total candidates that failed the promotion gate.",
			}),
		}
		reg.MustRegister(
			m.httpRequestsTotal, m.httpRequestDuration, m.httpRequestsInFlight,
			m.predictTotal, m.driftScore, m.featureSoftCount, m.featureHardCount,
			m.retrainTriggered, m.retrainEmitted,
			m.retrainThrottled, m.bundleSwaps, m.bundleLoadFailures,
			m.shadowDisagreements, m.promotions, m.promotionsRejected,
		)
		singleton = m
	})
	return singleton
}

// RecordHTTPRequestStart marks the start of an in-flight request.
func (m *Metrics) RecordHTTPRequestStart(method, path string) {
	m.httpRequestsInFlight.WithLabelValues(method, path).Inc()
}

// RecordHTTPRequestEnd marks the end of an in-flight request.
func (m *Metrics) RecordHTTPRequestEnd(method, path string) {
	m.httpRequestsInFlight.WithLabelValues(method, path).Dec()
}

// RecordHTTPRequest records the outcome of a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordPredict records a predict-path outcome by action code.
func (m *Metrics) RecordPredict(actionCode string) {
	m.predictTotal.WithLabelValues(actionCode).Inc()
}

// SetDriftScore publishes the last drift score observed on the active bundle.
func (m *Metrics) SetDriftScore(score float64) { m.driftScore.Set(score) }

// SetFeatureDriftCounts publishes how many features are soft/hard-drifted
// in the latest scored window.
func (m *Metrics) SetFeatureDriftCounts(soft, hard int) {
	m.featureSoftCount.Set(float64(soft))
	m.featureHardCount.Set(float64(hard))
}

// RecordRetrainTriggered increments the retrain-trigger counter.
func (m *Metrics) RecordRetrainTriggered() { m.retrainTriggered.Inc() }

// RecordRetrainEmitted increments the successful-emit counter.
func (m *Metrics) RecordRetrainEmitted() { m.retrainEmitted.Inc() }

// RecordRetrainThrottled increments the throttled-emit counter.
func (m *Metrics) RecordRetrainThrottled() { m.retrainThrottled.Inc() }

// RecordBundleSwap increments the swap counter for the given slot.
func (m *Metrics) RecordBundleSwap(slot string) { m.bundleSwaps.WithLabelValues(slot).Inc() }

// RecordBundleLoadFailure increments the load-failure counter for the given slot.
func (m *Metrics) RecordBundleLoadFailure(slot string) { m.bundleLoadFailures.WithLabelValues(slot).Inc() }

// RecordShadowDisagreement increments the shadow-disagreement counter.
func (m *Metrics) RecordShadowDisagreement() { m.shadowDisagreements.Inc() }

// RecordPromotion increments the promotion counter.
func (m *Metrics) RecordPromotion() { m.promotions.Inc() }

// RecordPromotionRejected increments the promotion-rejected counter.
func (m *Metrics) RecordPromotionRejected() { m.promotionsRejected.Inc() }

// ServeHTTP exposes the registry in the Prometheus text exposition format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
