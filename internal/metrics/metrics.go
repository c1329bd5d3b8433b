// Package metrics provides Prometheus instrumentation for the prediction
// pipeline.
//
// Metrics exposed:
//   - derma_stage_seconds: Histogram of per-stage duration (preprocess, infer, saliency)
//   - derma_predict_seconds: Histogram of end-to-end prediction duration
//   - derma_predictions_total: Counter of predictions by outcome
//   - derma_saliency_fallbacks_total: Counter of requests answered with the default region
//   - derma_model_loads_total: Counter of load attempts by provider and result
//   - derma_model_ready: Gauge, 1 while a model is loaded
//   - derma_errors_total: Counter of errors by component and reason
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all pipeline metrics. A nil *Metrics records nothing.
type Metrics struct {
	StageSeconds      *prometheus.HistogramVec
	PredictSeconds    prometheus.Histogram
	PredictionsTotal  *prometheus.CounterVec
	SaliencyFallbacks *prometheus.CounterVec
	ModelLoadsTotal   *prometheus.CounterVec
	ModelReady        *prometheus.GaugeVec
	ErrorsTotal       *prometheus.CounterVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StageSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "derma_stage_seconds",
			Help:    "Time spent in each prediction stage",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),

		PredictSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "derma_predict_seconds",
			Help:    "End-to-end prediction time",
			Buckets: prometheus.DefBuckets,
		}),

		PredictionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "derma_predictions_total",
			Help: "Predictions by outcome",
		}, []string{"outcome"}),

		SaliencyFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "derma_saliency_fallbacks_total",
			Help: "Predictions explained with the default region, by reason",
		}, []string{"reason"}),

		ModelLoadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "derma_model_loads_total",
			Help: "Model load attempts by provider and result",
		}, []string{"provider", "result"}),

		ModelReady: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "derma_model_ready",
			Help: "1 while the labelled model version is loaded",
		}, []string{"version"}),

		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "derma_errors_total",
			Help: "Total number of errors by component and reason",
		}, []string{"component", "reason"}),
	}
}

// RecordStage records the time spent in one stage.
func (m *Metrics) RecordStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageSeconds.WithLabelValues(stage).Observe(seconds)
}

// RecordPredict records a finished prediction.
func (m *Metrics) RecordPredict(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.PredictSeconds.Observe(seconds)
	m.PredictionsTotal.WithLabelValues(outcome).Inc()
}

// RecordSaliencyFallback counts a request that got the default region.
func (m *Metrics) RecordSaliencyFallback(reason string) {
	if m == nil {
		return
	}
	m.SaliencyFallbacks.WithLabelValues(reason).Inc()
}

// RecordLoad counts one load attempt.
func (m *Metrics) RecordLoad(provider, result string) {
	if m == nil {
		return
	}
	m.ModelLoadsTotal.WithLabelValues(provider, result).Inc()
}

// SetReady marks version as the loaded model, clearing any previous one.
func (m *Metrics) SetReady(version string) {
	if m == nil {
		return
	}
	m.ModelReady.Reset()
	if version != "" {
		m.ModelReady.WithLabelValues(version).Set(1)
	}
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, reason string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}
