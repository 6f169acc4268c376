package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "field_survey"

// Metrics is a Prometheus sink. Besides outcomes it tracks stage latency,
// store retries and rate limiter degradation.
type Metrics struct {
	submissions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	answers     prometheus.Histogram
	stages      *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	limiterDown prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submission outcomes by code and HTTP status",
		}, []string{"code", "status", "draft"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_duration_seconds",
			Help:      "End to end submission handling time",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"code"}),
		answers: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_answers",
			Help:      "Answers persisted per stored submission",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
		stages: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Store operations retried after a transient fault",
		}, []string{"op"}),
		limiterDown: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_failures_total",
			Help:      "Rate checks skipped because the counter store failed",
		}),
	}
}

func (m *Metrics) Record(e Event) {
	m.submissions.WithLabelValues(e.Code, strconv.Itoa(e.HTTPStatus), strconv.FormatBool(e.IsDraft)).Inc()
	m.duration.WithLabelValues(e.Code).Observe(e.Duration.Seconds())
	if e.ResponseID != "" && e.HTTPStatus < 300 {
		m.answers.Observe(float64(e.AnswerCount))
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stages.WithLabelValues(stage).Observe(d.Seconds())
}

// Retried matches retry.Observer.
func (m *Metrics) Retried(op string, _ int, _ error) {
	m.retries.WithLabelValues(op).Inc()
}

func (m *Metrics) LimiterFailed() {
	m.limiterDown.Inc()
}

func (m *Metrics) Close() error { return nil }
