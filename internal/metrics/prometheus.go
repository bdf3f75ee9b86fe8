package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exports engine, gateway and scheduler telemetry to Prometheus.
// A nil *Recorder drops everything.
type Recorder struct {
	decisions        *prometheus.CounterVec
	skips            *prometheus.CounterVec
	pending          prometheus.Gauge
	confirmationRate prometheus.Gauge
	candidates       *prometheus.CounterVec
	scanDuration     prometheus.Histogram
	gatewayRequests  *prometheus.CounterVec
	gatewayLatency   *prometheus.HistogramVec
	gatewayThrottle  *prometheus.CounterVec
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	notifications    *prometheus.CounterVec
}

// NewRecorder registers every collector with reg
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_engine_decisions_total",
				Help: "Signal evaluations by resulting status",
			},
			[]string{"status"},
		),
		skips: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_engine_evaluation_skips_total",
				Help: "Signal evaluations skipped because of upstream failures",
			},
			[]string{"reason"},
		),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "signal_engine_pending_signals",
			Help: "Signals currently awaiting confirmation",
		}),
		confirmationRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "signal_engine_confirmation_rate",
			Help: "confirmed / (confirmed + rejected + expired) since the last daily restart",
		}),
		candidates: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_engine_candidates_total",
				Help: "Candidates emitted by the generator",
			},
			[]string{"class"},
		),
		scanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "signal_engine_scan_duration_seconds",
			Help:    "Duration of a full universe scan",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		gatewayRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_engine_gateway_requests_total",
				Help: "Exchange requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		gatewayLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signal_engine_gateway_request_duration_seconds",
				Help:    "Exchange request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		gatewayThrottle: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_engine_gateway_throttle_total",
				Help: "Rate pressure events by reason",
			},
			[]string{"reason"},
		),
		jobRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_engine_job_runs_total",
				Help: "Scheduler job runs by outcome",
			},
			[]string{"job", "outcome"},
		),
		jobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signal_engine_job_duration_seconds",
				Help:    "Scheduler job duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_engine_notifications_total",
				Help: "Notification deliveries by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
	}
}

// RecordDecision counts an evaluation outcome
func (r *Recorder) RecordDecision(status string) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(status).Inc()
}

// RecordSkip counts a skipped evaluation
func (r *Recorder) RecordSkip(reason string) {
	if r == nil {
		return
	}
	r.skips.WithLabelValues(reason).Inc()
}

// SetPending sets the pending gauge
func (r *Recorder) SetPending(n int64) {
	if r == nil {
		return
	}
	r.pending.Set(float64(n))
}

// SetConfirmationRate sets the confirmation rate gauge
func (r *Recorder) SetConfirmationRate(rate float64) {
	if r == nil {
		return
	}
	r.confirmationRate.Set(rate)
}

// RecordCandidate counts an emitted candidate
func (r *Recorder) RecordCandidate(class string) {
	if r == nil {
		return
	}
	r.candidates.WithLabelValues(class).Inc()
}

// RecordScan records a universe scan duration
func (r *Recorder) RecordScan(d time.Duration) {
	if r == nil {
		return
	}
	r.scanDuration.Observe(d.Seconds())
}

// ObserveRequest implements binance.Observer
func (r *Recorder) ObserveRequest(endpoint, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.gatewayRequests.WithLabelValues(endpoint, outcome).Inc()
	if d > 0 {
		r.gatewayLatency.WithLabelValues(endpoint).Observe(d.Seconds())
	}
}

// ObserveThrottle implements binance.Observer
func (r *Recorder) ObserveThrottle(reason string) {
	if r == nil {
		return
	}
	r.gatewayThrottle.WithLabelValues(reason).Inc()
}

// RecordJob records a scheduler job run
func (r *Recorder) RecordJob(job, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.jobRuns.WithLabelValues(job, outcome).Inc()
	r.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// RecordNotification counts a notification delivery attempt
func (r *Recorder) RecordNotification(provider, outcome string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(provider, outcome).Inc()
}
