package metrics

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/leadpipe/drip"
	"github.com/leadpipe/drip/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Poll         bool
	PollUser     string
	PollPassword string
}

// Metrics owns the engine's prometheus instruments. A nil *Metrics is valid
// and drops everything, so the engine never has to nil-check.
type Metrics struct {
	config Config
	logger *logrus.Logger

	sends    *prometheus.CounterVec
	failures *prometheus.CounterVec
	blocked  *prometheus.CounterVec
	runs     prometheus.Counter
	runTime  prometheus.Histogram

	scheduledCampaigns prometheus.Gauge
	sendingCampaigns   prometheus.Gauge
	activeEnrollments  prometheus.Gauge
	queuedRetries      prometheus.Gauge
	deadLettered       prometheus.Gauge
}

func New(c Config, lc *tools.Logger) *Metrics {
	f := promauto.With(prometheus.DefaultRegisterer)
	return &Metrics{
		config: c,
		logger: lc.New("metrics"),

		sends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "drip_sends_total",
			Help: "Confirmed successful sends by channel.",
		}, []string{"channel"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "drip_send_failures_total",
			Help: "Failed send attempts by channel and classification.",
		}, []string{"channel", "class"}),
		blocked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "drip_gateway_blocked_total",
			Help: "Sends blocked by a gateway stage.",
		}, []string{"stage"}),
		runs: f.NewCounter(prometheus.CounterOpts{
			Name: "drip_engine_runs_total",
			Help: "Engine invocations.",
		}),
		runTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "drip_engine_run_seconds",
			Help:    "Engine invocation duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),

		scheduledCampaigns: f.NewGauge(prometheus.GaugeOpts{
			Name: "drip_campaigns_scheduled",
			Help: "Campaigns waiting for dispatch.",
		}),
		sendingCampaigns: f.NewGauge(prometheus.GaugeOpts{
			Name: "drip_campaigns_sending",
			Help: "Campaigns currently claimed as sending.",
		}),
		activeEnrollments: f.NewGauge(prometheus.GaugeOpts{
			Name: "drip_enrollments_active",
			Help: "Active sequence enrollments.",
		}),
		queuedRetries: f.NewGauge(prometheus.GaugeOpts{
			Name: "drip_soft_bounces_queued",
			Help: "Soft-bounce items waiting for redelivery.",
		}),
		deadLettered: f.NewGauge(prometheus.GaugeOpts{
			Name: "drip_soft_bounces_dead_lettered",
			Help: "Soft-bounce items past the retry cap, awaiting manual triage.",
		}),
	}
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runs.Inc()
}

func (m *Metrics) RunFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.runTime.Observe(d.Seconds())
}

func (m *Metrics) SendOK(channel string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(channel).Inc()
}

func (m *Metrics) SendFailed(channel, class string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(channel, class).Inc()
}

func (m *Metrics) Blocked(stage string) {
	if m == nil {
		return
	}
	m.blocked.WithLabelValues(stage).Inc()
}

// Snapshot publishes the per-run deliverability inventory.
func (m *Metrics) Snapshot(c drip.EngineCounts) {
	if m == nil {
		return
	}
	m.scheduledCampaigns.Set(float64(c.ScheduledCampaigns))
	m.sendingCampaigns.Set(float64(c.SendingCampaigns))
	m.activeEnrollments.Set(float64(c.ActiveEnrollments))
	m.queuedRetries.Set(float64(c.QueuedRetries))
	m.deadLettered.Set(float64(c.DeadLetteredItems))
}

// HttpMetrics exposes the default registry, optionally behind basic auth.
func (m *Metrics) HttpMetrics() http.HandlerFunc {
	if m == nil || !m.config.Poll {
		return func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Not Found", http.StatusNotFound)
		}
	}
	m.logger.Infof("metrics polling is enabled")

	return func(w http.ResponseWriter, r *http.Request) {
		if m.config.PollUser != "" || m.config.PollPassword != "" {
			user, pass, ok := r.BasicAuth()
			if !ok || user != m.config.PollUser ||
				subtle.ConstantTimeCompare([]byte(pass), []byte(m.config.PollPassword)) != 1 {
				http.Error(w, "Unauthorized.", http.StatusUnauthorized)
				return
			}
		}
		promhttp.Handler().ServeHTTP(w, r)
	}
}
