// Package metrics declares the Prometheus collectors for the moderation
// pipeline. A nil *Pipeline is valid and records nothing, which keeps tests and
// tools free of registry plumbing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mediagate"

// Pipeline groups the collectors updated by the orchestrator and sweep.
type Pipeline struct {
	outcomes        *prometheus.CounterVec
	channelFailures *prometheus.CounterVec
	durableRetries prometheus.Counter
	processDuration prometheus.Histogram
	sweepActions    *prometheus.CounterVec
	submissions     *prometheus.CounterVec
	textScreenings  *prometheus.CounterVec
	gatherer        prometheus.Gatherer
}

// New registers the collectors on reg. Passing a fresh prometheus.NewRegistry()
// isolates tests; production binaries pass prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moderation_outcomes_total",
			Help:      "Terminal moderation outcomes by status and reason.",
		}, []string{"status", "reason"}),
		channelFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_channel_failures_total",
			Help:      "Analysis channels that ended failed, by channel and error kind.",
		}, []string{"channel", "kind"}),
		durableRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "durable_upload_retries_total",
			Help:      "Durable-store upload retries after transient errors.",
		}),
		processDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_duration_seconds",
			Help:      "Wall time of one orchestrator invocation.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		sweepActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_sweep_actions_total",
			Help:      "Recovery sweep actions by kind (resumed, abandoned, redispatched, skipped).",
		}, []string{"action"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Media submissions by kind.",
		}, []string{"kind"}),
		textScreenings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "text_screenings_total",
			Help:      "Transcript and POST /screen text screenings by result.",
		}, []string{"flagged"}),
	}
	if reg != nil {
		reg.MustRegister(
			p.outcomes,
			p.channelFailures,
			p.durableRetries,
			p.processDuration,
			p.sweepActions,
			p.submissions,
			p.textScreenings,
		)
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		p.gatherer = g
	} else {
		p.gatherer = prometheus.DefaultGatherer
	}
	return p
}

// Handler serves the registry this Pipeline was registered on.
func (p *Pipeline) Handler() http.Handler {
	if p == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

func (p *Pipeline) Outcome(status, reason string) {
	if p == nil {
		return
	}
	p.outcomes.WithLabelValues(status, reason).Inc()
}

func (p *Pipeline) ChannelFailed(channel, kind string) {
	if p == nil {
		return
	}
	p.channelFailures.WithLabelValues(channel, kind).Inc()
}

func (p *Pipeline) DurableRetry() {
	if p == nil {
		return
	}
	p.durableRetries.Inc()
}

func (p *Pipeline) ObserveProcess(start time.Time) {
	if p == nil {
		return
	}
	p.processDuration.Observe(time.Since(start).Seconds())
}

func (p *Pipeline) SweepAction(action string) {
	if p == nil {
		return
	}
	p.sweepActions.WithLabelValues(action).Inc()
}

func (p *Pipeline) Submitted(kind string) {
	if p == nil {
		return
	}
	p.submissions.WithLabelValues(kind).Inc()
}

func (p *Pipeline) TextScreened(flagged bool) {
	if p == nil {
		return
	}
	label := "false"
	if flagged {
		label = "true"
	}
	p.textScreenings.WithLabelValues(label).Inc()
}
