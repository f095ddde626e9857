// Package metrics exposes the engine's prometheus counters on a private
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine counters.
type Metrics struct {
	reg *prometheus.Registry

	pulls            prometheus.Counter
	pullErrors       prometheus.Counter
	acked            prometheus.Counter
	poisoned         prometheus.Counter
	packagesOpened   *prometheus.CounterVec
	packagesFailed   *prometheus.CounterVec
	envelopesSent    *prometheus.CounterVec
	claims           *prometheus.CounterVec
	prekeysPublished prometheus.Counter
	pendingAcks      prometheus.Gauge
}

// New registers the engine metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return &Metrics{
		reg: reg,

		pulls: f.NewCounter(prometheus.CounterOpts{
			Name: "threadkx_inbox_pulls_total",
			Help: "Number of inbox pulls performed",
		}),
		pullErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "threadkx_inbox_pull_errors_total",
			Help: "Number of inbox pulls that failed",
		}),
		acked: f.NewCounter(prometheus.CounterOpts{
			Name: "threadkx_inbox_acked_total",
			Help: "Number of inbox items acknowledged",
		}),
		poisoned: f.NewCounter(prometheus.CounterOpts{
			Name: "threadkx_inbox_poisoned_total",
			Help: "Number of key packages force-acknowledged as poisoned",
		}),
		packagesOpened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threadkx_key_packages_opened_total",
			Help: "Number of key packages opened and imported",
		}, []string{"kind"}),
		packagesFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threadkx_key_packages_failed_total",
			Help: "Number of key package processing failures",
		}, []string{"reason"}),
		envelopesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threadkx_envelopes_sent_total",
			Help: "Number of envelopes submitted",
		}, []string{"kind"}),
		claims: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threadkx_prekey_claims_total",
			Help: "Number of prekey claims by outcome",
		}, []string{"outcome"}),
		prekeysPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "threadkx_prekeys_published_total",
			Help: "Number of one-time prekeys published",
		}),
		pendingAcks: f.NewGauge(prometheus.GaugeOpts{
			Name: "threadkx_keyshare_pending_targets",
			Help: "Number of key share targets without a receipt",
		}),
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(m.reg,
		promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Pull(err error) {
	if m == nil {
		return
	}
	m.pulls.Inc()
	if err != nil {
		m.pullErrors.Inc()
	}
}

func (m *Metrics) Acked(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.acked.Add(float64(n))
}

func (m *Metrics) Poisoned() {
	if m == nil {
		return
	}
	m.poisoned.Inc()
}

func (m *Metrics) PackageOpened(kind string) {
	if m == nil {
		return
	}
	m.packagesOpened.WithLabelValues(kind).Inc()
}

func (m *Metrics) PackageFailed(reason string) {
	if m == nil {
		return
	}
	m.packagesFailed.WithLabelValues(reason).Inc()
}

func (m *Metrics) EnvelopesSent(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.envelopesSent.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) Claim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PrekeysPublished(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.prekeysPublished.Add(float64(n))
}

func (m *Metrics) AddPendingAcks(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.pendingAcks.Add(float64(delta))
}
