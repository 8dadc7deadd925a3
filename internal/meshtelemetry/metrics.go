// Package meshtelemetry holds the node's Prometheus metrics surface,
// grounded on pkg/p2pnet/metrics.go's isolated-registry pattern: an
// independent prometheus.Registry per node, never the global default
// registry, so multiple nodes in one test binary never collide.
package meshtelemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every mesh Prometheus collector. It satisfies
// flood.Metrics directly so a *Metrics can be passed straight into
// flood.NewRouter. The remaining methods record the other domain metrics;
// no code in this module calls them, so only the flood drop counters
// are populated at run time.
type Metrics struct {
	Registry *prometheus.Registry

	// Flood router drops (M1), one counter per reason in router.Route.
	FloodDropsTotal *prometheus.CounterVec

	// Announcement verification outcomes (M2), labeled by meshid.VerifyReason
	// ("" for a valid announcement).
	VerifyResultsTotal *prometheus.CounterVec

	// Gossip/announcement traffic (M3).
	AnnouncementsSentTotal     *prometheus.CounterVec
	AnnouncementsReceivedTotal *prometheus.CounterVec

	// Cascading reconnection ladder (M4), labeled by method (a
	// reconnect.ColdStartMethod value such as "cached_direct" or
	// "mesh_relay"; "" when every step failed).
	LadderOutcomesTotal *prometheus.CounterVec
	LadderDuration      *prometheus.HistogramVec

	// Peer persistence & scoring (M5).
	ReconnectionScore *prometheus.HistogramVec
	ConnectionQuality *prometheus.HistogramVec
	PeersRetained     prometheus.Gauge
	PeersEvictedTotal *prometheus.CounterVec

	// Build info.
	BuildInfo *prometheus.GaugeVec
}

// New creates a Metrics instance with every collector registered on an
// isolated registry. version/goVersion are recorded as labels on the
// meshnode_info gauge, exactly as the teacher labels shurli_info.
func New(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		FloodDropsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshnode_flood_drops_total",
				Help: "Total envelopes dropped by the flood router, by reason.",
			},
			[]string{"reason"},
		),

		VerifyResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshnode_verify_results_total",
				Help: "Total announcement verification outcomes, by reason (empty reason is a pass).",
			},
			[]string{"reason"},
		),

		AnnouncementsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshnode_announcements_sent_total",
				Help: "Total announcements emitted, by reason.",
			},
			[]string{"reason"},
		),
		AnnouncementsReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshnode_announcements_received_total",
				Help: "Total announcements accepted after verification, by reason.",
			},
			[]string{"reason"},
		),

		LadderOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshnode_ladder_outcomes_total",
				Help: "Total cascading-reconnection ladder attempts, by method and result.",
			},
			[]string{"method", "result"},
		),
		LadderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meshnode_ladder_duration_seconds",
				Help:    "Duration of a cascading-reconnection ladder run, in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
			},
			[]string{"method"},
		),

		ReconnectionScore: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meshnode_reconnection_score",
				Help:    "Distribution of peerstore reconnection scores at query time.",
				Buckets: prometheus.LinearBuckets(0, 10, 11), // 0 .. 100
			},
			[]string{},
		),
		ConnectionQuality: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meshnode_connection_success_rate",
				Help:    "Distribution of peerstore connection_quality.success_rate at query time.",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{},
		),
		PeersRetained: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshnode_peers_retained",
			Help: "Number of peer records currently retained in the store.",
		}),
		PeersEvictedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshnode_peers_evicted_total",
				Help: "Total peer records evicted by the retention sweep, by reason (stale, cap).",
			},
			[]string{"reason"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meshnode_info",
				Help: "Build information for the running meshnode instance.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.FloodDropsTotal,
		m.VerifyResultsTotal,
		m.AnnouncementsSentTotal,
		m.AnnouncementsReceivedTotal,
		m.LadderOutcomesTotal,
		m.LadderDuration,
		m.ReconnectionScore,
		m.ConnectionQuality,
		m.PeersRetained,
		m.PeersEvictedTotal,
		m.BuildInfo,
	)

	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler returns an http.Handler serving the Prometheus exposition format
// for this instance's isolated registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// The four methods below satisfy internal/flood's narrow Metrics interface.

func (m *Metrics) IncDropMalformed() { m.FloodDropsTotal.WithLabelValues("malformed").Inc() }
func (m *Metrics) IncDropDuplicate() { m.FloodDropsTotal.WithLabelValues("duplicate").Inc() }
func (m *Metrics) IncDropExpired()   { m.FloodDropsTotal.WithLabelValues("expired").Inc() }
func (m *Metrics) IncDropLooped()    { m.FloodDropsTotal.WithLabelValues("looped").Inc() }

// IncVerifyResult records an announcement verification outcome. reason is
// "" for a pass, or one of meshid's VerifyReason values on failure.
func (m *Metrics) IncVerifyResult(reason string) {
	m.VerifyResultsTotal.WithLabelValues(reason).Inc()
}

// IncAnnouncementSent records a locally emitted announcement by reason
// (meshid.ReasonRejoin, ReasonIPChange, ReasonPeriodic, ReasonColdStartRecovery).
func (m *Metrics) IncAnnouncementSent(reason string) {
	m.AnnouncementsSentTotal.WithLabelValues(reason).Inc()
}

// IncAnnouncementReceived records a verified, accepted inbound announcement.
func (m *Metrics) IncAnnouncementReceived(reason string) {
	m.AnnouncementsReceivedTotal.WithLabelValues(reason).Inc()
}

// ObserveLadderOutcome records one ladder run: method is the winning step
// name ("" if every step failed), result is "success" or "failure".
func (m *Metrics) ObserveLadderOutcome(method, result string, seconds float64) {
	m.LadderOutcomesTotal.WithLabelValues(method, result).Inc()
	m.LadderDuration.WithLabelValues(method).Observe(seconds)
}

// ObserveReconnectionScore records a peerstore reconnection-score sample.
func (m *Metrics) ObserveReconnectionScore(score float64) {
	m.ReconnectionScore.WithLabelValues().Observe(score)
}

// ObserveConnectionSuccessRate records a peerstore success_rate sample.
func (m *Metrics) ObserveConnectionSuccessRate(rate float64) {
	m.ConnectionQuality.WithLabelValues().Observe(rate)
}

// SetPeersRetained reports the current retained peer-record count.
func (m *Metrics) SetPeersRetained(n int) {
	m.PeersRetained.Set(float64(n))
}

// IncPeersEvicted records a retention-sweep eviction, by reason ("stale" for
// the >30d inactivity rule, "cap" for the MaxPeers trim).
func (m *Metrics) IncPeersEvicted(reason string, n int) {
	m.PeersEvictedTotal.WithLabelValues(reason).Add(float64(n))
}
