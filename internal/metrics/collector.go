// Package metrics exposes Prometheus instrumentation shared by switchd,
// vnicd, and wand.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const namespace = "pnet"

// Subsystem names, one per daemon.
const (
	subsystemSwitch = "switch"
	subsystemVNIC   = "vnic"
	subsystemWAN    = "wan"
)

// Label names.
const (
	labelSwitchAddr = "switch_addr"
	labelVNICAddr   = "vnic_addr"
	labelPrefix     = "prefix"
	labelPeerPrefix = "peer_prefix"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Overlay Network Metrics
// -------------------------------------------------------------------------

// Collector holds all Prometheus metrics for the three daemons. A single
// Collector is created per process; whichever daemon it runs in only
// touches the metric group matching its own role.
type Collector struct {
	// SwitchFramesRelayed counts frames a switch successfully forwarded.
	SwitchFramesRelayed *prometheus.CounterVec

	// SwitchFramesDropped counts inbound frames a switch did not relay
	// because handling them returned an error.
	SwitchFramesDropped *prometheus.CounterVec

	// SwitchAttachedSessions tracks the number of sessions currently
	// registered on a switch (VNIC attachments plus WAN gateway links).
	SwitchAttachedSessions *prometheus.GaugeVec

	// VNICConnectionsOpened counts logical connections opened (connect or
	// listen-accept) by a VNIC.
	VNICConnectionsOpened *prometheus.CounterVec

	// VNICConnectionsClosed counts logical connections torn down.
	VNICConnectionsClosed *prometheus.CounterVec

	// VNICFragmentsReassembled counts completed fragment reassemblies.
	VNICFragmentsReassembled *prometheus.CounterVec

	// VNICBytesSent counts payload bytes a VNIC has sent outbound.
	VNICBytesSent *prometheus.CounterVec

	// VNICBytesReceived counts payload bytes a VNIC has delivered inbound.
	VNICBytesReceived *prometheus.CounterVec

	// WANRoutesComputed counts all-pairs-shortest-path recomputations.
	WANRoutesComputed prometheus.Counter

	// WANLinkUp tracks whether a directly-connected link is currently up
	// (1) or down (0).
	WANLinkUp *prometheus.GaugeVec

	// WANDampenSuppressions counts log lines suppressed by the flap
	// dampener for a given link.
	WANDampenSuppressions *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against the
// provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.SwitchFramesRelayed,
		c.SwitchFramesDropped,
		c.SwitchAttachedSessions,
		c.VNICConnectionsOpened,
		c.VNICConnectionsClosed,
		c.VNICFragmentsReassembled,
		c.VNICBytesSent,
		c.VNICBytesReceived,
		c.WANRoutesComputed,
		c.WANLinkUp,
		c.WANDampenSuppressions,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	switchLabels := []string{labelSwitchAddr}
	vnicLabels := []string{labelVNICAddr}
	linkLabels := []string{labelPrefix, labelPeerPrefix}

	return &Collector{
		SwitchFramesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemSwitch,
			Name:      "frames_relayed_total",
			Help:      "Total frames a switch has relayed to attached sessions.",
		}, switchLabels),

		SwitchFramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemSwitch,
			Name:      "frames_dropped_total",
			Help:      "Total inbound frames a switch failed to handle and did not relay.",
		}, switchLabels),

		SwitchAttachedSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSwitch,
			Name:      "attached_sessions",
			Help:      "Number of sessions currently registered on a switch.",
		}, switchLabels),

		VNICConnectionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemVNIC,
			Name:      "connections_opened_total",
			Help:      "Total logical connections opened by a VNIC.",
		}, vnicLabels),

		VNICConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemVNIC,
			Name:      "connections_closed_total",
			Help:      "Total logical connections torn down by a VNIC.",
		}, vnicLabels),

		VNICFragmentsReassembled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemVNIC,
			Name:      "fragments_reassembled_total",
			Help:      "Total completed fragment reassemblies.",
		}, vnicLabels),

		VNICBytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemVNIC,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent outbound by a VNIC.",
		}, vnicLabels),

		VNICBytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemVNIC,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes delivered inbound by a VNIC.",
		}, vnicLabels),

		WANRoutesComputed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemWAN,
			Name:      "routes_computed_total",
			Help:      "Total all-pairs-shortest-path recomputations.",
		}),

		WANLinkUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemWAN,
			Name:      "link_up",
			Help:      "1 if a directly-connected link is currently up, 0 otherwise.",
		}, linkLabels),

		WANDampenSuppressions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemWAN,
			Name:      "dampen_suppressions_total",
			Help:      "Total log lines suppressed by the flap dampener for a link.",
		}, linkLabels),
	}
}

// -------------------------------------------------------------------------
// Switch
// -------------------------------------------------------------------------

// IncFramesRelayed increments the relayed-frames counter for a switch.
func (c *Collector) IncFramesRelayed(switchAddr string) {
	c.SwitchFramesRelayed.WithLabelValues(switchAddr).Inc()
}

// IncFramesDropped increments the dropped-frames counter for a switch.
func (c *Collector) IncFramesDropped(switchAddr string) {
	c.SwitchFramesDropped.WithLabelValues(switchAddr).Inc()
}

// SetAttachedSessions sets the attached-sessions gauge for a switch.
func (c *Collector) SetAttachedSessions(switchAddr string, n int) {
	c.SwitchAttachedSessions.WithLabelValues(switchAddr).Set(float64(n))
}

// -------------------------------------------------------------------------
// VNIC
// -------------------------------------------------------------------------

// IncConnectionsOpened increments the connections-opened counter for a VNIC.
func (c *Collector) IncConnectionsOpened(vnicAddr string) {
	c.VNICConnectionsOpened.WithLabelValues(vnicAddr).Inc()
}

// IncConnectionsClosed increments the connections-closed counter for a VNIC.
func (c *Collector) IncConnectionsClosed(vnicAddr string) {
	c.VNICConnectionsClosed.WithLabelValues(vnicAddr).Inc()
}

// IncFragmentsReassembled increments the reassembled-fragments counter for a VNIC.
func (c *Collector) IncFragmentsReassembled(vnicAddr string) {
	c.VNICFragmentsReassembled.WithLabelValues(vnicAddr).Inc()
}

// AddBytesSent adds n to the bytes-sent counter for a VNIC.
func (c *Collector) AddBytesSent(vnicAddr string, n int) {
	c.VNICBytesSent.WithLabelValues(vnicAddr).Add(float64(n))
}

// AddBytesReceived adds n to the bytes-received counter for a VNIC.
func (c *Collector) AddBytesReceived(vnicAddr string, n int) {
	c.VNICBytesReceived.WithLabelValues(vnicAddr).Add(float64(n))
}

// -------------------------------------------------------------------------
// WAN
// -------------------------------------------------------------------------

// IncRoutesComputed increments the routes-computed counter.
func (c *Collector) IncRoutesComputed() {
	c.WANRoutesComputed.Inc()
}

// SetLinkUp sets the link-up gauge for a (prefix, peerPrefix) pair.
func (c *Collector) SetLinkUp(prefix, peerPrefix string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	c.WANLinkUp.WithLabelValues(prefix, peerPrefix).Set(v)
}

// IncDampenSuppressions increments the dampen-suppressions counter for a
// (prefix, peerPrefix) pair.
func (c *Collector) IncDampenSuppressions(prefix, peerPrefix string) {
	c.WANDampenSuppressions.WithLabelValues(prefix, peerPrefix).Inc()
}
