// Package monmetrics exposes the monitor's operational counters as
// Prometheus metrics.
package monmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/queue"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "bgpmond"
)

// Label names.
const (
	labelQueue     = "queue"
	labelPeerAddr  = "peer_addr"
	labelFromState = "from_state"
	labelToState   = "to_state"
	labelChain     = "chain"
	labelStream    = "stream"
	labelKind      = "kind"
)

// -------------------------------------------------------------------------
// Collector
// -------------------------------------------------------------------------

// Collector holds all monitor Prometheus metrics.
//
// Queue gauges mirror the queue Snapshot accessors so alerting can see
// pacing events and occupancy without the status API; the session and
// chain counters mirror the "show" surfaces of the CLI.
type Collector struct {
	// QueueOccupancy tracks the current item count per queue.
	QueueOccupancy *prometheus.GaugeVec

	// QueuePacingEvents counts pacing-on transitions per queue.
	QueuePacingEvents *prometheus.GaugeVec

	// QueueWritten counts items accepted per queue.
	QueueWritten *prometheus.GaugeVec

	// QueueReaders tracks the subscriber count per queue.
	QueueReaders *prometheus.GaugeVec

	// MessagesReceived counts BGP messages per peer and kind.
	MessagesReceived *prometheus.CounterVec

	// StateTransitions counts session FSM changes for flap alerting.
	StateTransitions *prometheus.CounterVec

	// ChainRecords counts records received per chain stream.
	ChainRecords *prometheus.CounterVec

	// ChainDropped counts records suppressed by the owner cache.
	ChainDropped *prometheus.CounterVec

	// Clients tracks the connected subscriber count per stream.
	Clients *prometheus.GaugeVec
}

// NewCollector creates a Collector registered against reg. If reg is
// nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := newMetrics()
	reg.MustRegister(
		c.QueueOccupancy,
		c.QueuePacingEvents,
		c.QueueWritten,
		c.QueueReaders,
		c.MessagesReceived,
		c.StateTransitions,
		c.ChainRecords,
		c.ChainDropped,
		c.Clients,
	)
	return c
}

func newMetrics() *Collector {
	queueLabels := []string{labelQueue}
	return &Collector{
		QueueOccupancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_occupancy",
			Help:      "Items currently stored in the queue.",
		}, queueLabels),

		QueuePacingEvents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pacing_events_total",
			Help:      "Times pacing has switched on for the queue.",
		}, queueLabels),

		QueueWritten: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_written_total",
			Help:      "Items accepted by the queue since start.",
		}, queueLabels),

		QueueReaders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_readers",
			Help:      "Readers currently subscribed to the queue.",
		}, queueLabels),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "BGP messages received per peer and message kind.",
		}, []string{labelPeerAddr, labelKind}),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "BGP session FSM state transitions.",
		}, []string{labelPeerAddr, labelFromState, labelToState}),

		ChainRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_records_received_total",
			Help:      "XML records received per chain stream.",
		}, []string{labelChain, labelStream}),

		ChainDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_records_dropped_total",
			Help:      "XML records suppressed by the chain-owner cache.",
		}, []string{labelChain, labelStream}),

		Clients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Connected subscriber clients per stream.",
		}, []string{labelStream}),
	}
}

// ObserveQueue folds one queue snapshot into the gauges. Called from
// the pipeline's periodic stats pass.
func (c *Collector) ObserveQueue(st queue.Stats) {
	c.QueueOccupancy.WithLabelValues(st.Name).Set(float64(st.Occupancy))
	c.QueuePacingEvents.WithLabelValues(st.Name).Set(float64(st.PacingCount))
	c.QueueWritten.WithLabelValues(st.Name).Set(float64(st.Written))
	c.QueueReaders.WithLabelValues(st.Name).Set(float64(st.Readers))
}

// IncMessagesReceived counts one received BGP message.
func (c *Collector) IncMessagesReceived(peer, kind string) {
	c.MessagesReceived.WithLabelValues(peer, kind).Inc()
}

// RecordStateTransition counts one session FSM change.
func (c *Collector) RecordStateTransition(peer, from, to string) {
	c.StateTransitions.WithLabelValues(peer, from, to).Inc()
}

// IncChainRecord counts one received chain record.
func (c *Collector) IncChainRecord(chain, stream string) {
	c.ChainRecords.WithLabelValues(chain, stream).Inc()
}

// IncChainDropped counts one suppressed chain record.
func (c *Collector) IncChainDropped(chain, stream string) {
	c.ChainDropped.WithLabelValues(chain, stream).Inc()
}

// SetClients reports the connected subscriber count for one stream.
func (c *Collector) SetClients(stream string, n int) {
	c.Clients.WithLabelValues(stream).Set(float64(n))
}
