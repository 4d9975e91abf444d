// Package metrics wraps a stack.Manager's Snapshot as a prometheus.Collector,
// so a process embedding this endpoint can serve /metrics without any of the
// protocol packages importing prometheus themselves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/usertcp/usertcp/stack"
)

const namespace = "usertcp"

type source interface {
	Snapshot() stack.Snapshot
}

// Collector reads a Manager's Snapshot on every scrape. It holds no state of
// its own between scrapes: Describe sends fixed descriptors and Collect
// derives every metric from the snapshot taken under the manager's mutex.
type Collector struct {
	src source

	segmentsProcessed   *prometheus.Desc
	handshakesCompleted *prometheus.Desc
	segmentsDropped     *prometheus.Desc
	retransmitsTotal    *prometheus.Desc

	connections     *prometheus.Desc
	connSRTT        *prometheus.Desc
	connUnacked     *prometheus.Desc
	connIncoming    *prometheus.Desc
	connRetransmits *prometheus.Desc
}

// NewCollector wraps src, typically an *stack.Interface's Metrics() or a
// *stack.Manager directly.
func NewCollector(src source) *Collector {
	return &Collector{
		src: src,

		segmentsProcessed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "segments_processed_total"),
			"TCP segments that parsed cleanly and reached the connection table.",
			nil, nil,
		),
		handshakesCompleted: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "handshakes_completed_total"),
			"Connections that completed the SYN->SYN-ACK passive-open step.",
			nil, nil,
		),
		segmentsDropped: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "segments_dropped_total"),
			"Parsed segments dropped: sent to an unbound port, or to a bound port with no connection and not a bare SYN.",
			nil, nil,
		),
		retransmitsTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "retransmits_total"),
			"Sum of per-connection retransmit counts across the whole table.",
			nil, nil,
		),
		connections: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "connections"),
			"One sample per open connection, valued 1, labeled by quad and state.",
			[]string{"quad", "state"}, nil,
		),
		connSRTT: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "connection", "srtt_seconds"),
			"Smoothed round-trip-time estimate for one connection.",
			[]string{"quad"}, nil,
		),
		connUnacked: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "connection", "unacked_bytes"),
			"Bytes written but not yet acknowledged by the peer.",
			[]string{"quad"}, nil,
		),
		connIncoming: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "connection", "incoming_bytes"),
			"Reassembled bytes waiting for the application to read.",
			[]string{"quad"}, nil,
		),
		connRetransmits: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "connection", "retransmits_total"),
			"Retransmits on_tick has sent for one connection.",
			[]string{"quad"}, nil,
		),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.segmentsProcessed
	descs <- c.handshakesCompleted
	descs <- c.segmentsDropped
	descs <- c.retransmitsTotal
	descs <- c.connections
	descs <- c.connSRTT
	descs <- c.connUnacked
	descs <- c.connIncoming
	descs <- c.connRetransmits
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	snap := c.src.Snapshot()

	metrics <- prometheus.MustNewConstMetric(c.segmentsProcessed, prometheus.CounterValue, float64(snap.SegmentsProcessed))
	metrics <- prometheus.MustNewConstMetric(c.handshakesCompleted, prometheus.CounterValue, float64(snap.HandshakesCompleted))
	metrics <- prometheus.MustNewConstMetric(c.segmentsDropped, prometheus.CounterValue, float64(snap.SegmentsDropped))
	metrics <- prometheus.MustNewConstMetric(c.retransmitsTotal, prometheus.CounterValue, float64(snap.Retransmits))

	for _, conn := range snap.Connections {
		quad := conn.Quad.String()
		metrics <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, 1, quad, conn.State.String())
		metrics <- prometheus.MustNewConstMetric(c.connSRTT, prometheus.GaugeValue, conn.SRTT.Seconds(), quad)
		metrics <- prometheus.MustNewConstMetric(c.connUnacked, prometheus.GaugeValue, float64(conn.UnackedLen), quad)
		metrics <- prometheus.MustNewConstMetric(c.connIncoming, prometheus.GaugeValue, float64(conn.IncomingLen), quad)
		metrics <- prometheus.MustNewConstMetric(c.connRetransmits, prometheus.CounterValue, float64(conn.Retransmits), quad)
	}
}
