package metrics

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/usertcp/usertcp/stack"
	"github.com/usertcp/usertcp/tcp"
)

type fakeSource struct {
	snap stack.Snapshot
}

func (f fakeSource) Snapshot() stack.Snapshot { return f.snap }

// collect runs c.Collect and decodes every emitted metric into its proto
// form, keyed by the fully-qualified name reported in its descriptor.
func collect(t *testing.T, c *Collector) map[string]*dto.Metric {
	t.Helper()
	ch := make(chan prometheus.Metric, 32)
	go func() {
		c.Collect(ch)
		close(ch)
	}()

	out := make(map[string]*dto.Metric)
	for m := range ch {
		var pb dto.Metric
		require.NoError(t, m.Write(&pb))
		// Desc().String() looks like `Desc{fqName: "usertcp_foo", ...}`.
		desc := m.Desc().String()
		start := strings.Index(desc, `fqName: "`) + len(`fqName: "`)
		end := strings.Index(desc[start:], `"`)
		out[desc[start:start+end]] = &pb
	}
	return out
}

func value(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	default:
		return 0
	}
}

func TestCollectorReportsProcessWideCounters(t *testing.T) {
	src := fakeSource{snap: stack.Snapshot{
		SegmentsProcessed:   42,
		HandshakesCompleted: 3,
		SegmentsDropped:     7,
		Retransmits:         2,
	}}
	metrics := collect(t, NewCollector(src))

	require.Equal(t, float64(42), value(metrics["usertcp_segments_processed_total"]))
	require.Equal(t, float64(3), value(metrics["usertcp_handshakes_completed_total"]))
	require.Equal(t, float64(7), value(metrics["usertcp_segments_dropped_total"]))
	require.Equal(t, float64(2), value(metrics["usertcp_retransmits_total"]))
}

func TestCollectorReportsPerConnectionGauges(t *testing.T) {
	quad := tcp.Quad{
		Local:  netip.MustParseAddrPort("10.0.0.1:9000"),
		Remote: netip.MustParseAddrPort("10.0.0.2:5555"),
	}
	src := fakeSource{snap: stack.Snapshot{
		Connections: []stack.ConnectionSnapshot{{
			Quad:        quad,
			State:       tcp.StateEstab,
			UnackedLen:  128,
			IncomingLen: 64,
			SRTT:        200 * time.Millisecond,
			Retransmits: 1,
		}},
	}}
	metrics := collect(t, NewCollector(src))

	require.InDelta(t, 0.2, value(metrics["usertcp_connection_srtt_seconds"]), 1e-9)
	require.Equal(t, float64(128), value(metrics["usertcp_connection_unacked_bytes"]))
	require.Equal(t, float64(64), value(metrics["usertcp_connection_incoming_bytes"]))
	require.Equal(t, float64(1), value(metrics["usertcp_connections"]))
}
