package tcp

import "github.com/usertcp/usertcp/seqnum"

// sendSpace is the Send Sequence Space of RFC 793 §3.2.
type sendSpace struct {
	iss seqnum.Value // initial send sequence number
	una seqnum.Value // oldest unacknowledged sequence number
	nxt seqnum.Value // next sequence number to send
	wnd seqnum.Size  // peer's advertised receive window

	wl1 seqnum.Value // seg.seq of the last segment used to update wnd
	wl2 seqnum.Value // seg.ack of the last segment used to update wnd
}
