package tcp

import "github.com/usertcp/usertcp/seqnum"

// recvSpace is the Receive Sequence Space of RFC 793 §3.2.
type recvSpace struct {
	irs seqnum.Value // initial receive sequence number
	nxt seqnum.Value // next sequence number expected from the peer
	wnd seqnum.Size  // locally advertised window
}
