package tcp

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/usertcp/usertcp/checksum"
	"github.com/usertcp/usertcp/header"
	"github.com/usertcp/usertcp/seqnum"
)

var tunPrefixIPv4 = [4]byte{0, 0, 0, 2}

// Connection is the per-four-tuple TCP protocol engine: the state machine,
// the two sequence spaces, the retransmission timer, and the byte queues in
// each direction. All of its methods are called with the connection table's
// single mutex held, so nothing here takes a lock of its own.
type Connection struct {
	quad  Quad
	cfg   Config
	state State

	send sendSpace
	recv recvSpace
	rto  *retransmitTimer

	incoming []byte // reassembled, not yet read by the application
	unacked  []byte // written, not yet acknowledged by the peer

	closed     bool          // application called Close/shutdown(write)
	finSent    bool          // a FIN has gone out at least once
	recvClosed bool          // peer's FIN has been processed
	closedAt   *seqnum.Value // sequence number the FIN occupies, once chosen
	aborted    bool          // protocol-fatal condition; caller must emit RST and drop
	done       bool          // fully torn down; caller should remove from the table

	timeWaitEntered time.Time
	ipID            uint16
	retransmits     uint64

	log zerolog.Logger
}

// SRTT returns the current smoothed round-trip-time estimate.
func (c *Connection) SRTT() time.Duration { return c.rto.srtt }

// Retransmits returns how many times on_tick has retransmitted unacked data
// on this connection, for the metrics collector's per-connection gauges.
func (c *Connection) Retransmits() uint64 { return c.retransmits }

// AcceptFromSyn validates that seg is a bare SYN, builds a new Connection in
// SynRcvd, and emits the SYN+ACK. It returns
// (nil, false) without side effects for anything that isn't a bare SYN.
func AcceptFromSyn(quad Quad, seg Segment, cfg Config, gen *ISSGenerator, now time.Time, dev Device, log zerolog.Logger) (*Connection, bool) {
	if seg.Flags&header.TCPFlagSyn == 0 || seg.Flags&header.TCPFlagAck != 0 {
		return nil, false
	}

	iss := gen.Generate(quad, now)
	c := &Connection{
		quad:  quad,
		cfg:   cfg,
		state: StateSynRcvd,
		rto:   newRetransmitTimer(),
		log:   log.With().Stringer("quad", quad).Logger(),
	}
	c.rto.srtt = cfg.InitialSRTT
	c.send = sendSpace{iss: iss, una: iss, nxt: iss, wnd: 1024}
	// recv.wnd mirrors the SYN's own advertised window verbatim.
	c.recv = recvSpace{irs: seg.Seq, nxt: seg.Seq.Add(1), wnd: seg.Window}

	c.emit(now, iss, 0, true, false, false, dev)
	c.send.nxt = iss.Add(1)

	c.log.Debug().Msg("accepted SYN, sent SYN-ACK")
	return c, true
}

// inOpenInterval reports whether a < v < b under wrapping arithmetic.
func inOpenInterval(a, v, b seqnum.Value) bool {
	return a.LessThan(v) && v.LessThan(b)
}

// acceptable implements the RFC 793 §3.3 acceptability table.
func (c *Connection) acceptable(seg Segment) bool {
	slen := seg.Len()
	wend := c.recv.nxt.Add(c.recv.wnd)
	prev := c.recv.nxt - 1

	switch {
	case slen == 0 && c.recv.wnd == 0:
		return seg.Seq == c.recv.nxt
	case slen == 0:
		return inOpenInterval(prev, seg.Seq, wend)
	case c.recv.wnd == 0:
		return false
	default:
		last := seg.Seq.Add(seqnum.Size(slen - 1))
		return inOpenInterval(prev, seg.Seq, wend) || inOpenInterval(prev, last, wend)
	}
}

// OnSegment processes one already-parsed, already-addressed segment
// arriving for this connection. It returns the wakeups this segment
// makes due and leaves Aborted() true if the segment triggered a protocol
// fatal error the caller must react to by emitting RST and dropping c.
func (c *Connection) OnSegment(seg Segment, now time.Time, dev Device) Available {
	// A retransmitted SYN during SynRcvd carries the peer's original
	// sequence number, which is exactly recv.nxt-1 and so never passes the
	// acceptability test below: it is old data by that table's reckoning.
	// Real stacks special-case it for the same reason the literal algorithm
	// calls it out separately from the table. Check for it first.
	if c.state == StateSynRcvd && seg.Flags&header.TCPFlagSyn != 0 && seg.Flags&header.TCPFlagAck == 0 {
		c.recv.nxt = seg.Seq.Add(1)
		c.emit(now, c.send.iss, 0, true, false, true, dev)
		return 0
	}

	if !c.acceptable(seg) {
		c.emit(now, c.send.nxt, 0, false, false, false, dev)
		return 0
	}

	if seg.Flags&header.TCPFlagAck == 0 {
		return 0
	}

	// Every acceptable segment refreshes our knowledge of the peer's
	// receive window, independent of whether its ACK advances una.
	c.send.wnd = seg.Window

	var freed bool
	ackn := seg.Ack

	switch c.state {
	case StateSynRcvd:
		lower, upper := c.send.una-1, c.send.nxt+1
		if !(lower.LessThan(ackn) && ackn.LessThanEq(upper)) {
			c.aborted = true
			return 0
		}
		c.state = StateEstab
		c.log.Debug().Msg("handshake complete")
		// The handshake ACK also acknowledges our SYN: the Estab branch
		// below advances send.una past it.
		fallthrough

	case StateEstab, StateFinWait1, StateFinWait2, StateCloseWait, StateLastAck:
		lower, upper := c.send.una, c.send.nxt+1
		if lower.LessThan(ackn) && ackn.LessThanEq(upper) {
			oldUna := c.send.una
			drained := int(oldUna.Size(ackn))
			c.send.una = ackn
			if oldUna == c.send.iss && drained > 0 {
				drained-- // the SYN occupies one sequence number but no buffer byte
			}
			if drained > len(c.unacked) {
				drained = len(c.unacked)
			}
			if drained > 0 {
				c.unacked = c.unacked[drained:]
				freed = true
			}
			c.rto.ackUpTo(oldUna, ackn, now)
		}

		if c.closedAt != nil && !c.send.una.LessThan(c.closedAt.Add(1)) {
			switch c.state {
			case StateFinWait1:
				c.state = StateFinWait2
			case StateLastAck:
				c.done = true
			}
		}
	}

	if c.state == StateEstab || c.state == StateFinWait1 || c.state == StateFinWait2 {
		if len(seg.Payload) > 0 {
			unreadOffset := int(seg.Seq.Size(c.recv.nxt))
			if unreadOffset < 0 || unreadOffset > len(seg.Payload) {
				unreadOffset = len(seg.Payload)
			}
			c.incoming = append(c.incoming, seg.Payload[unreadOffset:]...)
			c.recv.nxt = c.recv.nxt.Add(seqnum.Size(len(seg.Payload)))
			c.emit(now, c.send.nxt, 0, false, false, false, dev)
		}
	}

	if seg.Flags&header.TCPFlagFin != 0 {
		switch c.state {
		case StateFinWait2:
			c.recv.nxt = c.recv.nxt.Add(1)
			c.emit(now, c.send.nxt, 0, false, false, false, dev)
			c.state = StateTimeWait
			c.timeWaitEntered = now
			c.recvClosed = true
		case StateEstab:
			c.recv.nxt = c.recv.nxt.Add(1)
			c.emit(now, c.send.nxt, 0, false, false, false, dev)
			c.state = StateCloseWait
			c.recvClosed = true
		default:
			c.aborted = true
			c.log.Warn().Stringer("state", c.state).Msg("FIN received outside FinWait2/Estab")
			return 0
		}
	}

	var avail Available
	if len(c.incoming) > 0 || c.recvClosed {
		avail |= AvailableRead
	}
	if freed {
		avail |= AvailableWrite
	}
	return avail
}

// OnTick drives retransmission and new-data transmission once per tick
// period; see retransmit and sendNewData below.
func (c *Connection) OnTick(now time.Time, dev Device) {
	if c.state == StateTimeWait {
		if !c.timeWaitEntered.IsZero() && now.Sub(c.timeWaitEntered) >= c.cfg.timeWait() {
			c.done = true
		}
		return
	}

	if sentAt, ok := c.rto.earliestSendTime(c.send.una); ok {
		waited := now.Sub(sentAt)
		if waited > c.rto.rto() {
			c.retransmit(now, dev)
			return
		}
	}

	c.sendNewData(now, dev)
}

func (c *Connection) retransmit(now time.Time, dev Device) {
	resendLen := min(len(c.unacked), int(c.send.wnd))
	fin := c.closed && resendLen < int(c.send.wnd)
	if fin {
		v := c.send.una.Add(seqnum.Size(resendLen))
		c.closedAt = &v
	}
	syn := c.send.una == c.send.iss

	sent, err := c.emit(now, c.send.una, resendLen, syn, fin, true, dev)
	if err != nil {
		c.log.Warn().Err(err).Msg("retransmit write failed")
		return
	}
	if fin {
		c.onFinSent()
	}
	c.send.nxt = c.send.una.Add(seqnum.Size(sent))
	c.retransmits++
	c.log.Debug().Int("bytes", resendLen).Msg("retransmitted")
}

func (c *Connection) sendNewData(now time.Time, dev Device) {
	var inFlight int
	if c.closedAt != nil {
		inFlight = int(c.send.una.Size(*c.closedAt))
	} else {
		inFlight = int(c.send.una.Size(c.send.nxt))
	}

	nunsent := len(c.unacked) - inFlight
	if nunsent < 0 {
		nunsent = 0
	}
	outstandingClose := c.closed && c.closedAt == nil
	if nunsent == 0 && !outstandingClose {
		return
	}

	allowed := int(c.send.wnd) - inFlight
	if allowed < 0 {
		allowed = 0
	}
	sendLen := min(nunsent, allowed)

	fin := outstandingClose && sendLen == nunsent
	if fin {
		v := c.send.nxt.Add(seqnum.Size(sendLen))
		c.closedAt = &v
	}
	if sendLen == 0 && !fin {
		return
	}

	sent, err := c.emit(now, c.send.nxt, sendLen, false, fin, false, dev)
	if err != nil {
		c.log.Warn().Err(err).Msg("send write failed")
		return
	}
	if fin {
		c.onFinSent()
	}
	c.log.Debug().Int("bytes", sendLen).Bool("fin", fin).Msg("sent new data")
	_ = sent // send.nxt already advanced inside emit via the wrapping max rule
}

// onFinSent moves the state machine forward once this endpoint's own FIN has
// gone out for the first time: Estab (active close) becomes FinWait1, and
// CloseWait (completing a passive close) becomes LastAck. Spec.md describes
// the two target states but not the transition into them; it is the
// structurally necessary counterpart of the peer-FIN transitions §4.1.2.6
// already spells out.
func (c *Connection) onFinSent() {
	if c.finSent {
		return
	}
	c.finSent = true
	switch c.state {
	case StateEstab:
		c.state = StateFinWait1
	case StateCloseWait:
		c.state = StateLastAck
	}
}

// emit builds one IPv4/TCP frame and writes it to dev, implementing
// one outbound segment's worth of state. It returns the number of
// sequence-number units the
// segment occupied (payload bytes plus one each for SYN/FIN) and always
// advances send.nxt to at least seq+slen under wrapping comparison.
func (c *Connection) emit(now time.Time, seq seqnum.Value, limit int, syn, fin bool, retransmit bool, dev Device) (seqnum.Size, error) {
	offset := int(c.send.una.Size(seq))
	if c.closedAt != nil && seq == c.closedAt.Add(1) {
		offset, limit = 0, 0
	}
	if offset < 0 || offset > len(c.unacked) {
		offset = len(c.unacked)
	}

	avail := len(c.unacked) - offset
	payloadCap := c.cfg.mtu() - header.IPv4MinimumSize - header.TCPMinimumSize
	payloadLen := min(limit, avail, payloadCap)
	if payloadLen < 0 {
		payloadLen = 0
	}
	payload := c.unacked[offset : offset+payloadLen]

	flags := header.TCPFlagAck
	if syn {
		flags |= header.TCPFlagSyn
	}
	if fin {
		flags |= header.TCPFlagFin
	}

	localAddr := c.quad.Local.Addr()
	remoteAddr := c.quad.Remote.Addr()

	total := 4 + header.IPv4MinimumSize + header.TCPMinimumSize + payloadLen
	frame := make([]byte, total)
	copy(frame[:4], tunPrefixIPv4[:])

	ip := header.IPv4(frame[4 : 4+header.IPv4MinimumSize])
	tcp := header.TCP(frame[4+header.IPv4MinimumSize:])
	copy(tcp[header.TCPMinimumSize:], payload)

	tcp.Encode(&header.TCPFields{
		SrcPort:    c.quad.Local.Port(),
		DstPort:    c.quad.Remote.Port(),
		SeqNum:     uint32(seq),
		AckNum:     uint32(c.recv.nxt),
		Flags:      flags,
		WindowSize: uint16(c.recv.wnd),
	})
	sum := header.PseudoHeaderChecksum(localAddr, remoteAddr, uint16(len(tcp)), 0)
	sum = checksum.Checksum(tcp, sum)
	tcp.SetChecksum(^sum)

	c.ipID++
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(header.IPv4MinimumSize + len(tcp)),
		ID:          c.ipID,
		TTL:         64,
		Protocol:    header.IPProtocolTCP,
		SrcAddr:     localAddr,
		DstAddr:     remoteAddr,
	})

	if err := dev.WriteFrame(frame); err != nil {
		return 0, err
	}

	slen := seqnum.Size(payloadLen)
	if syn {
		slen++
	}
	if fin {
		slen++
	}
	newNxt := seq.Add(slen)
	if c.send.nxt.LessThan(newNxt) {
		c.send.nxt = newNxt
	}
	c.rto.recordSend(seq, now, retransmit)

	return slen, nil
}

// SendRST emits a bare RST for this connection's quad, used on the protocol
// fatal path: the caller removes the connection from its table after this.
func (c *Connection) SendRST(dev Device) error {
	return SendResetForSegment(c.quad, dev)
}

// SendResetForSegment emits a bare RST addressed back at quad's remote end,
// without any connection state, for unsolicited
// segments to an unbound port, and for a bad ACK received in SynRcvd.
func SendResetForSegment(quad Quad, dev Device) error {
	localAddr := quad.Local.Addr()
	remoteAddr := quad.Remote.Addr()

	frame := make([]byte, 4+header.IPv4MinimumSize+header.TCPMinimumSize)
	copy(frame[:4], tunPrefixIPv4[:])
	ip := header.IPv4(frame[4 : 4+header.IPv4MinimumSize])
	tcp := header.TCP(frame[4+header.IPv4MinimumSize:])

	tcp.Encode(&header.TCPFields{
		SrcPort: quad.Local.Port(),
		DstPort: quad.Remote.Port(),
		Flags:   header.TCPFlagRst,
	})
	sum := header.PseudoHeaderChecksum(localAddr, remoteAddr, uint16(len(tcp)), 0)
	sum = checksum.Checksum(tcp, sum)
	tcp.SetChecksum(^sum)

	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(header.IPv4MinimumSize + len(tcp)),
		TTL:         64,
		Protocol:    header.IPProtocolTCP,
		SrcAddr:     localAddr,
		DstAddr:     remoteAddr,
	})
	return dev.WriteFrame(frame)
}

// Write appends up to SendQueueSize-len(unacked) bytes of buf to the
// outgoing queue and reports how many bytes were accepted.
func (c *Connection) Write(buf []byte) int {
	room := c.cfg.sendQueueSize() - len(c.unacked)
	if room <= 0 {
		return 0
	}
	n := min(len(buf), room)
	c.unacked = append(c.unacked, buf[:n]...)
	return n
}

// Close schedules a graceful close: the next tick will send FIN once any
// bytes already queued in unacked have gone out.
func (c *Connection) Close() { c.closed = true }

func (c *Connection) State() State       { return c.state }
func (c *Connection) Aborted() bool      { return c.aborted }
func (c *Connection) Done() bool         { return c.done }
func (c *Connection) RecvClosed() bool   { return c.recvClosed }
func (c *Connection) UnackedLen() int    { return len(c.unacked) }
func (c *Connection) IncomingLen() int   { return len(c.incoming) }
func (c *Connection) SendQueueFull() bool {
	return len(c.unacked) >= c.cfg.sendQueueSize()
}

// Read copies up to len(buf) bytes out of the incoming buffer, draining
// them, and reports how many bytes were copied.
func (c *Connection) Read(buf []byte) int {
	n := min(len(buf), len(c.incoming))
	copy(buf, c.incoming[:n])
	c.incoming = c.incoming[n:]
	return n
}

func (cfg Config) mtu() int {
	if cfg.MTU <= 0 {
		return DefaultConfig().MTU
	}
	return cfg.MTU
}

func (cfg Config) sendQueueSize() int {
	if cfg.SendQueueSize <= 0 {
		return DefaultConfig().SendQueueSize
	}
	return cfg.SendQueueSize
}

func (cfg Config) timeWait() time.Duration {
	if cfg.TimeWait <= 0 {
		return DefaultConfig().TimeWait
	}
	return cfg.TimeWait
}
