package stack

import (
	"encoding/binary"
	"errors"

	"github.com/usertcp/usertcp/header"
	"github.com/usertcp/usertcp/tcp"
)

var errShortFrame = errors.New("frame shorter than the TUN prefix")

// tunPrefixSize is the 4-byte flags+protocol-family prefix every TUN frame
// carries.
const tunPrefixSize = 4

// ipv4ProtocolFamily is the protocol family this endpoint tags IPv4 frames
// with in the TUN prefix's low two bytes, matching tcp.Connection.emit.
const ipv4ProtocolFamily = 0x0002

// PacketLoop blocks reading frames from m's device until Shutdown is called
// or dev.ReadFrame returns an error, dispatching each one to on_segment or
// accept_from_syn under the manager mutex. Run it in its own goroutine.
func (m *Manager) PacketLoop() error {
	for {
		frame, err := m.dev.ReadFrame()
		if err != nil {
			return err
		}
		if m.isTerminating() {
			return nil
		}
		m.dispatch(frame)
	}
}

func (m *Manager) isTerminating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminate
}

// dispatch parses the TUN prefix and IPv4/TCP headers outside the mutex,
// then holds the mutex for quad lookup, on_segment/accept_from_syn, and
// table mutation.
func (m *Manager) dispatch(frame []byte) {
	if len(frame) < tunPrefixSize {
		m.log.Debug().Err(errShortFrame).Msg("dropping frame")
		return
	}
	family := binary.BigEndian.Uint16(frame[2:tunPrefixSize])
	if family != ipv4ProtocolFamily {
		m.log.Debug().Uint16("family", family).Msg("dropping non-IPv4 frame")
		return
	}

	payload := frame[tunPrefixSize:]
	if !header.IPv4(payload).IsValid(len(payload)) {
		m.log.Debug().Msg("dropping malformed IPv4 frame")
		return
	}
	ip := header.IPv4(payload)
	if ip.Protocol() != header.IPProtocolTCP {
		m.log.Debug().Uint8("protocol", ip.Protocol()).Msg("dropping non-TCP frame")
		return
	}

	tcpBytes := header.TCP(ip.Payload())
	if !tcpBytes.IsValid() {
		m.log.Debug().Msg("dropping malformed TCP segment")
		return
	}

	quad := tcp.Quad{
		Local:  addrPort(ip.DestinationAddress(), tcpBytes.DestinationPort()),
		Remote: addrPort(ip.SourceAddress(), tcpBytes.SourcePort()),
	}
	seg := tcp.SegmentFromTCP(tcpBytes)
	m.process(quad, seg)
}

func (m *Manager) process(quad tcp.Quad, seg tcp.Segment) {
	m.mu.Lock()

	m.metrics.segmentsProcessed++

	if c, ok := m.connections[quad]; ok {
		avail := c.OnSegment(seg, m.now(), m.dev)
		if c.Aborted() {
			delete(m.connections, quad)
			m.mu.Unlock()
			_ = c.SendRST(m.dev)
			m.recvCond.Broadcast()
			m.sendCond.Broadcast()
			return
		}
		readReady := avail.Has(tcp.AvailableRead)
		writeReady := avail.Has(tcp.AvailableWrite)
		m.mu.Unlock()
		if readReady {
			m.recvCond.Broadcast()
		}
		if writeReady {
			m.sendCond.Broadcast()
		}
		return
	}

	if queue, bound := m.pending[quad.Local.Port()]; bound {
		c, ok := tcp.AcceptFromSyn(quad, seg, m.cfg.tcpConfig(), m.gen, m.now(), m.dev, m.log)
		if ok {
			m.connections[quad] = c
			m.pending[quad.Local.Port()] = append(queue, quad)
			m.metrics.handshakesCompleted++
			m.mu.Unlock()
			m.pendingCond.Broadcast()
			return
		}
		m.metrics.segmentsDropped++
		m.mu.Unlock()
		return
	}

	// Unsolicited segment to a port nobody bound: RFC 793 §3.4's default
	// response, not a silent drop.
	m.metrics.segmentsDropped++
	m.mu.Unlock()
	if seg.Flags&header.TCPFlagRst == 0 {
		_ = tcp.SendResetForSegment(quad, m.dev)
	}
}
