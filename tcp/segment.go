package tcp

import (
	"github.com/usertcp/usertcp/header"
	"github.com/usertcp/usertcp/seqnum"
)

// Segment is a parsed, addressless TCP segment: the fields that on_segment
// and on_tick reason about, independent of how it arrived or will be sent.
type Segment struct {
	Seq     seqnum.Value
	Ack     seqnum.Value
	Flags   uint8
	Window  seqnum.Size
	Payload []byte
}

func (s Segment) hasFlag(f uint8) bool { return s.Flags&f != 0 }

// Len is SEG.LEN of RFC 793 §3.3: the payload length plus one for each of
// SYN and FIN, since both occupy a slot in sequence-number space.
func (s Segment) Len() seqnum.Size {
	l := seqnum.Size(len(s.Payload))
	if s.hasFlag(header.TCPFlagSyn) {
		l++
	}
	if s.hasFlag(header.TCPFlagFin) {
		l++
	}
	return l
}

// SegmentFromTCP parses a validated TCP header plus its payload into a Segment.
func SegmentFromTCP(h header.TCP) Segment {
	return Segment{
		Seq:     seqnum.Value(h.SequenceNumber()),
		Ack:     seqnum.Value(h.AckNumber()),
		Flags:   h.Flags(),
		Window:  seqnum.Size(h.WindowSize()),
		Payload: h.Payload(),
	}
}
