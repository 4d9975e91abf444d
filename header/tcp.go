package header

import (
	"encoding/binary"
	"net/netip"

	"github.com/usertcp/usertcp/checksum"
)

const (
	tcpSrcPort    = 0
	tcpDstPort    = 2
	tcpSeqNum     = 4
	tcpAckNum     = 8
	tcpDataOffset = 12
	tcpFlags      = 13
	tcpWinSize    = 14
	tcpChecksum   = 16
	tcpUrgentPtr  = 18
)

// Flags that may appear in a TCP segment. This endpoint only ever produces
// Fin, Syn, Rst and Ack; Psh and Urg are parsed but never acted on.
const (
	TCPFlagFin uint8 = 1 << iota
	TCPFlagSyn
	TCPFlagRst
	TCPFlagPsh
	TCPFlagAck
	TCPFlagUrg
)

// TCPMinimumSize is the size, in bytes, of a TCP header with no options
const TCPMinimumSize = 20

// TCPFields describes the fields of a TCP header that need to be encoded
type TCPFields struct {
	SrcPort    uint16
	DstPort    uint16
	SeqNum     uint32
	AckNum     uint32
	Flags      uint8
	WindowSize uint16
}

// TCP is a TCP header stored in network byte order. Callers must ensure
// len(b) >= TCPMinimumSize before calling any accessor
type TCP []byte

func (b TCP) SourcePort() uint16      { return binary.BigEndian.Uint16(b[tcpSrcPort:]) }
func (b TCP) DestinationPort() uint16 { return binary.BigEndian.Uint16(b[tcpDstPort:]) }
func (b TCP) SequenceNumber() uint32  { return binary.BigEndian.Uint32(b[tcpSeqNum:]) }
func (b TCP) AckNumber() uint32       { return binary.BigEndian.Uint32(b[tcpAckNum:]) }
func (b TCP) Flags() uint8            { return b[tcpFlags] }
func (b TCP) WindowSize() uint16      { return binary.BigEndian.Uint16(b[tcpWinSize:]) }
func (b TCP) Checksum() uint16        { return binary.BigEndian.Uint16(b[tcpChecksum:]) }

// DataOffset returns the size, in bytes, of the header (including options)
func (b TCP) DataOffset() int {
	return int(b[tcpDataOffset]>>4) * 4
}

// Payload returns the bytes that follow the header
func (b TCP) Payload() []byte {
	return b[b.DataOffset():]
}

// IsValid reports whether b is at least large enough to hold a header and
// whatever options its own DataOffset field claims
func (b TCP) IsValid() bool {
	if len(b) < TCPMinimumSize {
		return false
	}
	off := b.DataOffset()
	return off >= TCPMinimumSize && off <= len(b)
}

// Encode serializes f into b. It does not set the checksum field; callers
// must follow with SetChecksum once the pseudo-header sum is known, since
// that sum depends on fields (addresses, length) that live outside b
func (b TCP) Encode(f *TCPFields) {
	binary.BigEndian.PutUint16(b[tcpSrcPort:], f.SrcPort)
	binary.BigEndian.PutUint16(b[tcpDstPort:], f.DstPort)
	binary.BigEndian.PutUint32(b[tcpSeqNum:], f.SeqNum)
	binary.BigEndian.PutUint32(b[tcpAckNum:], f.AckNum)
	b[tcpDataOffset] = (TCPMinimumSize / 4) << 4
	b[tcpFlags] = f.Flags
	binary.BigEndian.PutUint16(b[tcpWinSize:], f.WindowSize)
	binary.BigEndian.PutUint16(b[tcpChecksum:], 0)
	binary.BigEndian.PutUint16(b[tcpUrgentPtr:], 0)
}

// SetChecksum writes v into the checksum field
func (b TCP) SetChecksum(v uint16) {
	binary.BigEndian.PutUint16(b[tcpChecksum:], v)
}

// PseudoHeaderChecksum folds the IPv4 pseudo-header (source, destination,
// zero, protocol, TCP length) into initial, returning a running checksum to
// be combined with the TCP header and payload
func PseudoHeaderChecksum(src, dst netip.Addr, totalLen uint16, initial uint16) uint16 {
	sum := checksum.Checksum(src.AsSlice(), initial)
	sum = checksum.Checksum(dst.AsSlice(), sum)
	sum = checksum.Checksum([]byte{0, IPProtocolTCP}, sum)
	var lenBuf [2]byte
	checksum.PutUint16(lenBuf[:], totalLen)
	sum = checksum.Checksum(lenBuf[:], sum)
	return sum
}
