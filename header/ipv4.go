// Package header implements parsing and serialization of the IPv4 and TCP
// headers this endpoint speaks. Neither header carries options: this
// endpoint never emits them and treats any on an incoming packet as
// unparsed trailing bytes before the payload.
package header

import (
	"encoding/binary"
	"net/netip"

	"github.com/usertcp/usertcp/checksum"
)

const (
	ipVersIHL  = 0
	ipTOS      = 1
	ipTotalLen = 2
	ipID       = 4
	ipFlagsFO  = 6
	ipTTL      = 8
	ipProto    = 9
	ipChecksum = 10
	ipSrcAddr  = 12
	ipDstAddr  = 16
)

// IPv4MinimumSize is the size, in bytes, of an IPv4 header with no options
const IPv4MinimumSize = 20

// IPv4AddressSize is the size, in bytes, of an IPv4 address
const IPv4AddressSize = 4

// IPProtocolTCP is the IPv4 protocol number for TCP
const IPProtocolTCP = 6

// IPv4Fields describes the fields of an IPv4 header that need to be encoded
type IPv4Fields struct {
	TotalLength uint16
	ID          uint16
	TTL         uint8
	Protocol    uint8
	SrcAddr     netip.Addr
	DstAddr     netip.Addr
}

// IPv4 is an IPv4 header stored in network byte order. Callers must check
// IsValid before calling any other method
type IPv4 []byte

// IPVersion returns the version nibble of the packet, or -1 if b is too
// short to contain it
func IPVersion(b []byte) int {
	if len(b) < ipVersIHL+1 {
		return -1
	}
	return int(b[ipVersIHL] >> 4)
}

// HeaderLength returns the value of the IHL field, in bytes
func (b IPv4) HeaderLength() int {
	return int(b[ipVersIHL]&0xf) * 4
}

// TotalLength returns the total length field, in bytes, header + payload
func (b IPv4) TotalLength() uint16 {
	return binary.BigEndian.Uint16(b[ipTotalLen:])
}

// Protocol returns the upper-layer protocol number
func (b IPv4) Protocol() uint8 {
	return b[ipProto]
}

// TTL returns the time-to-live field
func (b IPv4) TTL() uint8 {
	return b[ipTTL]
}

// SourceAddress returns the source address field
func (b IPv4) SourceAddress() netip.Addr {
	a, _ := netip.AddrFromSlice(b[ipSrcAddr : ipSrcAddr+IPv4AddressSize])
	return a
}

// DestinationAddress returns the destination address field
func (b IPv4) DestinationAddress() netip.Addr {
	a, _ := netip.AddrFromSlice(b[ipDstAddr : ipDstAddr+IPv4AddressSize])
	return a
}

// Checksum returns the checksum field as stored on the wire
func (b IPv4) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[ipChecksum:])
}

// Payload returns the bytes that follow the header
func (b IPv4) Payload() []byte {
	hlen := b.HeaderLength()
	total := int(b.TotalLength())
	if total > len(b) {
		total = len(b)
	}
	return b[hlen:total]
}

// IsValid performs the minimal structural validation required before the
// other accessors on b may be called safely. pktSize is the number of bytes
// actually available (the frame length), which may exceed the header's own
// claimed total length
func (b IPv4) IsValid(pktSize int) bool {
	if len(b) < IPv4MinimumSize {
		return false
	}
	if IPVersion(b) != 4 {
		return false
	}
	hlen := b.HeaderLength()
	tlen := int(b.TotalLength())
	if hlen < IPv4MinimumSize || hlen > tlen || tlen > pktSize || hlen > len(b) {
		return false
	}
	return true
}

// Encode serializes i into b, including a freshly computed checksum. b must
// be at least IPv4MinimumSize bytes
func (b IPv4) Encode(i *IPv4Fields) {
	b[ipVersIHL] = (4 << 4) | (IPv4MinimumSize / 4)
	b[ipTOS] = 0
	binary.BigEndian.PutUint16(b[ipTotalLen:], i.TotalLength)
	binary.BigEndian.PutUint16(b[ipID:], i.ID)
	binary.BigEndian.PutUint16(b[ipFlagsFO:], 0)
	b[ipTTL] = i.TTL
	b[ipProto] = i.Protocol
	binary.BigEndian.PutUint16(b[ipChecksum:], 0)
	copy(b[ipSrcAddr:ipSrcAddr+IPv4AddressSize], i.SrcAddr.AsSlice())
	copy(b[ipDstAddr:ipDstAddr+IPv4AddressSize], i.DstAddr.AsSlice())

	binary.BigEndian.PutUint16(b[ipChecksum:], ^b.CalculateChecksum())
}

// CalculateChecksum returns the ones-complement sum of the header as it
// currently stands (i.e. with whatever is in the checksum field). A packet
// built by Encode is valid when this returns 0xffff
func (b IPv4) CalculateChecksum() uint16 {
	return checksum.Checksum(b[:b.HeaderLength()], 0)
}
