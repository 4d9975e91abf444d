package header

import (
	"net/netip"
	"testing"

	"github.com/usertcp/usertcp/checksum"
)

func TestIPv4EncodeRoundTrip(t *testing.T) {
	b := make(IPv4, IPv4MinimumSize)
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	b.Encode(&IPv4Fields{
		TotalLength: IPv4MinimumSize,
		ID:          7,
		TTL:         64,
		Protocol:    IPProtocolTCP,
		SrcAddr:     src,
		DstAddr:     dst,
	})

	if !b.IsValid(len(b)) {
		t.Fatalf("encoded header is not valid")
	}
	if got := b.CalculateChecksum(); got != 0xffff {
		t.Errorf("checksum fold = %#x, want 0xffff", got)
	}
	if b.SourceAddress() != src {
		t.Errorf("source address = %v, want %v", b.SourceAddress(), src)
	}
	if b.DestinationAddress() != dst {
		t.Errorf("destination address = %v, want %v", b.DestinationAddress(), dst)
	}
	if b.TTL() != 64 {
		t.Errorf("ttl = %d, want 64", b.TTL())
	}
}

func TestIPv4IsValidRejectsTruncated(t *testing.T) {
	b := IPv4(make([]byte, 10))
	if b.IsValid(10) {
		t.Errorf("too-short header should be invalid")
	}
}

func TestIPv4IsValidRejectsOversizedTotalLength(t *testing.T) {
	b := make(IPv4, IPv4MinimumSize)
	b.Encode(&IPv4Fields{
		TotalLength: 9000,
		Protocol:    IPProtocolTCP,
		SrcAddr:     netip.MustParseAddr("10.0.0.1"),
		DstAddr:     netip.MustParseAddr("10.0.0.2"),
	})
	if b.IsValid(len(b)) {
		t.Errorf("total length exceeding the frame size should be invalid")
	}
}

func TestTCPEncodeAndChecksum(t *testing.T) {
	payload := []byte("hello")
	b := make(TCP, TCPMinimumSize+len(payload))
	b.Encode(&TCPFields{
		SrcPort:    1234,
		DstPort:    80,
		SeqNum:     100,
		AckNum:     200,
		Flags:      TCPFlagAck,
		WindowSize: 1024,
	})
	copy(b[TCPMinimumSize:], payload)

	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	sum := PseudoHeaderChecksum(src, dst, uint16(len(b)), 0)
	sum = checksum.Checksum(b, sum)
	b.SetChecksum(^sum)

	if !b.IsValid() {
		t.Fatalf("encoded TCP header is not valid")
	}
	if got := string(b.Payload()); got != "hello" {
		t.Errorf("payload = %q, want %q", got, "hello")
	}

	verify := PseudoHeaderChecksum(src, dst, uint16(len(b)), 0)
	verify = checksum.Checksum(b, verify)
	if verify != 0xffff {
		t.Errorf("verification checksum = %#x, want 0xffff", verify)
	}
}
