package tcp

import (
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/usertcp/usertcp/header"
	"github.com/usertcp/usertcp/seqnum"
)

func testQuad() Quad {
	return Quad{
		Local:  netip.MustParseAddrPort("10.0.0.1:9000"),
		Remote: netip.MustParseAddrPort("10.0.0.2:5555"),
	}
}

func mustAccept(t *testing.T, quad Quad, seq, win int, dev Device, cfg Config) *Connection {
	t.Helper()
	gen := NewISSGenerator()
	c, ok := AcceptFromSyn(quad, Segment{
		Seq:    seqnum.Value(seq),
		Flags:  header.TCPFlagSyn,
		Window: seqnum.Size(win),
	}, cfg, gen, time.Unix(0, 0), dev, zerolog.Nop())
	require.True(t, ok)
	return c
}

func TestAcceptFromSynRejectsNonBareSyn(t *testing.T) {
	dev := &fakeDevice{}
	_, ok := AcceptFromSyn(testQuad(), Segment{Flags: header.TCPFlagSyn | header.TCPFlagAck}, DefaultConfig(), NewISSGenerator(), time.Unix(0, 0), dev, zerolog.Nop())
	require.False(t, ok)
	require.Empty(t, dev.frames)
}

func TestHandshakeAndTeardown(t *testing.T) {
	dev := &fakeDevice{}
	cfg := DefaultConfig()
	now := time.Unix(0, 0)

	c := mustAccept(t, testQuad(), 100, 1024, dev, cfg)
	require.Equal(t, StateSynRcvd, c.State())
	synAck := dev.last()
	require.True(t, synAck.Flags()&header.TCPFlagSyn != 0)
	require.True(t, synAck.Flags()&header.TCPFlagAck != 0)
	require.EqualValues(t, 101, synAck.AckNumber())
	iss := seqnum.Value(synAck.SequenceNumber())

	avail := c.OnSegment(Segment{Seq: 101, Ack: iss + 1, Flags: header.TCPFlagAck, Window: 1024}, now, dev)
	require.Equal(t, StateEstab, c.State())
	require.Zero(t, avail)

	avail = c.OnSegment(Segment{Seq: 101, Ack: iss + 1, Flags: header.TCPFlagFin | header.TCPFlagAck, Window: 1024}, now, dev)
	require.Equal(t, StateCloseWait, c.State())
	require.True(t, avail.Has(AvailableRead))
	require.True(t, c.RecvClosed())

	fin := dev.last()
	require.True(t, fin.Flags()&header.TCPFlagAck != 0)
	require.EqualValues(t, 102, fin.AckNumber())
}

func TestSingleByteEcho(t *testing.T) {
	dev := &fakeDevice{}
	cfg := DefaultConfig()
	now := time.Unix(0, 0)

	c := mustAccept(t, testQuad(), 100, 1024, dev, cfg)
	iss := seqnum.Value(dev.last().SequenceNumber())
	c.OnSegment(Segment{Seq: 101, Ack: iss + 1, Flags: header.TCPFlagAck, Window: 1024}, now, dev)

	avail := c.OnSegment(Segment{Seq: 101, Ack: iss + 1, Flags: header.TCPFlagAck, Window: 1024, Payload: []byte("A")}, now, dev)
	require.True(t, avail.Has(AvailableRead))

	buf := make([]byte, 16)
	n := c.Read(buf)
	require.Equal(t, "A", string(buf[:n]))

	n = c.Write([]byte("A"))
	require.Equal(t, 1, n)
	c.OnTick(now, dev)

	echo := dev.last()
	require.Equal(t, "A", string(echo.Payload()))
	require.EqualValues(t, iss+1, echo.SequenceNumber())

	avail = c.OnSegment(Segment{Seq: 102, Ack: iss + 2, Flags: header.TCPFlagAck, Window: 1024}, now.Add(20*time.Millisecond), dev)
	require.True(t, avail.Has(AvailableWrite))
	require.Zero(t, c.UnackedLen())
}

func TestRetransmitAfterTimeout(t *testing.T) {
	dev := &fakeDevice{}
	cfg := DefaultConfig()
	cfg.InitialSRTT = 100 * time.Millisecond // keeps the 1s RTO floor in play, not the 60s conservative default
	now := time.Unix(0, 0)

	c := mustAccept(t, testQuad(), 100, 1024, dev, cfg)
	iss := seqnum.Value(dev.last().SequenceNumber())
	c.OnSegment(Segment{Seq: 101, Ack: iss + 1, Flags: header.TCPFlagAck, Window: 1024}, now, dev)

	n := c.Write([]byte("0123456789"))
	require.Equal(t, 10, n)
	c.OnTick(now, dev)
	firstSend := dev.last()
	require.Equal(t, "0123456789", string(firstSend.Payload()))

	dev.reset()
	c.OnTick(now.Add(500*time.Millisecond), dev)
	require.Empty(t, dev.frames, "must not retransmit before the RTO elapses")

	c.OnTick(now.Add(2*time.Second), dev)
	require.Len(t, dev.frames, 1)
	retransmitted := dev.last()
	require.Equal(t, "0123456789", string(retransmitted.Payload()))
	require.Equal(t, firstSend.SequenceNumber(), retransmitted.SequenceNumber())

	c.OnSegment(Segment{Seq: 101, Ack: iss + 11, Flags: header.TCPFlagAck, Window: 1024}, now.Add(3*time.Second), dev)
	require.Zero(t, c.UnackedLen())
}

func TestRetransmitAfterCloseResendsFin(t *testing.T) {
	dev := &fakeDevice{}
	cfg := DefaultConfig()
	cfg.InitialSRTT = 100 * time.Millisecond
	now := time.Unix(0, 0)

	c := mustAccept(t, testQuad(), 100, 1024, dev, cfg)
	iss := seqnum.Value(dev.last().SequenceNumber())
	c.OnSegment(Segment{Seq: 101, Ack: iss + 1, Flags: header.TCPFlagAck, Window: 1024}, now, dev)
	// A duplicate pure ACK changes nothing: the handshake ACK above already
	// moved send.una past the SYN, so the retransmit below resends only the
	// data+FIN segment, not the SYN.
	c.OnSegment(Segment{Seq: 101, Ack: iss + 1, Flags: header.TCPFlagAck, Window: 1024}, now, dev)

	n := c.Write([]byte("12345678"))
	require.Equal(t, 8, n)
	c.Close()

	c.OnTick(now, dev)
	firstSend := dev.last()
	require.Equal(t, "12345678", string(firstSend.Payload()))
	require.True(t, firstSend.Flags()&header.TCPFlagFin != 0, "first send after close must carry FIN")
	require.Equal(t, StateFinWait1, c.State())

	// The data+FIN segment is lost: no ACK ever arrives for it. The next
	// tick past the RTO must retransmit it with FIN still set, not just the
	// bare data.
	dev.reset()
	c.OnTick(now.Add(2*time.Second), dev)
	require.Len(t, dev.frames, 1)
	retransmitted := dev.last()
	require.Equal(t, "12345678", string(retransmitted.Payload()))
	require.True(t, retransmitted.Flags()&header.TCPFlagFin != 0, "retransmit after close must still carry FIN")
}

func TestWindowClamp(t *testing.T) {
	dev := &fakeDevice{}
	cfg := DefaultConfig()
	now := time.Unix(0, 0)

	c := mustAccept(t, testQuad(), 100, 1024, dev, cfg)
	iss := seqnum.Value(dev.last().SequenceNumber())
	c.OnSegment(Segment{Seq: 101, Ack: iss + 1, Flags: header.TCPFlagAck, Window: 4}, now, dev)

	n := c.Write([]byte("0123456789012345"))
	require.Equal(t, 16, n)
	c.OnTick(now, dev)

	require.Len(t, dev.last().Payload(), 4)
}

func TestAcceptFromSynMirrorsSynWindowUnclamped(t *testing.T) {
	dev := &fakeDevice{}
	cfg := DefaultConfig()

	c := mustAccept(t, testQuad(), 100, 60000, dev, cfg)
	require.EqualValues(t, 60000, dev.last().WindowSize())
	require.EqualValues(t, 60000, c.recv.wnd)
}

func TestDuplicateSynDuringSynRcvdIsAccepted(t *testing.T) {
	dev := &fakeDevice{}
	cfg := DefaultConfig()
	now := time.Unix(0, 0)

	c := mustAccept(t, testQuad(), 100, 1024, dev, cfg)
	iss := seqnum.Value(dev.last().SequenceNumber())

	avail := c.OnSegment(Segment{Seq: 100, Flags: header.TCPFlagSyn}, now, dev)
	require.Zero(t, avail)
	require.Equal(t, StateSynRcvd, c.State())
	require.False(t, c.Aborted())

	resent := dev.last()
	require.True(t, resent.Flags()&header.TCPFlagSyn != 0)
	require.EqualValues(t, iss, resent.SequenceNumber())
}

func TestWriteAfterClose(t *testing.T) {
	dev := &fakeDevice{}
	cfg := DefaultConfig()
	now := time.Unix(0, 0)

	c := mustAccept(t, testQuad(), 100, 1024, dev, cfg)
	iss := seqnum.Value(dev.last().SequenceNumber())
	c.OnSegment(Segment{Seq: 101, Ack: iss + 1, Flags: header.TCPFlagAck, Window: 1024}, now, dev)

	n := c.Write([]byte("12345678"))
	require.Equal(t, 8, n)
	c.Close()

	// The pending 8 bytes fit entirely within the advertised window, so FIN
	// piggybacks on the same segment as the data in sendNewData.
	c.OnTick(now, dev)
	data := dev.last()
	require.Equal(t, "12345678", string(data.Payload()))
	require.True(t, data.Flags()&header.TCPFlagFin != 0)
	require.Equal(t, StateFinWait1, c.State())

	c.OnSegment(Segment{Seq: 101, Ack: iss + 10, Flags: header.TCPFlagAck, Window: 1024}, now, dev)
	require.Equal(t, StateFinWait2, c.State())
}

func TestBadAckInSynRcvdAborts(t *testing.T) {
	dev := &fakeDevice{}
	cfg := DefaultConfig()
	now := time.Unix(0, 0)

	c := mustAccept(t, testQuad(), 100, 1024, dev, cfg)
	iss := seqnum.Value(dev.last().SequenceNumber())
	c.OnSegment(Segment{Seq: 101, Ack: iss + 100, Flags: header.TCPFlagAck}, now, dev)
	require.True(t, c.Aborted())
}
