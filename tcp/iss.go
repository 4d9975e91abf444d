package tcp

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"sync"
	"time"

	"github.com/usertcp/usertcp/seqnum"
)

// ISSGenerator produces initial sequence numbers. A fixed ISN of zero makes
// two connections racing on the same quad, or an off-path attacker guessing
// the next ack, trivial: every accepted SYN instead gets an ISN hashed from
// the connection's quad, a per-process random secret and the clock, in the
// manner of a SYN-cookie hash without the cookie/MSS-encoding machinery
// this endpoint doesn't need.
type ISSGenerator struct {
	mu     sync.Mutex
	secret [sha1.BlockSize]byte
}

func NewISSGenerator() *ISSGenerator {
	g := &ISSGenerator{}
	if _, err := rand.Read(g.secret[:]); err != nil {
		// crypto/rand.Read on Linux only fails if the kernel's random
		// source is unavailable at boot, which is unrecoverable here.
		panic("usertcp: failed to seed ISS generator: " + err.Error())
	}
	return g
}

// Generate returns a hashed ISN for a new connection identified by quad,
// folding in the current time so the same quad gets a different ISN at a
// different clock reading.
func (g *ISSGenerator) Generate(quad Quad, now time.Time) seqnum.Value {
	var payload [16]byte
	local := quad.Local.Addr().As4()
	remote := quad.Remote.Addr().As4()
	copy(payload[0:4], local[:])
	copy(payload[4:8], remote[:])
	binary.BigEndian.PutUint16(payload[8:], quad.Local.Port())
	binary.BigEndian.PutUint16(payload[10:], quad.Remote.Port())
	binary.BigEndian.PutUint32(payload[12:], uint32(now.UnixNano()))

	g.mu.Lock()
	h := sha1.New()
	h.Write(g.secret[:])
	h.Write(payload[:])
	sum := h.Sum(nil)
	g.mu.Unlock()

	return seqnum.Value(binary.BigEndian.Uint32(sum))
}
