package tcp

import "net/netip"

// Quad identifies a connection by its four-tuple. It is immutable for the
// lifetime of a connection and is the key used by the connection table.
type Quad struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
}

func (q Quad) String() string {
	return q.Remote.String() + "->" + q.Local.String()
}
