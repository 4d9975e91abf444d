package stack

import "github.com/rs/zerolog"

// Interface is the top-level handle application code constructs once per
// TUN device: it owns the Manager and the packet/tick loop goroutines, and
// is the entry point application code binds listeners on.
type Interface struct {
	m *Manager
}

// NewInterface constructs an Interface bound to dev and starts its packet
// and tick loops, each in its own goroutine.
func NewInterface(cfg Config, dev Device, log zerolog.Logger) *Interface {
	i := &Interface{m: NewManager(cfg, dev, log)}
	go func() {
		if err := i.m.PacketLoop(); err != nil {
			i.m.log.Warn().Err(err).Msg("packet loop exited")
		}
	}()
	go i.m.TickLoop()
	return i
}

// Bind registers port with an empty pending-accept queue and returns a
// Listener for it, or ErrAddressInUse if the port is already bound.
func (i *Interface) Bind(port uint16) (*Listener, error) {
	return i.m.Bind(port)
}

// Shutdown marks the interface terminating: every blocked Listener.Accept,
// Stream.Read, Stream.Write and Stream.Flush call returns ErrShuttingDown on
// its next wake. It does not stop the packet or tick loop goroutines, which
// exit on their own once they next observe the terminate flag.
func (i *Interface) Shutdown() {
	i.m.Shutdown()
}

// Metrics exposes the manager this interface owns, for package metrics to
// wrap as a prometheus.Collector without stack depending on prometheus.
func (i *Interface) Metrics() *Manager {
	return i.m
}
