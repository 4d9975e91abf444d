// Package stack owns the connection table and the two long-lived worker
// loops (packet and tick) that drive every tcp.Connection, plus the blocking
// Interface/Listener/Stream facade application goroutines call through.
package stack

import (
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/usertcp/usertcp/tcp"
)

// Config is the set of tunables a Manager is constructed with. It mirrors
// tcp.Config so tests can shrink windows and timers without reaching into
// the protocol engine directly.
type Config struct {
	SendQueueSize int
	RecvWindow    uint16
	InitialSRTT   time.Duration
	TickPeriod    time.Duration
	MTU           int
	TimeWait      time.Duration
}

// DefaultConfig returns the compile-time defaults.
func DefaultConfig() Config {
	d := tcp.DefaultConfig()
	return Config{
		SendQueueSize: d.SendQueueSize,
		RecvWindow:    d.RecvWindow,
		InitialSRTT:   d.InitialSRTT,
		TickPeriod:    d.TickPeriod,
		MTU:           d.MTU,
		TimeWait:      d.TimeWait,
	}
}

func (m *Manager) now() time.Time { return m.clock() }

func addrPort(addr netip.Addr, port uint16) netip.AddrPort {
	return netip.AddrPortFrom(addr, port)
}

func (c Config) tcpConfig() tcp.Config {
	return tcp.Config{
		SendQueueSize: c.SendQueueSize,
		RecvWindow:    c.RecvWindow,
		InitialSRTT:   c.InitialSRTT,
		TickPeriod:    c.TickPeriod,
		MTU:           c.MTU,
		TimeWait:      c.TimeWait,
	}
}

// Device is the TUN adapter a Manager reads frames from and writes frames
// to. tuntap.Device and every test's fake device satisfy it.
type Device interface {
	tcp.Device
	ReadFrame() ([]byte, error)
}

// Manager is the connection table: a single mutex guarding a Quad→Connection
// map, a per-port pending-accept queue, and the terminate flag, plus three
// condition variables (pending, recv, send) attached to that one mutex. It
// is the literal Go rendering of a single lock shared by every worker and
// every blocked application goroutine.
type Manager struct {
	mu sync.Mutex

	pendingCond *sync.Cond
	recvCond    *sync.Cond
	sendCond    *sync.Cond

	cfg   Config
	dev   Device
	gen   *tcp.ISSGenerator
	log   zerolog.Logger
	clock func() time.Time

	connections map[tcp.Quad]*tcp.Connection
	pending     map[uint16][]tcp.Quad
	terminate   bool

	metrics managerMetrics
}

// managerMetrics are process-wide counters the metrics package reads under
// the manager's own mutex; see Manager.Snapshot.
type managerMetrics struct {
	segmentsProcessed   uint64
	handshakesCompleted uint64
	segmentsDropped     uint64
}

// NewManager constructs a Manager bound to dev. Callers still need to start
// PacketLoop and TickLoop (typically each in its own goroutine) for the
// stack to do anything.
func NewManager(cfg Config, dev Device, log zerolog.Logger) *Manager {
	m := &Manager{
		cfg:         cfg,
		dev:         dev,
		gen:         tcp.NewISSGenerator(),
		log:         log,
		clock:       time.Now,
		connections: make(map[tcp.Quad]*tcp.Connection),
		pending:     make(map[uint16][]tcp.Quad),
	}
	m.pendingCond = sync.NewCond(&m.mu)
	m.recvCond = sync.NewCond(&m.mu)
	m.sendCond = sync.NewCond(&m.mu)
	return m
}

// Bind registers an empty pending queue for port and returns a Listener, or
// fails ErrAddressInUse if one already exists.
func (m *Manager) Bind(port uint16) (*Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[port]; ok {
		return nil, ErrAddressInUse
	}
	m.pending[port] = nil
	return &Listener{m: m, port: port}, nil
}

// Unbind removes port's pending queue and resets every connection still
// sitting in it unaccepted.
func (m *Manager) Unbind(port uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unbindLocked(port)
}

func (m *Manager) unbindLocked(port uint16) {
	queued := m.pending[port]
	delete(m.pending, port)
	for _, quad := range queued {
		if c, ok := m.connections[quad]; ok {
			_ = c.SendRST(m.dev)
			delete(m.connections, quad)
		}
	}
}

// ConnectionSnapshot is a point-in-time, lock-free copy of the fields the
// metrics package's Collector needs from one Connection.
type ConnectionSnapshot struct {
	Quad        tcp.Quad
	State       tcp.State
	UnackedLen  int
	IncomingLen int
	SRTT        time.Duration
	Retransmits uint64
}

// Snapshot is a point-in-time copy of the whole connection table plus the
// process-wide counters, taken under the manager mutex.
type Snapshot struct {
	Connections         []ConnectionSnapshot
	SegmentsProcessed   uint64
	HandshakesCompleted uint64
	Retransmits         uint64
	SegmentsDropped     uint64
}

// Snapshot walks the connection table under the manager mutex and returns a
// copy safe to read without holding any lock. Intended for package metrics.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Connections:         make([]ConnectionSnapshot, 0, len(m.connections)),
		SegmentsProcessed:   m.metrics.segmentsProcessed,
		HandshakesCompleted: m.metrics.handshakesCompleted,
		SegmentsDropped:     m.metrics.segmentsDropped,
	}
	for quad, c := range m.connections {
		s.Connections = append(s.Connections, ConnectionSnapshot{
			Quad:        quad,
			State:       c.State(),
			UnackedLen:  c.UnackedLen(),
			IncomingLen: c.IncomingLen(),
			SRTT:        c.SRTT(),
			Retransmits: c.Retransmits(),
		})
		s.Retransmits += c.Retransmits()
	}
	return s
}

// Shutdown marks the manager terminating and wakes every blocked caller, so
// Listener.Accept/Stream.Read/Stream.Write/Stream.Flush all return
// ErrShuttingDown on their next wake.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.terminate = true
	m.mu.Unlock()
	m.pendingCond.Broadcast()
	m.recvCond.Broadcast()
	m.sendCond.Broadcast()
}
