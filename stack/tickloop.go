package stack

import "time"

// TickLoop wakes every cfg.TickPeriod and calls on_tick on every connection
// in the table. It returns once Shutdown has been called. Run it in its own
// goroutine alongside PacketLoop.
func (m *Manager) TickLoop() {
	period := m.cfg.TickPeriod
	if period <= 0 {
		period = DefaultConfig().TickPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for range ticker.C {
		if m.isTerminating() {
			return
		}
		m.tick()
	}
}

func (m *Manager) tick() {
	m.mu.Lock()

	var readReady, writeReady bool
	now := m.now()
	for quad, c := range m.connections {
		before := c.UnackedLen()
		c.OnTick(now, m.dev)

		if c.UnackedLen() < before {
			writeReady = true
		}
		if c.Done() {
			delete(m.connections, quad)
			// A blocked Read/Write/Flush for this connection must wake and
			// observe it missing rather than wait for bytes that will now
			// never arrive.
			readReady = true
			writeReady = true
			continue
		}
		if c.IncomingLen() > 0 || c.RecvClosed() {
			readReady = true
		}
	}

	m.mu.Unlock()
	if readReady {
		m.recvCond.Broadcast()
	}
	if writeReady {
		m.sendCond.Broadcast()
	}
}
