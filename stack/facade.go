package stack

import (
	"github.com/usertcp/usertcp/tcp"
)

// Listener is the handle Manager.Bind returns: application code calls
// Accept on it to receive connections for its port. A connection is queued
// as soon as its SYN has been answered with a SYN+ACK, so Accept can return
// a Stream whose handshake has not yet completed.
type Listener struct {
	m    *Manager
	port uint16
}

// Accept waits on pendingCond while its port's pending queue is empty, then
// pops the front Quad and returns a Stream bound to it.
func (l *Listener) Accept() (*Stream, error) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	for {
		if l.m.terminate {
			return nil, ErrShuttingDown
		}
		queue := l.m.pending[l.port]
		if len(queue) > 0 {
			quad := queue[0]
			l.m.pending[l.port] = queue[1:]
			return &Stream{m: l.m, quad: quad}, nil
		}
		l.m.pendingCond.Wait()
	}
}

// Close unbinds the listener's port, resetting any connections still
// waiting unaccepted in its queue.
func (l *Listener) Close() {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	l.m.unbindLocked(l.port)
}

// Stream is a handle to one accepted connection. It does not hold the
// *tcp.Connection directly — every method looks it up in the manager's
// table under the mutex, since the tick and packet loops may remove it
// (abort, or a completed close) between calls.
type Stream struct {
	m    *Manager
	quad tcp.Quad
}

func (s *Stream) connection() (*tcp.Connection, error) {
	c, ok := s.m.connections[s.quad]
	if !ok {
		return nil, ErrConnectionAborted
	}
	return c, nil
}

// Read returns 0 with a nil error at EOF, blocking otherwise until bytes or
// a closed receive side are available.
func (s *Stream) Read(buf []byte) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	for {
		if s.m.terminate {
			return 0, ErrShuttingDown
		}
		c, err := s.connection()
		if err != nil {
			return 0, err
		}
		if c.IncomingLen() > 0 {
			return c.Read(buf), nil
		}
		if c.RecvClosed() {
			return 0, nil
		}
		s.m.recvCond.Wait()
	}
}

// Write appends up to SendQueueSize-len(unacked) bytes, blocking on the send
// condition variable while the queue is full rather than ever returning
// "would block".
func (s *Stream) Write(buf []byte) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	for {
		if s.m.terminate {
			return 0, ErrShuttingDown
		}
		c, err := s.connection()
		if err != nil {
			return 0, err
		}
		if n := c.Write(buf); n > 0 {
			return n, nil
		}
		s.m.sendCond.Wait()
	}
}

// Flush blocks until the connection's unacked buffer has fully drained.
func (s *Stream) Flush() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	for {
		if s.m.terminate {
			return ErrShuttingDown
		}
		c, err := s.connection()
		if err != nil {
			return err
		}
		if c.UnackedLen() == 0 {
			return nil
		}
		s.m.sendCond.Wait()
	}
}

// Shutdown schedules a graceful close: the next tick sends FIN once
// whatever is already queued in unacked has gone out. It does not block.
func (s *Stream) Shutdown() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	c, err := s.connection()
	if err != nil {
		return err
	}
	c.Close()
	return nil
}
