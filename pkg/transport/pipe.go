package transport

import (
	"errors"
	"sync"
	"time"
)

// Pipe errors.
var (
	ErrPipeClosed  = errors.New("pipe closed")
	ErrRecvTimeout = errors.New("pipe receive timeout")
)

// PipeConn is an in-process datagram channel for tests. Loss is injected
// through the per-end drop function.
type PipeConn struct {
	peer *PipeConn

	mu     sync.Mutex
	ch     chan []byte
	closed bool

	dropFn func(b []byte) bool // applied to outgoing datagrams
}

// Pipe creates a cross-connected pair of datagram endpoints.
func Pipe() (*PipeConn, *PipeConn) {
	a := &PipeConn{ch: make(chan []byte, 256)}
	b := &PipeConn{ch: make(chan []byte, 256)}
	a.peer = b
	b.peer = a
	return a, b
}

// SetDropFunc installs a predicate deciding whether an outgoing datagram is
// silently discarded. Passing nil restores lossless delivery.
func (p *PipeConn) SetDropFunc(fn func(b []byte) bool) {
	p.mu.Lock()
	p.dropFn = fn
	p.mu.Unlock()
}

// Send delivers one datagram to the peer, subject to the drop function.
func (p *PipeConn) Send(b []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPipeClosed
	}
	drop := p.dropFn
	p.mu.Unlock()

	if drop != nil && drop(b) {
		return nil // lost on the wire
	}

	cp := make([]byte, len(b))
	copy(cp, b)

	p.peer.mu.Lock()
	defer p.peer.mu.Unlock()
	if p.peer.closed {
		return nil // datagrams to a closed peer vanish, as on a real network
	}
	select {
	case p.peer.ch <- cp:
	default:
		// Receive queue full: datagram dropped, matching UDP semantics.
	}
	return nil
}

// Recv blocks until a datagram arrives or the deadline passes.
func (p *PipeConn) Recv(deadline time.Time) ([]byte, error) {
	if deadline.IsZero() {
		b, ok := <-p.ch
		if !ok {
			return nil, ErrPipeClosed
		}
		return b, nil
	}
	d := time.Until(deadline)
	if d <= 0 {
		d = time.Nanosecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case b, ok := <-p.ch:
		if !ok {
			return nil, ErrPipeClosed
		}
		return b, nil
	case <-timer.C:
		return nil, ErrRecvTimeout
	}
}

// Close shuts down this end. In-flight datagrams already queued locally are
// discarded.
func (p *PipeConn) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.ch)
	return nil
}
