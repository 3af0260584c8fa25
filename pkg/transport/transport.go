// Package transport provides the unordered, lossy datagram substrate the
// protocol engine runs over. The engine makes no in-order or reliable
// delivery assumptions about it.
package transport

import "time"

// MaxDatagram is the largest datagram the engine will send or accept.
// Large enough for a full u16 frame with groups and metadata, small enough
// to avoid IP fragmentation on typical lighting networks being a surprise.
const MaxDatagram = 8192

// Conn is a point-to-point datagram channel between a controller and a
// device. Send transmits one datagram; Recv blocks until a datagram
// arrives or the deadline passes (zero deadline blocks indefinitely).
type Conn interface {
	Send(b []byte) error
	Recv(deadline time.Time) ([]byte, error)
	Close() error
}
