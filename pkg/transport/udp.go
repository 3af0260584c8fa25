package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/alpinelight/alpine/internal/pool"
)

// UDPConn is a connected UDP datagram channel.
type UDPConn struct {
	conn *net.UDPConn
}

// Dial opens a connected UDP socket to the remote address. An empty local
// address binds an ephemeral port.
func Dial(local, remote string) (*UDPConn, error) {
	var laddr *net.UDPAddr
	if local != "" {
		a, err := net.ResolveUDPAddr("udp", local)
		if err != nil {
			return nil, fmt.Errorf("resolve local: %w", err)
		}
		laddr = a
	}
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, fmt.Errorf("resolve remote: %w", err)
	}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &UDPConn{conn: conn}, nil
}

// Send transmits one datagram.
func (u *UDPConn) Send(b []byte) error {
	if len(b) > MaxDatagram {
		return fmt.Errorf("datagram too large: %d bytes", len(b))
	}
	_, err := u.conn.Write(b)
	return err
}

// Recv blocks until a datagram arrives or the deadline passes.
func (u *UDPConn) Recv(deadline time.Time) ([]byte, error) {
	if err := u.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	bufPtr := pool.GetDatagram()
	defer pool.PutDatagram(bufPtr)
	buf := *bufPtr

	n, err := u.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}

// Close closes the socket.
func (u *UDPConn) Close() error { return u.conn.Close() }

// LocalAddr returns the bound local address.
func (u *UDPConn) LocalAddr() net.Addr { return u.conn.LocalAddr() }
