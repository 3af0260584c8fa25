package device

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/alpinelight/alpine/internal/pool"
	"github.com/alpinelight/alpine/pkg/transport"
)

// Serve binds a UDP socket on addr and processes datagrams until Shutdown
// is called or the socket fails. Each datagram's replies go back to the
// sender's address, so any number of controllers can share the socket.
func (d *Device) Serve(addr string) error {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}

	d.mu.Lock()
	d.lconn = conn
	d.mu.Unlock()

	slog.Info("device listening",
		"addr", conn.LocalAddr(), "device_id", d.cfg.Identity.DeviceID)

	var wmu sync.Mutex
	for {
		bufPtr := pool.GetDatagram()
		buf := *bufPtr
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			pool.PutDatagram(bufPtr)
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read udp: %w", err)
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		pool.PutDatagram(bufPtr)

		to := raddr
		d.HandleDatagram(data, func(b []byte) error {
			if len(b) > transport.MaxDatagram {
				return fmt.Errorf("datagram too large: %d bytes", len(b))
			}
			wmu.Lock()
			defer wmu.Unlock()
			_, err := conn.WriteToUDP(b, to)
			return err
		})
	}
}

// Shutdown closes the UDP socket (unblocking Serve) and stops the device.
func (d *Device) Shutdown() {
	d.mu.Lock()
	conn := d.lconn
	d.lconn = nil
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	d.Stop()
}
