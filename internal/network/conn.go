package network

import (
	"fmt"
	"net"
	"time"

	"dnsproxy/internal/metrics"
)

// MaxDatagramSize is the largest UDP payload the proxy reads. Reading into buffers of this size
// guarantees that EDNS0 payloads are never truncated.
const MaxDatagramSize = 65535

// UDPConn is an abstraction over a *net.UDPConn that applies a write timeout to every write and
// reports I/O failures to a metrics hook. It is safe for concurrent use.
type UDPConn struct {
	conn         *net.UDPConn
	writeTimeout time.Duration
	ioHook       metrics.SocketIOHook
}

// NewUDPConn creates a UDPConn from a backing *net.UDPConn.
func NewUDPConn(conn *net.UDPConn, writeTimeout time.Duration, ioHook metrics.SocketIOHook) *UDPConn {
	if ioHook == nil {
		ioHook = metrics.NewNoopSocketIOHook()
	}

	return &UDPConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		ioHook:       ioHook,
	}
}

// ReadFrom reads a single datagram into buf and returns its size and sender.
func (c *UDPConn) ReadFrom(buf []byte) (int, *net.UDPAddr, error) {
	n, addr, err := c.conn.ReadFromUDP(buf)
	if err != nil && !isClosed(err) {
		c.ioHook.EmitReadError(addr)
	}

	return n, addr, err
}

// WriteTo writes a single datagram to addr.
func (c *UDPConn) WriteTo(buf []byte, addr *net.UDPAddr) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			c.ioHook.EmitWriteError(addr)
			return err
		}
	}

	n, err := c.conn.WriteToUDP(buf, addr)
	if err != nil {
		c.ioHook.EmitWriteError(addr)
		return err
	}

	if n != len(buf) {
		c.ioHook.EmitWriteError(addr)
		return fmt.Errorf("conn: short write: expected=%d actual=%d", len(buf), n)
	}

	return nil
}

// LocalAddr obtains the connection's local address.
func (c *UDPConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Close closes the underlying connection, unblocking any pending reads.
func (c *UDPConn) Close() error {
	return c.conn.Close()
}
