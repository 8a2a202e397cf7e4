package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"dnsproxy/internal/metrics"
)

// ClientListener owns the client-facing UDP socket. It receives client queries and sends answers
// and synthesized failures back to clients.
type ClientListener struct {
	addr string
	opts ClientListenerOpts
	conn *UDPConn
}

// ClientListenerOpts formalizes client listener configuration options.
type ClientListenerOpts struct {
	// Readers is the number of goroutines concurrently reading from the socket.
	Readers int
	// WriteTimeout is the maximum amount of time the listener is allowed to take to write a
	// response back to a client, after which the write is considered failed.
	WriteTimeout time.Duration
	// IOHook receives socket I/O failures.
	IOHook metrics.SocketIOHook
}

// NewClientListener creates a client listener that will bind the specified address.
func NewClientListener(addr string, opts ClientListenerOpts) *ClientListener {
	// Sane option defaults
	if opts.Readers <= 0 {
		opts.Readers = 4
	}

	if opts.IOHook == nil {
		opts.IOHook = metrics.NewNoopSocketIOHook()
	}

	return &ClientListener{addr: addr, opts: opts}
}

// Listen binds the client-facing socket. A failure to bind is fatal to the proxy.
func (l *ClientListener) Listen() error {
	udpAddr, err := net.ResolveUDPAddr("udp", l.addr)
	if err != nil {
		return fmt.Errorf("listener: error resolving listen address: addr=%s err=%v", l.addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listener: failed to listen on UDP socket: addr=%s err=%v", l.addr, err)
	}

	l.conn = NewUDPConn(conn, l.opts.WriteTimeout, l.opts.IOHook)

	return nil
}

// ReceiveLoop reads client datagrams and passes each to handler until ctx is cancelled, at which
// point the socket is closed. Listen must have been called.
func (l *ClientListener) ReceiveLoop(ctx context.Context, handler PacketHandler) error {
	if l.conn == nil {
		return fmt.Errorf("listener: receive loop started before listening")
	}

	return receive(ctx, l.conn, Client, l.opts.Readers, handler)
}

// SendResponse transmits a single datagram to a client.
func (l *ClientListener) SendResponse(client *net.UDPAddr, payload []byte) error {
	if err := l.conn.WriteTo(payload, client); err != nil {
		return fmt.Errorf("listener: error writing response to client: client=%s err=%v", client, err)
	}

	return nil
}

// Addr returns the bound address of the listener, or nil before Listen.
func (l *ClientListener) Addr() net.Addr {
	if l.conn == nil {
		return nil
	}

	return l.conn.LocalAddr()
}

// Close closes the client-facing socket.
func (l *ClientListener) Close() error {
	if l.conn == nil {
		return nil
	}

	return l.conn.Close()
}
