package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"dnsproxy/internal/metrics"
)

// UpstreamForwarder owns the UDP socket used to exchange datagrams with the upstream resolvers. It
// performs exactly one send per call and never retries on its own.
type UpstreamForwarder struct {
	upstreams *Upstreams
	opts      UpstreamForwarderOpts
	conn      *UDPConn
}

// UpstreamForwarderOpts formalizes upstream forwarder configuration options.
type UpstreamForwarderOpts struct {
	// LocalAddress is the address the upstream socket binds to. An empty address binds an
	// ephemeral port on all interfaces.
	LocalAddress string
	// Readers is the number of goroutines concurrently reading from the socket.
	Readers int
	// WriteTimeout is the maximum amount of time a single send to an upstream may take.
	WriteTimeout time.Duration
	// IOHook receives socket I/O failures.
	IOHook metrics.SocketIOHook
}

// NewUpstreamForwarder creates a forwarder for the specified upstream set.
func NewUpstreamForwarder(upstreams *Upstreams, opts UpstreamForwarderOpts) *UpstreamForwarder {
	if opts.Readers <= 0 {
		opts.Readers = 4
	}

	if opts.IOHook == nil {
		opts.IOHook = metrics.NewNoopSocketIOHook()
	}

	return &UpstreamForwarder{upstreams: upstreams, opts: opts}
}

// Listen binds the upstream-facing socket. A failure to bind is fatal to the proxy.
func (f *UpstreamForwarder) Listen() error {
	var laddr *net.UDPAddr

	if f.opts.LocalAddress != "" {
		resolved, err := net.ResolveUDPAddr("udp", f.opts.LocalAddress)
		if err != nil {
			return fmt.Errorf("forwarder: error resolving local address: addr=%s err=%v", f.opts.LocalAddress, err)
		}

		laddr = resolved
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("forwarder: failed to open upstream UDP socket: err=%v", err)
	}

	f.conn = NewUDPConn(conn, f.opts.WriteTimeout, f.opts.IOHook)

	return nil
}

// Send transmits a single query datagram to upstream.
func (f *UpstreamForwarder) Send(query []byte, upstream *net.UDPAddr) error {
	if err := f.conn.WriteTo(query, upstream); err != nil {
		return fmt.Errorf("forwarder: error writing query to upstream: upstream=%s err=%v", upstream, err)
	}

	return nil
}

// Upstream returns the upstream that should receive the specified attempt of a query.
func (f *UpstreamForwarder) Upstream(attempt int) *net.UDPAddr {
	return f.upstreams.Select(attempt)
}

// IsUpstream reports whether a datagram from addr may be an upstream reply.
func (f *UpstreamForwarder) IsUpstream(addr *net.UDPAddr) bool {
	return f.upstreams.Contains(addr)
}

// ReceiveLoop reads upstream datagrams and passes each to handler until ctx is cancelled, at which
// point the socket is closed. Listen must have been called.
func (f *UpstreamForwarder) ReceiveLoop(ctx context.Context, handler PacketHandler) error {
	if f.conn == nil {
		return fmt.Errorf("forwarder: receive loop started before listening")
	}

	return receive(ctx, f.conn, Upstream, f.opts.Readers, handler)
}

// Addr returns the bound address of the upstream socket, or nil before Listen.
func (f *UpstreamForwarder) Addr() net.Addr {
	if f.conn == nil {
		return nil
	}

	return f.conn.LocalAddr()
}

// Close closes the upstream-facing socket.
func (f *UpstreamForwarder) Close() error {
	if f.conn == nil {
		return nil
	}

	return f.conn.Close()
}

// String returns a string representation of the forwarder.
func (f *UpstreamForwarder) String() string {
	return fmt.Sprintf("UpstreamForwarder{local: %v, upstreams: %s}", f.Addr(), f.upstreams)
}
