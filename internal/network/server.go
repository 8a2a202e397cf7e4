//go:generate go run golang.org/x/tools/cmd/stringer -type=Source -linecomment=true

package network

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// contextKey is a type alias for context keys passed to packet handlers.
type contextKey int

// Source describes which of the proxy's sockets a datagram arrived on.
type Source int

// PacketHandler is a common interface that wraps logic for handling datagrams received on either
// of the proxy's sockets.
type PacketHandler interface {
	// HandlePacket is invoked for every datagram received. The payload is owned by the handler.
	// It is called concurrently from all of the socket's readers and must not block on the
	// outcome of other datagrams.
	HandlePacket(ctx context.Context, payload []byte, addr *net.UDPAddr)

	// ConsumeError is a callback invoked when a socket read fails for a reason other than the
	// socket being closed.
	ConsumeError(ctx context.Context, err error)
}

const (
	// SourceContextKey is the name of the context key used to indicate which socket the handler
	// is serving, since a single handler may serve both.
	SourceContextKey contextKey = iota
)

const (
	// Client describes the client-facing socket.
	Client Source = iota // client
	// Upstream describes the upstream-facing socket.
	Upstream // upstream
)

// SourceFromContext reads the Source stored in ctx by a receive loop.
func SourceFromContext(ctx context.Context) (Source, bool) {
	source, ok := ctx.Value(SourceContextKey).(Source)
	return source, ok
}

// receive runs readers concurrent read loops over conn, passing every datagram to handler, until
// ctx is cancelled. Cancelling ctx closes conn.
func receive(ctx context.Context, conn *UDPConn, source Source, readers int, handler PacketHandler) error {
	ctx = context.WithValue(ctx, SourceContextKey, source)

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			buf := make([]byte, MaxDatagramSize)

			for {
				n, addr, err := conn.ReadFrom(buf)
				if err != nil {
					if isClosed(err) {
						return
					}

					handler.ConsumeError(ctx, errors.Wrapf(err, "server: error reading from %s socket", source))
					continue
				}

				payload := make([]byte, n)
				copy(payload, buf[:n])

				handler.HandlePacket(ctx, payload, addr)
			}
		}()
	}

	wg.Wait()

	return nil
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
