package metrics

import (
	"fmt"
	"net"
	"os"
	"time"
)

// SocketIOHook is a metrics hook interface for reporting I/O failures on one of the proxy's UDP
// sockets.
type SocketIOHook interface {
	// EmitReadError reports the event that a socket read failed.
	EmitReadError(addr net.Addr)

	// EmitWriteError reports the event that a socket write to addr failed.
	EmitWriteError(addr net.Addr)

	// Close releases the hook's connection to the metrics backend.
	Close() error
}

// ProxyHook is a metrics hook interface for reporting events and latencies related to forwarding
// a client query to the upstream resolver.
type ProxyHook interface {
	// EmitQuery reports that a client query was accepted and forwarded.
	EmitQuery(client net.Addr)

	// EmitRequestSize reports the size of the forwarded query on the wire.
	EmitRequestSize(bytes int64, client net.Addr)

	// EmitResponseSize reports the size of the delivered response on the wire.
	EmitResponseSize(bytes int64, upstream net.Addr)

	// EmitRTT reports the latency between accepting a client query and delivering its answer,
	// across all upstream attempts.
	EmitRTT(latency time.Duration, client net.Addr, upstream net.Addr)

	// EmitUpstreamLatency reports the latency of the upstream attempt that produced the answer.
	EmitUpstreamLatency(latency time.Duration, upstream net.Addr)

	// EmitRetry reports that a timed out query was re-sent upstream.
	EmitRetry(upstream net.Addr)

	// EmitFailure reports that a query exhausted its retry budget.
	EmitFailure(upstream net.Addr)

	// EmitMalformed reports a datagram too short to carry a DNS header. The source names the
	// socket it arrived on.
	EmitMalformed(source string)

	// EmitCapacityExceeded reports a client query dropped because no correlation key was free.
	EmitCapacityExceeded(client net.Addr)

	// EmitUnmatched reports an upstream datagram with no open session, such as a duplicate or
	// late reply.
	EmitUnmatched(upstream net.Addr)

	// EmitSessions reports the number of open sessions.
	EmitSessions(open int)

	// EmitError reports the occurrence of an unexpected error in the proxy lifecycle.
	EmitError()

	// Close releases the hook's connection to the metrics backend.
	Close() error
}

// AsyncStatsdSocketIOHook is an implementation of SocketIOHook that outputs metrics asynchronously
// to statsd.
type AsyncStatsdSocketIOHook struct {
	client *StatsdClient
	source string
}

// AsyncStatsdProxyHook is an implementation of ProxyHook that outputs metrics asynchronously to
// statsd.
type AsyncStatsdProxyHook struct {
	client *StatsdClient
}

// NoopSocketIOHook implements the SocketIOHook interface but noops on all emissions.
type NoopSocketIOHook struct{}

// NoopProxyHook implements the ProxyHook interface but noops on all emissions.
type NoopProxyHook struct{}

// NewAsyncStatsdSocketIOHook creates a new client with the specified source, statsd address, and
// statsd sample rate. The source denotes the socket on which the server is performing I/O.
func NewAsyncStatsdSocketIOHook(source string, addr string, sampleRate float32, version string) (SocketIOHook, error) {
	client, err := statsdClientFactory(addr, sampleRate, version)
	if err != nil {
		return nil, err
	}

	return &AsyncStatsdSocketIOHook{
		client: client,
		source: source,
	}, nil
}

// EmitReadError statsd implementation.
func (h *AsyncStatsdSocketIOHook) EmitReadError(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.read_error", h.source), 1, map[string]string{
		"addr": ipFromAddr(addr),
	})
}

// EmitWriteError statsd implementation.
func (h *AsyncStatsdSocketIOHook) EmitWriteError(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.write_error", h.source), 1, map[string]string{
		"addr": ipFromAddr(addr),
	})
}

// Close closes the statsd client.
func (h *AsyncStatsdSocketIOHook) Close() error {
	return h.client.Close()
}

// NewNoopSocketIOHook creates a noop implementation of SocketIOHook.
func NewNoopSocketIOHook() SocketIOHook {
	return &NoopSocketIOHook{}
}

// EmitReadError noops.
func (h *NoopSocketIOHook) EmitReadError(addr net.Addr) {}

// EmitWriteError noops.
func (h *NoopSocketIOHook) EmitWriteError(addr net.Addr) {}

// Close noops.
func (h *NoopSocketIOHook) Close() error { return nil }

// NewAsyncStatsdProxyHook creates a new client with the specified statsd address and sample rate.
func NewAsyncStatsdProxyHook(addr string, sampleRate float32, version string) (ProxyHook, error) {
	client, err := statsdClientFactory(addr, sampleRate, version)
	if err != nil {
		return nil, err
	}

	return &AsyncStatsdProxyHook{client}, nil
}

// EmitQuery statsd implementation
func (h *AsyncStatsdProxyHook) EmitQuery(client net.Addr) {
	go h.client.Count("event.proxy.query", 1, map[string]string{
		"addr": ipFromAddr(client),
	})
}

// EmitRequestSize statsd implementation
func (h *AsyncStatsdProxyHook) EmitRequestSize(bytes int64, client net.Addr) {
	go h.client.Size("size.proxy.request", bytes, map[string]string{
		"addr": ipFromAddr(client),
	})
}

// EmitResponseSize statsd implementation
func (h *AsyncStatsdProxyHook) EmitResponseSize(bytes int64, upstream net.Addr) {
	go h.client.Size("size.proxy.response", bytes, map[string]string{
		"addr": ipFromAddr(upstream),
	})
}

// EmitRTT statsd implementation
func (h *AsyncStatsdProxyHook) EmitRTT(latency time.Duration, client net.Addr, upstream net.Addr) {
	go h.client.Timing("latency.proxy.tx_rtt", latency, map[string]string{
		"client":   ipFromAddr(client),
		"upstream": ipFromAddr(upstream),
	})
}

// EmitUpstreamLatency statsd implementation
func (h *AsyncStatsdProxyHook) EmitUpstreamLatency(latency time.Duration, upstream net.Addr) {
	go h.client.Timing("latency.proxy.tx_upstream", latency, map[string]string{
		"upstream": ipFromAddr(upstream),
	})
}

// EmitRetry statsd implementation
func (h *AsyncStatsdProxyHook) EmitRetry(upstream net.Addr) {
	go h.client.Count("event.proxy.retry", 1, map[string]string{
		"upstream": ipFromAddr(upstream),
	})
}

// EmitFailure statsd implementation
func (h *AsyncStatsdProxyHook) EmitFailure(upstream net.Addr) {
	go h.client.Count("event.proxy.failure", 1, map[string]string{
		"upstream": ipFromAddr(upstream),
	})
}

// EmitMalformed statsd implementation
func (h *AsyncStatsdProxyHook) EmitMalformed(source string) {
	go h.client.Count("event.proxy.malformed", 1, map[string]string{
		"source": source,
	})
}

// EmitCapacityExceeded statsd implementation
func (h *AsyncStatsdProxyHook) EmitCapacityExceeded(client net.Addr) {
	go h.client.Count("event.proxy.capacity_exceeded", 1, map[string]string{
		"addr": ipFromAddr(client),
	})
}

// EmitUnmatched statsd implementation
func (h *AsyncStatsdProxyHook) EmitUnmatched(upstream net.Addr) {
	go h.client.Count("event.proxy.unmatched", 1, map[string]string{
		"upstream": ipFromAddr(upstream),
	})
}

// EmitSessions statsd implementation
func (h *AsyncStatsdProxyHook) EmitSessions(open int) {
	go h.client.Gauge("gauge.proxy.sessions", int64(open), nil)
}

// EmitError statsd implementation
func (h *AsyncStatsdProxyHook) EmitError() {
	go h.client.Count("event.proxy.error", 1, nil)
}

// Close closes the statsd client.
func (h *AsyncStatsdProxyHook) Close() error {
	return h.client.Close()
}

// NewNoopProxyHook creates a noop implementation of ProxyHook.
func NewNoopProxyHook() ProxyHook {
	return &NoopProxyHook{}
}

// EmitQuery noops.
func (h *NoopProxyHook) EmitQuery(client net.Addr) {}

// EmitRequestSize noops.
func (h *NoopProxyHook) EmitRequestSize(bytes int64, client net.Addr) {}

// EmitResponseSize noops.
func (h *NoopProxyHook) EmitResponseSize(bytes int64, upstream net.Addr) {}

// EmitRTT noops.
func (h *NoopProxyHook) EmitRTT(latency time.Duration, client net.Addr, upstream net.Addr) {}

// EmitUpstreamLatency noops.
func (h *NoopProxyHook) EmitUpstreamLatency(latency time.Duration, upstream net.Addr) {}

// EmitRetry noops.
func (h *NoopProxyHook) EmitRetry(upstream net.Addr) {}

// EmitFailure noops.
func (h *NoopProxyHook) EmitFailure(upstream net.Addr) {}

// EmitMalformed noops.
func (h *NoopProxyHook) EmitMalformed(source string) {}

// EmitCapacityExceeded noops.
func (h *NoopProxyHook) EmitCapacityExceeded(client net.Addr) {}

// EmitUnmatched noops.
func (h *NoopProxyHook) EmitUnmatched(upstream net.Addr) {}

// EmitSessions noops.
func (h *NoopProxyHook) EmitSessions(open int) {}

// EmitError noops.
func (h *NoopProxyHook) EmitError() {}

// Close noops.
func (h *NoopProxyHook) Close() error { return nil }

// statsdClientFactory creates a configured StatsdClient with reasonable defaults for the given
// statsd server address and sample rate.
func statsdClientFactory(addr string, sampleRate float32, version string) (*StatsdClient, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}

	defaultTags := map[string]string{
		"host": hostname,
	}

	if version != "" {
		defaultTags["version"] = version
	}

	return NewStatsdClient(addr, "dnsproxy", defaultTags, sampleRate)
}

// ipFromAddr returns the IP address from a full net.Addr, or null if unavailable.
func ipFromAddr(addr net.Addr) string {
	switch networkAddr := addr.(type) {
	case *net.UDPAddr:
		if networkAddr == nil {
			return "null"
		}
		return networkAddr.IP.String()
	default:
		return "null"
	}
}
