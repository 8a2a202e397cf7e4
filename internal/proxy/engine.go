package proxy

import (
	"context"
	"net"
	"time"

	"github.com/getsentry/raven-go"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"lib.kevinlin.info/aperture/lib"

	"dnsproxy/internal/log"
	"dnsproxy/internal/metrics"
	"dnsproxy/internal/network"
	"dnsproxy/internal/protocol"
	"dnsproxy/internal/session"
)

// Listener is the client-facing side of the engine.
type Listener interface {
	// ReceiveLoop passes client datagrams to the handler until ctx is cancelled.
	ReceiveLoop(ctx context.Context, handler network.PacketHandler) error

	// SendResponse transmits a datagram to a client.
	SendResponse(client *net.UDPAddr, payload []byte) error
}

// Forwarder is the upstream-facing side of the engine.
type Forwarder interface {
	// ReceiveLoop passes upstream datagrams to the handler until ctx is cancelled.
	ReceiveLoop(ctx context.Context, handler network.PacketHandler) error

	// Send transmits a query datagram to an upstream.
	Send(query []byte, upstream *net.UDPAddr) error

	// Upstream selects the upstream for an attempt of a query; attempt 0 is the first send.
	Upstream(attempt int) *net.UDPAddr

	// IsUpstream reports whether addr is a configured upstream.
	IsUpstream(addr *net.UDPAddr) bool
}

// EngineOpts formalizes configuration options for the engine.
type EngineOpts struct {
	// TimeoutPerAttempt is how long the engine waits for an upstream reply to a single attempt
	// before retrying or failing the query.
	TimeoutPerAttempt time.Duration
	// MaxRetries is the number of times a timed out query is re-sent upstream before it fails.
	// Zero disables retries.
	MaxRetries int
	// SweepInterval is the period of the timeout sweep. A query fails or is retried at most one
	// interval after its attempt times out.
	SweepInterval time.Duration
	// Capacity bounds the number of queries in flight at once. It may not exceed the 16-bit
	// correlation key space; non-positive values select the whole key space.
	Capacity int
	// FailurePolicy decides whether a query that exhausts its retries is answered with SERVFAIL
	// or dropped.
	FailurePolicy FailurePolicy
}

// Stats is a point-in-time snapshot of engine state.
type Stats struct {
	// OpenSessions is the number of queries awaiting an upstream reply.
	OpenSessions int
	// ReservedKeys is the number of correlation keys held, including those of timed out queries
	// being retried or finalized.
	ReservedKeys int
	// Capacity is the maximum number of correlation keys that may be held at once.
	Capacity int
}

// Engine forwards client queries to the upstream resolvers and relays the answers back. It
// implements network.PacketHandler for both of its sockets.
type Engine struct {
	listener  Listener
	forwarder Forwarder
	table     *session.Table
	proxyHook metrics.ProxyHook
	logger    log.Logger
	opts      EngineOpts
}

const (
	defaultTimeoutPerAttempt = 2 * time.Second
	defaultSweepInterval     = 500 * time.Millisecond
)

// NewEngine creates an engine serving the specified listener and forwarder. A zero timeout per
// attempt defaults to 2s and a zero sweep interval to 500ms.
func NewEngine(listener Listener, forwarder Forwarder, proxyHook metrics.ProxyHook, logger log.Logger, opts EngineOpts) *Engine {
	// Sane option defaults
	if opts.TimeoutPerAttempt <= 0 {
		opts.TimeoutPerAttempt = defaultTimeoutPerAttempt
	}

	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}

	if proxyHook == nil {
		proxyHook = metrics.NewNoopProxyHook()
	}

	return &Engine{
		listener:  listener,
		forwarder: forwarder,
		table:     session.NewTable(opts.Capacity),
		proxyHook: proxyHook,
		logger:    logger,
		opts:      opts,
	}
}

// Run serves both sockets and runs the timeout sweep until ctx is cancelled or a receive loop
// fails. Queries still in flight when Run returns are discarded.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.listener.ReceiveLoop(ctx, e) })
	g.Go(func() error { return e.forwarder.ReceiveLoop(ctx, e) })
	g.Go(func() error {
		e.sweepLoop(ctx)
		return nil
	})

	e.logger.Info(
		"proxy: serving: timeout=%v max_retries=%d sweep_interval=%v capacity=%d failure_policy=%s",
		e.opts.TimeoutPerAttempt,
		e.opts.MaxRetries,
		e.opts.SweepInterval,
		e.table.Capacity(),
		e.opts.FailurePolicy,
	)

	err := g.Wait()

	e.logger.Info("proxy: stopped: discarded_sessions=%d", e.table.Len())

	return err
}

// Stats returns a snapshot of the engine's session state.
func (e *Engine) Stats() Stats {
	return Stats{
		OpenSessions: e.table.Len(),
		ReservedKeys: e.table.Reserved(),
		Capacity:     e.table.Capacity(),
	}
}

// HandlePacket dispatches a datagram according to the socket it arrived on.
func (e *Engine) HandlePacket(ctx context.Context, payload []byte, addr *net.UDPAddr) {
	source, _ := network.SourceFromContext(ctx)

	switch source {
	case network.Client:
		e.handleQuery(payload, addr)
	case network.Upstream:
		e.handleReply(payload, addr)
	}
}

// ConsumeError logs an unexpected socket error and reports it.
func (e *Engine) ConsumeError(ctx context.Context, err error) {
	source, _ := network.SourceFromContext(ctx)

	e.logger.Error("proxy: %v", err)
	e.proxyHook.EmitError()

	raven.CaptureError(err, map[string]string{
		"source": source.String(),
	})
}

// handleQuery opens a session for a client query and forwards it upstream under the session's
// correlation key.
func (e *Engine) handleQuery(query []byte, client *net.UDPAddr) {
	originalID, err := protocol.TransactionID(query)
	if err != nil {
		e.logger.Warn("proxy: dropping malformed query: client=%s bytes=%d", client, len(query))
		e.proxyHook.EmitMalformed(network.Client.String())
		return
	}

	upstream := e.forwarder.Upstream(0)

	s, err := e.table.Open(client, originalID, query, upstream, time.Now())
	if err != nil {
		if errors.Is(err, session.ErrCapacityExceeded) {
			e.logger.Warn("proxy: dropping query; no free correlation key: client=%s err=%v", client, err)
			e.proxyHook.EmitCapacityExceeded(client)
			return
		}

		e.logger.Warn("proxy: dropping query: client=%s err=%v", client, err)
		return
	}

	e.proxyHook.EmitQuery(client)
	e.proxyHook.EmitRequestSize(int64(len(query)), client)

	if e.logger.Level().Enables(log.Info) {
		if summary, ok := protocol.Inspect(query); ok {
			e.logger.Info(
				"proxy: query: client=%s qname=%s qtype=%s",
				client.IP,
				summary.Name,
				summary.Type,
			)
		}
	}

	e.logger.Debug(
		"proxy: forwarding query: client=%s id=%d key=%d upstream=%s",
		client,
		originalID,
		s.Key,
		upstream,
	)

	// A failed send leaves the session open; the sweep retries it like a lost datagram.
	if err := e.forwarder.Send(s.Query, upstream); err != nil {
		e.logger.Warn("proxy: upstream send failed; awaiting retry: key=%d err=%v", s.Key, err)
	}
}

// handleReply matches an upstream reply to its session and delivers it to the client with the
// client's transaction ID restored.
func (e *Engine) handleReply(reply []byte, upstream *net.UDPAddr) {
	if !e.forwarder.IsUpstream(upstream) {
		e.logger.Debug("proxy: discarding datagram from unknown source: addr=%s", upstream)
		e.proxyHook.EmitUnmatched(upstream)
		return
	}

	key, err := protocol.TransactionID(reply)
	if err != nil {
		e.logger.Warn("proxy: dropping malformed reply: upstream=%s bytes=%d", upstream, len(reply))
		e.proxyHook.EmitMalformed(network.Upstream.String())
		return
	}

	s, err := e.table.Resolve(key)
	if err != nil {
		e.logger.Debug("proxy: discarding unmatched reply: upstream=%s key=%d", upstream, key)
		e.proxyHook.EmitUnmatched(upstream)
		return
	}

	resp, err := protocol.WithTransactionID(reply, s.OriginalID)
	if err != nil {
		// Unreachable; the reply was already validated.
		return
	}

	if err := e.listener.SendResponse(s.Client, resp); err != nil {
		e.logger.Error("proxy: %v", err)
		e.proxyHook.EmitError()
		return
	}

	rtt := s.RTT()

	e.proxyHook.EmitResponseSize(int64(len(resp)), upstream)
	e.proxyHook.EmitRTT(rtt, s.Client, upstream)
	e.proxyHook.EmitUpstreamLatency(s.AttemptLatency(), upstream)

	if e.logger.Level().Enables(log.Info) {
		if summary, ok := protocol.Inspect(resp); ok {
			e.logger.Info(
				"proxy: answer: client=%s qname=%s rcode=%s answers=%d addrs=%v rtt=%.2fms",
				s.Client.IP,
				summary.Name,
				summary.Rcode,
				summary.Answers,
				summary.Addrs,
				float64(rtt)/float64(time.Millisecond),
			)
		}
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.sweep(now)
		}
	}
}

// sweep retries or fails every session whose latest attempt has timed out as of now.
func (e *Engine) sweep(now time.Time) {
	sweepTimer := lib.NewStopwatch()
	expired := e.table.SweepExpired(now, e.opts.TimeoutPerAttempt)

	for _, s := range expired {
		if s.Retries < e.opts.MaxRetries {
			e.retry(s, now)
		} else {
			e.fail(s)
		}
	}

	e.proxyHook.EmitSessions(e.table.Len())

	if len(expired) > 0 {
		e.logger.Debug(
			"proxy: sweep completed: expired=%d open=%d elapsed=%v",
			len(expired),
			e.table.Len(),
			sweepTimer.Elapsed(),
		)
	}
}

// retry re-sends the session's query under the same correlation key.
func (e *Engine) retry(s *session.Session, now time.Time) {
	attempt := s.Retries + 1
	upstream := e.forwarder.Upstream(attempt)
	query := s.Query

	if err := e.table.Requeue(s, upstream, now); err != nil {
		e.logger.Error("proxy: error requeueing session: key=%d err=%v", s.Key, err)
		return
	}

	e.proxyHook.EmitRetry(upstream)
	e.logger.Debug("proxy: retrying query: key=%d attempt=%d upstream=%s", s.Key, attempt, upstream)

	if err := e.forwarder.Send(query, upstream); err != nil {
		e.logger.Warn("proxy: upstream send failed; awaiting retry: key=%d err=%v", s.Key, err)
	}
}

// fail finalizes a session that exhausted its retries according to the failure policy, then
// releases its correlation key.
func (e *Engine) fail(s *session.Session) {
	defer e.table.Release(s)

	e.proxyHook.EmitFailure(s.Upstream)
	e.logger.Warn(
		"proxy: query failed; no upstream reply: client=%s id=%d attempts=%d policy=%s",
		s.Client,
		s.OriginalID,
		s.Retries+1,
		e.opts.FailurePolicy,
	)

	if e.opts.FailurePolicy != ServerFailure {
		return
	}

	resp, err := protocol.ServerFailure(s.Query)
	if err != nil {
		return
	}

	if resp, err = protocol.WithTransactionID(resp, s.OriginalID); err != nil {
		return
	}

	if err := e.listener.SendResponse(s.Client, resp); err != nil {
		e.logger.Error("proxy: %v", err)
		e.proxyHook.EmitError()
	}
}
