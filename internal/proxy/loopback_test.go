package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"dnsproxy/internal/network"
)

// fakeUpstream is a loopback UDP resolver that records every query it receives and optionally
// answers it.
type fakeUpstream struct {
	conn    *net.UDPConn
	queries chan datagram
}

func newFakeUpstream(t *testing.T, answer bool) *fakeUpstream {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	u := &fakeUpstream{conn: conn, queries: make(chan datagram, 16)}

	go func() {
		buf := make([]byte, network.MaxDatagramSize)

		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}

			query := append([]byte(nil), buf[:n]...)
			u.queries <- datagram{payload: query, addr: addr, at: time.Now()}

			if !answer {
				continue
			}

			q := new(dns.Msg)
			if err := q.Unpack(query); err != nil {
				continue
			}

			a := new(dns.Msg)
			a.SetReply(q)
			a.Answer = append(a.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.IPv4(93, 184, 216, 34),
			})

			if reply, err := a.Pack(); err == nil {
				conn.WriteToUDP(reply, addr)
			}
		}
	}()

	return u
}

func (u *fakeUpstream) addr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

// startProxy runs an engine on loopback sockets and returns the client-facing address.
func startProxy(t *testing.T, upstream *fakeUpstream, opts EngineOpts) *net.UDPAddr {
	upstreams, err := network.NewUpstreams([]*net.UDPAddr{upstream.addr()}, network.RoundRobin)
	require.NoError(t, err)

	forwarder := network.NewUpstreamForwarder(upstreams, network.UpstreamForwarderOpts{
		LocalAddress: "127.0.0.1:0",
	})
	require.NoError(t, forwarder.Listen())

	listener := network.NewClientListener("127.0.0.1:0", network.ClientListenerOpts{})
	require.NoError(t, listener.Listen())

	engine := NewEngine(listener, forwarder, nil, newRecordingLogger(), opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return listener.Addr().(*net.UDPAddr)
}

func dialProxy(t *testing.T, proxyAddr *net.UDPAddr) *net.UDPConn {
	conn, err := net.DialUDP("udp", nil, proxyAddr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func readMsg(t *testing.T, conn *net.UDPConn, timeout time.Duration) *dns.Msg {
	buf := make([]byte, network.MaxDatagramSize)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	n, err := conn.Read(buf)
	require.NoError(t, err)

	m := new(dns.Msg)
	require.NoError(t, m.Unpack(buf[:n]))

	return m
}

func TestLoopbackAnswer(t *testing.T) {
	upstream := newFakeUpstream(t, true)
	client := dialProxy(t, startProxy(t, upstream, EngineOpts{}))

	query := packQuery(t, 0x1234, "example.com.", dns.TypeA)
	_, err := client.Write(query)
	require.NoError(t, err)

	forwarded := <-upstream.queries
	require.Equal(t, query[2:], forwarded.payload[2:])

	answer := readMsg(t, client, 2*time.Second)
	require.Equal(t, uint16(0x1234), answer.Id)
	require.Equal(t, dns.RcodeSuccess, answer.Rcode)
	require.Len(t, answer.Answer, 1)
	require.Equal(t, "93.184.216.34", answer.Answer[0].(*dns.A).A.String())
}

func TestLoopbackRetriesThenServerFailure(t *testing.T) {
	timeout := 100 * time.Millisecond

	upstream := newFakeUpstream(t, false)
	client := dialProxy(t, startProxy(t, upstream, EngineOpts{
		TimeoutPerAttempt: timeout,
		MaxRetries:        2,
		SweepInterval:     10 * time.Millisecond,
		FailurePolicy:     ServerFailure,
	}))

	_, err := client.Write(packQuery(t, 0xabcd, "example.com.", dns.TypeA))
	require.NoError(t, err)

	failure := readMsg(t, client, 2*time.Second)
	require.Equal(t, uint16(0xabcd), failure.Id)
	require.Equal(t, dns.RcodeServerFailure, failure.Rcode)

	// The initial attempt plus two retries, each identical and spaced by at least the timeout.
	attempts := []datagram{<-upstream.queries, <-upstream.queries, <-upstream.queries}
	for i := 1; i < len(attempts); i++ {
		require.Equal(t, attempts[0].payload, attempts[i].payload)
		require.GreaterOrEqual(t, attempts[i].at.Sub(attempts[i-1].at), timeout-5*time.Millisecond)
	}

	select {
	case <-upstream.queries:
		t.Fatal("unexpected fourth attempt")
	case <-time.After(3 * timeout):
	}
}

func TestLoopbackDrop(t *testing.T) {
	upstream := newFakeUpstream(t, false)
	client := dialProxy(t, startProxy(t, upstream, EngineOpts{
		TimeoutPerAttempt: 50 * time.Millisecond,
		MaxRetries:        0,
		SweepInterval:     10 * time.Millisecond,
		FailurePolicy:     Drop,
	}))

	_, err := client.Write(packQuery(t, 1, "example.com.", dns.TypeA))
	require.NoError(t, err)

	<-upstream.queries

	buf := make([]byte, network.MaxDatagramSize)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, err = client.Read(buf)
	require.Error(t, err, "dropped queries receive no response")
}
