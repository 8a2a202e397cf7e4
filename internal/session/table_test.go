package session

import (
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"dnsproxy/internal/protocol"
)

var (
	testClient   = &net.UDPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 5353}
	testUpstream = &net.UDPAddr{IP: net.IPv4(192, 0, 2, 53), Port: 53}
)

func testQuery(id uint16) []byte {
	query := []byte{0, 0, 0x01, 0x00, 0, 1, 0, 0, 0, 0, 0, 0, 7, 'e', 'x', 'a', 'm', 'p', 'l', 'e', 0, 0, 1, 0, 1}
	query[0], query[1] = byte(id>>8), byte(id)
	return query
}

func TestOpenResolve(t *testing.T) {
	table := NewTable(0)
	now := time.Now()

	s, err := table.Open(testClient, 0x1234, testQuery(0x1234), testUpstream, now)
	require.NoError(t, err)
	require.Equal(t, 1, table.Len())

	id, err := protocol.TransactionID(s.Query)
	require.NoError(t, err)
	require.Equal(t, s.Key, id)
	require.Equal(t, testQuery(0x1234)[2:], s.Query[2:])

	resolved, err := table.Resolve(s.Key)
	require.NoError(t, err)
	require.Same(t, s, resolved)
	require.Equal(t, uint16(0x1234), resolved.OriginalID)
	require.Equal(t, testClient, resolved.Client)
	require.Equal(t, 0, table.Len())
	require.Equal(t, 0, table.Reserved())
}

func TestResolveTwice(t *testing.T) {
	table := NewTable(0)

	s, err := table.Open(testClient, 1, testQuery(1), testUpstream, time.Now())
	require.NoError(t, err)

	_, err = table.Resolve(s.Key)
	require.NoError(t, err)

	_, err = table.Resolve(s.Key)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestOpenMalformed(t *testing.T) {
	table := NewTable(1)

	_, err := table.Open(testClient, 1, []byte{1, 2, 3, 4, 5}, testUpstream, time.Now())
	require.True(t, errors.Is(err, protocol.ErrMalformedMessage))
	require.Equal(t, 0, table.Reserved())
}

func TestCapacityExceeded(t *testing.T) {
	table := NewTable(2)
	now := time.Now()

	first, err := table.Open(testClient, 1, testQuery(1), testUpstream, now)
	require.NoError(t, err)
	_, err = table.Open(testClient, 2, testQuery(2), testUpstream, now)
	require.NoError(t, err)

	_, err = table.Open(testClient, 3, testQuery(3), testUpstream, now)
	require.True(t, errors.Is(err, ErrCapacityExceeded))

	_, err = table.Resolve(first.Key)
	require.NoError(t, err)

	_, err = table.Open(testClient, 3, testQuery(3), testUpstream, now)
	require.NoError(t, err)
}

func TestSweepExpired(t *testing.T) {
	table := NewTableWithSource(0, rand.NewSource(1))
	start := time.Now()

	old, err := table.Open(testClient, 1, testQuery(1), testUpstream, start)
	require.NoError(t, err)
	fresh, err := table.Open(testClient, 2, testQuery(2), testUpstream, start.Add(time.Second))
	require.NoError(t, err)

	require.Empty(t, table.SweepExpired(start.Add(1999*time.Millisecond), 2*time.Second))

	expired := table.SweepExpired(start.Add(2*time.Second), 2*time.Second)
	require.Equal(t, []*Session{old}, expired)
	require.Equal(t, 1, table.Len())
	require.Equal(t, 2, table.Reserved(), "swept keys stay reserved until finalized")

	// A late reply for the swept session is not delivered.
	_, err = table.Resolve(old.Key)
	require.True(t, errors.Is(err, ErrNotFound))

	table.Release(old)
	table.Release(old)
	require.Equal(t, 1, table.Reserved())

	_, err = table.Resolve(fresh.Key)
	require.NoError(t, err)
	require.Empty(t, table.SweepExpired(start.Add(time.Hour), 2*time.Second))
}

func TestSweepOrder(t *testing.T) {
	table := NewTable(0)
	start := time.Now()

	var opened []*Session
	for i := 0; i < 5; i++ {
		s, err := table.Open(testClient, uint16(i), testQuery(uint16(i)), testUpstream, start.Add(time.Duration(4-i)*time.Millisecond))
		require.NoError(t, err)
		opened = append(opened, s)
	}

	expired := table.SweepExpired(start.Add(time.Second), time.Millisecond)
	require.Len(t, expired, 5)
	for i := range expired {
		require.Same(t, opened[4-i], expired[i])
	}
}

func TestRequeue(t *testing.T) {
	table := NewTable(0)
	start := time.Now()
	retryUpstream := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 54), Port: 53}

	s, err := table.Open(testClient, 7, testQuery(7), testUpstream, start)
	require.NoError(t, err)
	key := s.Key

	expired := table.SweepExpired(start.Add(2*time.Second), 2*time.Second)
	require.Len(t, expired, 1)

	require.NoError(t, table.Requeue(s, retryUpstream, start.Add(2*time.Second)))
	require.Equal(t, 1, s.Retries)
	require.Equal(t, key, s.Key)
	require.Equal(t, start, s.StartedAt)
	require.Equal(t, start.Add(2*time.Second), s.CreatedAt)
	require.Equal(t, retryUpstream, s.Upstream)

	require.Error(t, table.Requeue(s, retryUpstream, start), "only swept sessions can be requeued")

	require.Empty(t, table.SweepExpired(start.Add(3*time.Second), 2*time.Second))

	resolved, err := table.Resolve(key)
	require.NoError(t, err)
	require.Same(t, s, resolved)
	require.Equal(t, 0, table.Reserved())
}

func TestAttemptLatency(t *testing.T) {
	table := NewTable(0)
	start := time.Now()

	s, err := table.Open(testClient, 7, testQuery(7), testUpstream, start)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.GreaterOrEqual(t, s.RTT(), 20*time.Millisecond)
	require.GreaterOrEqual(t, s.AttemptLatency(), 20*time.Millisecond)

	require.Len(t, table.SweepExpired(start.Add(time.Second), time.Second), 1)
	require.NoError(t, table.Requeue(s, testUpstream, start.Add(time.Second)))

	// A retry restarts the attempt stopwatch but not the round trip.
	require.Less(t, s.AttemptLatency(), 20*time.Millisecond)
	require.GreaterOrEqual(t, s.RTT(), 20*time.Millisecond)
}

func TestConcurrentOpenUniqueKeys(t *testing.T) {
	const (
		workers   = 8
		perWorker = 500
	)

	table := NewTable(workers * perWorker)
	keys := make(chan uint16, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for i := 0; i < perWorker; i++ {
				s, err := table.Open(testClient, uint16(i), testQuery(uint16(i)), testUpstream, time.Now())
				if err != nil {
					t.Error(err)
					return
				}
				keys <- s.Key
			}
		}()
	}
	wg.Wait()
	close(keys)

	seen := make(map[uint16]bool)
	for key := range keys {
		require.False(t, seen[key], "key %d opened twice", key)
		seen[key] = true
	}
	require.Len(t, seen, workers*perWorker)
	require.Equal(t, workers*perWorker, table.Len())

	_, err := table.Open(testClient, 1, testQuery(1), testUpstream, time.Now())
	require.True(t, errors.Is(err, ErrCapacityExceeded))
}

func TestConcurrentResolveAndSweep(t *testing.T) {
	table := NewTable(0)
	start := time.Now()

	var sessions []*Session
	for i := 0; i < 1000; i++ {
		s, err := table.Open(testClient, uint16(i), testQuery(uint16(i)), testUpstream, start)
		require.NoError(t, err)
		sessions = append(sessions, s)
	}

	var (
		wg       sync.WaitGroup
		resolved int
		swept    []*Session
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, s := range sessions {
			if _, err := table.Resolve(s.Key); err == nil {
				resolved++
			}
		}
	}()
	go func() {
		defer wg.Done()
		swept = table.SweepExpired(start.Add(time.Second), time.Second)
	}()
	wg.Wait()

	// Every session is closed exactly once, by one path or the other.
	require.Equal(t, len(sessions), resolved+len(swept))
	require.Equal(t, 0, table.Len())
}
