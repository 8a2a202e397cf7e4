package session

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"lib.kevinlin.info/aperture/lib"

	"dnsproxy/internal/data"
	"dnsproxy/internal/protocol"
)

var (
	// ErrCapacityExceeded is returned when every correlation key permitted by the table's
	// capacity is in use.
	ErrCapacityExceeded = errors.New("session: capacity exceeded")
	// ErrNotFound is returned when no open session holds the requested correlation key.
	ErrNotFound = errors.New("session: not found")
)

// Session is the bookkeeping record for one client query awaiting an upstream answer.
type Session struct {
	// Key is the correlation key used as the transaction ID on the upstream leg.
	Key uint16
	// Client is the address of the original requester.
	Client *net.UDPAddr
	// OriginalID is the transaction ID chosen by the client.
	OriginalID uint16
	// Query is the client's query with its transaction ID rewritten to Key.
	Query []byte
	// Upstream is the upstream address of the latest attempt.
	Upstream *net.UDPAddr
	// StartedAt is the time of the first upstream attempt.
	StartedAt time.Time
	// CreatedAt is the time of the latest upstream attempt.
	CreatedAt time.Time
	// Retries is the number of upstream attempts made after the first.
	Retries int

	// Stopwatch readouts started at the first and at the latest upstream attempt.
	sinceStart   func() time.Duration
	sinceAttempt func() time.Duration

	item *data.Item
}

// RTT returns the time elapsed since the query's first upstream attempt.
func (s *Session) RTT() time.Duration {
	return s.sinceStart()
}

// AttemptLatency returns the time elapsed since the query's latest upstream attempt.
func (s *Session) AttemptLatency() time.Duration {
	return s.sinceAttempt()
}

// Table is a concurrency-safe mapping from correlation keys to open sessions.
//
// A key leaves the pool when a session is opened and returns to it when the session is resolved,
// or, for sessions removed by SweepExpired, when the caller finalizes the session with Release.
// A swept session may instead be put back under the same key with Requeue.
type Table struct {
	sessions map[uint16]*Session
	swept    map[uint16]*Session
	expiry   *data.DeadlineQueue
	keys     *data.KeyPool
	mutex    sync.Mutex
}

// NewTable creates a table that holds at most capacity sessions at once. A non-positive capacity
// permits the entire 16-bit key space.
func NewTable(capacity int) *Table {
	return NewTableWithSource(capacity, rand.NewSource(time.Now().UnixNano()))
}

// NewTableWithSource creates a table that draws correlation keys using the specified random source.
func NewTableWithSource(capacity int, source rand.Source) *Table {
	return &Table{
		sessions: make(map[uint16]*Session),
		swept:    make(map[uint16]*Session),
		expiry:   data.NewDeadlineQueue(),
		keys:     data.NewKeyPool(capacity, source),
	}
}

// Open allocates a free correlation key and opens a session for a query received from client. The
// stored query is a copy of query with its transaction ID rewritten to the allocated key.
func (t *Table) Open(client *net.UDPAddr, originalID uint16, query []byte, upstream *net.UDPAddr, now time.Time) (*Session, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	key, ok := t.keys.Acquire()
	if !ok {
		return nil, errors.Wrapf(ErrCapacityExceeded, "capacity=%d", t.keys.Capacity())
	}

	rewritten, err := protocol.WithTransactionID(query, key)
	if err != nil {
		t.keys.Release(key)
		return nil, err
	}

	s := &Session{
		Key:        key,
		Client:     client,
		OriginalID: originalID,
		Query:      rewritten,
		Upstream:   upstream,
		StartedAt:  now,
		CreatedAt:  now,
	}

	rttTimer := lib.NewStopwatch()
	s.sinceStart = rttTimer.Elapsed
	s.sinceAttempt = rttTimer.Elapsed

	t.insert(s)

	return s, nil
}

// Resolve removes and returns the open session for key, releasing the key. Only the first call for
// a given session succeeds; later calls, and calls for keys whose session has expired, return
// ErrNotFound.
func (t *Table) Resolve(key uint16) (*Session, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	s, ok := t.sessions[key]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "key=%d", key)
	}

	delete(t.sessions, key)
	t.expiry.Remove(s.item)
	t.keys.Release(key)

	return s, nil
}

// SweepExpired removes and returns every open session whose latest attempt is at least timeout old,
// oldest first. The keys of swept sessions remain reserved until each is passed to Requeue or
// Release.
func (t *Table) SweepExpired(now time.Time, timeout time.Duration) []*Session {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var expired []*Session

	for {
		item, ok := t.expiry.PopExpired(now.Add(-timeout))
		if !ok {
			break
		}

		s := item.Value().(*Session)
		delete(t.sessions, s.Key)
		t.swept[s.Key] = s

		expired = append(expired, s)
	}

	return expired
}

// Requeue reopens a swept session under its original key for another upstream attempt, counting
// the retry and restarting its timeout at now.
func (t *Table) Requeue(s *Session, upstream *net.UDPAddr, now time.Time) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.swept[s.Key] != s {
		return errors.Wrapf(ErrNotFound, "key=%d", s.Key)
	}

	delete(t.swept, s.Key)

	s.Retries++
	s.CreatedAt = now
	s.Upstream = upstream
	attemptTimer := lib.NewStopwatch()
	s.sinceAttempt = attemptTimer.Elapsed

	t.insert(s)

	return nil
}

// Release finalizes a swept session and returns its key to the pool. It is a noop for sessions that
// are not awaiting finalization.
func (t *Table) Release(s *Session) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.swept[s.Key] != s {
		return
	}

	delete(t.swept, s.Key)
	t.keys.Release(s.Key)
}

// Len returns the number of open sessions.
func (t *Table) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return len(t.sessions)
}

// Reserved returns the number of correlation keys currently held, either by open sessions or by
// swept sessions awaiting finalization.
func (t *Table) Reserved() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.keys.InUse()
}

// Capacity returns the maximum number of keys that may be held at once.
func (t *Table) Capacity() int {
	return t.keys.Capacity()
}

func (t *Table) insert(s *Session) {
	t.sessions[s.Key] = s
	s.item = t.expiry.Push(s, s.CreatedAt)
}
