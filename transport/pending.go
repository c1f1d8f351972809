package transport

import (
	"sync"
	"time"
)

// pendingCall is the engine-side record of one outstanding tagged call.
type pendingCall struct {
	id      uint32
	key     string
	created time.Time
	done    chan result // buffered, receives exactly one result
}

type result struct {
	body []byte
	err  error
}

type lookup uint8

const (
	lookupMissing lookup = iota
	lookupResolved
	lookupKeyMismatch
)

// pendingTable maps correlation ids to waiting callers for one session.
// Every removal goes through the mutex, which is what makes resolution,
// timeout and cancellation mutually exclusive for a given call.
type pendingTable struct {
	mu     sync.Mutex
	calls  map[uint32]*pendingCall
	last   uint32
	max    int
	closed error
}

func newPendingTable(role Role, max int) *pendingTable {
	t := &pendingTable{
		calls: make(map[uint32]*pendingCall),
		max:   max,
	}
	// the first allocation adds 2: dialers start at 1, acceptors at 2
	if role == RoleAcceptor {
		t.last = 0
	} else {
		t.last = ^uint32(0)
	}
	return t
}

// insert allocates an id not currently outstanding and registers a call.
// The counter wraps around; ids still pending and id 0 are skipped.
func (t *pendingTable) insert(key string) (*pendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		return nil, t.closed
	}
	if t.max > 0 && len(t.calls) >= t.max {
		return nil, ErrTooManyPending
	}

	// at most len(t.calls) candidates can be taken, plus id 0
	for tries := 0; tries <= len(t.calls)+1; tries++ {
		t.last += 2
		if t.last == 0 {
			continue
		}
		if _, busy := t.calls[t.last]; busy {
			continue
		}
		p := &pendingCall{
			id:      t.last,
			key:     key,
			created: time.Now(),
			done:    make(chan result, 1),
		}
		t.calls[p.id] = p
		return p, nil
	}
	return nil, ErrTooManyPending
}

// take removes and returns the call waiting on id if its key matches.
// A key mismatch leaves the entry in place for the caller to fail the
// connection.
func (t *pendingTable) take(id uint32, key string) (*pendingCall, lookup) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.calls[id]
	if !ok {
		return nil, lookupMissing
	}
	if p.key != key {
		return p, lookupKeyMismatch
	}
	delete(t.calls, id)
	return p, lookupResolved
}

// remove deletes p if it is still registered. It reports false when a
// response or a cancellation got there first.
func (t *pendingTable) remove(p *pendingCall) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.calls[p.id]; !ok || cur != p {
		return false
	}
	delete(t.calls, p.id)
	return true
}

// drain empties the table and refuses further inserts with err.
func (t *pendingTable) drain(err error) []*pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = err
	out := make([]*pendingCall, 0, len(t.calls))
	for id, p := range t.calls {
		out = append(out, p)
		delete(t.calls, id)
	}
	return out
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
