package session

import "sync"

// pendingCalls tracks in-flight requests awaiting responses on a
// stream transport. The read pump delivers responses by ID; callers
// that give up (timeout, cancellation) drop their slot, and any late
// response is then discarded by the pump rather than leaking or being
// delivered to the wrong caller.
type pendingCalls struct {
	mu     sync.Mutex
	m      map[int64]chan *Response
	failed error
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{m: make(map[int64]chan *Response)}
}

// add registers a waiter for the given request ID. Returns the failure
// error if the transport has already died, so callers fail fast
// instead of blocking forever.
func (p *pendingCalls) add(id int64) (<-chan *Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed != nil {
		return nil, p.failed
	}
	ch := make(chan *Response, 1)
	p.m[id] = ch
	return ch, nil
}

// drop abandons a waiter. Safe to call after the response was
// delivered or the table failed (no-op).
func (p *pendingCalls) drop(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, id)
}

// deliver hands a response to its waiter. Returns false when no waiter
// is registered for the ID (a late response after a dropped call, or a
// message the transport does not recognize); the caller decides how to
// log it.
func (p *pendingCalls) deliver(resp *Response) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.m[resp.ID]
	if !ok {
		return false
	}
	delete(p.m, resp.ID)
	// Buffered channel of one slot; the waiter may already be gone but
	// the send never blocks.
	ch <- resp
	return true
}

// fail marks the table dead and wakes every waiter by closing its
// channel. Subsequent add calls return the recorded error.
func (p *pendingCalls) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed != nil {
		return
	}
	p.failed = err
	for id, ch := range p.m {
		close(ch)
		delete(p.m, id)
	}
}

// err returns the recorded failure, if any.
func (p *pendingCalls) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}
