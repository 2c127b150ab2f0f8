// Package pool shares live venue sessions between consumers holding the same
// credentials. A session is dialed once per credential key, handed out with a
// reference count, and kept warm after the last holder releases it.
package pool

import (
	"context"
	"errors"
	"sync"
)

var errPoolClosed = errors.New("pool: closed")

// Session is the pooled resource. Venue adapter sessions satisfy this.
type Session interface {
	Close()
}

// Dialer creates a session for a credential key on first acquire.
type Dialer[S Session] func(ctx context.Context) (S, error)

// Handle is one consumer's reference to a shared session.
type Handle[S Session] struct {
	Session S

	pool     *Pool[S]
	key      string
	released bool
	mu       sync.Mutex
}

// Release drops this holder's reference. The session stays open and warm for
// the next Acquire even when the count reaches zero. Safe to call twice.
func (h *Handle[S]) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()
	h.pool.release(h.key)
}

type entry[S Session] struct {
	mu      sync.Mutex
	session S
	alive   bool
	refs    int
}

// Pool maps credential keys to shared sessions.
type Pool[S Session] struct {
	mu      sync.Mutex
	entries map[string]*entry[S]
	closed  bool
}

// New creates an empty pool.
func New[S Session]() *Pool[S] {
	return &Pool[S]{entries: make(map[string]*entry[S])}
}

// Acquire returns a handle on the session for key, dialing it via dial if no
// live session exists. Concurrent acquires for the same key serialize on the
// entry so exactly one dial happens; acquires for different keys proceed
// independently.
func (p *Pool[S]) Acquire(ctx context.Context, key string, dial Dialer[S]) (*Handle[S], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errPoolClosed
	}
	e, ok := p.entries[key]
	if !ok {
		e = &entry[S]{}
		p.entries[key] = e
	}
	p.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.alive {
		session, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		// ForceClose may have evicted the entry while the dial was in
		// flight; a session stored on it would escape the pool's lifecycle.
		p.mu.Lock()
		current, closed := p.entries[key], p.closed
		p.mu.Unlock()
		if closed || current != e {
			session.Close()
			if closed {
				return nil, errPoolClosed
			}
			return p.Acquire(ctx, key, dial)
		}
		e.session = session
		e.alive = true
	}
	e.refs++
	return &Handle[S]{Session: e.session, pool: p, key: key}, nil
}

// Refs reports the live reference count for key.
func (p *Pool[S]) Refs(key string) int {
	p.mu.Lock()
	e, ok := p.entries[key]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs
}

func (p *Pool[S]) release(key string) {
	p.mu.Lock()
	e, ok := p.entries[key]
	p.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.refs > 0 {
		e.refs--
	}
	e.mu.Unlock()
}

// ForceClose tears down the session for key regardless of outstanding
// references. Holders see their next operation fail and must re-acquire,
// which dials a fresh session.
func (p *Pool[S]) ForceClose(key string) {
	p.mu.Lock()
	e, ok := p.entries[key]
	delete(p.entries, key)
	p.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.alive {
		e.session.Close()
		e.alive = false
		e.refs = 0
	}
	e.mu.Unlock()
}

// Close tears down every session and rejects further acquires.
func (p *Pool[S]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	entries := make([]*entry[S], 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[string]*entry[S])
	p.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.alive {
			e.session.Close()
			e.alive = false
			e.refs = 0
		}
		e.mu.Unlock()
	}
}
