// Package statecache holds last-known-value projections of remote trading
// state, with a per-key readiness signal consumed by adapter read paths.
package statecache

import (
	"context"
	"sync"
	"time"
)

// readyFlag is a level-triggered signal. The channel is closed on the first
// authoritative update and replaced by a fresh open channel when cleared, so
// waiters blocked across a clear still wake on the next update.
type readyFlag struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newReadyFlag() *readyFlag {
	return &readyFlag{ch: make(chan struct{})}
}

func (f *readyFlag) mark() {
	f.mu.Lock()
	if !f.set {
		f.set = true
		close(f.ch)
	}
	f.mu.Unlock()
}

func (f *readyFlag) clear() {
	f.mu.Lock()
	if f.set {
		f.set = false
		f.ch = make(chan struct{})
	}
	f.mu.Unlock()
}

func (f *readyFlag) isSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

func (f *readyFlag) wait() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch
}

// Projection maps keys (symbols, order ids) to the latest value received from
// a stream. Values are replaced wholesale so concurrent readers never observe
// a partially updated record. One session handler writes; any number of
// callers read.
type Projection[V any] struct {
	name string

	mu     sync.RWMutex
	values map[string]V
	flags  map[string]*readyFlag
}

// NewProjection creates an empty projection. The name appears in log output
// only.
func NewProjection[V any](name string) *Projection[V] {
	return &Projection[V]{
		name:   name,
		values: make(map[string]V),
		flags:  make(map[string]*readyFlag),
	}
}

// Name returns the projection's label.
func (p *Projection[V]) Name() string { return p.name }

func (p *Projection[V]) flag(key string) *readyFlag {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flagLocked(key)
}

func (p *Projection[V]) flagLocked(key string) *readyFlag {
	f, ok := p.flags[key]
	if !ok {
		f = newReadyFlag()
		p.flags[key] = f
	}
	return f
}

// Update stores the latest value for key and marks the key ready.
func (p *Projection[V]) Update(key string, value V) {
	p.mu.Lock()
	p.values[key] = value
	f := p.flagLocked(key)
	p.mu.Unlock()
	f.mark()
}

// Remove deletes the entry for key. Removal is itself an authoritative update
// ("this entity no longer exists"), distinct from never having heard about
// the key, so the readiness flag is set.
func (p *Projection[V]) Remove(key string) {
	p.mu.Lock()
	delete(p.values, key)
	f := p.flagLocked(key)
	p.mu.Unlock()
	f.mark()
}

// MarkReady declares that the absence of data for key is a valid, final
// answer. Used by venues that push a full initial snapshot: every key covered
// by the snapshot scope becomes ready even when the snapshot carried no entry
// for it.
func (p *Projection[V]) MarkReady(key string) {
	p.flag(key).mark()
}

// Get returns the cached value for key.
func (p *Projection[V]) Get(key string) (V, bool) {
	p.mu.RLock()
	v, ok := p.values[key]
	p.mu.RUnlock()
	return v, ok
}

// All returns a copy of every cached entry.
func (p *Projection[V]) All() map[string]V {
	p.mu.RLock()
	out := make(map[string]V, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	p.mu.RUnlock()
	return out
}

// Ready reports whether key has received an authoritative update since the
// last Reset.
func (p *Projection[V]) Ready(key string) bool {
	return p.flag(key).isSet()
}

// WaitReady blocks until key becomes ready, the timeout elapses, or ctx is
// cancelled. It returns true only when the key is ready.
func (p *Projection[V]) WaitReady(ctx context.Context, key string, timeout time.Duration) bool {
	f := p.flag(key)
	if f.isSet() {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.wait():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Reset clears every cached value and readiness flag. Called by the owning
// session on reconnect, before subscriptions are replayed, so stale data is
// never served as fresh across a reconnect boundary.
func (p *Projection[V]) Reset() {
	p.mu.Lock()
	p.values = make(map[string]V)
	flags := make([]*readyFlag, 0, len(p.flags))
	for _, f := range p.flags {
		flags = append(flags, f)
	}
	p.mu.Unlock()
	for _, f := range flags {
		f.clear()
	}
}
