// Package shared holds adapter infrastructure common to every venue: order
// book maintenance over snapshot feeds, readiness-gated reads and symbol
// bookkeeping helpers.
package shared

import (
	"context"
	"sync"

	"github.com/gammazero/deque"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/book"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/observability"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/schema"
)

// BookDelta is one sequenced depth update covering [First, Last].
type BookDelta struct {
	First uint64
	Last  uint64
	Bids  []schema.BookLevel
	Asks  []schema.BookLevel
}

// SnapshotFunc fetches a full book snapshot with its sequence cursor.
type SnapshotFunc func(ctx context.Context) (bids, asks []schema.BookLevel, cursor uint64, err error)

// BookMaintainer keeps one symbol's reconstructor in sync with its delta
// stream. Deltas arriving while a snapshot fetch is in flight are buffered and
// replayed once the snapshot lands; a sequence gap triggers a fresh snapshot
// fetch automatically.
type BookMaintainer struct {
	venue  string
	rec    *book.Reconstructor
	fetch  SnapshotFunc
	logger observability.Logger

	mu      sync.Mutex
	syncing bool
	queue   deque.Deque[BookDelta]
}

// NewBookMaintainer wires a reconstructor to its snapshot source.
func NewBookMaintainer(venue string, rec *book.Reconstructor, fetch SnapshotFunc, logger observability.Logger) *BookMaintainer {
	if logger == nil {
		logger = observability.Log()
	}
	return &BookMaintainer{venue: venue, rec: rec, fetch: fetch, logger: logger}
}

// Symbol returns the maintained symbol.
func (m *BookMaintainer) Symbol() string { return m.rec.Symbol() }

// Ready reports whether the book holds a valid snapshot.
func (m *BookMaintainer) Ready() bool { return m.rec.Armed() }

// Book reads the current book at the requested depth.
func (m *BookMaintainer) Book(depth int) schema.OrderBook {
	return m.rec.Read(depth)
}

// ApplySnapshot installs a feed-delivered snapshot directly, bypassing the
// snapshot fetch. It supersedes any buffered deltas. If a fetch is in flight
// its stale result may briefly overwrite this snapshot; the next delta then
// gaps and triggers a fresh resync.
func (m *BookMaintainer) ApplySnapshot(bids, asks []schema.BookLevel, cursor uint64) {
	m.mu.Lock()
	m.queue.Clear()
	m.syncing = false
	m.mu.Unlock()
	m.rec.ApplySnapshot(bids, asks, cursor)
}

// Invalidate drops the current snapshot so reads report not-ready until the
// feed delivers a fresh one. Called on stream reconnect.
func (m *BookMaintainer) Invalidate() {
	m.mu.Lock()
	m.queue.Clear()
	m.syncing = false
	m.mu.Unlock()
	m.rec.Reset()
}

// OnDelta feeds one stream update into the book. While a resync is in flight
// the delta is queued; a detected gap starts a resync in the background.
func (m *BookMaintainer) OnDelta(ctx context.Context, d BookDelta) {
	m.mu.Lock()
	if m.syncing {
		m.queue.PushBack(d)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	switch m.rec.ApplyDelta(d.First, d.Last, d.Bids, d.Asks) {
	case book.Applied, book.Duplicate:
	case book.Gap:
		m.logger.Info("book sequence gap, resyncing",
			observability.Field{Key: "venue", Value: m.venue},
			observability.Field{Key: "symbol", Value: m.rec.Symbol()},
			observability.Field{Key: "first", Value: d.First},
			observability.Field{Key: "cursor", Value: m.rec.Cursor()})
		m.startResync(ctx, d)
	case book.NoSnapshot:
		m.startResync(ctx, d)
	}
}

// startResync buffers the triggering delta and launches the snapshot fetch
// unless one is already running.
func (m *BookMaintainer) startResync(ctx context.Context, pending BookDelta) {
	m.mu.Lock()
	m.queue.PushBack(pending)
	if m.syncing {
		m.mu.Unlock()
		return
	}
	m.syncing = true
	m.mu.Unlock()

	go m.resync(ctx)
}

// Resync discards the book and rebuilds it from a fresh snapshot, then drains
// any deltas buffered during the fetch. Called by the owning session on
// reconnect, after the delta subscription is re-established.
func (m *BookMaintainer) Resync(ctx context.Context) error {
	m.mu.Lock()
	if m.syncing {
		m.mu.Unlock()
		return nil
	}
	m.syncing = true
	m.mu.Unlock()
	return m.resync(ctx)
}

func (m *BookMaintainer) resync(ctx context.Context) error {
	m.rec.Reset()

	bids, asks, cursor, err := m.fetch(ctx)
	if err != nil {
		m.logger.Error("book snapshot fetch failed",
			observability.Field{Key: "venue", Value: m.venue},
			observability.Field{Key: "symbol", Value: m.rec.Symbol()},
			observability.Field{Key: "error", Value: err.Error()})
		m.mu.Lock()
		m.syncing = false
		m.queue.Clear()
		m.mu.Unlock()
		return err
	}
	m.rec.ApplySnapshot(bids, asks, cursor)

	for {
		m.mu.Lock()
		if m.queue.Len() == 0 {
			m.syncing = false
			m.mu.Unlock()
			return nil
		}
		d := m.queue.PopFront()
		m.mu.Unlock()

		switch m.rec.ApplyDelta(d.First, d.Last, d.Bids, d.Asks) {
		case book.Applied, book.Duplicate:
		case book.Gap, book.NoSnapshot:
			// The buffered run itself is broken; drop the rest and let the
			// next live delta trigger another resync.
			m.mu.Lock()
			m.queue.Clear()
			m.syncing = false
			m.mu.Unlock()
			return nil
		}
	}
}
