// Package book maintains incrementally reconstructed order books from
// snapshot and delta streams under a strict sequence-number discipline.
package book

import (
	"sort"
	"sync"
	"time"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/schema"
)

// ChangeMode declares how delta sizes are interpreted.
type ChangeMode int

const (
	// SizeAbsolute means a change carries the new resting size for the level.
	SizeAbsolute ChangeMode = iota
	// SizeDelta means a change is added to the current resting size.
	SizeDelta
)

// ApplyResult reports the outcome of a delta application.
type ApplyResult int

const (
	// Applied means the delta advanced the book.
	Applied ApplyResult = iota
	// Gap means a sequence discontinuity was detected; the caller must apply
	// a fresh snapshot before any further delta is accepted.
	Gap
	// Duplicate means the delta's range was already consumed; no-op.
	Duplicate
	// NoSnapshot means no snapshot is armed (either none was ever applied or
	// a gap invalidated the book); the delta was discarded.
	NoSnapshot
)

// Reconstructor rebuilds one symbol's book from snapshot plus ordered deltas.
// The owning session handler is the only writer; readers may call Read
// concurrently.
type Reconstructor struct {
	symbol   string
	maxDepth int
	mode     ChangeMode

	mu     sync.RWMutex
	bids   map[string]schema.BookLevel
	asks   map[string]schema.BookLevel
	sorted struct {
		bids []schema.BookLevel
		asks []schema.BookLevel
	}
	cursor uint64
	armed  bool
}

// New creates a reconstructor for symbol, keeping at most maxDepth levels per
// side after every mutation.
func New(symbol string, maxDepth int, mode ChangeMode) *Reconstructor {
	if maxDepth <= 0 {
		maxDepth = 200
	}
	return &Reconstructor{
		symbol:   symbol,
		maxDepth: maxDepth,
		mode:     mode,
		bids:     make(map[string]schema.BookLevel),
		asks:     make(map[string]schema.BookLevel),
	}
}

// Symbol returns the symbol this book tracks.
func (r *Reconstructor) Symbol() string { return r.symbol }

// Cursor returns the last accepted sequence number.
func (r *Reconstructor) Cursor() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cursor
}

// Armed reports whether the book holds a valid snapshot and accepts deltas.
func (r *Reconstructor) Armed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.armed
}

// ApplySnapshot replaces the book wholesale and arms delta application from
// the given cursor.
func (r *Reconstructor) ApplySnapshot(bids, asks []schema.BookLevel, cursor uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bids = make(map[string]schema.BookLevel, len(bids))
	r.asks = make(map[string]schema.BookLevel, len(asks))
	for _, lvl := range bids {
		if lvl.Size.Sign() > 0 {
			r.bids[lvl.Price.String()] = lvl
		}
	}
	for _, lvl := range asks {
		if lvl.Size.Sign() > 0 {
			r.asks[lvl.Price.String()] = lvl
		}
	}
	r.cursor = cursor
	r.armed = true
	r.resortLocked()
}

// ApplyDelta applies one delta message covering sequence numbers
// [first, last]. A delta is accepted only when it extends the cursor
// contiguously; any other relation latches the awaiting-snapshot state.
func (r *Reconstructor) ApplyDelta(first, last uint64, bidChanges, askChanges []schema.BookLevel) ApplyResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.armed {
		return NoSnapshot
	}
	if last <= r.cursor {
		return Duplicate
	}
	contiguous := first == r.cursor+1
	// Absolute-size feeds tolerate a delta range that straddles the snapshot
	// cursor: re-applying already-covered levels is idempotent.
	if !contiguous && r.mode == SizeAbsolute && first <= r.cursor+1 && last >= r.cursor+1 {
		contiguous = true
	}
	if !contiguous {
		r.armed = false
		return Gap
	}

	for _, ch := range bidChanges {
		r.applyChangeLocked(r.bids, ch)
	}
	for _, ch := range askChanges {
		r.applyChangeLocked(r.asks, ch)
	}
	r.cursor = last
	r.resortLocked()
	return Applied
}

func (r *Reconstructor) applyChangeLocked(side map[string]schema.BookLevel, ch schema.BookLevel) {
	key := ch.Price.String()
	size := ch.Size
	if r.mode == SizeDelta {
		if cur, ok := side[key]; ok {
			size = cur.Size.Add(ch.Size)
		}
	}
	if size.Sign() <= 0 {
		delete(side, key)
		return
	}
	side[key] = schema.BookLevel{Price: ch.Price, Size: size}
}

// resortLocked rebuilds the maintained sort order (bids descending, asks
// ascending) and truncates both sides to maxDepth.
func (r *Reconstructor) resortLocked() {
	bids := make([]schema.BookLevel, 0, len(r.bids))
	for _, lvl := range r.bids {
		bids = append(bids, lvl)
	}
	asks := make([]schema.BookLevel, 0, len(r.asks))
	for _, lvl := range r.asks {
		asks = append(asks, lvl)
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })

	if len(bids) > r.maxDepth {
		bids = bids[:r.maxDepth]
		trimmed := make(map[string]schema.BookLevel, len(bids))
		for _, lvl := range bids {
			trimmed[lvl.Price.String()] = lvl
		}
		r.bids = trimmed
	}
	if len(asks) > r.maxDepth {
		asks = asks[:r.maxDepth]
		trimmed := make(map[string]schema.BookLevel, len(asks))
		for _, lvl := range asks {
			trimmed[lvl.Price.String()] = lvl
		}
		r.asks = trimmed
	}
	r.sorted.bids = bids
	r.sorted.asks = asks
}

// Read returns at most depth levels per side from the maintained order. It
// never re-sorts at read time.
func (r *Reconstructor) Read(depth int) schema.OrderBook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if depth <= 0 || depth > r.maxDepth {
		depth = r.maxDepth
	}
	ob := schema.OrderBook{
		Symbol:     r.symbol,
		Sequence:   r.cursor,
		CapturedAt: time.Now().UTC(),
	}
	n := depth
	if n > len(r.sorted.bids) {
		n = len(r.sorted.bids)
	}
	ob.Bids = append([]schema.BookLevel(nil), r.sorted.bids[:n]...)
	n = depth
	if n > len(r.sorted.asks) {
		n = len(r.sorted.asks)
	}
	ob.Asks = append([]schema.BookLevel(nil), r.sorted.asks[:n]...)
	return ob
}

// BestBid returns the highest resting bid.
func (r *Reconstructor) BestBid() (schema.BookLevel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.sorted.bids) == 0 {
		return schema.BookLevel{}, false
	}
	return r.sorted.bids[0], true
}

// BestAsk returns the lowest resting ask.
func (r *Reconstructor) BestAsk() (schema.BookLevel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.sorted.asks) == 0 {
		return schema.BookLevel{}, false
	}
	return r.sorted.asks[0], true
}

// Reset discards the book and cursor. Called on reconnect: the next delta is
// rejected until a fresh snapshot arrives.
func (r *Reconstructor) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bids = make(map[string]schema.BookLevel)
	r.asks = make(map[string]schema.BookLevel)
	r.sorted.bids = nil
	r.sorted.asks = nil
	r.cursor = 0
	r.armed = false
}
