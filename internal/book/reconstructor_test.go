package book

import (
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/schema"
)

func lvl(price, size string) schema.BookLevel {
	return schema.BookLevel{
		Price: decimal.RequireFromString(price),
		Size:  decimal.RequireFromString(size),
	}
}

func levels(pairs ...[2]string) []schema.BookLevel {
	out := make([]schema.BookLevel, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, lvl(p[0], p[1]))
	}
	return out
}

func TestSnapshotThenLevelRemoval(t *testing.T) {
	r := New("BTCUSD", 50, SizeAbsolute)
	r.ApplySnapshot(
		levels([2]string{"100", "2"}, [2]string{"99", "1"}),
		levels([2]string{"101", "3"}),
		10,
	)

	res := r.ApplyDelta(11, 11, levels([2]string{"100", "0"}), nil)
	require.Equal(t, Applied, res)
	require.Equal(t, uint64(11), r.Cursor())

	ob := r.Read(10)
	require.Len(t, ob.Bids, 1)
	require.True(t, ob.Bids[0].Price.Equal(decimal.RequireFromString("99")))
	require.Len(t, ob.Asks, 1)
}

func TestDeltaBeforeSnapshotIsDiscarded(t *testing.T) {
	r := New("BTCUSD", 50, SizeAbsolute)
	require.Equal(t, NoSnapshot, r.ApplyDelta(1, 1, levels([2]string{"100", "1"}), nil))
	require.False(t, r.Armed())
}

func TestGapLatchesUntilFreshSnapshot(t *testing.T) {
	r := New("BTCUSD", 50, SizeAbsolute)
	r.ApplySnapshot(levels([2]string{"100", "1"}), nil, 10)

	require.Equal(t, Gap, r.ApplyDelta(13, 14, levels([2]string{"100", "2"}), nil))
	require.False(t, r.Armed())

	// Every delta is rejected while awaiting a snapshot, contiguous or not.
	for _, first := range []uint64{11, 12, 15, 100} {
		require.Equal(t, NoSnapshot, r.ApplyDelta(first, first, levels([2]string{"100", "2"}), nil))
	}

	r.ApplySnapshot(levels([2]string{"100", "5"}), nil, 20)
	require.True(t, r.Armed())
	require.Equal(t, Applied, r.ApplyDelta(21, 21, levels([2]string{"100", "6"}), nil))
}

func TestDuplicateRangeIsIdempotentNoOp(t *testing.T) {
	r := New("BTCUSD", 50, SizeAbsolute)
	r.ApplySnapshot(levels([2]string{"100", "1"}), nil, 10)
	require.Equal(t, Applied, r.ApplyDelta(11, 12, levels([2]string{"100", "4"}), nil))

	before := r.Read(10)
	require.Equal(t, Duplicate, r.ApplyDelta(11, 12, levels([2]string{"100", "9"}), nil))
	after := r.Read(10)
	require.Equal(t, before.Bids, after.Bids)
	require.Equal(t, uint64(12), r.Cursor())
}

func TestStraddlingRangeAcceptedForAbsoluteFeeds(t *testing.T) {
	r := New("BTCUSD", 50, SizeAbsolute)
	r.ApplySnapshot(levels([2]string{"100", "1"}), nil, 10)
	// Binance-style first event: first <= cursor+1 <= last.
	require.Equal(t, Applied, r.ApplyDelta(9, 12, levels([2]string{"100", "3"}), nil))
	require.Equal(t, uint64(12), r.Cursor())
}

func TestDeltaModeAccumulatesAndRemoves(t *testing.T) {
	r := New("ETHUSD", 50, SizeDelta)
	r.ApplySnapshot(levels([2]string{"50", "2"}), nil, 1)

	require.Equal(t, Applied, r.ApplyDelta(2, 2, levels([2]string{"50", "1.5"}), nil))
	bid, ok := r.BestBid()
	require.True(t, ok)
	require.True(t, bid.Size.Equal(decimal.RequireFromString("3.5")))

	// A negative change draining the level removes it.
	require.Equal(t, Applied, r.ApplyDelta(3, 3, levels([2]string{"50", "-3.5"}), nil))
	_, ok = r.BestBid()
	require.False(t, ok)
}

func TestDepthTruncationAfterMutation(t *testing.T) {
	r := New("BTCUSD", 3, SizeAbsolute)
	r.ApplySnapshot(levels(
		[2]string{"100", "1"}, [2]string{"99", "1"}, [2]string{"98", "1"},
		[2]string{"97", "1"}, [2]string{"96", "1"},
	), nil, 1)

	ob := r.Read(10)
	require.Len(t, ob.Bids, 3)
	require.True(t, ob.Bids[0].Price.Equal(decimal.RequireFromString("100")))
	require.True(t, ob.Bids[2].Price.Equal(decimal.RequireFromString("98")))
}

func TestResetRequiresNewSnapshot(t *testing.T) {
	r := New("BTCUSD", 50, SizeAbsolute)
	r.ApplySnapshot(levels([2]string{"100", "1"}), nil, 10)
	r.Reset()

	require.Equal(t, uint64(0), r.Cursor())
	require.Equal(t, NoSnapshot, r.ApplyDelta(11, 11, levels([2]string{"100", "1"}), nil))
	require.Empty(t, r.Read(10).Bids)
}

// referenceModel folds the same changes into a plain sorted map to validate
// the incremental reconstruction.
type referenceModel struct {
	bids map[string]schema.BookLevel
}

func (m *referenceModel) apply(changes []schema.BookLevel) {
	for _, ch := range changes {
		if ch.Size.Sign() <= 0 {
			delete(m.bids, ch.Price.String())
			continue
		}
		m.bids[ch.Price.String()] = ch
	}
}

func (m *referenceModel) sorted() []schema.BookLevel {
	out := make([]schema.BookLevel, 0, len(m.bids))
	for _, lvl := range m.bids {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price.GreaterThan(out[j].Price) })
	return out
}

func TestFoldEquivalenceAgainstReferenceModel(t *testing.T) {
	r := New("BTCUSD", 100, SizeAbsolute)
	ref := &referenceModel{bids: make(map[string]schema.BookLevel)}

	snap := levels([2]string{"100", "2"}, [2]string{"99.5", "1"}, [2]string{"98", "4"})
	r.ApplySnapshot(snap, nil, 0)
	ref.apply(snap)

	deltas := [][]schema.BookLevel{
		levels([2]string{"100", "1"}),
		levels([2]string{"101", "0.5"}, [2]string{"98", "0"}),
		levels([2]string{"99.5", "3"}, [2]string{"97", "2"}),
		levels([2]string{"101", "0"}),
	}
	for i, d := range deltas {
		require.Equal(t, Applied, r.ApplyDelta(uint64(i)+1, uint64(i)+1, d, nil))
		ref.apply(d)
	}

	got := r.Read(100).Bids
	want := ref.sorted()
	require.Equal(t, len(want), len(got))
	for i := range want {
		require.True(t, got[i].Price.Equal(want[i].Price), "price at %d", i)
		require.True(t, got[i].Size.Equal(want[i].Size), "size at %d", i)
	}
}
