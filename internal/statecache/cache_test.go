package statecache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpdateSetsReadiness(t *testing.T) {
	p := NewProjection[int]("test")
	require.False(t, p.Ready("BTCUSD"))

	p.Update("BTCUSD", 42)
	require.True(t, p.Ready("BTCUSD"))

	v, ok := p.Get("BTCUSD")
	require.True(t, ok)
	require.Equal(t, 42, v)
}

func TestRemoveIsAuthoritativeAbsence(t *testing.T) {
	p := NewProjection[string]("positions")
	p.Update("ETHUSD", "long")
	p.Remove("ETHUSD")

	_, ok := p.Get("ETHUSD")
	require.False(t, ok)
	// Absence after removal is a final answer, not "not yet known".
	require.True(t, p.Ready("ETHUSD"))
}

func TestMarkReadyWithoutValue(t *testing.T) {
	p := NewProjection[string]("orders")
	p.MarkReady("SOLUSD")
	require.True(t, p.Ready("SOLUSD"))
	_, ok := p.Get("SOLUSD")
	require.False(t, ok)
}

func TestWaitReadyTimesOut(t *testing.T) {
	p := NewProjection[int]("test")
	start := time.Now()
	ok := p.WaitReady(context.Background(), "missing", 50*time.Millisecond)
	require.False(t, ok)
	require.Less(t, time.Since(start), time.Second)
}

func TestWaitReadyWakesOnUpdate(t *testing.T) {
	p := NewProjection[int]("test")

	var wg sync.WaitGroup
	wg.Add(1)
	var got bool
	go func() {
		defer wg.Done()
		got = p.WaitReady(context.Background(), "BTCUSD", 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	p.Update("BTCUSD", 1)
	wg.Wait()
	require.True(t, got)
}

func TestResetClearsValuesAndReadiness(t *testing.T) {
	p := NewProjection[int]("test")
	p.Update("BTCUSD", 1)
	p.Reset()

	require.False(t, p.Ready("BTCUSD"))
	_, ok := p.Get("BTCUSD")
	require.False(t, ok)

	// A waiter blocked across the reset wakes on the next fresh update.
	var wg sync.WaitGroup
	wg.Add(1)
	var got bool
	go func() {
		defer wg.Done()
		got = p.WaitReady(context.Background(), "BTCUSD", 2*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	p.Update("BTCUSD", 2)
	wg.Wait()
	require.True(t, got)
}

func TestWaitReadyHonorsContext(t *testing.T) {
	p := NewProjection[int]("test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, p.WaitReady(ctx, "x", time.Second))
}
