package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id     int
	closed atomic.Bool
}

func (s *fakeSession) Close() { s.closed.Store(true) }

func dialer(counter *atomic.Int32) Dialer[*fakeSession] {
	return func(context.Context) (*fakeSession, error) {
		n := counter.Add(1)
		return &fakeSession{id: int(n)}, nil
	}
}

func TestAcquireSharesOneSessionPerKey(t *testing.T) {
	p := New[*fakeSession]()
	defer p.Close()
	var dials atomic.Int32

	h1, err := p.Acquire(context.Background(), "cred-a", dialer(&dials))
	require.NoError(t, err)
	h2, err := p.Acquire(context.Background(), "cred-a", dialer(&dials))
	require.NoError(t, err)

	require.Same(t, h1.Session, h2.Session)
	require.Equal(t, int32(1), dials.Load())
	require.Equal(t, 2, p.Refs("cred-a"))
}

func TestDistinctKeysGetDistinctSessions(t *testing.T) {
	p := New[*fakeSession]()
	defer p.Close()
	var dials atomic.Int32

	h1, err := p.Acquire(context.Background(), "cred-a", dialer(&dials))
	require.NoError(t, err)
	h2, err := p.Acquire(context.Background(), "cred-b", dialer(&dials))
	require.NoError(t, err)

	require.NotSame(t, h1.Session, h2.Session)
	require.Equal(t, int32(2), dials.Load())
}

func TestReleaseKeepsSessionWarm(t *testing.T) {
	p := New[*fakeSession]()
	defer p.Close()
	var dials atomic.Int32

	h, err := p.Acquire(context.Background(), "cred-a", dialer(&dials))
	require.NoError(t, err)
	first := h.Session
	h.Release()
	h.Release() // second release is a no-op
	require.Equal(t, 0, p.Refs("cred-a"))
	require.False(t, first.closed.Load())

	h2, err := p.Acquire(context.Background(), "cred-a", dialer(&dials))
	require.NoError(t, err)
	require.Same(t, first, h2.Session)
	require.Equal(t, int32(1), dials.Load())
}

func TestForceCloseEvictsAndRedials(t *testing.T) {
	p := New[*fakeSession]()
	defer p.Close()
	var dials atomic.Int32

	h, err := p.Acquire(context.Background(), "cred-a", dialer(&dials))
	require.NoError(t, err)
	first := h.Session

	p.ForceClose("cred-a")
	require.True(t, first.closed.Load())
	require.Equal(t, 0, p.Refs("cred-a"))

	h2, err := p.Acquire(context.Background(), "cred-a", dialer(&dials))
	require.NoError(t, err)
	require.NotSame(t, first, h2.Session)
	require.Equal(t, int32(2), dials.Load())
}

func TestConcurrentAcquireDialsOnce(t *testing.T) {
	p := New[*fakeSession]()
	defer p.Close()
	var dials atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(context.Background(), "cred-a", dialer(&dials))
			require.NoError(t, err)
			_ = h
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), dials.Load())
	require.Equal(t, 16, p.Refs("cred-a"))
}

func TestDialErrorPropagates(t *testing.T) {
	p := New[*fakeSession]()
	defer p.Close()

	wantErr := context.DeadlineExceeded
	_, err := p.Acquire(context.Background(), "cred-a",
		func(context.Context) (*fakeSession, error) { return nil, wantErr })
	require.ErrorIs(t, err, wantErr)

	// A failed dial leaves the slot empty; the next acquire retries.
	var dials atomic.Int32
	h, err := p.Acquire(context.Background(), "cred-a", dialer(&dials))
	require.NoError(t, err)
	require.NotNil(t, h.Session)
}

func TestClosedPoolRejectsAcquire(t *testing.T) {
	p := New[*fakeSession]()
	var dials atomic.Int32
	h, err := p.Acquire(context.Background(), "cred-a", dialer(&dials))
	require.NoError(t, err)

	p.Close()
	require.True(t, h.Session.closed.Load())

	_, err = p.Acquire(context.Background(), "cred-a", dialer(&dials))
	require.ErrorIs(t, err, errPoolClosed)
}

func TestForceCloseDuringDialDoesNotLeakSession(t *testing.T) {
	p := New[*fakeSession]()
	first := &fakeSession{id: 1}
	second := &fakeSession{id: 2}
	dialStarted := make(chan struct{})
	evicted := make(chan struct{})
	var calls atomic.Int32
	dial := func(context.Context) (*fakeSession, error) {
		if calls.Add(1) == 1 {
			close(dialStarted)
			<-evicted
			return first, nil
		}
		return second, nil
	}

	type result struct {
		handle *Handle[*fakeSession]
		err    error
	}
	done := make(chan result, 1)
	go func() {
		h, err := p.Acquire(context.Background(), "key", dial)
		done <- result{h, err}
	}()

	<-dialStarted
	go p.ForceClose("key")

	// ForceClose evicts the entry from the map before it can block on the
	// dialing holder; release the dial once the eviction is visible.
	deadline := time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		_, ok := p.entries["key"]
		p.mu.Unlock()
		if !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("entry never evicted")
		}
		time.Sleep(time.Millisecond)
	}
	close(evicted)

	res := <-done
	require.NoError(t, res.err)
	require.Same(t, second, res.handle.Session)
	require.True(t, first.closed.Load(), "session dialed into an evicted entry must be closed")
	require.Equal(t, 1, p.Refs("key"))
}
