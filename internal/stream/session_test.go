package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/errs"
)

// fakeVenue is an in-process websocket endpoint the session dials. Each
// accepted connection is handed to the configured serve func.
type fakeVenue struct {
	t      *testing.T
	server *httptest.Server
	serve  func(conn *websocket.Conn)

	mu      sync.Mutex
	accepts int
}

func newFakeVenue(t *testing.T, serve func(conn *websocket.Conn)) *fakeVenue {
	t.Helper()
	fv := &fakeVenue{t: t, serve: serve}
	fv.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fv.mu.Lock()
		fv.accepts++
		fv.mu.Unlock()
		fv.serve(conn)
	}))
	t.Cleanup(fv.server.Close)
	return fv
}

func (fv *fakeVenue) url() string {
	return "ws" + strings.TrimPrefix(fv.server.URL, "http")
}

func (fv *fakeVenue) acceptCount() int {
	fv.mu.Lock()
	defer fv.mu.Unlock()
	return fv.accepts
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStartDeliversMessages(t *testing.T) {
	fv := newFakeVenue(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"seq":1}`))
		// Keep the connection open until the client goes away.
		_, _, _ = conn.Read(ctx)
	})

	var got atomic.Value
	s := NewSession(context.Background(), Config{
		Venue: "fake",
		URL:   fv.url(),
		OnMessage: func(frame []byte) {
			got.Store(string(frame))
		},
	})
	defer s.Close()

	require.NoError(t, s.Start())
	require.Equal(t, StateConnected, s.State())
	waitFor(t, 2*time.Second, func() bool {
		v, _ := got.Load().(string)
		return v == `{"seq":1}`
	})
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	// The first accepted connection is dropped from the server side; later
	// ones are held open.
	var dropped atomic.Bool
	fv := newFakeVenue(t, func(conn *websocket.Conn) {
		if dropped.CompareAndSwap(false, true) {
			_ = conn.Close(websocket.StatusGoingAway, "rotate")
			return
		}
		_, _, _ = conn.Read(context.Background())
	})

	var mu sync.Mutex
	var replays [][]Subscription
	s := NewSession(context.Background(), Config{
		Venue:        "fake",
		URL:          fv.url(),
		ReconnectMin: 20 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
		OnReconnect: func(subs []Subscription) error {
			mu.Lock()
			replays = append(replays, subs)
			mu.Unlock()
			return nil
		},
	})
	defer s.Close()

	s.Track(Subscription{Channel: "ticker", Key: "BTCUSD"})
	require.NoError(t, s.Start())

	waitFor(t, 5*time.Second, func() bool { return fv.acceptCount() >= 2 })
	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(replays) >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []Subscription{{Channel: "ticker", Key: "BTCUSD"}}, replays[len(replays)-1])
}

func TestInitialAuthRejectionIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	s := NewSession(context.Background(), Config{
		Venue:        "fake",
		URL:          "ws" + strings.TrimPrefix(server.URL, "http"),
		ReconnectMin: 10 * time.Millisecond,
	})
	err := s.Start()
	require.Error(t, err)
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.CodeAuth, e.Code)
	require.Equal(t, http.StatusUnauthorized, e.HTTP)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), hits.Load())
}

func TestSendReachesServer(t *testing.T) {
	received := make(chan string, 1)
	fv := newFakeVenue(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		_, data, err := conn.Read(ctx)
		if err == nil {
			received <- string(data)
		}
		_, _, _ = conn.Read(ctx)
	})

	s := NewSession(context.Background(), Config{Venue: "fake", URL: fv.url()})
	defer s.Close()
	require.NoError(t, s.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Send(ctx, []byte(`{"op":"subscribe"}`)))

	select {
	case msg := <-received:
		require.Equal(t, `{"op":"subscribe"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestAutoPongConsumesPingFrames(t *testing.T) {
	pong := make(chan string, 1)
	fv := newFakeVenue(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		_ = conn.Write(ctx, websocket.MessageText, []byte("ping"))
		_, data, err := conn.Read(ctx)
		if err == nil {
			pong <- string(data)
		}
		_, _, _ = conn.Read(ctx)
	})

	var handled atomic.Int32
	s := NewSession(context.Background(), Config{
		Venue: "fake",
		URL:   fv.url(),
		Heartbeat: HeartbeatPolicy{
			Mode: HeartbeatServerPing,
			AutoPong: func(frame []byte) ([]byte, bool) {
				if string(frame) == "ping" {
					return []byte("pong"), true
				}
				return nil, false
			},
		},
		OnMessage: func([]byte) { handled.Add(1) },
	})
	defer s.Close()
	require.NoError(t, s.Start())

	select {
	case msg := <-pong:
		require.Equal(t, "pong", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no pong written back")
	}
	require.Equal(t, int32(0), handled.Load())
}

func TestClientPingLoopEmits(t *testing.T) {
	pings := make(chan string, 4)
	fv := newFakeVenue(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			select {
			case pings <- string(data):
			default:
			}
		}
	})

	s := NewSession(context.Background(), Config{
		Venue: "fake",
		URL:   fv.url(),
		Heartbeat: HeartbeatPolicy{
			Mode:      HeartbeatClientPing,
			Interval:  30 * time.Millisecond,
			BuildPing: func() []byte { return []byte(`{"op":"ping"}`) },
		},
	})
	defer s.Close()
	require.NoError(t, s.Start())

	select {
	case msg := <-pings:
		require.Equal(t, `{"op":"ping"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no client ping observed")
	}
}

func TestHandlerPanicDoesNotKillSession(t *testing.T) {
	fv := newFakeVenue(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		_ = conn.Write(ctx, websocket.MessageText, []byte("boom"))
		_ = conn.Write(ctx, websocket.MessageText, []byte("fine"))
		_, _, _ = conn.Read(ctx)
	})

	var got atomic.Value
	s := NewSession(context.Background(), Config{
		Venue: "fake",
		URL:   fv.url(),
		OnMessage: func(frame []byte) {
			if string(frame) == "boom" {
				panic("handler bug")
			}
			got.Store(string(frame))
		},
	})
	defer s.Close()
	require.NoError(t, s.Start())

	waitFor(t, 2*time.Second, func() bool {
		v, _ := got.Load().(string)
		return v == "fine"
	})
	require.Equal(t, StateConnected, s.State())
}

func TestCloseIsIdempotent(t *testing.T) {
	fv := newFakeVenue(t, func(conn *websocket.Conn) {
		_, _, _ = conn.Read(context.Background())
	})

	s := NewSession(context.Background(), Config{Venue: "fake", URL: fv.url()})
	require.NoError(t, s.Start())
	s.Close()
	s.Close()
	require.Equal(t, StateClosed, s.State())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.Error(t, s.Send(ctx, []byte("x")))
}

func TestUntrackRemovesSubscription(t *testing.T) {
	s := NewSession(context.Background(), Config{Venue: "fake", URL: "ws://unused"})
	defer s.Close()

	sub := Subscription{Channel: "book", Key: "ETHUSD"}
	s.Track(sub)
	require.Equal(t, []Subscription{sub}, s.Subscriptions())
	s.Untrack(sub)
	require.Empty(t, s.Subscriptions())
}
