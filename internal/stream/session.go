// Package stream implements the shared streaming-session engine: one physical
// websocket connection with heartbeat supervision, disconnect detection,
// exponential-backoff reconnection and subscription replay.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/sourcegraph/conc/panics"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/errs"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/observability"
)

// State tracks the connection lifecycle of a session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// HeartbeatMode selects who originates heartbeats.
type HeartbeatMode int

const (
	// HeartbeatServerPing means the server pings and the client replies; the
	// session only enforces the receive timeout.
	HeartbeatServerPing HeartbeatMode = iota
	// HeartbeatClientPing means the client must emit its own ping payload on
	// a fixed interval.
	HeartbeatClientPing
)

// HeartbeatPolicy configures heartbeat behaviour for a venue.
type HeartbeatPolicy struct {
	Mode     HeartbeatMode
	Interval time.Duration
	// BuildPing produces the client ping payload (HeartbeatClientPing only).
	BuildPing func() []byte
	// AutoPong inspects an inbound frame and, when it is an
	// application-level ping, returns the pong payload to write back. The
	// frame is then consumed and not passed to OnMessage.
	AutoPong func(frame []byte) ([]byte, bool)
}

// Subscription is one (channel-kind, key) pair the session must hold live
// across reconnects.
type Subscription struct {
	Channel string
	Key     string
}

// Config parameterizes a Session.
type Config struct {
	Venue  string
	URL    string
	Header http.Header

	Heartbeat HeartbeatPolicy

	// RecvTimeout forces a reconnect when no frame arrives for this long.
	RecvTimeout time.Duration
	// ReconnectMin/Max bound the exponential reconnect backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// StartTimeout bounds how long Start waits for the first connection.
	StartTimeout time.Duration

	// OnMessage receives every decoded inbound frame, in arrival order, from
	// the session's receive goroutine. Panics are recovered and logged.
	OnMessage func(frame []byte)
	// OnReconnect runs after every (re)connect, before any frame is handled.
	// The hook must clear readiness flags and sequence cursors tied to the
	// session's channels and replay the given subscriptions.
	OnReconnect func(subs []Subscription) error

	Logger observability.Logger
}

func (c *Config) defaults() {
	if c.RecvTimeout <= 0 {
		c.RecvTimeout = 30 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 20 * time.Second
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = observability.Log()
	}
}

// Session owns one streaming connection for the lifetime of the adapter.
type Session struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	connMu    sync.Mutex
	conn      *websocket.Conn
	connGate  chan struct{}
	writeMu   sync.Mutex
	closeOnce sync.Once

	subsMu sync.Mutex
	subs   map[Subscription]struct{}

	ready     chan struct{}
	readyOnce sync.Once
	dialErr   chan error
}

// NewSession creates a session. Call Start to connect.
func NewSession(ctx context.Context, cfg Config) *Session {
	cfg.defaults()
	sessionCtx, cancel := context.WithCancel(ctx)
	return &Session{
		cfg:      cfg,
		ctx:      sessionCtx,
		cancel:   cancel,
		connGate: make(chan struct{}),
		subs:     make(map[Subscription]struct{}),
		ready:    make(chan struct{}),
		dialErr:  make(chan error, 1),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Track records a subscription for replay after reconnects. It does not send
// anything; the venue adapter sends its own control message via Send.
func (s *Session) Track(sub Subscription) {
	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()
}

// Untrack removes a subscription from the replay set.
func (s *Session) Untrack(sub Subscription) {
	s.subsMu.Lock()
	delete(s.subs, sub)
	s.subsMu.Unlock()
}

// Subscriptions snapshots the replay set.
func (s *Session) Subscriptions() []Subscription {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	out := make([]Subscription, 0, len(s.subs))
	for sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

// Start launches the connection loop and waits for the first connection.
// Transport failures are retried with backoff in the background; an
// authentication rejection on the initial dial is returned immediately and
// not retried.
func (s *Session) Start() error {
	s.state.Store(int32(StateConnecting))
	go s.connectLoop()

	select {
	case <-s.ready:
		return nil
	case err := <-s.dialErr:
		s.Close()
		return err
	case <-time.After(s.cfg.StartTimeout):
		return errs.New(s.cfg.Venue, errs.CodeTransport,
			errs.WithMessage("timeout waiting for stream connection"))
	case <-s.ctx.Done():
		return errs.New(s.cfg.Venue, errs.CodeTransport,
			errs.WithMessage("session context done"), errs.WithCause(s.ctx.Err()))
	}
}

// Close tears the session down. Idempotent; releases the transport on all
// exit paths.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.cancel()
		s.connMu.Lock()
		if s.conn != nil {
			_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
			s.conn = nil
		}
		s.connMu.Unlock()
	})
}

// Send writes a text frame, waiting for a live connection when the session is
// between reconnects. The wait is bounded by ctx.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	for {
		if s.ctx.Err() != nil {
			return errs.New(s.cfg.Venue, errs.CodeTransport,
				errs.WithMessage("session closed"))
		}
		s.connMu.Lock()
		conn := s.conn
		gate := s.connGate
		s.connMu.Unlock()

		if conn != nil {
			s.writeMu.Lock()
			err := conn.Write(ctx, websocket.MessageText, payload)
			s.writeMu.Unlock()
			if err != nil {
				return errs.New(s.cfg.Venue, errs.CodeTransport,
					errs.WithMessage("write frame"), errs.WithCause(err))
			}
			return nil
		}

		select {
		case <-gate:
		case <-ctx.Done():
			return errs.New(s.cfg.Venue, errs.CodeTransport,
				errs.WithMessage("no connection before deadline"), errs.WithCause(ctx.Err()))
		case <-s.ctx.Done():
			return errs.New(s.cfg.Venue, errs.CodeTransport,
				errs.WithMessage("session closed"))
		}
	}
}

func (s *Session) connectLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectMin
	bo.MaxInterval = s.cfg.ReconnectMax
	firstAttempt := true

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, resp, err := websocket.Dial(s.ctx, s.cfg.URL, &websocket.DialOptions{
			HTTPHeader: s.cfg.Header,
		})
		if err != nil {
			if firstAttempt && isAuthRejection(resp) {
				status := 0
				if resp != nil {
					status = resp.StatusCode
				}
				s.dialErr <- errs.New(s.cfg.Venue, errs.CodeAuth,
					errs.WithMessage("stream authentication rejected"),
					errs.WithHTTP(status), errs.WithCause(err))
				return
			}
			firstAttempt = false
			s.cfg.Logger.Error("stream dial failed",
				observability.Field{Key: "venue", Value: s.cfg.Venue},
				observability.Field{Key: "error", Value: err.Error()})
			if !s.sleep(bo.NextBackOff()) {
				return
			}
			continue
		}
		firstAttempt = false

		s.connMu.Lock()
		s.conn = conn
		close(s.connGate)
		s.connMu.Unlock()
		s.state.Store(int32(StateConnected))
		s.readyOnce.Do(func() { close(s.ready) })
		bo.Reset()

		if s.cfg.OnReconnect != nil {
			if err := s.cfg.OnReconnect(s.Subscriptions()); err != nil {
				s.cfg.Logger.Error("resubscribe after reconnect failed",
					observability.Field{Key: "venue", Value: s.cfg.Venue},
					observability.Field{Key: "error", Value: err.Error()})
			}
		}

		runErr := s.runConnection(conn)

		s.connMu.Lock()
		if s.conn == conn {
			s.conn = nil
			s.connGate = make(chan struct{})
		}
		s.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if s.ctx.Err() != nil {
			return
		}
		s.state.Store(int32(StateReconnecting))
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			s.cfg.Logger.Info("stream disconnected",
				observability.Field{Key: "venue", Value: s.cfg.Venue},
				observability.Field{Key: "error", Value: runErr.Error()})
		}
		if !s.sleep(bo.NextBackOff()) {
			return
		}
	}
}

// runConnection drives the receive loop plus, when configured, the client
// ping loop, returning when either fails.
func (s *Session) runConnection(conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- s.readLoop(connCtx, conn)
	}()
	if s.cfg.Heartbeat.Mode == HeartbeatClientPing && s.cfg.Heartbeat.Interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- s.pingLoop(connCtx, conn)
		}()
	}

	firstErr := <-errCh
	cancel()
	wg.Wait()
	return firstErr
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		readCtx, cancel := context.WithTimeout(ctx, s.cfg.RecvTimeout)
		msgType, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("no message within %s", s.cfg.RecvTimeout)
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		if len(data) == 0 {
			continue
		}

		if pong, ok := s.autoPong(data); ok {
			if pong != nil {
				s.writeMu.Lock()
				writeCtx, wcancel := context.WithTimeout(ctx, 5*time.Second)
				_ = conn.Write(writeCtx, websocket.MessageText, pong)
				wcancel()
				s.writeMu.Unlock()
			}
			continue
		}

		s.dispatch(data)
	}
}

func (s *Session) autoPong(frame []byte) ([]byte, bool) {
	if s.cfg.Heartbeat.AutoPong == nil {
		return nil, false
	}
	return s.cfg.Heartbeat.AutoPong(frame)
}

// dispatch hands one frame to the venue handler. A panicking handler is
// recovered and logged; it must never kill the receive loop.
func (s *Session) dispatch(frame []byte) {
	if s.cfg.OnMessage == nil {
		return
	}
	if recovered := panics.Try(func() { s.cfg.OnMessage(frame) }); recovered != nil {
		s.cfg.Logger.Error("message handler panicked",
			observability.Field{Key: "venue", Value: s.cfg.Venue},
			observability.Field{Key: "panic", Value: recovered.String()})
	}
}

func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(s.cfg.Heartbeat.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			payload := []byte("ping")
			if s.cfg.Heartbeat.BuildPing != nil {
				payload = s.cfg.Heartbeat.BuildPing()
			}
			s.writeMu.Lock()
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			s.writeMu.Unlock()
			if err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

func (s *Session) sleep(d time.Duration) bool {
	if d <= 0 {
		d = s.cfg.ReconnectMin
	}
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func isAuthRejection(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	return resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden
}
