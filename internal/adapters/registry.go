package adapters

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/config"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/observability"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/pool"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/schema"
)

var (
	// ErrUnknownVenue is returned when no factory is registered for a venue.
	ErrUnknownVenue = errors.New("adapters: unknown venue")
	// ErrMissingCredentials is returned at acquire time when a venue's
	// configuration lacks the credentials its factory needs. Acquire fails
	// immediately rather than deferring the failure into a request path.
	ErrMissingCredentials = errors.New("adapters: missing credentials")
)

// Factory builds sessions for one venue.
type Factory struct {
	// Key derives the pool key from the venue's credential material. It
	// returns ErrMissingCredentials (wrapped) when required credentials are
	// absent.
	Key func(cfg config.Settings) (string, error)
	// Dial opens a live session. Called once per pool key.
	Dial func(ctx context.Context, cfg config.Settings, logger observability.Logger) (schema.Exchange, error)
}

// Handle is one consumer's reference to a shared venue session.
type Handle struct {
	Exchange schema.Exchange

	ref *pool.Handle[*pooledSession]
}

// Release drops this holder's reference. The underlying session stays warm
// for the next Acquire.
func (h *Handle) Release() {
	if h == nil || h.ref == nil {
		return
	}
	h.ref.Release()
}

// pooledSession adapts an Exchange to the pool's Close() contract.
type pooledSession struct {
	exchange schema.Exchange
	venue    config.Venue
	logger   observability.Logger
}

func (s *pooledSession) Close() {
	if err := s.exchange.Close(); err != nil {
		s.logger.Error("venue session close failed",
			observability.F("venue", string(s.venue)),
			observability.F("error", err.Error()))
	}
}

// Registry maps venues to factories and shares dialed sessions between
// consumers holding the same credentials.
type Registry struct {
	cfg    config.Settings
	logger observability.Logger

	mu        sync.RWMutex
	factories map[config.Venue]Factory
	sessions  *pool.Pool[*pooledSession]
}

// NewRegistry creates an empty registry bound to cfg.
func NewRegistry(cfg config.Settings, logger observability.Logger) *Registry {
	if logger == nil {
		logger = observability.Log()
	}
	return &Registry{
		cfg:       cfg,
		logger:    logger,
		factories: make(map[config.Venue]Factory),
		sessions:  pool.New[*pooledSession](),
	}
}

// Register installs a factory for venue, replacing any previous one.
func (r *Registry) Register(venue config.Venue, f Factory) {
	r.mu.Lock()
	r.factories[venue] = f
	r.mu.Unlock()
}

// Venues lists the registered venues in stable order.
func (r *Registry) Venues() []config.Venue {
	r.mu.RLock()
	out := make([]config.Venue, 0, len(r.factories))
	for v := range r.factories {
		out = append(out, v)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Acquire returns a handle on the shared session for venue, dialing one if no
// live session exists for the venue's credentials. Credential validation
// happens here, before any network activity.
func (r *Registry) Acquire(ctx context.Context, venue config.Venue) (*Handle, error) {
	r.mu.RLock()
	f, ok := r.factories[venue]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, venue)
	}

	key, err := f.Key(r.cfg)
	if err != nil {
		return nil, err
	}

	ref, err := r.sessions.Acquire(ctx, key, func(ctx context.Context) (*pooledSession, error) {
		exchange, err := f.Dial(ctx, r.cfg, r.logger)
		if err != nil {
			return nil, err
		}
		r.logger.Info("venue session dialed", observability.F("venue", string(venue)))
		return &pooledSession{exchange: exchange, venue: venue, logger: r.logger}, nil
	})
	if err != nil {
		return nil, err
	}
	return &Handle{Exchange: ref.Session.exchange, ref: ref}, nil
}

// Invalidate tears down the live session for venue regardless of outstanding
// holders. The next Acquire dials fresh.
func (r *Registry) Invalidate(venue config.Venue) {
	r.mu.RLock()
	f, ok := r.factories[venue]
	r.mu.RUnlock()
	if !ok {
		return
	}
	key, err := f.Key(r.cfg)
	if err != nil {
		return
	}
	r.sessions.ForceClose(key)
}

// Close tears down every live session and rejects further acquires.
func (r *Registry) Close() {
	r.sessions.Close()
}

// credentialKey fingerprints credential material so pool keys never carry
// secrets.
func credentialKey(venue config.Venue, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(venue))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return string(venue) + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}
