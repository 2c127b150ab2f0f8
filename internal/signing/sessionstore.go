package signing

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/errs"
)

// Session is the persisted login state for one account: the bearer token plus
// the ed25519 seed registered with it. The seed must survive restarts because
// the venue binds body signatures to the key presented at login.
type Session struct {
	Address     string `json:"address"`
	Chain       string `json:"chain"`
	Token       string `json:"token"`
	Ed25519Seed string `json:"ed25519_seed"`
	RequestID   string `json:"request_id"`
	SavedAt     int64  `json:"saved_at"`
}

// SeedBytes decodes the stored seed.
func (s *Session) SeedBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(s.Ed25519Seed)
}

// SetSeed stores the seed base64-encoded.
func (s *Session) SetSeed(seed []byte) {
	s.Ed25519Seed = base64.StdEncoding.EncodeToString(seed)
}

// SessionStore caches sessions as one JSON file per account under a base
// directory.
type SessionStore struct {
	venue string
	dir   string
}

// NewSessionStore creates a store rooted at dir, creating it if needed.
func NewSessionStore(venue, dir string) (*SessionStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.New(venue, errs.CodeUnavailable,
			errs.WithMessage("create session cache dir"), errs.WithCause(err))
	}
	return &SessionStore{venue: venue, dir: dir}, nil
}

func (st *SessionStore) path(address string) string {
	safe := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(address)), ":", "_")
	return filepath.Join(st.dir, st.venue+"_session_"+safe+".json")
}

// Load reads the cached session for address. A missing file or an address
// mismatch returns (nil, nil); the caller performs a fresh login.
func (st *SessionStore) Load(address string) (*Session, error) {
	data, err := os.ReadFile(st.path(address))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.New(st.venue, errs.CodeUnavailable,
			errs.WithMessage("read session cache"), errs.WithCause(err))
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, nil
	}
	if !strings.EqualFold(sess.Address, strings.TrimSpace(address)) {
		return nil, nil
	}
	return &sess, nil
}

// Save writes the session atomically.
func (st *SessionStore) Save(sess *Session) error {
	sess.SavedAt = time.Now().Unix()
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return errs.New(st.venue, errs.CodeUnavailable,
			errs.WithMessage("encode session cache"), errs.WithCause(err))
	}
	path := st.path(sess.Address)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errs.New(st.venue, errs.CodeUnavailable,
			errs.WithMessage("write session cache"), errs.WithCause(err))
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.New(st.venue, errs.CodeUnavailable,
			errs.WithMessage("commit session cache"), errs.WithCause(err))
	}
	return nil
}

// Clear removes the cached session for address.
func (st *SessionStore) Clear(address string) error {
	err := os.Remove(st.path(address))
	if err != nil && !os.IsNotExist(err) {
		return errs.New(st.venue, errs.CodeUnavailable,
			errs.WithMessage("remove session cache"), errs.WithCause(err))
	}
	return nil
}

// TokenValid reports whether a JWT's exp claim lies beyond now plus leeway.
// The payload is decoded without verifying the signature; the venue verifies,
// we only decide whether a new login is needed.
func TokenValid(token string, leeway time.Duration) bool {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return false
	}
	return claims.Exp > time.Now().Add(leeway).Unix()
}
