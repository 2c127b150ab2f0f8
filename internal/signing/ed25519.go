package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/errs"
)

// Request signature headers expected by ed25519-authenticated venues.
const (
	HeaderSignVersion = "x-request-sign-version"
	HeaderRequestID   = "x-request-id"
	HeaderTimestamp   = "x-request-timestamp"
	HeaderSignature   = "x-request-signature"

	signVersion = "v1"
)

// Ed25519Signer produces detached body signatures. The base58-encoded public
// key doubles as the account's registered signer identity.
type Ed25519Signer struct {
	venue    string
	priv     ed25519.PrivateKey
	identity string
}

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer(venue string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errs.New(venue, errs.CodeAuth,
			errs.WithMessage("generate ed25519 keypair"), errs.WithCause(err))
	}
	return &Ed25519Signer{venue: venue, priv: priv, identity: base58.Encode(pub)}, nil
}

// Ed25519SignerFromSeed restores a signer from a persisted 32-byte seed.
func Ed25519SignerFromSeed(venue string, seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errs.New(venue, errs.CodeAuth,
			errs.WithMessage("ed25519 seed must be 32 bytes"))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Ed25519Signer{venue: venue, priv: priv, identity: base58.Encode(pub)}, nil
}

// Seed returns the private seed for persistence in the session store.
func (s *Ed25519Signer) Seed() []byte {
	return s.priv.Seed()
}

// Identity returns the base58-encoded public key.
func (s *Ed25519Signer) Identity() string {
	return s.identity
}

// signMessage builds the canonical string that is signed:
// "{version},{requestID},{timestampMs},{payload}".
func signMessage(requestID string, timestampMs int64, payload string) []byte {
	return []byte(fmt.Sprintf("%s,%s,%d,%s", signVersion, requestID, timestampMs, payload))
}

// Sign produces the raw signature over the canonical message.
func (s *Ed25519Signer) Sign(requestID string, timestampMs int64, payload string) []byte {
	return ed25519.Sign(s.priv, signMessage(requestID, timestampMs, payload))
}

// SignHeaders signs a request body and returns the four signature headers.
// Each call uses a fresh request id and the current wall clock.
func (s *Ed25519Signer) SignHeaders(payload string) map[string]string {
	requestID := uuid.NewString()
	ts := time.Now().UnixMilli()
	sig := s.Sign(requestID, ts, payload)
	return map[string]string{
		HeaderSignVersion: signVersion,
		HeaderRequestID:   requestID,
		HeaderTimestamp:   fmt.Sprintf("%d", ts),
		HeaderSignature:   base64.StdEncoding.EncodeToString(sig),
	}
}
