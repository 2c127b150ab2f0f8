package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"strconv"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"
)

func TestEd25519SignerRoundTrip(t *testing.T) {
	s, err := NewEd25519Signer("standx")
	require.NoError(t, err)

	restored, err := Ed25519SignerFromSeed("standx", s.Seed())
	require.NoError(t, err)
	require.Equal(t, s.Identity(), restored.Identity())

	sig1 := s.Sign("req-1", 1700000000000, `{"symbol":"BTCUSD"}`)
	sig2 := restored.Sign("req-1", 1700000000000, `{"symbol":"BTCUSD"}`)
	require.Equal(t, sig1, sig2)
}

func TestSignVerifiesAgainstIdentity(t *testing.T) {
	s, err := NewEd25519Signer("standx")
	require.NoError(t, err)

	pub, err := base58.Decode(s.Identity())
	require.NoError(t, err)

	msg := signMessage("req-9", 42, "payload")
	sig := s.Sign("req-9", 42, "payload")
	require.True(t, ed25519.Verify(ed25519.PublicKey(pub), msg, sig))
}

func TestSignHeadersShape(t *testing.T) {
	s, err := NewEd25519Signer("standx")
	require.NoError(t, err)

	headers := s.SignHeaders(`{"side":"buy"}`)
	require.Equal(t, "v1", headers[HeaderSignVersion])
	require.NotEmpty(t, headers[HeaderRequestID])

	ts, err := strconv.ParseInt(headers[HeaderTimestamp], 10, 64)
	require.NoError(t, err)
	require.Positive(t, ts)

	sig, err := base64.StdEncoding.DecodeString(headers[HeaderSignature])
	require.NoError(t, err)
	require.Len(t, sig, ed25519.SignatureSize)

	pub, err := base58.Decode(s.Identity())
	require.NoError(t, err)
	msg := signMessage(headers[HeaderRequestID], ts, `{"side":"buy"}`)
	require.True(t, ed25519.Verify(ed25519.PublicKey(pub), msg, sig))
}

func TestSeedLengthValidated(t *testing.T) {
	_, err := Ed25519SignerFromSeed("standx", []byte("short"))
	require.Error(t, err)
}
