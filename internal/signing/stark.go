// Package signing implements the request and order signing schemes used by
// the venue adapters: stark-curve signatures over pedersen order hashes and
// keccak request digests, plus ed25519 detached body signatures.
package signing

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/NethermindEth/juno/core/felt"
	"github.com/NethermindEth/starknet.go/curve"
	"golang.org/x/crypto/sha3"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/errs"
)

// starkOrderModulus bounds keccak digests before stark-curve signing.
var starkOrderModulus, _ = new(big.Int).SetString(
	"0800000000000010ffffffffffffffffb781126dcae7b2321e66a241adc64d2f", 16)

const limitOrderWithFees = 3

// Order lifetime constants. The signed (L2) expiry runs 14 days out; the
// venue-facing expiry is backed off by 10 days so the signature outlives the
// resting order.
const (
	orderLifetime     = 14 * 24 * time.Hour
	orderExpiryBuffer = 10 * 24 * time.Hour
)

// StarkSigner signs order hashes and REST requests with a stark-curve key.
type StarkSigner struct {
	venue string
	priv  *big.Int
	pubX  *big.Int
	pubY  *big.Int
}

// NewStarkSigner parses a hex private key (with or without 0x prefix) and
// derives the public point.
func NewStarkSigner(venue, privateKeyHex string) (*StarkSigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	priv, ok := new(big.Int).SetString(trimmed, 16)
	if !ok || priv.Sign() <= 0 {
		return nil, errs.New(venue, errs.CodeAuth, errs.WithMessage("malformed stark private key"))
	}
	pubX, pubY, err := curve.Curve.PrivateToPoint(priv)
	if err != nil {
		return nil, errs.New(venue, errs.CodeAuth,
			errs.WithMessage("derive stark public key"), errs.WithCause(err))
	}
	return &StarkSigner{venue: venue, priv: priv, pubX: pubX, pubY: pubY}, nil
}

// OrderParams carries everything that enters the L2 order hash. Amounts are
// quantized venue integers, not decimals.
type OrderParams struct {
	AssetIDSynthetic  *big.Int
	AssetIDCollateral *big.Int
	AmountSynthetic   uint64
	AmountCollateral  uint64
	AmountFee         uint64
	IsBuy             bool
	PositionID        uint64
	Nonce             uint32
	ExpireHours       uint32
}

// OrderHash computes the pedersen hash chain for a LIMIT_ORDER_WITH_FEES
// message. Buy orders sell collateral for synthetic; sells the reverse. The
// fee asset is always collateral.
func (s *StarkSigner) OrderHash(p OrderParams) *big.Int {
	sellAsset, buyAsset := p.AssetIDSynthetic, p.AssetIDCollateral
	sellAmount, buyAmount := p.AmountSynthetic, p.AmountCollateral
	if p.IsBuy {
		sellAsset, buyAsset = p.AssetIDCollateral, p.AssetIDSynthetic
		sellAmount, buyAmount = p.AmountCollateral, p.AmountSynthetic
	}

	h := pedersenPair(sellAsset, buyAsset)
	h = pedersenPair(h, p.AssetIDCollateral)

	packed0 := new(big.Int).SetUint64(sellAmount)
	packed0.Lsh(packed0, 64).Add(packed0, new(big.Int).SetUint64(buyAmount))
	packed0.Lsh(packed0, 64).Add(packed0, new(big.Int).SetUint64(p.AmountFee))
	packed0.Lsh(packed0, 32).Add(packed0, big.NewInt(int64(p.Nonce)))
	h = pedersenPair(h, packed0)

	pid := new(big.Int).SetUint64(p.PositionID)
	packed1 := big.NewInt(limitOrderWithFees)
	packed1.Lsh(packed1, 64).Add(packed1, pid)
	packed1.Lsh(packed1, 64).Add(packed1, pid)
	packed1.Lsh(packed1, 64).Add(packed1, pid)
	packed1.Lsh(packed1, 32).Add(packed1, big.NewInt(int64(p.ExpireHours)))
	packed1.Lsh(packed1, 17)
	return pedersenPair(h, packed1)
}

func pedersenPair(a, b *big.Int) *big.Int {
	h := curve.Pedersen(new(felt.Felt).SetBigInt(a), new(felt.Felt).SetBigInt(b))
	return h.BigInt(new(big.Int))
}

// SignOrder returns the L2 order signature as r||s, 64 hex characters each.
func (s *StarkSigner) SignOrder(p OrderParams) (string, error) {
	r, sig, err := curve.Curve.Sign(s.OrderHash(p), s.priv)
	if err != nil {
		return "", errs.New(s.venue, errs.CodeAuth,
			errs.WithMessage("sign order hash"), errs.WithCause(err))
	}
	return feltHex(r) + feltHex(sig), nil
}

// SignRequest signs a REST call. The digest is keccak256 over
// timestamp+METHOD+path+sortedQuery, reduced into the curve's scalar field.
// The returned signature is r||s||y where y is the public point's
// y-coordinate, which the venue uses to recover the key.
func (s *StarkSigner) SignRequest(method, path string, params map[string]string, timestamp string) (string, error) {
	digest := requestDigest(method, path, params, timestamp)
	r, sig, err := curve.Curve.Sign(digest, s.priv)
	if err != nil {
		return "", errs.New(s.venue, errs.CodeAuth,
			errs.WithMessage("sign request digest"), errs.WithCause(err))
	}
	return feltHex(r) + feltHex(sig) + feltHex(s.pubY), nil
}

// SignRequestRS is the stream handshake variant of SignRequest: same digest,
// but the signature ships as bare r||s.
func (s *StarkSigner) SignRequestRS(method, path string, params map[string]string, timestamp string) (string, error) {
	digest := requestDigest(method, path, params, timestamp)
	r, sig, err := curve.Curve.Sign(digest, s.priv)
	if err != nil {
		return "", errs.New(s.venue, errs.CodeAuth,
			errs.WithMessage("sign request digest"), errs.WithCause(err))
	}
	return feltHex(r) + feltHex(sig), nil
}

func requestDigest(method, path string, params map[string]string, timestamp string) *big.Int {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(timestamp)
	sb.WriteString(strings.ToUpper(method))
	sb.WriteString(path)
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}

	hasher := sha3.NewLegacyKeccak256()
	hasher.Write([]byte(sb.String()))
	digest := new(big.Int).SetBytes(hasher.Sum(nil))
	return digest.Mod(digest, starkOrderModulus)
}

func feltHex(v *big.Int) string {
	return hex.EncodeToString(v.FillBytes(make([]byte, 32)))
}

// OrderNonce derives the deterministic L2 nonce from a client order id: the
// first eight hex digits of its sha256.
func OrderNonce(clientOrderID string) uint32 {
	sum := sha256.Sum256([]byte(clientOrderID))
	n, _ := strconv.ParseUint(hex.EncodeToString(sum[:])[:8], 16, 32)
	return uint32(n)
}

// OrderExpiry computes the three expiry representations an order submission
// needs: the venue-facing expiry and the signed expiry in epoch milliseconds,
// and the signed expiry in whole epoch hours as packed into the order hash.
func OrderExpiry(now time.Time) (apiExpiryMs, signedExpiryMs int64, expireHours uint32) {
	signedExpiryMs = now.Add(orderLifetime).UnixMilli()
	apiExpiryMs = signedExpiryMs - orderExpiryBuffer.Milliseconds()
	expireHours = uint32(signedExpiryMs / time.Hour.Milliseconds())
	return apiExpiryMs, signedExpiryMs, expireHours
}
