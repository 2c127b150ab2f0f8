package standx

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/errs"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/adapters/shared"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/observability"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/signing"
)

// tokenLeeway is how close to its exp claim a bearer token is still trusted.
const tokenLeeway = 30 * time.Second

// WalletSigner signs a sign-in challenge with the account's chain wallet.
// The adapter never holds the wallet key itself.
type WalletSigner func(ctx context.Context, message string) (string, error)

// authManager owns the venue session: a bearer token plus the ed25519 key
// registered with it. Sessions persist on disk so restarts skip the wallet
// round-trip while the token is fresh.
type authManager struct {
	address        string
	chain          string
	api            *shared.RESTClient
	store          *signing.SessionStore
	walletSign     WalletSigner
	bootstrapToken string
	logger         observability.Logger

	mu     sync.Mutex
	signer *signing.Ed25519Signer
	token  string
}

func newAuthManager(address, chain string, api *shared.RESTClient, store *signing.SessionStore, walletSign WalletSigner, bootstrapToken string, logger observability.Logger) *authManager {
	if logger == nil {
		logger = observability.Log()
	}
	return &authManager{
		address:        address,
		chain:          chain,
		api:            api,
		store:          store,
		walletSign:     walletSign,
		bootstrapToken: bootstrapToken,
		logger:         logger,
	}
}

// ensure makes the manager hold a live token and its signer, reusing the
// cached session, the configured bootstrap token, or a full wallet sign-in,
// in that order.
func (a *authManager) ensure(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.signer != nil && signing.TokenValid(a.token, tokenLeeway) {
		return nil
	}

	if sess, err := a.store.Load(a.address); err == nil && sess != nil && signing.TokenValid(sess.Token, tokenLeeway) {
		seed, err := sess.SeedBytes()
		if err == nil {
			signer, err := signing.Ed25519SignerFromSeed(venueName, seed)
			if err == nil {
				a.signer = signer
				a.token = sess.Token
				a.logger.Debug("reusing cached session",
					observability.Field{Key: "venue", Value: venueName},
					observability.Field{Key: "address", Value: a.address})
				return nil
			}
		}
	}

	if a.bootstrapToken != "" && signing.TokenValid(a.bootstrapToken, tokenLeeway) {
		signer, err := signing.NewEd25519Signer(venueName)
		if err != nil {
			return err
		}
		a.signer = signer
		a.token = a.bootstrapToken
		a.persistLocked()
		return nil
	}

	return a.loginLocked(ctx)
}

// loginLocked runs the prepare-signin/login exchange: the venue issues a
// challenge, the wallet signs it, and the fresh ed25519 public key is
// registered alongside the returned token.
func (a *authManager) loginLocked(ctx context.Context) error {
	if a.walletSign == nil {
		return errs.New(venueName, errs.CodeAuth,
			errs.WithMessage("no valid session and no wallet signer configured"),
			errs.WithVenueField("address", a.address))
	}

	challenge := struct {
		Message string `json:"message"`
	}{}
	if err := a.apiCall(ctx, "/v1/offchain/prepare-signin", map[string]string{
		"address": a.address,
		"chain":   a.chain,
	}, &challenge); err != nil {
		return err
	}
	if challenge.Message == "" {
		return errs.New(venueName, errs.CodeProtocol,
			errs.WithMessage("empty sign-in challenge"))
	}

	walletSig, err := a.walletSign(ctx, challenge.Message)
	if err != nil {
		return errs.New(venueName, errs.CodeAuth,
			errs.WithMessage("wallet refused sign-in challenge"), errs.WithCause(err))
	}

	signer, err := signing.NewEd25519Signer(venueName)
	if err != nil {
		return err
	}

	login := struct {
		Token string `json:"token"`
	}{}
	if err := a.apiCall(ctx, "/v1/offchain/login", map[string]string{
		"address":    a.address,
		"chain":      a.chain,
		"signature":  walletSig,
		"request_id": signer.Identity(),
	}, &login); err != nil {
		return err
	}
	if login.Token == "" {
		return errs.New(venueName, errs.CodeAuth,
			errs.WithMessage("login returned no token"))
	}

	a.signer = signer
	a.token = login.Token
	a.persistLocked()
	a.logger.Info("logged in",
		observability.Field{Key: "venue", Value: venueName},
		observability.Field{Key: "address", Value: a.address})
	return nil
}

func (a *authManager) persistLocked() {
	sess := &signing.Session{
		Address:   a.address,
		Chain:     a.chain,
		Token:     a.token,
		RequestID: a.signer.Identity(),
	}
	sess.SetSeed(a.signer.Seed())
	if err := a.store.Save(sess); err != nil {
		a.logger.Error("session cache write failed",
			observability.Field{Key: "venue", Value: venueName},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

func (a *authManager) apiCall(ctx context.Context, path string, body map[string]string, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("encode login body"), errs.WithCause(err))
	}
	var env envelope
	if err := a.api.Do(ctx, shared.Request{
		Method: http.MethodPost,
		Path:   path,
		Body:   payload,
	}, &env); err != nil {
		return err
	}
	return env.decode(out)
}

// headers signs one request payload. ensure must have succeeded first.
func (a *authManager) headers(payload string) (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.signer == nil || a.token == "" {
		return nil, errs.New(venueName, errs.CodeAuth, errs.WithMessage("no active session"))
	}
	h := a.signer.SignHeaders(payload)
	h["Authorization"] = "Bearer " + a.token
	return h, nil
}

// bearer returns the current token for the stream auth frame.
func (a *authManager) bearer() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == "" {
		return "", errs.New(venueName, errs.CodeAuth, errs.WithMessage("no active session"))
	}
	return a.token, nil
}

// invalidate discards the session after a venue-side rejection so the next
// call logs in afresh.
func (a *authManager) invalidate() {
	a.mu.Lock()
	a.signer = nil
	a.token = ""
	a.mu.Unlock()
	_ = a.store.Clear(a.address)
}
