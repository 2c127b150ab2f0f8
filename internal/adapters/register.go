// Package adapters wires built-in venue adapters into the session registry.
package adapters

import (
	"context"
	"fmt"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/config"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/adapters/edgex"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/adapters/standx"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/observability"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/schema"
)

// Options carries cross-cutting dependencies the adapters cannot build
// themselves.
type Options struct {
	// StandXWallet signs login challenges with the account's chain wallet.
	// Optional when a session token is configured.
	StandXWallet standx.WalletSigner
}

// RegisterAll installs every built-in adapter into the provided registry.
func RegisterAll(reg *Registry, opts Options) {
	if reg == nil {
		return
	}
	reg.Register(config.VenueEdgeX, edgexFactory())
	reg.Register(config.VenueStandX, standxFactory(opts.StandXWallet))
}

func edgexFactory() Factory {
	return Factory{
		Key: func(cfg config.Settings) (string, error) {
			s := cfg.Venues.EdgeX
			if s.AccountID == "" || s.PrivateKey == "" {
				return "", fmt.Errorf("%w: edgex accountId and privateKey", ErrMissingCredentials)
			}
			return credentialKey(config.VenueEdgeX, s.AccountID, s.PrivateKey), nil
		},
		Dial: func(ctx context.Context, cfg config.Settings, logger observability.Logger) (schema.Exchange, error) {
			p, err := edgex.New(ctx, cfg.Venues.EdgeX, logger)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
	}
}

func standxFactory(wallet standx.WalletSigner) Factory {
	return Factory{
		Key: func(cfg config.Settings) (string, error) {
			s := cfg.Venues.StandX
			if s.WalletAddress == "" {
				return "", fmt.Errorf("%w: standx walletAddress", ErrMissingCredentials)
			}
			if s.SessionToken == "" && wallet == nil {
				return "", fmt.Errorf("%w: standx sessionToken or wallet signer", ErrMissingCredentials)
			}
			return credentialKey(config.VenueStandX, s.WalletAddress, s.Chain), nil
		},
		Dial: func(ctx context.Context, cfg config.Settings, logger observability.Logger) (schema.Exchange, error) {
			p, err := standx.New(ctx, cfg.Venues.StandX, standx.Options{WalletSigner: wallet}, logger)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
	}
}
