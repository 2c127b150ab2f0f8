// Package edgex implements the EdgeX venue adapter: stark-curve signed
// trading over REST with stream-first reads from the public and private
// websocket feeds.
package edgex

import (
	"context"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/errs"
)

const venueName = "edgex"

// The venue settles every contract in USDT, coin id 1000.
const (
	collateralCoinID = "1000"
	collateralAsset  = "USDT"
)

// Market carries everything needed to quote, quantize and sign orders for one
// perpetual contract.
type Market struct {
	Symbol            string
	ContractID        string
	QuoteCoin         string
	TickSize          decimal.Decimal
	StepSize          decimal.Decimal
	MinOrderSize      decimal.Decimal
	MaxOrderSize      decimal.Decimal
	TakerFeeRate      decimal.Decimal
	StarkResolution   decimal.Decimal
	SyntheticAssetID  *big.Int
	CollateralAssetID *big.Int
}

type contractMeta struct {
	ContractID              string `json:"contractId"`
	ContractName            string `json:"contractName"`
	TickSize                string `json:"tickSize"`
	StepSize                string `json:"stepSize"`
	MinOrderSize            string `json:"minOrderSize"`
	MaxOrderSize            string `json:"maxOrderSize"`
	DefaultTakerFeeRate     string `json:"defaultTakerFeeRate"`
	StarkExSyntheticAssetID string `json:"starkExSyntheticAssetId"`
	StarkExResolution       string `json:"starkExResolution"`
	QuoteCoinID             string `json:"quoteCoinId"`
}

type metaDataPayload struct {
	ContractList []contractMeta `json:"contractList"`
	Global       struct {
		StarkExCollateralCoin struct {
			StarkExAssetID string `json:"starkExAssetId"`
		} `json:"starkExCollateralCoin"`
	} `json:"global"`
}

// fetchMarkets loads contract metadata and indexes it by contract name.
// Placeholder TEMP listings are skipped, matching the venue's own clients.
func (r *restClient) fetchMarkets(ctx context.Context) (map[string]Market, error) {
	var payload metaDataPayload
	if err := r.public(ctx, "/api/v1/public/meta/getMetaData", nil, &payload); err != nil {
		return nil, err
	}

	collateralID, ok := parseHexAsset(payload.Global.StarkExCollateralCoin.StarkExAssetID)
	if !ok {
		return nil, errs.New(venueName, errs.CodeProtocol,
			errs.WithMessage("metadata missing collateral asset id"))
	}

	markets := make(map[string]Market, len(payload.ContractList))
	for _, c := range payload.ContractList {
		if strings.Contains(c.ContractName, "TEMP") {
			continue
		}
		m, err := c.toMarket(collateralID)
		if err != nil {
			return nil, err
		}
		markets[m.Symbol] = m
	}
	if len(markets) == 0 {
		return nil, errs.New(venueName, errs.CodeProtocol,
			errs.WithMessage("metadata returned no contracts"))
	}
	return markets, nil
}

func (c contractMeta) toMarket(collateralID *big.Int) (Market, error) {
	tick, err := decimal.NewFromString(c.TickSize)
	if err != nil {
		return Market{}, badMeta(c.ContractName, "tickSize", err)
	}
	step, err := decimal.NewFromString(c.StepSize)
	if err != nil {
		return Market{}, badMeta(c.ContractName, "stepSize", err)
	}
	minSize, err := decimal.NewFromString(c.MinOrderSize)
	if err != nil {
		return Market{}, badMeta(c.ContractName, "minOrderSize", err)
	}
	maxSize, err := decimal.NewFromString(c.MaxOrderSize)
	if err != nil {
		return Market{}, badMeta(c.ContractName, "maxOrderSize", err)
	}
	fee, err := decimal.NewFromString(c.DefaultTakerFeeRate)
	if err != nil {
		return Market{}, badMeta(c.ContractName, "defaultTakerFeeRate", err)
	}

	synthetic, ok := parseHexAsset(c.StarkExSyntheticAssetID)
	if !ok {
		return Market{}, badMeta(c.ContractName, "starkExSyntheticAssetId", nil)
	}
	resolutionInt, ok := parseHexAsset(c.StarkExResolution)
	if !ok {
		return Market{}, badMeta(c.ContractName, "starkExResolution", nil)
	}

	return Market{
		Symbol:            c.ContractName,
		ContractID:        c.ContractID,
		QuoteCoin:         "USD",
		TickSize:          tick,
		StepSize:          step,
		MinOrderSize:      minSize,
		MaxOrderSize:      maxSize,
		TakerFeeRate:      fee,
		StarkResolution:   decimal.NewFromBigInt(resolutionInt, 0),
		SyntheticAssetID:  synthetic,
		CollateralAssetID: collateralID,
	}, nil
}

func parseHexAsset(s string) (*big.Int, bool) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if trimmed == "" {
		return nil, false
	}
	return new(big.Int).SetString(trimmed, 16)
}

func badMeta(symbol, field string, cause error) error {
	opts := []errs.Option{
		errs.WithMessage("malformed contract metadata"),
		errs.WithVenueField("symbol", symbol),
		errs.WithVenueField("field", field),
	}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New(venueName, errs.CodeProtocol, opts...)
}

// baseCoin strips the quote suffix from a contract name: BTCUSD -> BTC.
func baseCoin(symbol string) string {
	if i := strings.Index(symbol, "USD"); i > 0 {
		return symbol[:i]
	}
	return symbol
}
