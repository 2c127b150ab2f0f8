package edgex

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/NA-DEGEN-GIRL/multi-perp-dex/errs"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/numeric"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/schema"
	"github.com/NA-DEGEN-GIRL/multi-perp-dex/internal/signing"
)

// Collateral value quantizes to 0.0001 USDT before signing; market orders
// sign a protective limit 10% through the oracle price.
var (
	valueStep      = decimal.RequireFromString("0.0001")
	marketSlippage = decimal.RequireFromString("0.1")
	microScale     = decimal.New(1, 6)
)

// orderBuilder quantizes an order request, derives its L2 amounts and signs
// the result into the venue's createOrder body.
type orderBuilder struct {
	signer      *signing.StarkSigner
	accountID   string
	now         func() time.Time
	newClientID func() string
}

func newOrderBuilder(signer *signing.StarkSigner, accountID string) *orderBuilder {
	return &orderBuilder{
		signer:      signer,
		accountID:   accountID,
		now:         time.Now,
		newClientID: uuid.NewString,
	}
}

// build produces the signed request body. refPrice is the oracle price and is
// only consulted for market orders.
func (b *orderBuilder) build(m Market, req schema.OrderRequest, refPrice decimal.Decimal) (map[string]string, error) {
	size := numeric.SizeToStep(req.Size, m.StepSize)
	if size.LessThan(m.MinOrderSize) || size.GreaterThan(m.MaxOrderSize) {
		return nil, errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("size outside contract bounds"),
			errs.WithCanonicalCode(errs.CanonicalBadQuantity),
			errs.WithVenueField("symbol", m.Symbol),
			errs.WithVenueField("size", size.String()))
	}

	var price decimal.Decimal
	switch req.Type {
	case schema.OrderTypeLimit:
		if req.Price.Sign() <= 0 {
			return nil, errs.New(venueName, errs.CodeInvalid,
				errs.WithMessage("limit order requires a positive price"))
		}
		price = numeric.PriceToTick(req.Price, m.TickSize)
	case schema.OrderTypeMarket:
		if refPrice.Sign() <= 0 {
			return nil, errs.New(venueName, errs.CodeInvalid,
				errs.WithMessage("no reference price for market order"))
		}
		price = numeric.ProtectiveLimit(req.Side == schema.SideBuy, refPrice, marketSlippage, m.TickSize)
	default:
		return nil, errs.New(venueName, errs.CodeInvalid,
			errs.WithMessage("unsupported order type"),
			errs.WithVenueField("type", string(req.Type)))
	}

	value := numeric.NotionalValue(price, size, valueStep)
	fee := value.Mul(m.TakerFeeRate).RoundCeil(6)

	clientOrderID := b.newClientID()
	nonce := signing.OrderNonce(clientOrderID)
	apiExpiryMs, signedExpiryMs, expireHours := signing.OrderExpiry(b.now())

	positionID, err := strconv.ParseUint(b.accountID, 10, 64)
	if err != nil {
		return nil, errs.New(venueName, errs.CodeAuth,
			errs.WithMessage("account id is not numeric"), errs.WithCause(err))
	}

	params := signing.OrderParams{
		AssetIDSynthetic:  m.SyntheticAssetID,
		AssetIDCollateral: m.CollateralAssetID,
		AmountSynthetic:   scaledUint(size, m.StarkResolution),
		AmountCollateral:  scaledUint(value, microScale),
		AmountFee:         scaledUint(fee, microScale),
		IsBuy:             req.Side == schema.SideBuy,
		PositionID:        positionID,
		Nonce:             nonce,
		ExpireHours:       expireHours,
	}
	signature, err := b.signer.SignOrder(params)
	if err != nil {
		return nil, err
	}

	side := "BUY"
	if req.Side == schema.SideSell {
		side = "SELL"
	}
	orderType := "LIMIT"
	timeInForce := "GOOD_TIL_CANCEL"
	bodyPrice := price.String()
	if req.Type == schema.OrderTypeMarket {
		orderType = "MARKET"
		timeInForce = "IMMEDIATE_OR_CANCEL"
		// Market bodies carry no price; the protective limit lives only in
		// the signed value.
		bodyPrice = "0"
	}

	return map[string]string{
		"accountId":     b.accountID,
		"contractId":    m.ContractID,
		"side":          side,
		"size":          size.String(),
		"price":         bodyPrice,
		"type":          orderType,
		"timeInForce":   timeInForce,
		"reduceOnly":    strconv.FormatBool(req.ReduceOnly),
		"clientOrderId": clientOrderID,
		"l2Nonce":       strconv.FormatUint(uint64(nonce), 10),
		"l2Value":       value.String(),
		"l2Size":        size.String(),
		"l2LimitFee":    fee.String(),
		"l2ExpireTime":  strconv.FormatInt(signedExpiryMs, 10),
		"l2Signature":   signature,
		"expireTime":    strconv.FormatInt(apiExpiryMs, 10),
	}, nil
}

// scaledUint converts a quantized decimal to its venue integer at the given
// scale. Inputs are pre-quantized so the product is integral.
func scaledUint(v, scale decimal.Decimal) uint64 {
	return v.Mul(scale).BigInt().Uint64()
}
