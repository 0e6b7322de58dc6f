package risk

import (
	"github.com/uhyunpark/perpsdk/pkg/account"
	"github.com/uhyunpark/perpsdk/pkg/fixed"
	"github.com/uhyunpark/perpsdk/pkg/market"
	"github.com/uhyunpark/perpsdk/pkg/sdkerr"
)

// OrderRequest is the risk-relevant part of a proposed order.
type OrderRequest struct {
	Instrument string
	Buy        bool
	Size       fixed.Value // positive
	Price      fixed.Value // limit price; ignored for market orders
	Market     bool
	ReduceOnly bool
	PostOnly   bool
	Leverage   int64 // 0 = tier default
}

// Limits are account-level caps applied on top of instrument tiers.
type Limits struct {
	MaxLeverage int64 // 0 = no account cap
}

const opCheck = "risk.CheckOrder"

// CheckOrder validates req against view and returns the reservation that
// placing it would add to the overlay. It never touches the network; a
// failure is always a Validation error carrying a reason code.
func CheckOrder(view account.AccountView, in *market.Instrument, instruments Instruments, req OrderRequest, limits Limits) (account.Reservation, error) {
	if view.Frozen {
		return account.Reservation{}, sdkerr.Invalid(opCheck, sdkerr.ReasonAccountFrozen, "account %s is frozen", view.Account.Hex())
	}
	switch in.Status {
	case market.Paused:
		return account.Reservation{}, sdkerr.Invalid(opCheck, sdkerr.ReasonContractPaused, "%s is paused", in.Symbol)
	case market.Closed:
		return account.Reservation{}, sdkerr.Invalid(opCheck, sdkerr.ReasonMarketClosed, "%s is closed", in.Symbol)
	}

	size, err := req.Size.Rescale(in.SizeDecimals, fixed.TowardZero)
	if err != nil || !size.Equal(req.Size) {
		return account.Reservation{}, sdkerr.Invalid(opCheck, sdkerr.ReasonInvalidSize, "size %s exceeds %d decimals", req.Size, in.SizeDecimals)
	}
	if !size.IsPositive() || !in.OnLot(size) {
		return account.Reservation{}, sdkerr.Invalid(opCheck, sdkerr.ReasonInvalidSize, "size %s is not a positive multiple of lot %s", size, in.LotSize)
	}
	if size.LessThan(in.MinSize) {
		return account.Reservation{}, sdkerr.Invalid(opCheck, sdkerr.ReasonBelowMinimum, "size %s below minimum %s", size, in.MinSize)
	}
	if in.MaxSize.IsPositive() && size.GreaterThan(in.MaxSize) {
		return account.Reservation{}, sdkerr.Invalid(opCheck, sdkerr.ReasonSizeOutOfRange, "size %s above maximum %s", size, in.MaxSize)
	}

	pos := view.Positions[in.Symbol]
	price, err := referencePrice(in, pos, req)
	if err != nil {
		return account.Reservation{}, err
	}

	signed := size
	if !req.Buy {
		signed = size.Neg()
	}
	notional, err := Notional(size, price, in.CollateralDecimals, fixed.Ceil)
	if err != nil {
		return account.Reservation{}, err
	}
	if notional.LessThan(in.MinNotional) {
		return account.Reservation{}, sdkerr.Invalid(opCheck, sdkerr.ReasonBelowMinimum, "notional %s below minimum %s", notional, in.MinNotional)
	}

	res := account.Reservation{
		Instrument: in.Symbol,
		Asset:      in.CollateralAsset,
		Size:       signed,
		Notional:   notional,
		Margin:     fixed.Zero(in.CollateralDecimals),
	}

	if req.ReduceOnly {
		if err := checkReduceOnly(pos, signed); err != nil {
			return account.Reservation{}, err
		}
		return res, nil
	}

	// only the part of the order that adds exposure needs initial margin
	opening, err := openingSize(pos, signed)
	if err != nil {
		return account.Reservation{}, err
	}
	required := fixed.Zero(in.CollateralDecimals)
	if opening.IsPositive() {
		openNotional, err := Notional(opening, price, in.CollateralDecimals, fixed.Ceil)
		if err != nil {
			return account.Reservation{}, err
		}
		// tier is chosen by the projected position notional
		projected, err := projectedNotional(pos, signed, price, in.CollateralDecimals)
		if err != nil {
			return account.Reservation{}, err
		}
		ratio, err := InitialMarginRatio(in, projected, req.Leverage)
		if err != nil {
			return account.Reservation{}, err
		}
		if required, err = openNotional.Mul(ratio, in.CollateralDecimals, fixed.Ceil); err != nil {
			return account.Reservation{}, numeric(opCheck, err)
		}
	}

	feeRatio := in.TakerFeeRatio
	if req.PostOnly {
		feeRatio = in.MakerFeeRatio
	}
	if feeRatio.IsPositive() {
		fee, err := notional.Mul(feeRatio, in.CollateralDecimals, fixed.Ceil)
		if err != nil {
			return account.Reservation{}, numeric(opCheck, err)
		}
		if required, err = required.Add(fee); err != nil {
			return account.Reservation{}, numeric(opCheck, err)
		}
	}

	free, err := FreeCollateral(view, in.CollateralAsset, instruments)
	if err != nil {
		return account.Reservation{}, err
	}
	if required.GreaterThan(free) {
		return account.Reservation{}, sdkerr.Invalid(opCheck, sdkerr.ReasonInsufficientMargin,
			"order on %s needs %s %s, free collateral is %s", in.Symbol, required, in.CollateralAsset, free)
	}

	if limits.MaxLeverage > 0 && opening.IsPositive() {
		gross, err := GrossNotional(view, in.CollateralAsset, instruments)
		if err != nil {
			return account.Reservation{}, err
		}
		if gross, err = gross.Add(notional); err != nil {
			return account.Reservation{}, numeric(opCheck, err)
		}
		eq, err := Equity(view, in.CollateralAsset, instruments)
		if err != nil {
			return account.Reservation{}, err
		}
		lev, err := leverageOf(gross, eq)
		if err != nil {
			return account.Reservation{}, err
		}
		if lev.GreaterThan(fixed.New(limits.MaxLeverage, 0)) {
			return account.Reservation{}, sdkerr.Invalid(opCheck, sdkerr.ReasonLeverageExceeded,
				"projected account leverage %sx exceeds cap %dx", lev, limits.MaxLeverage)
		}
	}

	res.Margin = required
	return res, nil
}

// referencePrice is the limit price, or for market orders the mark moved by
// the configured slippage against the taker.
func referencePrice(in *market.Instrument, pos account.PositionView, req OrderRequest) (fixed.Value, error) {
	if !req.Market {
		price, err := req.Price.Rescale(in.PriceDecimals, fixed.TowardZero)
		if err != nil || !price.Equal(req.Price) {
			return fixed.Value{}, sdkerr.Invalid(opCheck, sdkerr.ReasonInvalidPrice, "price %s exceeds %d decimals", req.Price, in.PriceDecimals)
		}
		if !price.IsPositive() || !in.OnTick(price) {
			return fixed.Value{}, sdkerr.Invalid(opCheck, sdkerr.ReasonInvalidPrice, "price %s is not a positive multiple of tick %s", price, in.TickSize)
		}
		return price, nil
	}
	if req.PostOnly {
		return fixed.Value{}, sdkerr.Invalid(opCheck, sdkerr.ReasonCrossesBook, "market orders cannot be post-only")
	}
	if !pos.MarkPrice.IsPositive() {
		return fixed.Value{}, sdkerr.Invalid(opCheck, sdkerr.ReasonInvalidPrice, "no mark price for %s to bound a market order", in.Symbol)
	}
	one := fixed.New(1, 0)
	factor, err := one.Add(in.Margin.MarketSlippage)
	mode := fixed.Ceil
	if !req.Buy {
		factor, err = one.Sub(in.Margin.MarketSlippage)
		mode = fixed.Floor
	}
	if err != nil {
		return fixed.Value{}, numeric(opCheck, err)
	}
	price, err := pos.MarkPrice.Mul(factor, in.PriceDecimals, mode)
	if err != nil {
		return fixed.Value{}, numeric(opCheck, err)
	}
	return price, nil
}

// openingSize is the unsigned part of signed that increases exposure,
// counting pending orders as if filled.
func openingSize(pos account.PositionView, signed fixed.Value) (fixed.Value, error) {
	cur, err := pos.Size.Add(pos.PendingSize)
	if err != nil {
		return fixed.Value{}, numeric(opCheck, err)
	}
	if cur.Sign() == 0 || cur.Sign() == signed.Sign() {
		return signed.Abs(), nil
	}
	excess, err := signed.Abs().Sub(cur.Abs())
	if err != nil {
		return fixed.Value{}, numeric(opCheck, err)
	}
	if excess.IsNegative() {
		return fixed.Zero(signed.Decimals()), nil
	}
	return excess, nil
}

func projectedNotional(pos account.PositionView, signed, price fixed.Value, dp uint8) (fixed.Value, error) {
	after, err := pos.Size.Add(pos.PendingSize)
	if err == nil {
		after, err = after.Add(signed)
	}
	if err != nil {
		return fixed.Value{}, numeric(opCheck, err)
	}
	return Notional(after, price, dp, fixed.Ceil)
}

func checkReduceOnly(pos account.PositionView, signed fixed.Value) error {
	if pos.IsFlat() || pos.Size.Sign() == signed.Sign() {
		return sdkerr.Invalid(opCheck, sdkerr.ReasonReduceOnlyViolation, "reduce-only order would not reduce %s", pos.Instrument)
	}
	// pending orders that also reduce eat into the same position
	reducing := fixed.Zero(signed.Decimals())
	if pos.PendingSize.Sign() == signed.Sign() {
		reducing = pos.PendingSize.Abs()
	}
	total, err := reducing.Add(signed.Abs())
	if err != nil {
		return numeric(opCheck, err)
	}
	if total.GreaterThan(pos.Size.Abs()) {
		return sdkerr.Invalid(opCheck, sdkerr.ReasonReduceOnlyViolation,
			"reduce-only size %s plus pending %s exceeds position %s", signed.Abs(), reducing, pos.Size.Abs())
	}
	return nil
}
