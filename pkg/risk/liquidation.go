package risk

import (
	"time"

	"github.com/uhyunpark/perpsdk/pkg/account"
	"github.com/uhyunpark/perpsdk/pkg/fixed"
	"github.com/uhyunpark/perpsdk/pkg/market"
	"github.com/uhyunpark/perpsdk/pkg/sdkerr"
)

// LiquidationPrice solves the margin-ratio threshold equation for the mark
// price P at which the position's margin equals its maintenance requirement:
//
//	c + s·(P − e) = m·|s|·P   ⇒   P = (s·e − c) / (s − m·|s|)
//
// with s the signed size, e the entry price, c the collateral backing the
// position and m the maintenance ratio (tier ratio plus liquidation fee) at
// the entry notional. The result is at the instrument's price decimals,
// rounded toward the current price (up for longs, down for shorts), so it
// is within one price unit of the exact root and never optimistic.
//
// ok is false when no positive liquidation price exists.
func LiquidationPrice(in *market.Instrument, pos account.Position, collateral fixed.Value) (price fixed.Value, ok bool, err error) {
	const op = "risk.LiquidationPrice"
	if pos.IsFlat() {
		return fixed.Value{}, false, nil
	}
	s := pos.Size
	entryNotional, err := Notional(s, pos.EntryPrice, in.CollateralDecimals, fixed.Ceil)
	if err != nil {
		return fixed.Value{}, false, err
	}
	m, err := MaintenanceRatio(in, entryNotional)
	if err != nil {
		return fixed.Value{}, false, err
	}

	// exact intermediates; rounding happens once in the final division
	se, err := s.Mul(pos.EntryPrice, s.Decimals()+pos.EntryPrice.Decimals(), fixed.TowardZero)
	if err != nil {
		return fixed.Value{}, false, numeric(op, err)
	}
	num, err := se.Sub(collateral)
	if err != nil {
		return fixed.Value{}, false, numeric(op, err)
	}
	ms, err := m.Mul(s.Abs(), m.Decimals()+s.Decimals(), fixed.TowardZero)
	if err != nil {
		return fixed.Value{}, false, numeric(op, err)
	}
	den, err := s.Sub(ms)
	if err != nil {
		return fixed.Value{}, false, numeric(op, err)
	}
	if den.IsZero() {
		return fixed.Value{}, false, nil
	}
	mode := fixed.Ceil
	if pos.IsShort() {
		mode = fixed.Floor
	}
	p, err := num.Div(den, in.PriceDecimals, mode)
	if err != nil {
		return fixed.Value{}, false, numeric(op, err)
	}
	if !p.IsPositive() {
		return fixed.Value{}, false, nil
	}
	return p, true, nil
}

// PositionCollateral is the c term of LiquidationPrice: the isolated margin,
// or for cross positions the account's total collateral plus the unrealized
// PnL and less the maintenance margin of every other cross position in the
// same asset.
func PositionCollateral(view account.AccountView, symbol string, instruments Instruments) (fixed.Value, error) {
	pv, ok := view.Positions[symbol]
	if !ok || pv.IsFlat() {
		return fixed.Value{}, sdkerr.NotFoundf("risk.PositionCollateral", "no open position in %s", symbol)
	}
	if pv.Mode == account.Isolated {
		return pv.IsolatedMargin, nil
	}
	in, err := instruments.Get(symbol)
	if err != nil {
		return fixed.Value{}, sdkerr.Consistencyf("risk.PositionCollateral", "position in unknown instrument %s", symbol)
	}
	b, ok := view.Balances[in.CollateralAsset]
	if !ok {
		return fixed.Zero(in.CollateralDecimals), nil
	}
	c := b.Total
	for _, sym := range sortedPositionKeys(view.Positions) {
		other := view.Positions[sym]
		if sym == symbol || other.IsFlat() || other.Mode == account.Isolated {
			continue
		}
		oin, err := instruments.Get(sym)
		if err != nil {
			return fixed.Value{}, sdkerr.Consistencyf("risk.PositionCollateral", "position in unknown instrument %s", sym)
		}
		if oin.CollateralAsset != in.CollateralAsset {
			continue
		}
		mark := other.MarkPrice
		if mark.IsZero() {
			mark = other.EntryPrice
		}
		pnl, err := UnrealizedPnL(other.Position, mark, oin.CollateralDecimals)
		if err != nil {
			return fixed.Value{}, err
		}
		mm, err := MaintenanceMargin(&oin, other.Position, mark)
		if err != nil {
			return fixed.Value{}, err
		}
		if c, err = c.Add(pnl); err == nil {
			c, err = c.Sub(mm)
		}
		if err != nil {
			return fixed.Value{}, numeric("risk.PositionCollateral", err)
		}
	}
	return c, nil
}

// FundingPayment is the collateral change for one settlement at rate (per
// interval) and mark: −size × mark × rate. A positive rate means longs pay.
// Rounded down, so the account never receives more than it is owed.
func FundingPayment(pos account.Position, rate, mark fixed.Value, dp uint8) (fixed.Value, error) {
	if pos.IsFlat() || rate.IsZero() {
		return fixed.Zero(dp), nil
	}
	sm, err := pos.Size.Mul(mark, pos.Size.Decimals()+mark.Decimals(), fixed.TowardZero)
	if err != nil {
		return fixed.Value{}, numeric("risk.FundingPayment", err)
	}
	p, err := sm.Neg().Mul(rate, dp, fixed.Floor)
	if err != nil {
		return fixed.Value{}, numeric("risk.FundingPayment", err)
	}
	return p, nil
}

// AccrueFunding is the funding owed over elapsed at a constant rate per
// interval. Partial intervals do not accrue.
func AccrueFunding(pos account.Position, rate, mark fixed.Value, elapsed, interval time.Duration, dp uint8) (fixed.Value, error) {
	if interval <= 0 {
		return fixed.Value{}, sdkerr.Validationf("risk.AccrueFunding", "funding interval must be positive")
	}
	n := int64(elapsed / interval)
	if n <= 0 {
		return fixed.Zero(dp), nil
	}
	total, err := rate.MulInt(n)
	if err != nil {
		return fixed.Value{}, numeric("risk.AccrueFunding", err)
	}
	return FundingPayment(pos, total, mark, dp)
}
