// Package risk computes margin requirements, liquidation prices and funding
// over an account view. Every function is pure: the same inputs always give
// the same fixed-point outputs.
//
// Rounding is always against the account: requirements round up,
// availability and PnL round down.
package risk

import (
	"sort"

	"github.com/uhyunpark/perpsdk/pkg/account"
	"github.com/uhyunpark/perpsdk/pkg/fixed"
	"github.com/uhyunpark/perpsdk/pkg/market"
	"github.com/uhyunpark/perpsdk/pkg/sdkerr"
)

// RatioDecimals is the scale used for margin ratios.
const RatioDecimals = 9

// Instruments resolves instrument definitions. *market.Registry satisfies it.
type Instruments interface {
	Get(symbol string) (market.Instrument, error)
}

func numeric(op string, err error) error {
	return sdkerr.New(sdkerr.Numeric, op, err)
}

// Notional returns |size| × price at dp decimals.
func Notional(size, price fixed.Value, dp uint8, mode fixed.Rounding) (fixed.Value, error) {
	n, err := size.Abs().Mul(price.Abs(), dp, mode)
	if err != nil {
		return fixed.Value{}, numeric("risk.Notional", err)
	}
	return n, nil
}

// InitialMarginRatio returns the ratio applied to notional when opening
// exposure: the largest of the tier ratio, 1/leverage, and the sqrt-scaled
// IMF term.
func InitialMarginRatio(in *market.Instrument, notional fixed.Value, leverage int64) (fixed.Value, error) {
	tier, err := in.TierFor(notional)
	if err != nil {
		return fixed.Value{}, sdkerr.Invalid("risk.InitialMarginRatio", sdkerr.ReasonSizeOutOfRange, "%v", err)
	}
	ratio := tier.InitialMarginRatio
	if leverage > 0 {
		if leverage > tier.MaxLeverage {
			return fixed.Value{}, sdkerr.Invalid("risk.InitialMarginRatio", sdkerr.ReasonLeverageExceeded,
				"leverage %dx exceeds %dx allowed for %s at notional %s", leverage, tier.MaxLeverage, in.Symbol, notional)
		}
		lr, err := fixed.New(1, 0).Div(fixed.New(leverage, 0), RatioDecimals, fixed.Ceil)
		if err != nil {
			return fixed.Value{}, numeric("risk.InitialMarginRatio", err)
		}
		ratio = fixed.Max(ratio, lr)
	}
	if in.Margin.IMFFactor.IsPositive() {
		root, err := notional.Abs().Sqrt(RatioDecimals, fixed.Ceil)
		if err != nil {
			return fixed.Value{}, numeric("risk.InitialMarginRatio", err)
		}
		imf, err := in.Margin.IMFFactor.Mul(root, RatioDecimals, fixed.Ceil)
		if err != nil {
			return fixed.Value{}, numeric("risk.InitialMarginRatio", err)
		}
		ratio = fixed.Max(ratio, imf)
	}
	return ratio, nil
}

// InitialMargin returns the collateral required to open notional.
func InitialMargin(in *market.Instrument, notional fixed.Value, leverage int64) (fixed.Value, error) {
	ratio, err := InitialMarginRatio(in, notional, leverage)
	if err != nil {
		return fixed.Value{}, err
	}
	im, err := notional.Abs().Mul(ratio, in.CollateralDecimals, fixed.Ceil)
	if err != nil {
		return fixed.Value{}, numeric("risk.InitialMargin", err)
	}
	return im, nil
}

// MaintenanceRatio returns the tier maintenance ratio for notional plus the
// liquidation fee ratio.
func MaintenanceRatio(in *market.Instrument, notional fixed.Value) (fixed.Value, error) {
	tier, err := in.TierFor(notional)
	if err != nil {
		return fixed.Value{}, sdkerr.Invalid("risk.MaintenanceRatio", sdkerr.ReasonSizeOutOfRange, "%v", err)
	}
	m, err := tier.MaintenanceMarginRatio.Add(in.Margin.LiquidationFeeRatio)
	if err != nil {
		return fixed.Value{}, numeric("risk.MaintenanceRatio", err)
	}
	return m, nil
}

// MaintenanceMargin returns the collateral a position must keep at mark.
func MaintenanceMargin(in *market.Instrument, pos account.Position, mark fixed.Value) (fixed.Value, error) {
	notional, err := Notional(pos.Size, mark, in.CollateralDecimals, fixed.Ceil)
	if err != nil {
		return fixed.Value{}, err
	}
	tier, err := in.TierFor(notional)
	if err != nil {
		return fixed.Value{}, sdkerr.Invalid("risk.MaintenanceMargin", sdkerr.ReasonSizeOutOfRange, "%v", err)
	}
	mm, err := notional.Mul(tier.MaintenanceMarginRatio, in.CollateralDecimals, fixed.Ceil)
	if err != nil {
		return fixed.Value{}, numeric("risk.MaintenanceMargin", err)
	}
	return mm, nil
}

// UnrealizedPnL returns size × (mark − entry), rounded down.
func UnrealizedPnL(pos account.Position, mark fixed.Value, dp uint8) (fixed.Value, error) {
	if pos.IsFlat() || mark.IsZero() {
		return fixed.Zero(dp), nil
	}
	move, err := mark.Sub(pos.EntryPrice)
	if err != nil {
		return fixed.Value{}, numeric("risk.UnrealizedPnL", err)
	}
	pnl, err := pos.Size.Mul(move, dp, fixed.Floor)
	if err != nil {
		return fixed.Value{}, numeric("risk.UnrealizedPnL", err)
	}
	return pnl, nil
}

// Equity returns the total collateral in asset plus the unrealized PnL of
// every position settling in it.
func Equity(view account.AccountView, asset string, instruments Instruments) (fixed.Value, error) {
	return equity(view, asset, instruments, false)
}

// FreeCollateral returns available collateral in asset less unrealized
// losses. Unrealized gains are not spendable.
func FreeCollateral(view account.AccountView, asset string, instruments Instruments) (fixed.Value, error) {
	return equity(view, asset, instruments, true)
}

func equity(view account.AccountView, asset string, instruments Instruments, free bool) (fixed.Value, error) {
	b, ok := view.Balances[asset]
	if !ok {
		return fixed.Value{}, sdkerr.Invalid("risk.Equity", sdkerr.ReasonInsufficientMargin, "no %s balance", asset)
	}
	acc := b.Total
	if free {
		acc = b.Available
	}
	for _, sym := range sortedPositionKeys(view.Positions) {
		pv := view.Positions[sym]
		if pv.IsFlat() || pv.Mode == account.Isolated {
			continue
		}
		in, err := instruments.Get(sym)
		if err != nil {
			return fixed.Value{}, sdkerr.Consistencyf("risk.Equity", "position in unknown instrument %s", sym)
		}
		if in.CollateralAsset != asset {
			continue
		}
		pnl, err := UnrealizedPnL(pv.Position, pv.MarkPrice, in.CollateralDecimals)
		if err != nil {
			return fixed.Value{}, err
		}
		if free && pnl.IsPositive() {
			continue
		}
		if acc, err = acc.Add(pnl); err != nil {
			return fixed.Value{}, numeric("risk.Equity", err)
		}
	}
	return acc, nil
}

// GrossNotional returns Σ|size × mark| over confirmed positions settling in
// asset plus every pending reservation notional.
func GrossNotional(view account.AccountView, asset string, instruments Instruments) (fixed.Value, error) {
	var acc fixed.Value
	for _, sym := range sortedPositionKeys(view.Positions) {
		pv := view.Positions[sym]
		in, err := instruments.Get(sym)
		if err != nil {
			return fixed.Value{}, sdkerr.Consistencyf("risk.GrossNotional", "position in unknown instrument %s", sym)
		}
		if in.CollateralAsset != asset {
			continue
		}
		if !pv.IsFlat() {
			mark := pv.MarkPrice
			if mark.IsZero() {
				mark = pv.EntryPrice
			}
			n, err := Notional(pv.Size, mark, in.CollateralDecimals, fixed.Ceil)
			if err != nil {
				return fixed.Value{}, err
			}
			if acc, err = acc.Add(n); err != nil {
				return fixed.Value{}, numeric("risk.GrossNotional", err)
			}
		}
		if acc, err = acc.Add(pv.PendingNotional); err != nil {
			return fixed.Value{}, numeric("risk.GrossNotional", err)
		}
	}
	return acc, nil
}

// AccountLeverage returns gross notional ÷ equity, rounded up. It fails with
// an insufficient-margin validation error when equity is not positive.
func AccountLeverage(view account.AccountView, asset string, instruments Instruments) (fixed.Value, error) {
	gross, err := GrossNotional(view, asset, instruments)
	if err != nil {
		return fixed.Value{}, err
	}
	eq, err := Equity(view, asset, instruments)
	if err != nil {
		return fixed.Value{}, err
	}
	return leverageOf(gross, eq)
}

func leverageOf(gross, eq fixed.Value) (fixed.Value, error) {
	if !eq.IsPositive() {
		return fixed.Value{}, sdkerr.Invalid("risk.AccountLeverage", sdkerr.ReasonInsufficientMargin, "equity %s is not positive", eq)
	}
	lev, err := gross.Div(eq, 4, fixed.Ceil)
	if err != nil {
		return fixed.Value{}, numeric("risk.AccountLeverage", err)
	}
	return lev, nil
}

// RequiredTopUp returns the collateral to add so that notional ÷ equity
// falls to targetLeverage. Zero when already at or below target.
func RequiredTopUp(notional, equity fixed.Value, targetLeverage int64, dp uint8) (fixed.Value, error) {
	if targetLeverage <= 0 {
		return fixed.Value{}, sdkerr.Validationf("risk.RequiredTopUp", "target leverage must be positive, got %d", targetLeverage)
	}
	need, err := notional.Abs().Div(fixed.New(targetLeverage, 0), dp, fixed.Ceil)
	if err != nil {
		return fixed.Value{}, numeric("risk.RequiredTopUp", err)
	}
	diff, err := need.Sub(equity)
	if err != nil {
		return fixed.Value{}, numeric("risk.RequiredTopUp", err)
	}
	if !diff.IsPositive() {
		return fixed.Zero(dp), nil
	}
	return diff.Rescale(dp, fixed.Ceil)
}

func sortedPositionKeys(m map[string]account.PositionView) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
