package risk

import (
	"sort"
	"time"

	"github.com/uhyunpark/perpsdk/pkg/account"
	"github.com/uhyunpark/perpsdk/pkg/fixed"
	"github.com/uhyunpark/perpsdk/pkg/sdkerr"
)

// TopUpConfig selects which positions need more collateral and how much.
type TopUpConfig struct {
	// TriggerLeverage marks a position over-leveraged when its leverage is
	// strictly above it.
	TriggerLeverage fixed.Value
	// TargetLeverage is where a top-up brings the position back to.
	TargetLeverage int64
	// Instruments limits evaluation to these symbols; empty means all.
	Instruments []string
	// MinReserve is kept back from free collateral in every asset.
	MinReserve fixed.Value

	// With a non-zero FundingRate per FundingInterval, funding an
	// over-leveraged position would pay over FundingHorizon is added to
	// its top-up.
	FundingRate     fixed.Value
	FundingInterval time.Duration
	FundingHorizon  time.Duration
}

func (c TopUpConfig) Validate() error {
	const op = "risk.TopUpConfig"
	switch {
	case c.TargetLeverage <= 0:
		return sdkerr.Validationf(op, "target leverage must be positive, got %d", c.TargetLeverage)
	case !c.TriggerLeverage.IsPositive():
		return sdkerr.Validationf(op, "trigger leverage must be positive, got %s", c.TriggerLeverage)
	case c.MinReserve.IsNegative():
		return sdkerr.Validationf(op, "reserve %s is negative", c.MinReserve)
	case !c.FundingRate.IsZero() && c.FundingInterval <= 0:
		return sdkerr.Validationf(op, "funding rate set without an interval")
	}
	return nil
}

// PositionTopUp is the evaluation of one confirmed position.
type PositionTopUp struct {
	Instrument string      `json:"instrument"`
	Asset      string      `json:"asset"`
	Notional   fixed.Value `json:"notional"`
	Equity     fixed.Value `json:"equity"`
	// Leverage is unset when equity is not positive.
	Leverage      *fixed.Value `json:"leverage,omitempty"`
	OverLeveraged bool         `json:"over_leveraged"`
	Required      fixed.Value  `json:"required"`
	CanTopUp      bool         `json:"can_top_up"`
}

// TopUpAction is one collateral transfer to make.
type TopUpAction struct {
	Instrument     string      `json:"instrument"`
	Asset          string      `json:"asset"`
	Amount         fixed.Value `json:"amount"`
	Leverage       fixed.Value `json:"leverage"`
	TargetLeverage int64       `json:"target_leverage"`
}

// TopUpSummary covers every evaluated position of one account.
type TopUpSummary struct {
	Positions       []PositionTopUp        `json:"positions"`
	OverLeveraged   int                    `json:"over_leveraged"`
	CanTopUp        int                    `json:"can_top_up"`
	Needed          map[string]fixed.Value `json:"needed"`
	Available       map[string]fixed.Value `json:"available"`
	AccountLeverage map[string]fixed.Value `json:"account_leverage"`
}

// EvaluateTopUps computes leverage and the required top-up for each open
// position in view. Leverage is mark notional over the position's equity:
// its collateral (see PositionCollateral) plus its unrealized PnL.
// Capital is free collateral in the position's asset less the reserve.
func EvaluateTopUps(view account.AccountView, instruments Instruments, cfg TopUpConfig) (TopUpSummary, error) {
	const op = "risk.EvaluateTopUps"
	if err := cfg.Validate(); err != nil {
		return TopUpSummary{}, err
	}
	want := make(map[string]bool, len(cfg.Instruments))
	for _, sym := range cfg.Instruments {
		want[sym] = true
	}
	sum := TopUpSummary{
		Needed:          make(map[string]fixed.Value),
		Available:       make(map[string]fixed.Value),
		AccountLeverage: make(map[string]fixed.Value),
	}

	for _, sym := range sortedPositionKeys(view.Positions) {
		pv := view.Positions[sym]
		if pv.IsFlat() || (len(want) > 0 && !want[sym]) {
			continue
		}
		in, err := instruments.Get(sym)
		if err != nil {
			return TopUpSummary{}, sdkerr.Consistencyf(op, "position in unknown instrument %s", sym)
		}
		asset, dp := in.CollateralAsset, in.CollateralDecimals

		capital, ok := sum.Available[asset]
		if !ok {
			if capital, err = availableCapital(view, asset, instruments, cfg.MinReserve, dp); err != nil {
				return TopUpSummary{}, err
			}
			sum.Available[asset] = capital
			if lev, err := AccountLeverage(view, asset, instruments); err == nil {
				sum.AccountLeverage[asset] = lev
			}
		}

		mark := pv.MarkPrice
		if mark.IsZero() {
			mark = pv.EntryPrice
		}
		notional, err := Notional(pv.Size, mark, dp, fixed.Ceil)
		if err != nil {
			return TopUpSummary{}, err
		}
		collateral, err := PositionCollateral(view, sym, instruments)
		if err != nil {
			return TopUpSummary{}, err
		}
		pnl, err := UnrealizedPnL(pv.Position, mark, dp)
		if err != nil {
			return TopUpSummary{}, err
		}
		eq, err := collateral.Add(pnl)
		if err != nil {
			return TopUpSummary{}, numeric(op, err)
		}

		p := PositionTopUp{Instrument: sym, Asset: asset, Notional: notional, Equity: eq, Required: fixed.Zero(dp)}
		if eq.IsPositive() {
			lev, err := leverageOf(notional, eq)
			if err != nil {
				return TopUpSummary{}, err
			}
			p.Leverage = &lev
			p.OverLeveraged = lev.GreaterThan(cfg.TriggerLeverage)
		}
		if p.OverLeveraged {
			if p.Required, err = RequiredTopUp(notional, eq, cfg.TargetLeverage, dp); err != nil {
				return TopUpSummary{}, err
			}
			if p.Required, err = addFundingDue(p.Required, pv.Position, mark, cfg, dp); err != nil {
				return TopUpSummary{}, err
			}
			need := sum.Needed[asset]
			if sum.Needed[asset], err = need.Add(p.Required); err != nil {
				return TopUpSummary{}, numeric(op, err)
			}
			p.CanTopUp = !p.Required.GreaterThan(capital)
			sum.OverLeveraged++
			if p.CanTopUp {
				sum.CanTopUp++
			}
		}
		sum.Positions = append(sum.Positions, p)
	}
	return sum, nil
}

// Next picks the most leveraged position that the available capital can
// top up. ok is false when there is none.
func (s TopUpSummary) Next() (TopUpAction, bool) {
	var candidates []PositionTopUp
	for _, p := range s.Positions {
		if p.CanTopUp && p.Required.IsPositive() {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return TopUpAction{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Leverage.GreaterThan(*candidates[j].Leverage)
	})
	p := candidates[0]
	return TopUpAction{Instrument: p.Instrument, Asset: p.Asset, Amount: p.Required, Leverage: *p.Leverage}, true
}

func availableCapital(view account.AccountView, asset string, instruments Instruments, reserve fixed.Value, dp uint8) (fixed.Value, error) {
	if _, ok := view.Balances[asset]; !ok {
		return fixed.Zero(dp), nil
	}
	free, err := FreeCollateral(view, asset, instruments)
	if err != nil {
		return fixed.Value{}, err
	}
	c, err := free.Sub(reserve)
	if err != nil {
		return fixed.Value{}, numeric("risk.EvaluateTopUps", err)
	}
	if c.IsNegative() {
		return fixed.Zero(dp), nil
	}
	return c, nil
}

func addFundingDue(required fixed.Value, pos account.Position, mark fixed.Value, cfg TopUpConfig, dp uint8) (fixed.Value, error) {
	if cfg.FundingRate.IsZero() || cfg.FundingHorizon <= 0 {
		return required, nil
	}
	pay, err := AccrueFunding(pos, cfg.FundingRate, mark, cfg.FundingHorizon, cfg.FundingInterval, dp)
	if err != nil {
		return fixed.Value{}, err
	}
	if !pay.IsNegative() {
		return required, nil
	}
	out, err := required.Sub(pay)
	if err != nil {
		return fixed.Value{}, numeric("risk.EvaluateTopUps", err)
	}
	return out, nil
}
