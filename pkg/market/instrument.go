package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/uhyunpark/perpsdk/pkg/fixed"
)

// Status defines the trading status of an instrument
type Status int8

const (
	Active Status = iota // Trading enabled
	Paused               // Trading halted by the venue
	Closed               // Delisted; no new orders
)

func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(s) {
	case "", "active":
		return Active, nil
	case "paused":
		return Paused, nil
	case "closed":
		return Closed, nil
	}
	return Active, fmt.Errorf("unknown instrument status %q", s)
}

// Tier is one step of a venue's margin schedule. A position whose notional
// is at most MaxNotional uses this tier; a zero MaxNotional is unbounded.
type Tier struct {
	MaxNotional            fixed.Value
	InitialMarginRatio     fixed.Value
	MaintenanceMarginRatio fixed.Value
	MaxLeverage            int64
}

// MarginParams are the venue-specific risk inputs for one instrument.
type MarginParams struct {
	// Tiers are ordered by ascending MaxNotional.
	Tiers []Tier

	// IMFFactor scales initial margin with the square root of open notional:
	// IMR = max(tier IMR, IMFFactor × sqrt(notional)). Zero disables it.
	IMFFactor fixed.Value

	// LiquidationFeeRatio is added to the maintenance ratio when solving for
	// the liquidation price.
	LiquidationFeeRatio fixed.Value

	// MarketSlippage is applied to the mark price to bound the notional of
	// market orders.
	MarketSlippage fixed.Value

	FundingInterval time.Duration
}

// Instrument defines all parameters of a perpetual contract (e.g., BTC-USDC)
type Instrument struct {
	Symbol          string
	BaseAsset       string
	CollateralAsset string
	Status          Status

	PriceDecimals      uint8
	SizeDecimals       uint8
	CollateralDecimals uint8

	// TickSize and LotSize are expressed at PriceDecimals / SizeDecimals.
	TickSize    fixed.Value
	LotSize     fixed.Value
	MinSize     fixed.Value
	MaxSize     fixed.Value // zero = unlimited
	MinNotional fixed.Value

	MakerFeeRatio fixed.Value
	TakerFeeRatio fixed.Value

	Margin MarginParams
}

// Validate checks that the instrument definition is internally consistent.
func (in *Instrument) Validate() error {
	if in.Symbol == "" {
		return fmt.Errorf("instrument symbol is required")
	}
	if in.CollateralAsset == "" {
		return fmt.Errorf("instrument %s: collateral asset is required", in.Symbol)
	}
	for _, dp := range []uint8{in.PriceDecimals, in.SizeDecimals, in.CollateralDecimals} {
		if dp > fixed.MaxDecimals {
			return fmt.Errorf("instrument %s: decimals %d exceed %d", in.Symbol, dp, fixed.MaxDecimals)
		}
	}
	if in.TickSize.Sign() < 0 || in.LotSize.Sign() < 0 {
		return fmt.Errorf("instrument %s: tick and lot size must not be negative", in.Symbol)
	}
	if len(in.Margin.Tiers) == 0 {
		return fmt.Errorf("instrument %s: at least one margin tier is required", in.Symbol)
	}
	one := fixed.New(1, 0)
	var prev fixed.Value
	for i, t := range in.Margin.Tiers {
		if !t.InitialMarginRatio.IsPositive() || t.InitialMarginRatio.GreaterThan(one) {
			return fmt.Errorf("instrument %s tier %d: initial margin ratio %s not in (0,1]", in.Symbol, i, t.InitialMarginRatio)
		}
		if !t.MaintenanceMarginRatio.IsPositive() || t.MaintenanceMarginRatio.GreaterThan(t.InitialMarginRatio) {
			return fmt.Errorf("instrument %s tier %d: maintenance ratio %s must be in (0, initial]", in.Symbol, i, t.MaintenanceMarginRatio)
		}
		if t.MaxLeverage <= 0 {
			return fmt.Errorf("instrument %s tier %d: max leverage must be positive", in.Symbol, i)
		}
		if t.MaxNotional.IsZero() && i != len(in.Margin.Tiers)-1 {
			return fmt.Errorf("instrument %s tier %d: only the last tier may be unbounded", in.Symbol, i)
		}
		if i > 0 && !t.MaxNotional.IsZero() && !t.MaxNotional.GreaterThan(prev) {
			return fmt.Errorf("instrument %s tier %d: tiers must ascend by max notional", in.Symbol, i)
		}
		prev = t.MaxNotional
	}
	return nil
}

// TierFor returns the margin tier covering notional (by absolute value).
func (in *Instrument) TierFor(notional fixed.Value) (Tier, error) {
	n := notional.Abs()
	for _, t := range in.Margin.Tiers {
		if t.MaxNotional.IsZero() || n.Cmp(t.MaxNotional) <= 0 {
			return t, nil
		}
	}
	return Tier{}, fmt.Errorf("instrument %s: notional %s exceeds the highest margin tier", in.Symbol, n)
}

// OnTick reports whether price is a multiple of the tick size.
func (in *Instrument) OnTick(price fixed.Value) bool {
	return onStep(price, in.TickSize)
}

// OnLot reports whether size is a multiple of the lot size.
func (in *Instrument) OnLot(size fixed.Value) bool {
	return onStep(size, in.LotSize)
}

func onStep(v, step fixed.Value) bool {
	if step.IsZero() {
		return true
	}
	q, err := v.Div(step, 0, fixed.TowardZero)
	if err != nil {
		return false
	}
	back, err := step.MulInt(q.Units())
	if err != nil {
		return false
	}
	return back.Equal(v)
}

// CustomPerpetual returns a single-tier instrument template with the
// initial margin implied by maxLeverage and maintenance at half of it.
func CustomPerpetual(symbol, collateral string, priceDp, sizeDp, collateralDp uint8, maxLeverage int64) *Instrument {
	imr, _ := fixed.New(1, 0).Div(fixed.New(maxLeverage, 0), 6, fixed.Ceil)
	mmr, _ := imr.Div(fixed.New(2, 0), 6, fixed.Ceil)
	return &Instrument{
		Symbol:             symbol,
		BaseAsset:          strings.SplitN(symbol, "-", 2)[0],
		CollateralAsset:    collateral,
		Status:             Active,
		PriceDecimals:      priceDp,
		SizeDecimals:       sizeDp,
		CollateralDecimals: collateralDp,
		TickSize:           fixed.New(1, priceDp),
		LotSize:            fixed.New(1, sizeDp),
		MinSize:            fixed.New(1, sizeDp),
		MakerFeeRatio:      fixed.MustParse("0.0002", 6),
		TakerFeeRatio:      fixed.MustParse("0.0005", 6),
		Margin: MarginParams{
			Tiers: []Tier{{
				InitialMarginRatio:     imr,
				MaintenanceMarginRatio: mmr,
				MaxLeverage:            maxLeverage,
			}},
			MarketSlippage:  fixed.MustParse("0.05", 4),
			FundingInterval: time.Hour,
		},
	}
}
