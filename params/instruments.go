package params

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/uhyunpark/perpsdk/pkg/fixed"
	"github.com/uhyunpark/perpsdk/pkg/market"
)

// ratioDecimals is the precision of fee and margin ratios.
const ratioDecimals = 6

// InstrumentsFile is the YAML layout of the instrument list.
type InstrumentsFile struct {
	Instruments []InstrumentConfig `yaml:"instruments"`
}

type InstrumentConfig struct {
	Symbol             string        `yaml:"symbol"`
	Collateral         string        `yaml:"collateral"`
	Status             string        `yaml:"status"`
	PriceDecimals      uint8         `yaml:"price_decimals"`
	SizeDecimals       uint8         `yaml:"size_decimals"`
	CollateralDecimals uint8         `yaml:"collateral_decimals"`
	TickSize           string        `yaml:"tick_size"`
	LotSize            string        `yaml:"lot_size"`
	MinSize            string        `yaml:"min_size"`
	MaxSize            string        `yaml:"max_size"`
	MinNotional        string        `yaml:"min_notional"`
	MakerFee           string        `yaml:"maker_fee"`
	TakerFee           string        `yaml:"taker_fee"`
	IMFFactor          string        `yaml:"imf_factor"`
	LiquidationFee     string        `yaml:"liquidation_fee"`
	MarketSlippage     string        `yaml:"market_slippage"`
	FundingInterval    time.Duration `yaml:"funding_interval"`
	Tiers              []TierConfig  `yaml:"tiers"`
}

type TierConfig struct {
	MaxNotional       string `yaml:"max_notional"`
	InitialMargin     string `yaml:"initial_margin"`
	MaintenanceMargin string `yaml:"maintenance_margin"`
	MaxLeverage       int64  `yaml:"max_leverage"`
}

// LoadInstruments reads the YAML instrument list at path into a registry.
func LoadInstruments(path string) (*market.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseInstruments(data)
}

func ParseInstruments(data []byte) (*market.Registry, error) {
	var f InstrumentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse instruments: %w", err)
	}
	if len(f.Instruments) == 0 {
		return nil, fmt.Errorf("parse instruments: no instruments defined")
	}
	reg := market.NewRegistry()
	for _, ic := range f.Instruments {
		in, err := ic.build()
		if err != nil {
			return nil, err
		}
		if err := reg.Register(in); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (ic InstrumentConfig) build() (*market.Instrument, error) {
	status, err := market.ParseStatus(ic.Status)
	if err != nil {
		return nil, fmt.Errorf("instrument %s: %w", ic.Symbol, err)
	}
	p := &decimalParser{symbol: ic.Symbol}
	in := &market.Instrument{
		Symbol:             ic.Symbol,
		BaseAsset:          strings.SplitN(ic.Symbol, "-", 2)[0],
		CollateralAsset:    ic.Collateral,
		Status:             status,
		PriceDecimals:      ic.PriceDecimals,
		SizeDecimals:       ic.SizeDecimals,
		CollateralDecimals: ic.CollateralDecimals,
		TickSize:           p.parse("tick_size", ic.TickSize, ic.PriceDecimals),
		LotSize:            p.parse("lot_size", ic.LotSize, ic.SizeDecimals),
		MinSize:            p.parse("min_size", ic.MinSize, ic.SizeDecimals),
		MaxSize:            p.parse("max_size", ic.MaxSize, ic.SizeDecimals),
		MinNotional:        p.parse("min_notional", ic.MinNotional, ic.CollateralDecimals),
		MakerFeeRatio:      p.parse("maker_fee", ic.MakerFee, ratioDecimals),
		TakerFeeRatio:      p.parse("taker_fee", ic.TakerFee, ratioDecimals),
		Margin: market.MarginParams{
			IMFFactor:           p.parse("imf_factor", ic.IMFFactor, ratioDecimals),
			LiquidationFeeRatio: p.parse("liquidation_fee", ic.LiquidationFee, ratioDecimals),
			MarketSlippage:      p.parse("market_slippage", ic.MarketSlippage, ratioDecimals),
			FundingInterval:     ic.FundingInterval,
		},
	}
	for _, t := range ic.Tiers {
		in.Margin.Tiers = append(in.Margin.Tiers, market.Tier{
			MaxNotional:            p.parse("max_notional", t.MaxNotional, ic.CollateralDecimals),
			InitialMarginRatio:     p.parse("initial_margin", t.InitialMargin, ratioDecimals),
			MaintenanceMarginRatio: p.parse("maintenance_margin", t.MaintenanceMargin, ratioDecimals),
			MaxLeverage:            t.MaxLeverage,
		})
	}
	if p.err != nil {
		return nil, p.err
	}
	return in, nil
}

// decimalParser keeps the first error so build can parse every field in one
// pass.
type decimalParser struct {
	symbol string
	err    error
}

// parse reads s onto dp decimals. Empty is zero; a value that needs more
// than dp decimals is an error rather than being rounded.
func (p *decimalParser) parse(field, s string, dp uint8) fixed.Value {
	if p.err != nil || strings.TrimSpace(s) == "" {
		return fixed.Zero(dp)
	}
	v, err := fixed.ParseExact(s)
	if err == nil {
		var r fixed.Value
		if r, err = v.Rescale(dp, fixed.TowardZero); err == nil && !r.Equal(v) {
			err = fmt.Errorf("%s has more than %d decimals", s, dp)
		}
		v = r
	}
	if err != nil {
		p.err = fmt.Errorf("instrument %s: %s: %w", p.symbol, field, err)
		return fixed.Zero(dp)
	}
	return v
}
