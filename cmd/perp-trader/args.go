package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/uhyunpark/perpsdk/pkg/fixed"
	"github.com/uhyunpark/perpsdk/pkg/market"
	"github.com/uhyunpark/perpsdk/pkg/order"
	"github.com/uhyunpark/perpsdk/pkg/risk"
)

// parsePlace reads "<instrument> <buy|sell> <size> <price|market> [client-id]".
// Size and price are parsed onto the instrument's decimals and must not need
// rounding.
func parsePlace(reg *market.Registry, args []string) (order.Spec, error) {
	if len(args) < 4 || len(args) > 5 {
		return order.Spec{}, fmt.Errorf("place needs <instrument> <buy|sell> <size> <price|market> [client-id]")
	}
	in, err := reg.Get(args[0])
	if err != nil {
		return order.Spec{}, err
	}
	spec := order.Spec{Instrument: in.Symbol, TimeInForce: order.GTC}
	if err := spec.Side.UnmarshalText([]byte(strings.ToLower(args[1]))); err != nil {
		return order.Spec{}, err
	}
	if spec.Size, err = exact(args[2], in.SizeDecimals); err != nil {
		return order.Spec{}, fmt.Errorf("size: %w", err)
	}
	if strings.EqualFold(args[3], "market") {
		spec.Market = true
		spec.TimeInForce = order.IOC
	} else if spec.Price, err = exact(args[3], in.PriceDecimals); err != nil {
		return order.Spec{}, fmt.Errorf("price: %w", err)
	}
	if len(args) == 5 {
		spec.ClientOrderID = args[4]
	}
	return spec, nil
}

func exact(s string, dp uint8) (fixed.Value, error) {
	v, err := fixed.Parse(s, dp, fixed.TowardZero)
	if err != nil {
		return fixed.Value{}, err
	}
	raw, err := fixed.ParseExact(s)
	if err != nil {
		return fixed.Value{}, err
	}
	if !raw.Equal(v) {
		return fixed.Value{}, fmt.Errorf("%s has more than %d decimals", s, dp)
	}
	return v, nil
}

// parseTopUp reads "<trigger-leverage> <target-leverage> [min-reserve] [instrument ...]".
func parseTopUp(reg *market.Registry, args []string) (risk.TopUpConfig, error) {
	if len(args) < 2 {
		return risk.TopUpConfig{}, fmt.Errorf("topup needs <trigger-leverage> <target-leverage> [min-reserve] [instrument ...]")
	}
	var (
		cfg risk.TopUpConfig
		err error
	)
	if cfg.TriggerLeverage, err = fixed.ParseExact(args[0]); err != nil {
		return risk.TopUpConfig{}, fmt.Errorf("trigger leverage: %w", err)
	}
	if cfg.TargetLeverage, err = strconv.ParseInt(args[1], 10, 64); err != nil {
		return risk.TopUpConfig{}, fmt.Errorf("target leverage: %w", err)
	}
	rest := args[2:]
	if len(rest) > 0 {
		if _, err := reg.Get(rest[0]); err != nil {
			if cfg.MinReserve, err = fixed.ParseExact(rest[0]); err != nil {
				return risk.TopUpConfig{}, fmt.Errorf("min reserve: %w", err)
			}
			rest = rest[1:]
		}
	}
	for _, sym := range rest {
		if _, err := reg.Get(sym); err != nil {
			return risk.TopUpConfig{}, err
		}
		cfg.Instruments = append(cfg.Instruments, sym)
	}
	return cfg, cfg.Validate()
}
