package risk

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/perpsdk/pkg/account"
	"github.com/uhyunpark/perpsdk/pkg/fixed"
	"github.com/uhyunpark/perpsdk/pkg/market"
	"github.com/uhyunpark/perpsdk/pkg/sdkerr"
)

var trader = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func registry(t *testing.T, ins ...*market.Instrument) *market.Registry {
	t.Helper()
	reg := market.NewRegistry()
	for _, in := range ins {
		require.NoError(t, reg.Register(in))
	}
	return reg
}

func usdcView(t *testing.T, available string, positions ...account.Position) account.AccountView {
	t.Helper()
	bal, err := account.NewBalance("USDC", fixed.MustParse(available, 6), fixed.Zero(6))
	require.NoError(t, err)
	v := account.AccountView{
		Account:   trader,
		Sequence:  1,
		Balances:  map[string]account.Balance{"USDC": bal},
		Positions: map[string]account.PositionView{},
	}
	for _, p := range positions {
		v.Positions[p.Instrument] = account.PositionView{Position: p, PendingSize: fixed.Zero(3), PendingNotional: fixed.Zero(6)}
	}
	return v
}

func TestCheckOrderLeverageCap(t *testing.T) {
	// 20x instrument, 10x account cap: margin fits, leverage does not.
	btc := market.CustomPerpetual("BTC-USDC", "USDC", 2, 3, 6, 20)
	reg := registry(t, btc)
	view := usdcView(t, "1000")

	_, err := CheckOrder(view, btc, reg, OrderRequest{
		Instrument: "BTC-USDC",
		Buy:        true,
		Size:       fixed.MustParse("120", 3),
		Price:      fixed.MustParse("100", 2),
	}, Limits{MaxLeverage: 10})
	require.Error(t, err)
	assert.True(t, sdkerr.Is(err, sdkerr.Validation))
	assert.Equal(t, sdkerr.ReasonLeverageExceeded, sdkerr.ReasonOf(err))
}

func TestCheckOrderInsufficientMargin(t *testing.T) {
	btc := market.CustomPerpetual("BTC-USDC", "USDC", 2, 3, 6, 10)
	reg := registry(t, btc)
	view := usdcView(t, "1000")

	_, err := CheckOrder(view, btc, reg, OrderRequest{
		Instrument: "BTC-USDC",
		Buy:        true,
		Size:       fixed.MustParse("120", 3),
		Price:      fixed.MustParse("100", 2),
	}, Limits{MaxLeverage: 10})
	require.Error(t, err)
	assert.Equal(t, sdkerr.ReasonInsufficientMargin, sdkerr.ReasonOf(err))
}

func TestCheckOrderReservation(t *testing.T) {
	btc := market.CustomPerpetual("BTC-USDC", "USDC", 2, 3, 6, 10)
	reg := registry(t, btc)
	view := usdcView(t, "1000")

	res, err := CheckOrder(view, btc, reg, OrderRequest{
		Instrument: "BTC-USDC",
		Buy:        false,
		Size:       fixed.MustParse("5", 3),
		Price:      fixed.MustParse("100", 2),
	}, Limits{MaxLeverage: 10})
	require.NoError(t, err)
	// 500 notional × 0.1 IMR + 500 × 0.0005 taker fee
	assert.Equal(t, "50.250000", res.Margin.String())
	assert.Equal(t, "-5.000", res.Size.String())
	assert.Equal(t, "500.000000", res.Notional.String())
	assert.Equal(t, "USDC", res.Asset)
}

func TestCheckOrderPostOnlyUsesMakerFee(t *testing.T) {
	btc := market.CustomPerpetual("BTC-USDC", "USDC", 2, 3, 6, 10)
	reg := registry(t, btc)

	res, err := CheckOrder(usdcView(t, "1000"), btc, reg, OrderRequest{
		Instrument: "BTC-USDC",
		Buy:        true,
		Size:       fixed.MustParse("5", 3),
		Price:      fixed.MustParse("100", 2),
		PostOnly:   true,
	}, Limits{})
	require.NoError(t, err)
	assert.Equal(t, "50.100000", res.Margin.String())
}

func TestCheckOrderRejections(t *testing.T) {
	btc := market.CustomPerpetual("BTC-USDC", "USDC", 2, 3, 6, 10)
	btc.MinNotional = fixed.MustParse("10", 6)
	reg := registry(t, btc)
	long := account.Position{
		Instrument: "BTC-USDC",
		Size:       fixed.MustParse("2", 3),
		EntryPrice: fixed.MustParse("100", 2),
		MarkPrice:  fixed.MustParse("100", 2),
	}

	tests := []struct {
		name   string
		mutate func(*market.Instrument, *account.AccountView)
		req    OrderRequest
		reason sdkerr.Reason
	}{
		{
			name:   "frozen",
			mutate: func(_ *market.Instrument, v *account.AccountView) { v.Frozen = true },
			req:    OrderRequest{Buy: true, Size: fixed.MustParse("1", 3), Price: fixed.MustParse("100", 2)},
			reason: sdkerr.ReasonAccountFrozen,
		},
		{
			name:   "paused",
			mutate: func(in *market.Instrument, _ *account.AccountView) { in.Status = market.Paused },
			req:    OrderRequest{Buy: true, Size: fixed.MustParse("1", 3), Price: fixed.MustParse("100", 2)},
			reason: sdkerr.ReasonContractPaused,
		},
		{
			name:   "closed",
			mutate: func(in *market.Instrument, _ *account.AccountView) { in.Status = market.Closed },
			req:    OrderRequest{Buy: true, Size: fixed.MustParse("1", 3), Price: fixed.MustParse("100", 2)},
			reason: sdkerr.ReasonMarketClosed,
		},
		{
			name:   "too many size decimals",
			req:    OrderRequest{Buy: true, Size: fixed.MustParse("1.0001", 4), Price: fixed.MustParse("100", 2)},
			reason: sdkerr.ReasonInvalidSize,
		},
		{
			name:   "zero size",
			req:    OrderRequest{Buy: true, Size: fixed.Zero(3), Price: fixed.MustParse("100", 2)},
			reason: sdkerr.ReasonInvalidSize,
		},
		{
			name:   "off tick",
			req:    OrderRequest{Buy: true, Size: fixed.MustParse("1", 3), Price: fixed.MustParse("100.005", 3)},
			reason: sdkerr.ReasonInvalidPrice,
		},
		{
			name:   "below min notional",
			req:    OrderRequest{Buy: true, Size: fixed.MustParse("0.05", 3), Price: fixed.MustParse("100", 2)},
			reason: sdkerr.ReasonBelowMinimum,
		},
		{
			name:   "post-only market",
			req:    OrderRequest{Buy: true, Size: fixed.MustParse("1", 3), Market: true, PostOnly: true},
			reason: sdkerr.ReasonCrossesBook,
		},
		{
			name:   "reduce-only same side",
			req:    OrderRequest{Buy: true, Size: fixed.MustParse("1", 3), Price: fixed.MustParse("100", 2), ReduceOnly: true},
			reason: sdkerr.ReasonReduceOnlyViolation,
		},
		{
			name:   "reduce-only larger than position",
			req:    OrderRequest{Buy: false, Size: fixed.MustParse("3", 3), Price: fixed.MustParse("100", 2), ReduceOnly: true},
			reason: sdkerr.ReasonReduceOnlyViolation,
		},
		{
			name:   "leverage above tier",
			req:    OrderRequest{Buy: true, Size: fixed.MustParse("1", 3), Price: fixed.MustParse("100", 2), Leverage: 25},
			reason: sdkerr.ReasonLeverageExceeded,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := *btc
			view := usdcView(t, "1000", long)
			if tc.mutate != nil {
				tc.mutate(&in, &view)
			}
			tc.req.Instrument = in.Symbol
			_, err := CheckOrder(view, &in, reg, tc.req, Limits{MaxLeverage: 10})
			require.Error(t, err)
			assert.True(t, sdkerr.Is(err, sdkerr.Validation), "kind %v", sdkerr.KindOf(err))
			assert.Equal(t, tc.reason, sdkerr.ReasonOf(err))
		})
	}
}

func TestCheckOrderReduceOnlyNeedsNoMargin(t *testing.T) {
	btc := market.CustomPerpetual("BTC-USDC", "USDC", 2, 3, 6, 10)
	reg := registry(t, btc)
	long := account.Position{
		Instrument: "BTC-USDC",
		Size:       fixed.MustParse("2", 3),
		EntryPrice: fixed.MustParse("100", 2),
		MarkPrice:  fixed.MustParse("100", 2),
	}
	// no free collateral left, closing still allowed
	res, err := CheckOrder(usdcView(t, "0", long), btc, reg, OrderRequest{
		Instrument: "BTC-USDC",
		Size:       fixed.MustParse("2", 3),
		Price:      fixed.MustParse("100", 2),
		ReduceOnly: true,
	}, Limits{MaxLeverage: 10})
	require.NoError(t, err)
	assert.True(t, res.Margin.IsZero())
}

func TestCheckOrderMarketUsesSlippageBound(t *testing.T) {
	btc := market.CustomPerpetual("BTC-USDC", "USDC", 2, 3, 6, 10)
	reg := registry(t, btc)
	long := account.Position{
		Instrument: "BTC-USDC",
		Size:       fixed.MustParse("1", 3),
		EntryPrice: fixed.MustParse("100", 2),
		MarkPrice:  fixed.MustParse("100", 2),
	}
	res, err := CheckOrder(usdcView(t, "1000", long), btc, reg, OrderRequest{
		Instrument: "BTC-USDC",
		Buy:        true,
		Size:       fixed.MustParse("1", 3),
		Market:     true,
	}, Limits{})
	require.NoError(t, err)
	// priced at 100 × 1.05
	assert.Equal(t, "105.000000", res.Notional.String())

	_, err = CheckOrder(usdcView(t, "1000"), btc, reg, OrderRequest{
		Instrument: "BTC-USDC",
		Buy:        true,
		Size:       fixed.MustParse("1", 3),
		Market:     true,
	}, Limits{})
	assert.Equal(t, sdkerr.ReasonInvalidPrice, sdkerr.ReasonOf(err))
}

func TestLiquidationPrice(t *testing.T) {
	btc := market.CustomPerpetual("BTC-USDC", "USDC", 6, 3, 6, 10)
	long := account.Position{
		Instrument: "BTC-USDC",
		Size:       fixed.MustParse("10", 3),
		EntryPrice: fixed.MustParse("100", 6),
	}
	// (1000 − 100) / (10 − 0.05×10) = 94.7368421…
	p, ok, err := LiquidationPrice(btc, long, fixed.MustParse("100", 6))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "94.736843", p.String())

	short := long
	short.Size = long.Size.Neg()
	// (−1000 − 100) / (−10 − 0.5) = 104.7619047…
	p, ok, err = LiquidationPrice(btc, short, fixed.MustParse("100", 6))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "104.761904", p.String())
}

func TestLiquidationPriceNone(t *testing.T) {
	btc := market.CustomPerpetual("BTC-USDC", "USDC", 2, 3, 6, 10)
	long := account.Position{
		Instrument: "BTC-USDC",
		Size:       fixed.MustParse("1", 3),
		EntryPrice: fixed.MustParse("100", 2),
	}
	// collateral above notional: a long cannot be liquidated at a positive price
	_, ok, err := LiquidationPrice(btc, long, fixed.MustParse("200", 6))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = LiquidationPrice(btc, account.Position{Instrument: "BTC-USDC", Size: fixed.Zero(3)}, fixed.Zero(6))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPositionCollateralCross(t *testing.T) {
	btc := market.CustomPerpetual("BTC-USDC", "USDC", 2, 3, 6, 10)
	eth := market.CustomPerpetual("ETH-USDC", "USDC", 2, 3, 6, 10)
	reg := registry(t, btc, eth)
	view := usdcView(t, "1000",
		account.Position{Instrument: "BTC-USDC", Size: fixed.MustParse("1", 3), EntryPrice: fixed.MustParse("100", 2), MarkPrice: fixed.MustParse("100", 2)},
		account.Position{Instrument: "ETH-USDC", Size: fixed.MustParse("-2", 3), EntryPrice: fixed.MustParse("50", 2), MarkPrice: fixed.MustParse("60", 2)},
	)
	c, err := PositionCollateral(view, "BTC-USDC", reg)
	require.NoError(t, err)
	// 1000 + (−20 uPnL) − (120 × 0.05 MM)
	assert.Equal(t, "974.000000", c.String())

	_, err = PositionCollateral(view, "SOL-USDC", reg)
	assert.True(t, sdkerr.Is(err, sdkerr.NotFound))
}

func TestEquityAndFreeCollateral(t *testing.T) {
	btc := market.CustomPerpetual("BTC-USDC", "USDC", 2, 3, 6, 10)
	reg := registry(t, btc)
	winning := account.Position{
		Instrument: "BTC-USDC",
		Size:       fixed.MustParse("1", 3),
		EntryPrice: fixed.MustParse("100", 2),
		MarkPrice:  fixed.MustParse("150", 2),
	}
	view := usdcView(t, "1000", winning)

	eq, err := Equity(view, "USDC", reg)
	require.NoError(t, err)
	assert.Equal(t, "1050.000000", eq.String())

	free, err := FreeCollateral(view, "USDC", reg)
	require.NoError(t, err)
	assert.Equal(t, "1000.000000", free.String())

	lev, err := AccountLeverage(view, "USDC", reg)
	require.NoError(t, err)
	// 150 / 1050 rounded up at 4dp
	assert.Equal(t, "0.1429", lev.String())
}

func TestInitialMarginRatioTiersAndIMF(t *testing.T) {
	btc := market.CustomPerpetual("BTC-USDC", "USDC", 2, 3, 6, 50)
	btc.Margin.Tiers = []market.Tier{
		{MaxNotional: fixed.MustParse("100000", 6), InitialMarginRatio: fixed.MustParse("0.02", 6), MaintenanceMarginRatio: fixed.MustParse("0.01", 6), MaxLeverage: 50},
		{InitialMarginRatio: fixed.MustParse("0.1", 6), MaintenanceMarginRatio: fixed.MustParse("0.05", 6), MaxLeverage: 10},
	}
	require.NoError(t, btc.Validate())

	r, err := InitialMarginRatio(btc, fixed.MustParse("50000", 6), 0)
	require.NoError(t, err)
	assert.True(t, r.Equal(fixed.MustParse("0.02", 6)))

	r, err = InitialMarginRatio(btc, fixed.MustParse("200000", 6), 0)
	require.NoError(t, err)
	assert.True(t, r.Equal(fixed.MustParse("0.1", 6)))

	_, err = InitialMarginRatio(btc, fixed.MustParse("200000", 6), 20)
	assert.Equal(t, sdkerr.ReasonLeverageExceeded, sdkerr.ReasonOf(err))

	r, err = InitialMarginRatio(btc, fixed.MustParse("50000", 6), 25)
	require.NoError(t, err)
	assert.True(t, r.Equal(fixed.MustParse("0.04", 6)))

	// IMF: 0.0002 × sqrt(40000) = 0.04 dominates the 2% tier
	btc.Margin.IMFFactor = fixed.MustParse("0.0002", 6)
	r, err = InitialMarginRatio(btc, fixed.MustParse("40000", 6), 0)
	require.NoError(t, err)
	assert.True(t, r.Equal(fixed.MustParse("0.04", 6)), r.String())
}

func TestFundingPaymentSign(t *testing.T) {
	long := account.Position{Instrument: "BTC-USDC", Size: fixed.MustParse("2", 3)}
	short := account.Position{Instrument: "BTC-USDC", Size: fixed.MustParse("-2", 3)}
	rate := fixed.MustParse("0.0001", 6)
	mark := fixed.MustParse("30000", 2)

	p, err := FundingPayment(long, rate, mark, 6)
	require.NoError(t, err)
	assert.Equal(t, "-6.000000", p.String())

	p, err = FundingPayment(short, rate, mark, 6)
	require.NoError(t, err)
	assert.Equal(t, "6.000000", p.String())

	p, err = FundingPayment(long, rate.Neg(), mark, 6)
	require.NoError(t, err)
	assert.Equal(t, "6.000000", p.String())
}

func TestAccrueFunding(t *testing.T) {
	long := account.Position{Instrument: "BTC-USDC", Size: fixed.MustParse("1", 3)}
	rate := fixed.MustParse("0.0001", 6)
	mark := fixed.MustParse("10000", 2)

	p, err := AccrueFunding(long, rate, mark, 150*time.Minute, time.Hour, 6)
	require.NoError(t, err)
	assert.Equal(t, "-2.000000", p.String())

	p, err = AccrueFunding(long, rate, mark, 59*time.Minute, time.Hour, 6)
	require.NoError(t, err)
	assert.True(t, p.IsZero())

	_, err = AccrueFunding(long, rate, mark, time.Hour, 0, 6)
	assert.True(t, sdkerr.Is(err, sdkerr.Validation))
}

func TestRequiredTopUp(t *testing.T) {
	top, err := RequiredTopUp(fixed.MustParse("12000", 6), fixed.MustParse("1000", 6), 10, 6)
	require.NoError(t, err)
	assert.Equal(t, "200.000000", top.String())

	top, err = RequiredTopUp(fixed.MustParse("5000", 6), fixed.MustParse("1000", 6), 10, 6)
	require.NoError(t, err)
	assert.True(t, top.IsZero())
}

func isolated(sym, size, price, margin string) account.Position {
	return account.Position{
		Instrument:     sym,
		Size:           fixed.MustParse(size, 3),
		EntryPrice:     fixed.MustParse(price, 2),
		MarkPrice:      fixed.MustParse(price, 2),
		Mode:           account.Isolated,
		IsolatedMargin: fixed.MustParse(margin, 6),
	}
}

func topUpFixture(t *testing.T) (account.AccountView, *market.Registry) {
	t.Helper()
	reg := registry(t,
		market.CustomPerpetual("BTC-USDC", "USDC", 2, 3, 6, 20),
		market.CustomPerpetual("ETH-USDC", "USDC", 2, 3, 6, 20),
		market.CustomPerpetual("SOL-USDC", "USDC", 2, 3, 6, 50),
	)
	view := usdcView(t, "500",
		isolated("BTC-USDC", "10", "100", "50"), // 20x
		isolated("ETH-USDC", "1", "100", "50"),  // 2x
		isolated("SOL-USDC", "10", "10", "4"),   // 25x
	)
	bal, err := account.NewBalance("USDC", fixed.MustParse("500", 6), fixed.MustParse("104", 6))
	require.NoError(t, err)
	view.Balances["USDC"] = bal
	return view, reg
}

func TestEvaluateTopUps(t *testing.T) {
	view, reg := topUpFixture(t)
	cfg := TopUpConfig{TriggerLeverage: fixed.MustParse("15", 0), TargetLeverage: 10}

	sum, err := EvaluateTopUps(view, reg, cfg)
	require.NoError(t, err)
	require.Len(t, sum.Positions, 3)
	assert.Equal(t, 2, sum.OverLeveraged)
	assert.Equal(t, 2, sum.CanTopUp)
	assert.Equal(t, "500.000000", sum.Available["USDC"].String())
	assert.Equal(t, "56.000000", sum.Needed["USDC"].String())
	// 1200 / 604 rounded up
	assert.Equal(t, "1.9868", sum.AccountLeverage["USDC"].String())

	btc := sum.Positions[0]
	assert.Equal(t, "BTC-USDC", btc.Instrument)
	assert.Equal(t, "20.0000", btc.Leverage.String())
	assert.Equal(t, "50.000000", btc.Required.String())
	eth := sum.Positions[1]
	assert.False(t, eth.OverLeveraged)
	assert.True(t, eth.Required.IsZero())

	act, ok := sum.Next()
	require.True(t, ok)
	assert.Equal(t, "SOL-USDC", act.Instrument)
	assert.Equal(t, "6.000000", act.Amount.String())
	assert.Equal(t, "25.0000", act.Leverage.String())
}

func TestTopUpsRespectReserveAndFilter(t *testing.T) {
	view, reg := topUpFixture(t)
	cfg := TopUpConfig{TriggerLeverage: fixed.MustParse("15", 0), TargetLeverage: 10, MinReserve: fixed.MustParse("497", 6)}

	sum, err := EvaluateTopUps(view, reg, cfg)
	require.NoError(t, err)
	assert.Equal(t, "3.000000", sum.Available["USDC"].String())
	assert.Equal(t, 0, sum.CanTopUp)
	_, ok := sum.Next()
	assert.False(t, ok)

	cfg.MinReserve = fixed.MustParse("600", 6)
	sum, err = EvaluateTopUps(view, reg, cfg)
	require.NoError(t, err)
	assert.True(t, sum.Available["USDC"].IsZero())

	cfg.MinReserve = fixed.Value{}
	cfg.Instruments = []string{"BTC-USDC"}
	sum, err = EvaluateTopUps(view, reg, cfg)
	require.NoError(t, err)
	require.Len(t, sum.Positions, 1)
	act, ok := sum.Next()
	require.True(t, ok)
	assert.Equal(t, "BTC-USDC", act.Instrument)
}

func TestTopUpCoversFundingDue(t *testing.T) {
	view, reg := topUpFixture(t)
	cfg := TopUpConfig{
		TriggerLeverage: fixed.MustParse("15", 0),
		TargetLeverage:  10,
		Instruments:     []string{"BTC-USDC"},
		FundingRate:     fixed.MustParse("0.001", 6),
		FundingInterval: 8 * time.Hour,
		FundingHorizon:  24 * time.Hour,
	}
	sum, err := EvaluateTopUps(view, reg, cfg)
	require.NoError(t, err)
	// 50 to reach 10x plus 3 intervals of 1000 × 0.001
	assert.Equal(t, "53.000000", sum.Positions[0].Required.String())

	cfg.FundingInterval = 0
	_, err = EvaluateTopUps(view, reg, cfg)
	assert.True(t, sdkerr.Is(err, sdkerr.Validation))
}
