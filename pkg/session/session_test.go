package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/perpsdk/pkg/account"
	"github.com/uhyunpark/perpsdk/pkg/crypto"
	"github.com/uhyunpark/perpsdk/pkg/fixed"
	"github.com/uhyunpark/perpsdk/pkg/market"
	"github.com/uhyunpark/perpsdk/pkg/metrics"
	"github.com/uhyunpark/perpsdk/pkg/order"
	"github.com/uhyunpark/perpsdk/pkg/reconcile"
	"github.com/uhyunpark/perpsdk/pkg/risk"
	"github.com/uhyunpark/perpsdk/pkg/sdkerr"
	"github.com/uhyunpark/perpsdk/pkg/storage"
	"github.com/uhyunpark/perpsdk/pkg/submit"
	"github.com/uhyunpark/perpsdk/pkg/util"
	"github.com/uhyunpark/perpsdk/pkg/venuesim"
)

const btc = "BTC-USDC"

type testEnv struct {
	sim    *venuesim.Venue
	reg    *market.Registry
	signer *crypto.KeySigner
	clock  *util.InstantClock
}

func newEnv(t *testing.T, venueLimits risk.Limits, attester *crypto.Attester) *testEnv {
	t.Helper()
	reg := market.NewRegistry()
	require.NoError(t, reg.Register(market.CustomPerpetual(btc, "USDC", 2, 3, 6, 10)))
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)
	sim := venuesim.New(venuesim.Config{Instruments: reg, Attester: attester, Limits: venueLimits})
	require.NoError(t, sim.Deposit(signer.Address(), "USDC", fixed.MustParse("1000", 6)))
	return &testEnv{sim: sim, reg: reg, signer: signer, clock: util.NewInstantClock(time.Unix(1_700_000_000, 0))}
}

func (e *testEnv) config() Config {
	retry := submit.DefaultPolicy()
	retry.RandomizationFactor = 0
	resync := reconcile.DefaultResyncPolicy()
	resync.RandomizationFactor = 0
	return Config{
		Account:     e.signer.Address(),
		Signer:      e.signer,
		Transport:   e.sim,
		Instruments: e.reg,
		Retry:       retry,
		Resync:      resync,
		Store:       storage.NewMemStore(),
		Clock:       e.clock,
	}
}

func (e *testEnv) start(t *testing.T, cfg Config) *Session {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func limitBuy(id, size, price string) order.Spec {
	return order.Spec{
		ClientOrderID: id,
		Instrument:    btc,
		Side:          order.Buy,
		Size:          fixed.MustParse(size, 3),
		Price:         fixed.MustParse(price, 2),
		TimeInForce:   order.GTC,
	}
}

func waitSeq(t *testing.T, s *Session, seq uint64) account.AccountView {
	t.Helper()
	var v account.AccountView
	require.Eventually(t, func() bool {
		var err error
		v, err = s.GetAccountState()
		return err == nil && v.Sequence >= seq
	}, 5*time.Second, 5*time.Millisecond, "sequence %d never confirmed", seq)
	return v
}

func waitState(t *testing.T, s *Session, id string, want order.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := s.GetOrderStatus(id)
		return err == nil && st == want
	}, 5*time.Second, 5*time.Millisecond, "order %s never reached %s", id, want)
}

func TestStartSyncsFromSnapshot(t *testing.T) {
	e := newEnv(t, risk.Limits{}, nil)
	s := e.start(t, e.config())

	v, err := s.GetAccountState()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Sequence)
	assert.Equal(t, "1000.000000", v.Balances["USDC"].Available.String())
	assert.NoError(t, s.Err())
	assert.ErrorIs(t, s.Start(context.Background()), ErrStarted)
}

func TestNewValidatesConfig(t *testing.T) {
	e := newEnv(t, risk.Limits{}, nil)
	cfg := e.config()
	cfg.Transport = nil
	_, err := New(cfg)
	assert.True(t, sdkerr.Is(err, sdkerr.Validation))
}

func TestPlaceOrderIsConfirmedByFeed(t *testing.T) {
	e := newEnv(t, risk.Limits{}, nil)
	cfg := e.config()
	cfg.Metrics = metrics.New("session_test")
	s := e.start(t, cfg)

	h, err := s.PlaceOrder(context.Background(), limitBuy("o1", "0.5", "100"))
	require.NoError(t, err)
	require.NotNil(t, h)
	o, err := s.GetOrder("o1")
	require.NoError(t, err)
	assert.Equal(t, "sim-1", o.VenueOrderID)
	assert.Equal(t, uint64(1), o.Nonce)

	v := waitSeq(t, s, 2)
	bal := v.Balances["USDC"]
	assert.Equal(t, "994.975000", bal.Available.String())
	assert.Equal(t, "5.025000", bal.Locked.String())
	assert.Empty(t, v.Reservations)
	waitState(t, s, "o1", order.Acknowledged)
}

func TestFillAndFundingFlowIntoState(t *testing.T) {
	e := newEnv(t, risk.Limits{}, nil)
	s := e.start(t, e.config())
	_, err := s.PlaceOrder(context.Background(), limitBuy("o1", "0.5", "100"))
	require.NoError(t, err)

	require.NoError(t, e.sim.Fill(e.signer.Address(), "o1", fixed.MustParse("0.2", 3), fixed.MustParse("100", 2)))
	waitState(t, s, "o1", order.PartiallyFilled)
	require.NoError(t, e.sim.Fill(e.signer.Address(), "o1", fixed.MustParse("0.3", 3), fixed.MustParse("100", 2)))
	waitState(t, s, "o1", order.Filled)

	require.NoError(t, e.sim.SettleFunding(btc, fixed.MustParse("0.0001", 6), fixed.MustParse("100", 2)))
	v := waitSeq(t, s, 5)
	assert.Equal(t, "999.970000", v.Balances["USDC"].Available.String())
	assert.Equal(t, "0.500", v.Positions[btc].Size.String())

	o, err := s.GetOrder("o1")
	require.NoError(t, err)
	assert.Equal(t, "0.500", o.FilledSize.String())
	assert.Equal(t, "100.00", o.AvgFillPrice.String())

	// a long this well collateralized cannot be liquidated
	_, ok, err := s.LiquidationPrice(btc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShortHasLiquidationPrice(t *testing.T) {
	e := newEnv(t, risk.Limits{}, nil)
	s := e.start(t, e.config())
	spec := limitBuy("s1", "0.5", "100")
	spec.Side = order.Sell
	_, err := s.PlaceOrder(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, e.sim.Fill(e.signer.Address(), "s1", fixed.MustParse("0.5", 3), fixed.MustParse("100", 2)))
	waitState(t, s, "s1", order.Filled)
	waitSeq(t, s, 3)

	p, ok, err := s.LiquidationPrice(btc)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, p.GreaterThan(fixed.MustParse("100", 2)), "liquidation at %s", p)

	_, _, err = s.LiquidationPrice("ETH-USDC")
	assert.True(t, sdkerr.Is(err, sdkerr.NotFound))
}

func TestPreTradeRejectionSendsNothing(t *testing.T) {
	e := newEnv(t, risk.Limits{}, nil)
	s := e.start(t, e.config())

	h, err := s.PlaceOrder(context.Background(), limitBuy("big", "100", "100"))
	assert.Nil(t, h)
	assert.True(t, sdkerr.Is(err, sdkerr.Validation))
	assert.Equal(t, sdkerr.ReasonInsufficientMargin, sdkerr.ReasonOf(err))
	assert.Empty(t, e.sim.Envelopes())
}

func TestVenueRejectionReleasesReservation(t *testing.T) {
	e := newEnv(t, risk.Limits{MaxLeverage: 1}, nil)
	s := e.start(t, e.config())

	h, err := s.PlaceOrder(context.Background(), limitBuy("o1", "15", "100"))
	require.NotNil(t, h)
	assert.True(t, sdkerr.Is(err, sdkerr.VenueRejection))

	o, err := s.GetOrder("o1")
	require.NoError(t, err)
	assert.Equal(t, order.Rejected, o.State)
	assert.Equal(t, sdkerr.ReasonLeverageExceeded, o.Reason)

	v, err := s.GetAccountState()
	require.NoError(t, err)
	assert.Empty(t, v.Reservations)
	assert.Equal(t, "1000.000000", v.Balances["USDC"].Available.String())
}

func TestTransientFailuresReuseOneNonce(t *testing.T) {
	e := newEnv(t, risk.Limits{}, nil)
	s := e.start(t, e.config())
	e.sim.FailNext(2, nil, 0)

	_, err := s.PlaceOrder(context.Background(), limitBuy("o1", "0.5", "100"))
	require.NoError(t, err)
	sent := e.sim.Envelopes()
	require.Len(t, sent, 3)
	for _, env := range sent {
		assert.Equal(t, uint64(1), env.Nonce)
	}
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, e.clock.Waits())
}

func TestCancelOrder(t *testing.T) {
	e := newEnv(t, risk.Limits{}, nil)
	s := e.start(t, e.config())
	_, err := s.PlaceOrder(context.Background(), limitBuy("o1", "0.5", "100"))
	require.NoError(t, err)

	require.NoError(t, s.CancelOrder(context.Background(), "o1"))
	waitState(t, s, "o1", order.Canceled)
	v := waitSeq(t, s, 3)
	assert.Equal(t, "1000.000000", v.Balances["USDC"].Available.String())
	assert.True(t, v.Balances["USDC"].Locked.IsZero())

	sent := e.sim.Envelopes()
	require.Len(t, sent, 2)
	assert.Greater(t, sent[1].Nonce, sent[0].Nonce)
}

func TestGapIsRepairedFromSnapshot(t *testing.T) {
	e := newEnv(t, risk.Limits{}, nil)
	s := e.start(t, e.config())
	e.sim.DropEvents(1)
	_, err := s.PlaceOrder(context.Background(), limitBuy("o1", "0.5", "100"))
	require.NoError(t, err)
	require.NoError(t, e.sim.Deposit(e.signer.Address(), "USDC", fixed.MustParse("1", 6)))

	v := waitSeq(t, s, 3)
	assert.Equal(t, "995.975000", v.Balances["USDC"].Available.String())
	assert.Empty(t, v.Reservations)
	assert.NoError(t, s.Err())
}

func TestFrozenAccountBlocksOrders(t *testing.T) {
	e := newEnv(t, risk.Limits{}, nil)
	s := e.start(t, e.config())
	e.sim.Freeze(e.signer.Address(), true)
	v := waitSeq(t, s, 2)
	require.True(t, v.Frozen)

	_, err := s.PlaceOrder(context.Background(), limitBuy("o1", "0.5", "100"))
	assert.Equal(t, sdkerr.ReasonAccountFrozen, sdkerr.ReasonOf(err))
}

func TestAttestedSnapshots(t *testing.T) {
	att, err := crypto.NewAttesterFromSeed([]byte("session-test-attestation-seed-0001"))
	require.NoError(t, err)
	e := newEnv(t, risk.Limits{}, att)

	cfg := e.config()
	cfg.VenueKey = att.PublicKey()
	e.start(t, cfg)

	other, err := crypto.NewAttesterFromSeed([]byte("session-test-attestation-seed-0002"))
	require.NoError(t, err)
	cfg = e.config()
	cfg.VenueKey = other.PublicKey()
	s, err := New(cfg)
	require.NoError(t, err)
	err = s.Start(context.Background())
	assert.True(t, sdkerr.Is(err, sdkerr.Consistency))
}

func TestTopUpsEvaluateConfirmedPositions(t *testing.T) {
	e := newEnv(t, risk.Limits{}, nil)
	s := e.start(t, e.config())
	ctx := context.Background()
	synced := func() {
		snap, err := e.sim.Snapshot(e.signer.Address())
		require.NoError(t, err)
		waitSeq(t, s, snap.Sequence)
	}

	spec := limitBuy("s1", "9", "100")
	spec.Side = order.Sell
	_, err := s.PlaceOrder(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, e.sim.Fill(e.signer.Address(), "s1", fixed.MustParse("9", 3), fixed.MustParse("100", 2)))
	synced()

	cfg := risk.TopUpConfig{TriggerLeverage: fixed.MustParse("5", 0), TargetLeverage: 2}
	sum, err := s.TopUps(cfg)
	require.NoError(t, err)
	require.Len(t, sum.Positions, 1)
	assert.Equal(t, 0, sum.OverLeveraged)
	_, ok := sum.Next()
	assert.False(t, ok)

	// a 90% move against the short drains most of its equity
	require.NoError(t, e.sim.Mark(btc, fixed.MustParse("190", 2)))
	synced()
	sum, err = s.TopUps(cfg)
	require.NoError(t, err)
	require.Len(t, sum.Positions, 1)
	p := sum.Positions[0]
	assert.True(t, p.OverLeveraged)
	require.NotNil(t, p.Leverage)
	assert.True(t, p.Leverage.GreaterThan(fixed.MustParse("5", 0)), "leverage %s", p.Leverage)
	assert.True(t, p.Required.IsPositive())

	_, err = s.TopUps(risk.TopUpConfig{})
	assert.True(t, sdkerr.Is(err, sdkerr.Validation))
}
