package reconcile

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/uhyunpark/perpsdk/pkg/account"
	"github.com/uhyunpark/perpsdk/pkg/crypto"
	"github.com/uhyunpark/perpsdk/pkg/fixed"
	"github.com/uhyunpark/perpsdk/pkg/sdkerr"
	"github.com/uhyunpark/perpsdk/pkg/util"
	"github.com/uhyunpark/perpsdk/pkg/venue"
)

var acct = common.HexToAddress("0x00000000000000000000000000000000000000c3")

// snapshotFeed serves scripted snapshots; the last one repeats.
type snapshotFeed struct {
	mu      sync.Mutex
	script  []func() (*account.Snapshot, error)
	fetches int
}

func (f *snapshotFeed) Submit(context.Context, *venue.Envelope) venue.Result {
	return venue.TransientFailure{Cause: errors.New("not supported")}
}

func (f *snapshotFeed) Subscribe(context.Context, common.Address) (<-chan venue.Event, error) {
	return nil, errors.New("not supported")
}

func (f *snapshotFeed) FetchSnapshot(context.Context, common.Address) (*account.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if len(f.script) == 0 {
		return nil, errors.New("venue unreachable")
	}
	i := f.fetches - 1
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	return f.script[i]()
}

type sink struct {
	mu      sync.Mutex
	fills   []venue.Fill
	effects []venue.OrderEffect
}

func (s *sink) ApplyFill(_ context.Context, f venue.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills = append(s.fills, f)
	return nil
}

func (s *sink) ApplyEffect(_ context.Context, e venue.OrderEffect) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.effects = append(s.effects, e)
	return nil
}

type lines struct{ got []string }

func (l *lines) Append(line string) { l.got = append(l.got, line) }

func usdc(t *testing.T, available, locked string) account.Balance {
	t.Helper()
	b, err := account.NewBalance("USDC", fixed.MustParse(available, 6), fixed.MustParse(locked, 6))
	require.NoError(t, err)
	return b
}

func snapshotAt(t *testing.T, seq uint64, available string) *account.Snapshot {
	t.Helper()
	s := account.NewSnapshot(acct, seq)
	s.Balances["USDC"] = usdc(t, available, "0")
	return s
}

func serve(s *account.Snapshot) func() (*account.Snapshot, error) {
	return func() (*account.Snapshot, error) { return s.Clone(), nil }
}

type fixture struct {
	engine *Engine
	cache  *account.Cache
	feed   *snapshotFeed
	orders *sink
	clock  *util.InstantClock
	logs   *observer.ObservedLogs
}

func newFixture(t *testing.T, seq uint64, mutate func(*Config)) *fixture {
	t.Helper()
	cache := account.NewCache(acct, nil)
	_, ok, err := cache.Replace(snapshotAt(t, seq, "1000"))
	require.NoError(t, err)
	require.True(t, ok)

	core, logs := observer.New(zapcore.DebugLevel)
	f := &fixture{
		cache:  cache,
		feed:   &snapshotFeed{},
		orders: &sink{},
		clock:  util.NewInstantClock(time.Unix(0, 0)),
		logs:   logs,
	}
	cfg := Config{
		Account:   acct,
		Cache:     cache,
		Transport: f.feed,
		Orders:    f.orders,
		Resync: ResyncPolicy{
			MaxAttempts:     5,
			InitialInterval: 250 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		Clock:  f.clock,
		Logger: zap.New(core).Sugar(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.engine = New(cfg)
	return f
}

func balanceDelta(t *testing.T, seq uint64, available, locked string) venue.Delta {
	return venue.Delta{Sequence: seq, Balances: []account.Balance{usdc(t, available, locked)}}
}

func confirmed(t *testing.T, c *account.Cache) *account.Snapshot {
	t.Helper()
	s, err := c.Confirmed()
	require.NoError(t, err)
	return s
}

func TestContiguousDeltaApplies(t *testing.T) {
	f := newFixture(t, 5, nil)
	require.NoError(t, f.engine.Handle(context.Background(), balanceDelta(t, 6, "900", "100")))

	s := confirmed(t, f.cache)
	assert.Equal(t, uint64(6), s.Sequence)
	assert.Equal(t, "900.000000", s.Balances["USDC"].Available.String())
	assert.Equal(t, 0, f.feed.fetches)
}

func TestStaleDeltaIgnored(t *testing.T) {
	f := newFixture(t, 5, nil)
	require.NoError(t, f.engine.Handle(context.Background(), balanceDelta(t, 5, "1", "0")))
	require.NoError(t, f.engine.Handle(context.Background(), balanceDelta(t, 3, "1", "0")))

	s := confirmed(t, f.cache)
	assert.Equal(t, uint64(5), s.Sequence)
	assert.Equal(t, "1000.000000", s.Balances["USDC"].Available.String())
}

func TestGapForcesResnapshot(t *testing.T) {
	f := newFixture(t, 5, nil)
	f.feed.script = []func() (*account.Snapshot, error){
		serve(snapshotAt(t, 5, "1000")),
		serve(snapshotAt(t, 8, "750")),
	}

	require.NoError(t, f.engine.Handle(context.Background(), balanceDelta(t, 8, "1", "0")))

	s := confirmed(t, f.cache)
	assert.Equal(t, uint64(8), s.Sequence)
	// the queued delta 8 is covered by the snapshot and dropped
	assert.Equal(t, "750.000000", s.Balances["USDC"].Available.String())
	assert.Equal(t, 0, f.engine.Pending())
	assert.Equal(t, 2, f.feed.fetches)
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, f.clock.Waits())
	assert.Equal(t, 1, f.logs.FilterMessage("sequence_gap").Len())
	assert.NoError(t, f.engine.Err())
}

func TestGapDrainsContiguousQueue(t *testing.T) {
	f := newFixture(t, 5, nil)
	f.feed.script = []func() (*account.Snapshot, error){serve(snapshotAt(t, 6, "1000"))}

	require.NoError(t, f.engine.Handle(context.Background(), balanceDelta(t, 7, "800", "200")))

	s := confirmed(t, f.cache)
	assert.Equal(t, uint64(7), s.Sequence)
	assert.Equal(t, "800.000000", s.Balances["USDC"].Available.String())
	assert.Equal(t, 0, f.engine.Pending())
	assert.Empty(t, f.clock.Waits())
}

func TestResyncSurfacesOnlyFinalFailure(t *testing.T) {
	f := newFixture(t, 5, nil)

	err := f.engine.Handle(context.Background(), balanceDelta(t, 9, "1", "0"))
	require.Error(t, err)
	assert.True(t, sdkerr.Is(err, sdkerr.TransientNetwork))
	assert.Contains(t, err.Error(), "venue unreachable")
	assert.Equal(t, 5, f.feed.fetches)
	assert.Len(t, f.clock.Waits(), 4)
	assert.Equal(t, 1, f.engine.Pending())
	assert.Equal(t, err, f.engine.Err())

	// a later snapshot past the queue clears it
	require.NoError(t, f.engine.Handle(context.Background(), venue.SnapshotEvent{Snapshot: snapshotAt(t, 9, "10")}))
	assert.Equal(t, 0, f.engine.Pending())
	assert.NoError(t, f.engine.Err())
}

func TestResyncStopsOnCancel(t *testing.T) {
	f := newFixture(t, 5, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.engine.Handle(ctx, balanceDelta(t, 9, "1", "0"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.feed.fetches)
}

func TestDisconnectTriggersResnapshot(t *testing.T) {
	f := newFixture(t, 5, nil)
	f.feed.script = []func() (*account.Snapshot, error){serve(snapshotAt(t, 12, "640"))}

	require.NoError(t, f.engine.Handle(context.Background(), venue.Disconnect{Cause: errors.New("eof")}))
	assert.Equal(t, uint64(12), f.cache.Sequence())
	assert.Equal(t, 1, f.feed.fetches)
}

func btcPosition(size, entry string) account.Position {
	return account.Position{
		Instrument:         "BTC-USDC",
		Size:               fixed.MustParse(size, 3),
		EntryPrice:         fixed.MustParse(entry, 2),
		MarkPrice:          fixed.MustParse(entry, 2),
		AccumulatedFunding: fixed.Zero(6),
	}
}

func TestFundingSettlementIsAtomicAndIdempotent(t *testing.T) {
	f := newFixture(t, 1, nil)
	ctx := context.Background()
	open := venue.Delta{
		Sequence:  2,
		Balances:  []account.Balance{usdc(t, "900", "100")},
		Positions: []account.Position{btcPosition("2", "100")},
	}
	require.NoError(t, f.engine.Handle(ctx, open))

	funding := venue.FundingSettlement{
		Sequence: 3,
		Asset:    "USDC",
		Entries: []venue.FundingEntry{
			{Instrument: "BTC-USDC", Rate: fixed.MustParse("0.0001", 8), MarkPrice: fixed.MustParse("100", 2)},
			{Instrument: "ETH-USDC", Rate: fixed.MustParse("0.0005", 8), MarkPrice: fixed.MustParse("10", 2)},
		},
	}
	require.NoError(t, f.engine.Handle(ctx, funding))
	require.NoError(t, f.engine.Handle(ctx, funding))

	s := confirmed(t, f.cache)
	assert.Equal(t, uint64(3), s.Sequence)
	b := s.Balances["USDC"]
	assert.Equal(t, "899.980000", b.Available.String())
	assert.Equal(t, "999.980000", b.Total.String())
	assert.Equal(t, "-0.020000", s.Positions["BTC-USDC"].AccumulatedFunding.String())
	require.NoError(t, b.Validate())
}

func TestFundingPaysShorts(t *testing.T) {
	f := newFixture(t, 1, nil)
	ctx := context.Background()
	require.NoError(t, f.engine.Handle(ctx, venue.Delta{
		Sequence:  2,
		Positions: []account.Position{btcPosition("-1", "200")},
	}))
	require.NoError(t, f.engine.Handle(ctx, venue.FundingSettlement{
		Sequence: 3,
		Asset:    "USDC",
		Entries:  []venue.FundingEntry{{Instrument: "BTC-USDC", Rate: fixed.MustParse("0.001", 8), MarkPrice: fixed.MustParse("200", 2)}},
	}))
	assert.Equal(t, "1000.200000", confirmed(t, f.cache).Balances["USDC"].Available.String())
}

func TestFundingInUnknownAssetIsConsistencyFault(t *testing.T) {
	f := newFixture(t, 1, nil)
	err := f.engine.Handle(context.Background(), venue.FundingSettlement{Sequence: 2, Asset: "USDT"})
	require.Error(t, err)
	assert.True(t, sdkerr.Is(err, sdkerr.Consistency))
	assert.Equal(t, uint64(1), f.cache.Sequence())
	_, err = f.cache.View()
	assert.True(t, sdkerr.Is(err, sdkerr.Consistency))
	assert.True(t, sdkerr.Is(f.engine.Err(), sdkerr.Consistency))
}

func TestConsistencyFaultWhileDrainingStopsResync(t *testing.T) {
	f := newFixture(t, 1, nil)
	f.feed.script = []func() (*account.Snapshot, error){serve(snapshotAt(t, 2, "1000"))}

	err := f.engine.Handle(context.Background(), venue.FundingSettlement{Sequence: 3, Asset: "USDT"})
	require.Error(t, err)
	assert.True(t, sdkerr.Is(err, sdkerr.Consistency))
	assert.Equal(t, 1, f.feed.fetches)
	assert.Empty(t, f.clock.Waits())
	assert.Equal(t, uint64(2), f.cache.Sequence())

	assert.True(t, sdkerr.Is(f.cache.Fault(), sdkerr.Consistency))
	assert.True(t, sdkerr.Is(f.engine.Err(), sdkerr.Consistency))
	_, err = f.cache.View()
	assert.True(t, sdkerr.Is(err, sdkerr.Consistency))
	assert.Equal(t, 1, f.logs.FilterMessage("resync_consistency_fault").Len())
}

func TestInvariantBreakIsStickyUntilSnapshot(t *testing.T) {
	f := newFixture(t, 1, nil)
	ctx := context.Background()
	bad := account.Balance{
		Asset:     "USDC",
		Available: fixed.MustParse("-5", 6),
		Locked:    fixed.MustParse("5", 6),
		Total:     fixed.MustParse("0", 6),
	}

	err := f.engine.Handle(ctx, venue.Delta{Sequence: 2, Balances: []account.Balance{bad}})
	require.Error(t, err)
	assert.True(t, sdkerr.Is(err, sdkerr.Consistency))
	assert.Equal(t, uint64(1), f.cache.Sequence())
	_, err = f.cache.Confirmed()
	assert.True(t, sdkerr.Is(err, sdkerr.Consistency))

	err = f.engine.Handle(ctx, balanceDelta(t, 2, "10", "0"))
	assert.True(t, sdkerr.Is(err, sdkerr.Consistency))
	assert.True(t, sdkerr.Is(f.engine.Err(), sdkerr.Consistency))
	assert.Equal(t, 2, f.logs.FilterMessage("consistency_fault").Len())

	require.NoError(t, f.engine.Handle(ctx, venue.SnapshotEvent{Snapshot: snapshotAt(t, 4, "500")}))
	assert.NoError(t, f.engine.Err())
	assert.Equal(t, "500.000000", confirmed(t, f.cache).Balances["USDC"].Available.String())
	require.NoError(t, f.engine.Handle(ctx, balanceDelta(t, 5, "400", "100")))
	assert.Equal(t, uint64(5), f.cache.Sequence())
}

func TestDisjointDeltasCommute(t *testing.T) {
	base := snapshotAt(t, 1, "1000")
	btc := venue.Delta{Positions: []account.Position{btcPosition("1", "100")}}
	eth := btcPosition("3", "20")
	eth.Instrument = "ETH-USDC"
	ethDelta := venue.Delta{Positions: []account.Position{eth}, Balances: []account.Balance{usdc(t, "940", "60")}}

	ab := base.Clone()
	applyDelta(ab, btc)
	applyDelta(ab, ethDelta)
	ba := base.Clone()
	applyDelta(ba, ethDelta)
	applyDelta(ba, btc)
	assert.Equal(t, ab, ba)
	assert.Len(t, ab.Positions, 2)

	closed := venue.Delta{Positions: []account.Position{{Instrument: "BTC-USDC", Size: fixed.Zero(3)}}}
	applyDelta(ab, closed)
	assert.NotContains(t, ab.Positions, "BTC-USDC")
}

func TestFrozenFlag(t *testing.T) {
	f := newFixture(t, 1, nil)
	frozen := true
	require.NoError(t, f.engine.Handle(context.Background(), venue.Delta{Sequence: 2, Frozen: &frozen}))
	assert.True(t, confirmed(t, f.cache).Frozen)
}

func TestAttestedSnapshots(t *testing.T) {
	att, err := crypto.NewAttesterFromSeed(bytes.Repeat([]byte{0x17}, 32))
	require.NoError(t, err)
	f := newFixture(t, 1, func(c *Config) { c.VenueKey = att.PublicKey() })
	ctx := context.Background()

	good := snapshotAt(t, 4, "700")
	require.NoError(t, att.Attest(good))
	require.NoError(t, f.engine.Handle(ctx, venue.SnapshotEvent{Snapshot: good}))
	assert.Equal(t, uint64(4), f.cache.Sequence())

	tampered := snapshotAt(t, 5, "700")
	require.NoError(t, att.Attest(tampered))
	tampered.Balances["USDC"] = usdc(t, "7000", "0")
	err = f.engine.Handle(ctx, venue.SnapshotEvent{Snapshot: tampered})
	assert.True(t, sdkerr.Is(err, sdkerr.Consistency))

	err = f.engine.Handle(ctx, venue.SnapshotEvent{Snapshot: snapshotAt(t, 6, "1")})
	assert.True(t, sdkerr.Is(err, sdkerr.Consistency))
	assert.Equal(t, uint64(4), f.cache.Sequence())
}

func TestSettledReservationComparedWithConfirmedLock(t *testing.T) {
	f := newFixture(t, 1, nil)
	ctx := context.Background()
	for _, id := range []string{"o1", "o2"} {
		_, err := f.cache.Reserve(id, func(account.AccountView) (account.Reservation, error) {
			return account.Reservation{
				Instrument: "BTC-USDC",
				Asset:      "USDC",
				Margin:     fixed.MustParse("50", 6),
				Size:       fixed.MustParse("1", 3),
				Notional:   fixed.MustParse("500", 6),
			}, nil
		})
		require.NoError(t, err)
	}

	d := venue.Delta{
		Sequence: 2,
		Balances: []account.Balance{usdc(t, "890", "110")},
		OrderEffects: []venue.OrderEffect{
			{ClientOrderID: "o1", VenueOrderID: "v1", Status: venue.StatusOpen, LockedMargin: fixed.MustParse("60", 6)},
			{ClientOrderID: "o2", VenueOrderID: "v2", Status: venue.StatusOpen, LockedMargin: fixed.MustParse("50", 6)},
		},
	}
	require.NoError(t, f.engine.Handle(ctx, d))

	mismatches := f.logs.FilterMessage("prediction_error").All()
	require.Len(t, mismatches, 1)
	assert.Equal(t, "o1", mismatches[0].ContextMap()["client_id"])
	assert.Equal(t, zapcore.WarnLevel, mismatches[0].Level)

	_, held := f.cache.Reservation("o1")
	assert.False(t, held)
	v, err := f.cache.View()
	require.NoError(t, err)
	assert.Equal(t, "890.000000", v.Balances["USDC"].Available.String())
	assert.Len(t, f.orders.effects, 2)
}

func TestFillsForwardedAndLogged(t *testing.T) {
	log := &lines{}
	f := newFixture(t, 1, func(c *Config) { c.EventLog = log })
	fill := venue.Fill{
		ClientOrderID: "o1",
		VenueOrderID:  "v1",
		Instrument:    "BTC-USDC",
		Size:          fixed.MustParse("0.5", 3),
		Price:         fixed.MustParse("100", 2),
		Fee:           fixed.MustParse("0.01", 6),
	}
	require.NoError(t, f.engine.Handle(context.Background(), fill))
	require.Len(t, f.orders.fills, 1)
	assert.Equal(t, "v1", f.orders.fills[0].VenueOrderID)

	require.Len(t, log.got, 1)
	back, err := venue.DecodeEvent([]byte(log.got[0]))
	require.NoError(t, err)
	assert.Equal(t, venue.EventFill, back.EventType())
}

func TestRunStopsWhenFeedCloses(t *testing.T) {
	f := newFixture(t, 1, nil)
	ch := make(chan venue.Event, 3)
	ch <- balanceDelta(t, 2, "990", "10")
	ch <- balanceDelta(t, 3, "980", "20")
	close(ch)

	err := f.engine.Run(context.Background(), ch)
	require.Error(t, err)
	assert.True(t, sdkerr.Is(err, sdkerr.TransientNetwork))
	assert.ErrorIs(t, err, ErrFeedClosed)
	assert.Equal(t, uint64(3), f.cache.Sequence())
	assert.Equal(t, err, f.engine.FeedErr())
	assert.Equal(t, err, f.engine.Err())
	assert.Equal(t, 1, f.logs.FilterMessage("feed_closed").Len())
}

func TestRunCancelledIsNotAFeedFailure(t *testing.T) {
	f := newFixture(t, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := make(chan venue.Event)
	close(ch)

	err := f.engine.Run(ctx, ch)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, f.engine.FeedErr())
	assert.NoError(t, f.engine.Err())
}

func TestPendingQueue(t *testing.T) {
	p := NewPending(0)
	assert.True(t, p.Push(venue.Delta{Sequence: 9}))
	assert.True(t, p.Push(venue.FundingSettlement{Sequence: 7}))
	assert.False(t, p.Push(venue.Delta{Sequence: 7}))
	assert.False(t, p.Push(venue.Fill{}))
	assert.Equal(t, uint64(9), p.Max())

	_, ok := p.PopNext(8)
	assert.False(t, ok)
	ev, ok := p.PopNext(7)
	require.True(t, ok)
	assert.Equal(t, venue.EventFunding, ev.EventType())

	assert.Equal(t, 1, p.DropThrough(9))
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, uint64(0), p.Max())
}

func TestPendingQueueIsBounded(t *testing.T) {
	p := NewPending(3)
	for seq := uint64(10); seq < 13; seq++ {
		assert.True(t, p.Push(venue.Delta{Sequence: seq}))
	}
	assert.Equal(t, 0, p.Overflows())

	assert.True(t, p.Push(venue.Delta{Sequence: 20}))
	assert.Equal(t, 1, p.Overflows())
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, uint64(20), p.Max())
}

func TestOverflowingGapIsCoveredBySnapshot(t *testing.T) {
	f := newFixture(t, 1, func(c *Config) { c.MaxPending = 2 })
	f.feed.script = []func() (*account.Snapshot, error){
		serve(snapshotAt(t, 1, "1000")),
		serve(snapshotAt(t, 1, "1000")),
		serve(snapshotAt(t, 6, "400")),
	}
	ctx := context.Background()
	f.engine.cfg.Resync.MaxAttempts = 1

	// every out-of-order delta parks and fails its single resync attempt
	for _, seq := range []uint64{3, 4} {
		err := f.engine.Handle(ctx, balanceDelta(t, seq, "1", "0"))
		assert.True(t, sdkerr.Is(err, sdkerr.TransientNetwork))
	}
	assert.Equal(t, 2, f.engine.Pending())

	f.engine.cfg.Resync.MaxAttempts = 5
	require.NoError(t, f.engine.Handle(ctx, balanceDelta(t, 6, "1", "0")))
	assert.Equal(t, 1, f.logs.FilterMessage("pending_overflow").Len())
	assert.Equal(t, uint64(6), f.cache.Sequence())
	assert.Equal(t, "400.000000", confirmed(t, f.cache).Balances["USDC"].Available.String())
	assert.Equal(t, 0, f.engine.Pending())
	assert.NoError(t, f.engine.Err())
}
