// Package reconcile is the only writer of confirmed account state. It
// applies the venue's sequenced feed to the account cache, detects gaps and
// repairs them from a fresh snapshot, and forwards order events to the order
// manager.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpsdk/pkg/account"
	"github.com/uhyunpark/perpsdk/pkg/crypto"
	"github.com/uhyunpark/perpsdk/pkg/metrics"
	"github.com/uhyunpark/perpsdk/pkg/risk"
	"github.com/uhyunpark/perpsdk/pkg/sdkerr"
	"github.com/uhyunpark/perpsdk/pkg/util"
	"github.com/uhyunpark/perpsdk/pkg/venue"
)

// ErrFeedClosed reports a feed channel that ended without being cancelled.
var ErrFeedClosed = errors.New("account feed closed")

// OrderSink receives the order-level events of the feed.
type OrderSink interface {
	ApplyFill(ctx context.Context, f venue.Fill) error
	ApplyEffect(ctx context.Context, e venue.OrderEffect) error
}

// SnapshotStore persists the last confirmed snapshot.
type SnapshotStore interface {
	SaveSnapshot(s *account.Snapshot) error
}

// EventLog records every handled feed event, one line each.
type EventLog interface {
	Append(line string)
}

// ResyncPolicy bounds snapshot refetches after a gap or disconnect.
type ResyncPolicy struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	RandomizationFactor float64
}

func DefaultResyncPolicy() ResyncPolicy {
	return ResyncPolicy{
		MaxAttempts:         5,
		InitialInterval:     250 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		RandomizationFactor: 0.5,
	}
}

type Config struct {
	Account     common.Address
	Cache       *account.Cache
	Transport   venue.Transport
	Instruments risk.Instruments
	Orders      OrderSink         // optional
	Store       SnapshotStore     // optional
	EventLog    EventLog          // optional
	VenueKey    *crypto.BLSPubKey // when set, snapshots must carry a valid attestation
	MaxPending  int               // queued events held behind a gap; DefaultMaxPending when zero
	Resync      ResyncPolicy
	Clock       util.Clock
	Logger      *zap.SugaredLogger
	Metrics     *metrics.Metrics
}

// Engine applies one account's feed. Handle calls are serialized.
type Engine struct {
	cfg     Config
	log     *zap.SugaredLogger
	acct    string
	pending *Pending

	mu      sync.Mutex
	errMu   sync.Mutex
	lastErr error
	feedErr error
}

func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Resync.MaxAttempts == 0 {
		cfg.Resync = DefaultResyncPolicy()
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	return &Engine{
		cfg:     cfg,
		log:     util.OrNop(cfg.Logger).With("account", cfg.Account.Hex()),
		acct:    cfg.Account.Hex(),
		pending: NewPending(cfg.MaxPending),
	}
}

// Run handles events until the channel closes or ctx is done. Errors are
// logged and kept for Err; they do not stop the loop. A channel that closes
// while ctx is still live means the feed is gone: that is kept as a
// TransientNetwork error and reported by Err and FeedErr from then on.
func (e *Engine) Run(ctx context.Context, events <-chan venue.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				err := sdkerr.Transient("reconcile.Run", ErrFeedClosed)
				e.errMu.Lock()
				e.feedErr = err
				e.errMu.Unlock()
				e.log.Errorw("feed_closed", "seq", e.cfg.Cache.Sequence())
				return err
			}
			if err := e.Handle(ctx, ev); err != nil {
				e.log.Warnw("event_failed", "type", string(ev.EventType()), "error", err)
			}
		}
	}
}

// Err returns the cache's sticky fault, a dead feed, or the last surfaced
// failure, in that order.
func (e *Engine) Err() error {
	if err := e.cfg.Cache.Fault(); err != nil {
		return err
	}
	e.errMu.Lock()
	defer e.errMu.Unlock()
	if e.feedErr != nil {
		return e.feedErr
	}
	return e.lastErr
}

// FeedErr is non-nil once Run has seen the feed close under a live context.
func (e *Engine) FeedErr() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.feedErr
}

// Pending returns the number of events queued behind a gap.
func (e *Engine) Pending() int { return e.pending.Len() }

// Handle applies one feed event.
func (e *Engine) Handle(ctx context.Context, ev venue.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record(ev)

	var err error
	switch v := ev.(type) {
	case venue.SnapshotEvent:
		err = e.applySnapshot(ctx, v.Snapshot)
	case venue.Delta, venue.FundingSettlement:
		err = e.applySequenced(ctx, ev, true)
	case venue.Fill:
		err = e.forwardFill(ctx, v)
	case venue.Disconnect:
		e.log.Infow("feed_disconnected", "cause", v.Cause)
		err = e.resync(ctx)
	default:
		err = sdkerr.Consistencyf("reconcile.Handle", "unknown event %T", ev)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		e.setErr(err)
	}
	e.cfg.Metrics.EventHandled(e.acct, string(ev.EventType()), outcome)
	return err
}

// Resync fetches a fresh snapshot now.
func (e *Engine) Resync(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resync(ctx)
}

func (e *Engine) applySnapshot(ctx context.Context, s *account.Snapshot) error {
	const op = "reconcile.Snapshot"
	if s == nil {
		return sdkerr.Consistencyf(op, "empty snapshot")
	}
	if e.cfg.VenueKey != nil {
		if err := crypto.VerifySnapshot(e.cfg.VenueKey, s); err != nil {
			e.cfg.Metrics.ConsistencyFault(e.acct)
			e.log.Errorw("snapshot_attestation_failed", "seq", s.Sequence, "error", err)
			return sdkerr.New(sdkerr.Consistency, op, err)
		}
	}
	commit, accepted, err := e.cfg.Cache.Replace(s)
	if err != nil {
		e.cfg.Metrics.ConsistencyFault(e.acct)
		e.log.Errorw("snapshot_refused", "seq", s.Sequence, "error", err)
		return err
	}
	if !accepted {
		e.log.Debugw("snapshot_ignored", "seq", s.Sequence, "have", e.cfg.Cache.Sequence())
		return nil
	}
	e.clearErr()
	e.log.Infow("snapshot_applied", "seq", s.Sequence, "pruned", len(commit.Pruned))
	e.committed(commit)
	return e.drain(ctx)
}

// applySequenced commits a Delta or FundingSettlement. With queue set, a
// gap parks the event and triggers a resync.
func (e *Engine) applySequenced(ctx context.Context, ev venue.Event, queue bool) error {
	const op = "reconcile.Apply"
	seq, _ := sequenceOf(ev)
	if !e.cfg.Cache.Ready() {
		e.park(ev)
		return e.resync(ctx)
	}

	var (
		commit account.Commit
		err    error
	)
	switch v := ev.(type) {
	case venue.Delta:
		commit, err = e.cfg.Cache.Apply(seq, v.SettledOrders(), func(next *account.Snapshot) error {
			applyDelta(next, v)
			return nil
		})
	case venue.FundingSettlement:
		commit, err = e.cfg.Cache.Apply(seq, nil, func(next *account.Snapshot) error {
			return applyFunding(next, v)
		})
	}

	switch {
	case err == nil:
	case errors.Is(err, account.ErrStale):
		e.log.Debugw("event_already_applied", "seq", seq)
		return nil
	case errors.Is(err, account.ErrGap):
		gap := sdkerr.New(sdkerr.SequenceGap, op, err)
		e.cfg.Metrics.SequenceGap(e.acct)
		e.log.Infow("sequence_gap", "have", e.cfg.Cache.Sequence(), "got", seq, "error", gap)
		if !queue {
			return gap
		}
		e.park(ev)
		return e.resync(ctx)
	default:
		if sdkerr.Is(err, sdkerr.Consistency) {
			e.cfg.Metrics.ConsistencyFault(e.acct)
			e.log.Errorw("consistency_fault", "seq", seq, "error", err)
		}
		return err
	}

	e.committed(commit)
	if d, ok := ev.(venue.Delta); ok {
		e.checkPredictions(d, commit)
		e.forwardEffects(ctx, d)
	}
	return e.drain(ctx)
}

// park queues ev behind a gap. The caller resyncs right after, which also
// covers anything a full queue had to drop.
func (e *Engine) park(ev venue.Event) {
	before := e.pending.Overflows()
	e.pending.Push(ev)
	if e.pending.Overflows() != before {
		e.log.Warnw("pending_overflow", "limit", e.cfg.MaxPending, "seq", e.cfg.Cache.Sequence())
	}
}

// drain applies queued events that have become contiguous.
func (e *Engine) drain(ctx context.Context) error {
	for {
		cur := e.cfg.Cache.Sequence()
		if n := e.pending.DropThrough(cur); n > 0 {
			e.log.Debugw("pending_dropped", "through", cur, "count", n)
		}
		ev, ok := e.pending.PopNext(cur + 1)
		if !ok {
			return nil
		}
		if err := e.applySequenced(ctx, ev, false); err != nil {
			return err
		}
	}
}

// resync refetches the snapshot with backoff until the queued events can be
// drained. Only the final failure is returned. A consistency failure is never
// retried: it faults the cache and is returned at once.
func (e *Engine) resync(ctx context.Context) error {
	const op = "reconcile.Resync"
	p := e.cfg.Resync
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.RandomizationFactor = p.RandomizationFactor
	bo.Reset()

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = e.fetchAndApply(ctx)
		if lastErr == nil && e.pending.Len() == 0 {
			e.cfg.Metrics.Resnapshot(e.acct, "ok")
			return nil
		}
		if sdkerr.Is(lastErr, sdkerr.Consistency) {
			// a refetch would only hide the event that broke the mirror
			e.cfg.Cache.SetFault(lastErr)
			e.cfg.Metrics.Resnapshot(e.acct, "failed")
			e.log.Errorw("resync_consistency_fault", "attempt", attempt, "error", lastErr)
			return lastErr
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("snapshot at %d leaves %d events queued up to %d",
				e.cfg.Cache.Sequence(), e.pending.Len(), e.pending.Max())
		}
		e.cfg.Metrics.Resnapshot(e.acct, "retry")
		if attempt >= p.MaxAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		d := bo.NextBackOff()
		e.log.Warnw("resync_retry", "attempt", attempt, "delay", d, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.cfg.Clock.After(d):
		}
	}
	e.cfg.Metrics.Resnapshot(e.acct, "failed")
	e.log.Errorw("resync_failed", "attempts", p.MaxAttempts, "error", lastErr)
	return sdkerr.Transient(op, lastErr)
}

func (e *Engine) fetchAndApply(ctx context.Context) error {
	s, err := e.cfg.Transport.FetchSnapshot(ctx, e.cfg.Account)
	if err != nil {
		return fmt.Errorf("fetch snapshot: %w", err)
	}
	return e.applySnapshot(ctx, s)
}

func (e *Engine) committed(c account.Commit) {
	e.cfg.Metrics.ConfirmedSequence(e.acct, c.Sequence)
	if e.cfg.Store != nil {
		if s, err := e.cfg.Cache.Confirmed(); err == nil {
			if err := e.cfg.Store.SaveSnapshot(s); err != nil {
				e.log.Errorw("snapshot_persist_failed", "seq", c.Sequence, "error", err)
			}
		}
	}
	if e.cfg.Metrics != nil {
		if v, err := e.cfg.Cache.View(); err == nil {
			e.cfg.Metrics.OverlaySize(e.acct, len(v.Reservations))
		}
	}
}

// checkPredictions compares the margin each settled reservation predicted
// with what the venue locked. Confirmed state has already won; mismatches
// are only reported.
func (e *Engine) checkPredictions(d venue.Delta, c account.Commit) {
	predicted := make(map[string]account.Reservation, len(c.Settled))
	for _, r := range c.Settled {
		predicted[r.OrderID] = r
	}
	for _, eff := range d.OrderEffects {
		r, ok := predicted[eff.ClientOrderID]
		if !ok || eff.Status != venue.StatusOpen {
			continue
		}
		if r.Margin.Equal(eff.LockedMargin) {
			continue
		}
		e.cfg.Metrics.PredictionError(e.acct, r.Instrument)
		e.log.Warnw("prediction_error", "client_id", eff.ClientOrderID, "instrument", r.Instrument,
			"predicted", r.Margin.String(), "confirmed", eff.LockedMargin.String(), "seq", d.Sequence)
	}
}

func (e *Engine) forwardEffects(ctx context.Context, d venue.Delta) {
	if e.cfg.Orders == nil {
		return
	}
	for _, eff := range d.OrderEffects {
		if err := e.cfg.Orders.ApplyEffect(ctx, eff); err != nil {
			e.log.Warnw("order_effect_failed", "client_id", eff.ClientOrderID, "status", string(eff.Status), "error", err)
		}
	}
}

func (e *Engine) forwardFill(ctx context.Context, f venue.Fill) error {
	if e.cfg.Orders == nil {
		return nil
	}
	return e.cfg.Orders.ApplyFill(ctx, f)
}

func (e *Engine) record(ev venue.Event) {
	if e.cfg.EventLog == nil {
		return
	}
	b, err := venue.EncodeEvent(ev)
	if err != nil {
		e.log.Warnw("event_log_encode_failed", "type", string(ev.EventType()), "error", err)
		return
	}
	e.cfg.EventLog.Append(string(b))
}

func (e *Engine) setErr(err error) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	e.lastErr = err
}

func (e *Engine) clearErr() {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	e.lastErr = nil
}
