// Package session is the public surface of the SDK: one Session per account
// wires the account cache, submission pipeline, order manager and
// reconciliation engine over a venue transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpsdk/pkg/account"
	"github.com/uhyunpark/perpsdk/pkg/crypto"
	"github.com/uhyunpark/perpsdk/pkg/fixed"
	"github.com/uhyunpark/perpsdk/pkg/market"
	"github.com/uhyunpark/perpsdk/pkg/metrics"
	"github.com/uhyunpark/perpsdk/pkg/order"
	"github.com/uhyunpark/perpsdk/pkg/reconcile"
	"github.com/uhyunpark/perpsdk/pkg/risk"
	"github.com/uhyunpark/perpsdk/pkg/sdkerr"
	"github.com/uhyunpark/perpsdk/pkg/submit"
	"github.com/uhyunpark/perpsdk/pkg/util"
	"github.com/uhyunpark/perpsdk/pkg/venue"
)

// ErrStarted is returned by a second Start.
var ErrStarted = errors.New("session already started")

// Store persists one account's orders and last confirmed snapshot.
// storage.AccountStore and storage.MemStore implement it.
type Store interface {
	order.Journal
	SaveSnapshot(s *account.Snapshot) error
	LoadSnapshot() (*account.Snapshot, error)
}

type Config struct {
	Account     common.Address
	Signer      venue.Signer
	Digester    venue.Digester // default EIP-712 domain when nil
	Transport   venue.Transport
	Instruments *market.Registry
	Limits      risk.Limits
	Retry       submit.Policy
	Resync      reconcile.ResyncPolicy
	Nonces      submit.NonceSource // in-memory counter when nil
	Store       Store              // optional
	EventLog    reconcile.EventLog // optional
	VenueKey    *crypto.BLSPubKey  // optional snapshot attestation key
	Clock       util.Clock
	Logger      *zap.SugaredLogger
	Metrics     *metrics.Metrics
}

// Session trades one account. All methods are safe for concurrent use.
type Session struct {
	cfg      Config
	log      *zap.SugaredLogger
	cache    *account.Cache
	pipeline *submit.Pipeline
	orders   *order.Manager
	engine   *reconcile.Engine

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config) (*Session, error) {
	const op = "session.New"
	switch {
	case cfg.Account == (common.Address{}):
		return nil, sdkerr.Validationf(op, "account is required")
	case cfg.Transport == nil:
		return nil, sdkerr.Validationf(op, "transport is required")
	case cfg.Instruments == nil:
		return nil, sdkerr.Validationf(op, "instrument registry is required")
	}
	if cfg.Digester == nil {
		cfg.Digester = crypto.NewTypedData(crypto.DefaultDomain())
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Retry == (submit.Policy{}) {
		cfg.Retry = submit.DefaultPolicy()
	}
	if cfg.Resync == (reconcile.ResyncPolicy{}) {
		cfg.Resync = reconcile.DefaultResyncPolicy()
	}
	log := util.OrNop(cfg.Logger)

	s := &Session{
		cfg:   cfg,
		log:   log.With("account", cfg.Account.Hex()),
		cache: account.NewCache(cfg.Account, log),
	}
	s.pipeline = submit.New(submit.Config{
		Account:   cfg.Account,
		Signer:    cfg.Signer,
		Digester:  cfg.Digester,
		Transport: cfg.Transport,
		Nonces:    cfg.Nonces,
		Policy:    cfg.Retry,
		Clock:     cfg.Clock,
		Logger:    log,
		Metrics:   cfg.Metrics,
	})
	mcfg := order.Config{
		Account:     cfg.Account,
		Cache:       s.cache,
		Instruments: cfg.Instruments,
		Limits:      cfg.Limits,
		Signer:      cfg.Signer,
		Digester:    cfg.Digester,
		Pipeline:    s.pipeline,
		Clock:       cfg.Clock,
		Logger:      log,
		Metrics:     cfg.Metrics,
	}
	rcfg := reconcile.Config{
		Account:     cfg.Account,
		Cache:       s.cache,
		Transport:   cfg.Transport,
		Instruments: cfg.Instruments,
		EventLog:    cfg.EventLog,
		VenueKey:    cfg.VenueKey,
		Resync:      cfg.Resync,
		Clock:       cfg.Clock,
		Logger:      log,
		Metrics:     cfg.Metrics,
	}
	if cfg.Store != nil {
		mcfg.Journal = cfg.Store
		rcfg.Store = cfg.Store
	}
	s.orders = order.NewManager(mcfg)
	rcfg.Orders = s.orders
	s.engine = reconcile.New(rcfg)
	return s, nil
}

func (s *Session) Account() common.Address { return s.cfg.Account }

// Start restores journaled orders, subscribes to the account feed, syncs the
// cache from a snapshot and starts consuming the feed. If no snapshot can be
// fetched, the last stored one is used and the feed repairs it. Orders whose
// submission outcome was unknown at shutdown are re-sent with their original
// nonce.
func (s *Session) Start(ctx context.Context) error {
	const op = "session.Start"
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrStarted
	}
	if err := s.orders.Load(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events, err := s.cfg.Transport.Subscribe(runCtx, s.cfg.Account)
	if err != nil {
		cancel()
		return sdkerr.Transient(op, fmt.Errorf("subscribe: %w", err))
	}
	if err := s.engine.Resync(ctx); err != nil {
		if !s.restoreStored(ctx) {
			cancel()
			return err
		}
		s.log.Warnw("started_from_stored_snapshot", "error", err, "seq", s.cache.Sequence())
	}

	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go func() {
		defer close(done)
		if err := s.engine.Run(runCtx, events); err != nil && runCtx.Err() == nil {
			s.log.Errorw("feed_stopped", "error", err)
		}
	}()
	s.log.Infow("session_started", "seq", s.cache.Sequence(), "open_orders", len(s.orders.Open()))

	for _, o := range s.orders.Open() {
		if o.State != order.Submitted {
			continue
		}
		if _, err := s.orders.Resume(ctx, o.ClientOrderID); err != nil {
			s.log.Warnw("order_resume_failed", "client_id", o.ClientOrderID, "error", err)
		}
	}
	return nil
}

func (s *Session) restoreStored(ctx context.Context) bool {
	if s.cfg.Store == nil {
		return false
	}
	snap, err := s.cfg.Store.LoadSnapshot()
	if err != nil || snap == nil {
		return false
	}
	return s.engine.Handle(ctx, venue.SnapshotEvent{Snapshot: snap}) == nil
}

// Close stops the feed and waits for the engine to drain.
func (s *Session) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// PlaceOrder checks, signs and submits an order. See order.Manager.Place for
// the handle and error conventions.
func (s *Session) PlaceOrder(ctx context.Context, spec order.Spec) (*order.Handle, error) {
	h, err := s.orders.Place(ctx, spec)
	s.reportOverlay()
	return h, err
}

// CancelOrder requests cancellation of an order by client ID.
func (s *Session) CancelOrder(ctx context.Context, id string) error {
	return s.orders.Cancel(ctx, id)
}

// GetAccountState returns the confirmed state with outstanding reservations
// applied. It fails while the cache is unsynced or faulted, and once the
// account feed has gone away.
func (s *Session) GetAccountState() (account.AccountView, error) {
	if err := s.engine.FeedErr(); err != nil {
		return account.AccountView{}, err
	}
	return s.cache.View()
}

func (s *Session) GetOrderStatus(id string) (order.State, error) {
	return s.orders.Status(id)
}

func (s *Session) GetOrder(id string) (order.Order, error) {
	return s.orders.Get(id)
}

// Orders returns every known order, oldest first.
func (s *Session) Orders() []order.Order {
	return s.orders.List()
}

// LiquidationPrice returns the mark at which the confirmed position in
// instrument would be liquidated. ok is false when no such price exists,
// e.g. a long fully covered by collateral.
func (s *Session) LiquidationPrice(instrument string) (price fixed.Value, ok bool, err error) {
	const op = "session.LiquidationPrice"
	in, err := s.cfg.Instruments.Get(instrument)
	if err != nil {
		return fixed.Value{}, false, sdkerr.NotFoundf(op, "%v", err)
	}
	snap, err := s.cache.Confirmed()
	if err != nil {
		return fixed.Value{}, false, err
	}
	pos, found := snap.Positions[instrument]
	if !found {
		return fixed.Value{}, false, sdkerr.NotFoundf(op, "no open position in %s", instrument)
	}
	view, err := s.cache.View()
	if err != nil {
		return fixed.Value{}, false, err
	}
	c, err := risk.PositionCollateral(view, instrument, s.cfg.Instruments)
	if err != nil {
		return fixed.Value{}, false, err
	}
	return risk.LiquidationPrice(&in, pos, c)
}

// TopUps evaluates every confirmed position against cfg and reports how much
// collateral each over-leveraged one needs. Use Next on the result to pick
// the single transfer to make first.
func (s *Session) TopUps(cfg risk.TopUpConfig) (risk.TopUpSummary, error) {
	view, err := s.GetAccountState()
	if err != nil {
		return risk.TopUpSummary{}, err
	}
	sum, err := risk.EvaluateTopUps(view, s.cfg.Instruments, cfg)
	if err != nil {
		return risk.TopUpSummary{}, err
	}
	s.log.Debugw("topups_evaluated", "positions", len(sum.Positions), "over_leveraged", sum.OverLeveraged, "can_top_up", sum.CanTopUp)
	return sum, nil
}

// Err reports the sticky consistency fault, a dead feed, or the last resync
// failure.
func (s *Session) Err() error {
	return s.engine.Err()
}

func (s *Session) reportOverlay() {
	if s.cfg.Metrics == nil {
		return
	}
	if v, err := s.cache.View(); err == nil {
		s.cfg.Metrics.OverlaySize(s.cfg.Account.Hex(), len(v.Reservations))
	}
}
