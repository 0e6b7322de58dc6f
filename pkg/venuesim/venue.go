// Package venuesim is an in-memory perpetual venue. It verifies signed
// envelopes, keeps authoritative account state, and emits the sequenced
// account feed the SDK consumes. It has no order book: fills, funding and
// expiries are driven explicitly.
package venuesim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpsdk/pkg/account"
	"github.com/uhyunpark/perpsdk/pkg/crypto"
	"github.com/uhyunpark/perpsdk/pkg/fixed"
	"github.com/uhyunpark/perpsdk/pkg/market"
	"github.com/uhyunpark/perpsdk/pkg/risk"
	"github.com/uhyunpark/perpsdk/pkg/sdkerr"
	"github.com/uhyunpark/perpsdk/pkg/util"
	"github.com/uhyunpark/perpsdk/pkg/venue"
)

// Listener observes every published event. It runs under the venue lock and
// must not block or call back into the venue.
type Listener func(acct common.Address, ev venue.Event)

type Config struct {
	Instruments *market.Registry
	Digester    *crypto.TypedData // default domain when nil
	Attester    *crypto.Attester  // snapshots are attested when set
	Limits      risk.Limits
	Logger      *zap.SugaredLogger
}

type simOrder struct {
	req       venue.OrderRequest
	venueID   string
	remaining fixed.Value
	locked    fixed.Value
	status    venue.OrderStatus
}

type book struct {
	snap    *account.Snapshot
	orders  map[string]*simOrder
	byVenue map[string]string
	nonces  map[uint64]submitted
}

// submitted remembers the outcome of a processed envelope so a resend with
// the same nonce is answered identically.
type submitted struct {
	sig    string
	result venue.Result
}

type faults struct {
	failNext   int
	failCause  error
	retryAfter time.Duration
	loseAcks   int
	dropEvents int
}

// Venue is safe for concurrent use. It implements venue.Transport, so tests
// can wire it directly under a session.
type Venue struct {
	cfg Config
	log *zap.SugaredLogger

	mu        sync.Mutex
	accounts  map[common.Address]*book
	nextID    uint64
	subs      map[common.Address]map[chan venue.Event]struct{}
	listeners []Listener
	sent      []venue.Envelope
	faults    faults
}

var _ venue.Transport = (*Venue)(nil)

func New(cfg Config) *Venue {
	if cfg.Digester == nil {
		cfg.Digester = crypto.NewTypedData(crypto.DefaultDomain())
	}
	if cfg.Instruments == nil {
		cfg.Instruments = market.NewRegistry()
	}
	return &Venue{
		cfg:      cfg,
		log:      util.OrNop(cfg.Logger).With("component", "venuesim"),
		accounts: make(map[common.Address]*book),
		subs:     make(map[common.Address]map[chan venue.Event]struct{}),
	}
}

func (v *Venue) Instruments() *market.Registry { return v.cfg.Instruments }

// OnEvent registers l for every event published from now on.
func (v *Venue) OnEvent(l Listener) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listeners = append(v.listeners, l)
}

// FailNext makes the next n submits fail transiently without being
// processed.
func (v *Venue) FailNext(n int, cause error, retryAfter time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.faults.failNext, v.faults.failCause, v.faults.retryAfter = n, cause, retryAfter
}

// LoseAcks makes the next n submits take effect but report a transient
// failure, as if the reply were lost.
func (v *Venue) LoseAcks(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.faults.loseAcks = n
}

// DropEvents withholds the next n feed events from subscribers. State still
// advances, so subscribers see a sequence gap.
func (v *Venue) DropEvents(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.faults.dropEvents = n
}

// Envelopes returns every envelope received, in arrival order.
func (v *Venue) Envelopes() []venue.Envelope {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]venue.Envelope(nil), v.sent...)
}

func (v *Venue) bookLocked(acct common.Address) *book {
	b, ok := v.accounts[acct]
	if !ok {
		b = &book{
			snap:    account.NewSnapshot(acct, 0),
			orders:  make(map[string]*simOrder),
			byVenue: make(map[string]string),
			nonces:  make(map[uint64]submitted),
		}
		v.accounts[acct] = b
	}
	return b
}

// Deposit credits amount of asset to acct's available balance.
func (v *Venue) Deposit(acct common.Address, asset string, amount fixed.Value) error {
	if !amount.IsPositive() {
		return sdkerr.Validationf("venuesim.Deposit", "deposit must be positive, got %s", amount)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	b := v.bookLocked(acct)
	bal, ok := b.snap.Balances[asset]
	if !ok {
		bal = account.Balance{Asset: asset, Available: fixed.Zero(amount.Decimals()), Locked: fixed.Zero(amount.Decimals()), Total: fixed.Zero(amount.Decimals())}
	}
	var err error
	if bal.Available, err = bal.Available.Add(amount); err != nil {
		return err
	}
	if bal.Total, err = bal.Total.Add(amount); err != nil {
		return err
	}
	b.snap.Balances[asset] = bal
	v.commitLocked(b, venue.Delta{Balances: []account.Balance{bal}})
	return nil
}

// Freeze sets the account's frozen flag.
func (v *Venue) Freeze(acct common.Address, frozen bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b := v.bookLocked(acct)
	b.snap.Frozen = frozen
	v.commitLocked(b, venue.Delta{Frozen: &frozen})
}

// Snapshot returns acct's current state, attested when an attester is set.
func (v *Venue) Snapshot(acct common.Address) (*account.Snapshot, error) {
	v.mu.Lock()
	s := v.bookLocked(acct).snap.Clone()
	v.mu.Unlock()
	if v.cfg.Attester != nil {
		if err := v.cfg.Attester.Attest(s); err != nil {
			return nil, fmt.Errorf("attest snapshot: %w", err)
		}
	}
	return s, nil
}

func (v *Venue) FetchSnapshot(_ context.Context, acct common.Address) (*account.Snapshot, error) {
	return v.Snapshot(acct)
}

// Subscribe streams acct's events until ctx ends. A subscriber that falls
// more than the buffer behind misses events and sees a gap.
func (v *Venue) Subscribe(ctx context.Context, acct common.Address) (<-chan venue.Event, error) {
	ch := make(chan venue.Event, 1024)
	v.mu.Lock()
	set, ok := v.subs[acct]
	if !ok {
		set = make(map[chan venue.Event]struct{})
		v.subs[acct] = set
	}
	set[ch] = struct{}{}
	v.mu.Unlock()

	go func() {
		<-ctx.Done()
		v.mu.Lock()
		delete(v.subs[acct], ch)
		v.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// commitLocked stamps the next sequence on a delta or funding event and
// publishes it.
func (v *Venue) commitLocked(b *book, ev venue.Event) uint64 {
	b.snap.Sequence++
	seq := b.snap.Sequence
	switch e := ev.(type) {
	case venue.Delta:
		e.Sequence = seq
		ev = e
	case venue.FundingSettlement:
		e.Sequence = seq
		ev = e
	}
	v.publishLocked(b.snap.Account, ev)
	return seq
}

func (v *Venue) publishLocked(acct common.Address, ev venue.Event) {
	if v.faults.dropEvents > 0 {
		v.faults.dropEvents--
		v.log.Debugw("event_dropped", "account", acct.Hex(), "type", string(ev.EventType()))
		return
	}
	for ch := range v.subs[acct] {
		select {
		case ch <- ev:
		default:
			v.log.Warnw("subscriber_lagging", "account", acct.Hex())
		}
	}
	for _, l := range v.listeners {
		l(acct, ev)
	}
}

// Submit verifies and processes one envelope.
func (v *Venue) Submit(_ context.Context, env *venue.Envelope) venue.Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sent = append(v.sent, *env)

	if v.faults.failNext > 0 {
		v.faults.failNext--
		cause := v.faults.failCause
		if cause == nil {
			cause = errors.New("venue unavailable")
		}
		return venue.TransientFailure{Cause: cause, RetryAfter: v.faults.retryAfter}
	}

	res := v.processLocked(env)
	if v.faults.loseAcks > 0 {
		v.faults.loseAcks--
		return venue.TransientFailure{Cause: errors.New("reply lost")}
	}
	return res
}

func (v *Venue) processLocked(env *venue.Envelope) venue.Result {
	if err := env.Validate(); err != nil {
		return venue.Rejected{Reason: sdkerr.ReasonUnknown, Message: err.Error()}
	}
	owner, err := v.cfg.Digester.RecoverEnvelope(env)
	if err != nil {
		return venue.Rejected{Reason: sdkerr.ReasonInvalidSignature, Message: err.Error()}
	}
	b := v.bookLocked(owner)

	sig := env.EnvelopeSignature.String()
	if prev, ok := b.nonces[env.Nonce]; ok {
		if prev.sig != sig {
			return venue.Rejected{Reason: sdkerr.ReasonInvalidNonce, Message: fmt.Sprintf("nonce %d already used", env.Nonce)}
		}
		if ack, ok := prev.result.(venue.Acknowledged); ok {
			ack.Duplicate = true
			return ack
		}
		return prev.result
	}

	var res venue.Result
	switch env.Type {
	case venue.RequestOrder:
		res = v.placeLocked(b, env.Order)
	case venue.RequestCancel:
		res = v.cancelLocked(b, env.Cancel)
	}
	b.nonces[env.Nonce] = submitted{sig: sig, result: res}
	v.log.Debugw("envelope_processed", "account", owner.Hex(), "type", string(env.Type),
		"client_id", env.ClientOrderID(), "nonce", env.Nonce, "result", fmt.Sprintf("%T", res))
	return res
}

func (v *Venue) placeLocked(b *book, o *venue.OrderRequest) venue.Result {
	if prev, ok := b.orders[o.ClientOrderID]; ok {
		return venue.Acknowledged{VenueOrderID: prev.venueID, Duplicate: true}
	}
	in, err := v.cfg.Instruments.Get(o.Instrument)
	if err != nil {
		return venue.Rejected{Reason: sdkerr.ReasonUnknownInstrument, Message: err.Error()}
	}
	view, err := viewOf(b.snap)
	if err != nil {
		return venue.Rejected{Reason: sdkerr.ReasonUnknown, Message: err.Error()}
	}
	req := risk.OrderRequest{
		Instrument: o.Instrument,
		Buy:        o.Side == venue.SideBuy,
		Size:       o.Size,
		Price:      o.Price,
		Market:     o.Market,
		ReduceOnly: o.ReduceOnly,
		PostOnly:   o.TimeInForce == venue.TifPostOnly,
		Leverage:   int64(o.Leverage),
	}
	res, err := risk.CheckOrder(view, &in, v.cfg.Instruments, req, v.cfg.Limits)
	if err != nil {
		reason := sdkerr.ReasonOf(err)
		if reason == "" {
			reason = sdkerr.ReasonUnknown
		}
		return venue.Rejected{Reason: reason, Message: err.Error()}
	}

	bal := b.snap.Balances[in.CollateralAsset]
	if res.Margin.IsPositive() {
		if bal.Available, err = bal.Available.Sub(res.Margin); err != nil {
			return venue.Rejected{Reason: sdkerr.ReasonUnknown, Message: err.Error()}
		}
		if bal.Locked, err = bal.Locked.Add(res.Margin); err != nil {
			return venue.Rejected{Reason: sdkerr.ReasonUnknown, Message: err.Error()}
		}
		b.snap.Balances[in.CollateralAsset] = bal
	}

	v.nextID++
	so := &simOrder{
		req:       *o,
		venueID:   fmt.Sprintf("sim-%d", v.nextID),
		remaining: o.Size,
		locked:    res.Margin,
		status:    venue.StatusOpen,
	}
	b.orders[o.ClientOrderID] = so
	b.byVenue[so.venueID] = o.ClientOrderID

	d := venue.Delta{OrderEffects: []venue.OrderEffect{{
		ClientOrderID: o.ClientOrderID,
		VenueOrderID:  so.venueID,
		Status:        venue.StatusOpen,
		LockedMargin:  so.locked,
	}}}
	if res.Margin.IsPositive() {
		d.Balances = []account.Balance{bal}
	}
	seq := v.commitLocked(b, d)
	return venue.Acknowledged{VenueOrderID: so.venueID, Sequence: seq}
}

func (v *Venue) cancelLocked(b *book, c *venue.CancelRequest) venue.Result {
	id := c.ClientOrderID
	if id == "" {
		id = b.byVenue[c.VenueOrderID]
	}
	so, ok := b.orders[id]
	if !ok || so.status != venue.StatusOpen {
		return venue.Rejected{Reason: sdkerr.ReasonOrderNotFound, Message: fmt.Sprintf("no open order %s", id)}
	}
	seq, err := v.closeLocked(b, id, so, venue.StatusCanceled)
	if err != nil {
		return venue.Rejected{Reason: sdkerr.ReasonUnknown, Message: err.Error()}
	}
	return venue.Acknowledged{VenueOrderID: so.venueID, Sequence: seq}
}

// closeLocked ends an open order and returns its remaining margin.
func (v *Venue) closeLocked(b *book, id string, so *simOrder, status venue.OrderStatus) (uint64, error) {
	in, err := v.cfg.Instruments.Get(so.req.Instrument)
	if err != nil {
		return 0, err
	}
	bal, err := unlock(b.snap.Balances[in.CollateralAsset], so.locked)
	if err != nil {
		return 0, err
	}
	b.snap.Balances[in.CollateralAsset] = bal
	so.status = status
	so.locked = fixed.Zero(so.locked.Decimals())
	d := venue.Delta{
		Balances: []account.Balance{bal},
		OrderEffects: []venue.OrderEffect{{
			ClientOrderID: id,
			VenueOrderID:  so.venueID,
			Status:        status,
			LockedMargin:  so.locked,
		}},
	}
	return v.commitLocked(b, d), nil
}

// Expire ends an open order as expired.
func (v *Venue) Expire(acct common.Address, clientID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	b := v.bookLocked(acct)
	so, ok := b.orders[clientID]
	if !ok || so.status != venue.StatusOpen {
		return sdkerr.NotFoundf("venuesim.Expire", "no open order %s", clientID)
	}
	_, err := v.closeLocked(b, clientID, so, venue.StatusExpired)
	return err
}

// Orders returns acct's orders sorted by client ID, with their venue status.
func (v *Venue) Orders(acct common.Address) []OrderInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	b := v.bookLocked(acct)
	out := make([]OrderInfo, 0, len(b.orders))
	for id, so := range b.orders {
		out = append(out, OrderInfo{
			ClientOrderID: id,
			VenueOrderID:  so.venueID,
			Instrument:    so.req.Instrument,
			Side:          so.req.Side,
			Size:          so.req.Size,
			Price:         so.req.Price,
			Remaining:     so.remaining,
			LockedMargin:  so.locked,
			Status:        so.status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientOrderID < out[j].ClientOrderID })
	return out
}

// OrderInfo is the venue's view of one order.
type OrderInfo struct {
	ClientOrderID string            `json:"client_order_id"`
	VenueOrderID  string            `json:"venue_order_id"`
	Instrument    string            `json:"instrument"`
	Side          uint8             `json:"side"`
	Size          fixed.Value       `json:"size"`
	Price         fixed.Value       `json:"price"`
	Remaining     fixed.Value       `json:"remaining"`
	LockedMargin  fixed.Value       `json:"locked_margin"`
	Status        venue.OrderStatus `json:"status"`
}

func unlock(bal account.Balance, amount fixed.Value) (account.Balance, error) {
	if amount.IsZero() {
		return bal, nil
	}
	var err error
	if bal.Locked, err = bal.Locked.Sub(amount); err != nil {
		return bal, err
	}
	if bal.Available, err = bal.Available.Add(amount); err != nil {
		return bal, err
	}
	return bal, nil
}

// viewOf turns a snapshot into the view risk checks run against.
func viewOf(s *account.Snapshot) (account.AccountView, error) {
	c := account.NewCache(s.Account, nil)
	if _, _, err := c.Replace(s); err != nil {
		return account.AccountView{}, err
	}
	return c.View()
}
