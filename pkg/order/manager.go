package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpsdk/pkg/account"
	"github.com/uhyunpark/perpsdk/pkg/fixed"
	"github.com/uhyunpark/perpsdk/pkg/market"
	"github.com/uhyunpark/perpsdk/pkg/metrics"
	"github.com/uhyunpark/perpsdk/pkg/risk"
	"github.com/uhyunpark/perpsdk/pkg/sdkerr"
	"github.com/uhyunpark/perpsdk/pkg/submit"
	"github.com/uhyunpark/perpsdk/pkg/util"
	"github.com/uhyunpark/perpsdk/pkg/venue"
)

type Config struct {
	Account     common.Address
	Cache       *account.Cache
	Instruments *market.Registry
	Limits      risk.Limits
	Signer      venue.Signer
	Digester    venue.Digester
	Pipeline    *submit.Pipeline
	Journal     Journal // optional
	Clock       util.Clock
	Logger      *zap.SugaredLogger
	Metrics     *metrics.Metrics
}

type record struct {
	Order
	busy bool // a Place or Resume call owns the submission
}

// Manager owns every order of one account. Its mutex guards order records
// only; it is never held across signing or network calls.
type Manager struct {
	cfg  Config
	log  *zap.SugaredLogger
	acct string

	mu      sync.Mutex
	orders  map[string]*record
	byVenue map[string]string // venue order ID -> client order ID
}

func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	return &Manager{
		cfg:     cfg,
		log:     util.OrNop(cfg.Logger).With("account", cfg.Account.Hex()),
		acct:    cfg.Account.Hex(),
		orders:  make(map[string]*record),
		byVenue: make(map[string]string),
	}
}

func (m *Manager) Account() common.Address { return m.cfg.Account }

// Load restores non-terminal orders from the journal. Orders that never
// reached the venue are dropped.
func (m *Manager) Load() error {
	if m.cfg.Journal == nil {
		return nil
	}
	orders, err := m.cfg.Journal.LoadOrders()
	if err != nil {
		return fmt.Errorf("load orders: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	restored := 0
	for _, o := range orders {
		if !o.State.Live() {
			continue
		}
		m.orders[o.ClientOrderID] = &record{Order: o}
		if o.VenueOrderID != "" {
			m.byVenue[o.VenueOrderID] = o.ClientOrderID
			m.cfg.Pipeline.Remember(submit.Ack{ClientOrderID: o.ClientOrderID, VenueOrderID: o.VenueOrderID, Nonce: o.Nonce})
		}
		restored++
	}
	m.log.Infow("orders_restored", "count", restored)
	return nil
}

// Place runs the pre-trade check, signs the order and submits it. Placing a
// client ID that already exists returns the existing handle without a second
// submission. Failures before submission return a nil handle; once the order
// has been submitted the handle is returned alongside any error.
func (m *Manager) Place(ctx context.Context, spec Spec) (*Handle, error) {
	id := spec.ClientOrderID
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	if r, ok := m.orders[id]; ok && (r.State != Draft || r.busy) {
		err := placedErrLocked(r)
		m.mu.Unlock()
		return m.handle(id), err
	}
	m.mu.Unlock()

	in, err := m.validate(spec)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if r, ok := m.orders[id]; ok {
		if r.State != Draft || r.busy {
			err := placedErrLocked(r)
			m.mu.Unlock()
			return m.handle(id), err
		}
		created := r.CreatedAt
		r.Order = newOrder(id, spec, created)
		r.busy = true
	} else {
		m.orders[id] = &record{Order: newOrder(id, spec, m.cfg.Clock.Now()), busy: true}
	}
	m.mu.Unlock()

	req := risk.OrderRequest{
		Instrument: spec.Instrument,
		Buy:        spec.Side == Buy,
		Size:       spec.Size,
		Price:      spec.Price,
		Market:     spec.Market,
		ReduceOnly: spec.ReduceOnly,
		PostOnly:   spec.TimeInForce == PostOnly,
		Leverage:   spec.Leverage,
	}
	res, err := m.cfg.Cache.Reserve(id, func(v account.AccountView) (account.Reservation, error) {
		return risk.CheckOrder(v, &in, m.cfg.Instruments, req, m.cfg.Limits)
	})
	if err != nil {
		m.drop(id)
		m.cfg.Metrics.OrderRejected(m.acct, "local", string(sdkerr.ReasonOf(err)))
		m.log.Infow("order_rejected_locally", "client_id", id, "instrument", spec.Instrument, "error", err)
		return nil, err
	}
	m.cfg.Metrics.OrderPlaced(m.acct, spec.Instrument)
	m.log.Debugw("order_reserved", "client_id", id, "margin", res.Margin.String())

	wire := m.wireOrder(id, spec)
	sig, err := m.signOrder(wire)
	if err != nil {
		m.cfg.Cache.Release(id)
		m.idle(id)
		m.log.Warnw("order_signing_failed", "client_id", id, "error", err)
		return nil, err
	}

	m.mu.Lock()
	r := m.orders[id]
	if r.CancelRequested {
		err := m.setStateLocked(r, Canceled)
		r.busy = false
		o := r.Order
		m.mu.Unlock()
		m.cfg.Cache.Release(id)
		m.save(o)
		return m.handle(id), err
	}
	if err := m.setStateLocked(r, Signed); err != nil {
		r.busy = false
		m.mu.Unlock()
		m.cfg.Cache.Release(id)
		return nil, err
	}
	o := r.Order
	m.mu.Unlock()
	m.save(o)

	att, err := m.cfg.Pipeline.Prepare(submit.Request{Type: venue.RequestOrder, Order: wire, Signature: sig})
	if err != nil {
		m.mu.Lock()
		r.busy = false
		if terr := m.setStateLocked(r, Rejected); terr != nil {
			st := r.State
			m.mu.Unlock()
			m.cfg.Cache.Release(id)
			m.log.Errorw("order_not_submitted", "client_id", id, "state", st.String(), "error", err, "transition_error", terr)
			return nil, errors.Join(err, terr)
		}
		r.Reason = sdkerr.ReasonNotSubmitted
		o := r.Order
		m.mu.Unlock()
		m.cfg.Cache.Release(id)
		m.save(o)
		m.cfg.Metrics.OrderRejected(m.acct, "local", string(sdkerr.ReasonNotSubmitted))
		m.log.Errorw("order_not_submitted", "client_id", id, "error", err)
		return nil, err
	}

	m.mu.Lock()
	if r.CancelRequested {
		// canceled while the nonce was being assigned; the nonce is skipped
		err := m.setStateLocked(r, Canceled)
		r.busy = false
		o := r.Order
		m.mu.Unlock()
		m.cfg.Cache.Release(id)
		m.save(o)
		return m.handle(id), err
	}
	r.Nonce = att.Envelope.Nonce
	r.Envelope = att.Envelope
	if err := m.setStateLocked(r, Submitted); err != nil {
		r.busy = false
		m.mu.Unlock()
		return nil, err
	}
	o = r.Order
	m.mu.Unlock()
	m.save(o)
	m.log.Infow("order_submitted", "client_id", id, "instrument", spec.Instrument, "side", spec.Side.String(),
		"size", spec.Size.String(), "nonce", o.Nonce)

	return m.run(ctx, id, att)
}

// Resume re-sends a Submitted order whose earlier submission ended with an
// unknown outcome. The same envelope and nonce are reused.
func (m *Manager) Resume(ctx context.Context, id string) (*Handle, error) {
	const op = "order.Resume"
	m.mu.Lock()
	r, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return nil, notFound(op, id)
	}
	if r.State != Submitted || r.busy || r.Envelope == nil {
		m.mu.Unlock()
		return m.handle(id), nil
	}
	r.busy = true
	env := r.Envelope
	m.mu.Unlock()

	att, err := m.cfg.Pipeline.Resume(env)
	if err != nil {
		m.idle(id)
		return nil, err
	}
	return m.run(ctx, id, att)
}

func (m *Manager) run(ctx context.Context, id string, att *submit.Attempt) (*Handle, error) {
	ack, err := m.cfg.Pipeline.Run(ctx, att)
	switch {
	case err == nil:
		m.onAck(ctx, id, ack)
	case sdkerr.Is(err, sdkerr.VenueRejection):
		m.onReject(id, sdkerr.ReasonOf(err))
	default:
		m.idle(id)
		m.log.Warnw("order_outcome_unknown", "client_id", id, "error", err)
	}
	return m.handle(id), err
}

func (m *Manager) onAck(ctx context.Context, id string, ack submit.Ack) {
	m.mu.Lock()
	r := m.orders[id]
	r.busy = false
	if r.VenueOrderID == "" {
		r.VenueOrderID = ack.VenueOrderID
		m.byVenue[ack.VenueOrderID] = id
	}
	if r.AckedAt.IsZero() {
		r.AckedAt = m.cfg.Clock.Now()
	}
	if r.State == Submitted {
		_ = m.setStateLocked(r, Acknowledged)
	}
	resend := r.CancelDeferred && !r.State.Terminal()
	if resend {
		r.CancelDeferred = false
	}
	o := r.Order
	m.mu.Unlock()

	m.save(o)
	m.cfg.Cache.Acknowledge(id, ack.Sequence)
	m.log.Infow("order_acknowledged", "client_id", id, "venue_id", o.VenueOrderID, "seq", ack.Sequence,
		"attempts", ack.Attempts, "duplicate", ack.Duplicate)
	if resend {
		if err := m.sendCancel(ctx, id); err != nil {
			m.log.Warnw("deferred_cancel_failed", "client_id", id, "error", err)
		}
	}
}

func (m *Manager) onReject(id string, reason sdkerr.Reason) {
	m.mu.Lock()
	r := m.orders[id]
	r.busy = false
	if err := m.setStateLocked(r, Rejected); err != nil {
		st := r.State
		m.mu.Unlock()
		m.log.Errorw("late_reject", "client_id", id, "state", st.String(), "reason", reason)
		return
	}
	r.Reason = reason
	o := r.Order
	m.mu.Unlock()

	m.cfg.Cache.Release(id)
	m.save(o)
	m.cfg.Metrics.OrderRejected(m.acct, "venue", string(reason))
	m.log.Infow("order_rejected", "client_id", id, "reason", reason)
}

// Cancel requests cancellation. An order the venue has not acknowledged yet
// is canceled by client ID; if the venue has not seen it either, the cancel
// is sent again once the acknowledgement arrives.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	const op = "order.Cancel"
	m.mu.Lock()
	r, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return notFound(op, id)
	}
	switch {
	case r.State == Canceled:
		m.mu.Unlock()
		return nil
	case r.State.Terminal():
		st := r.State
		m.mu.Unlock()
		return sdkerr.Validationf(op, "order %s is already %s", id, st)
	case r.State == Draft || r.State == Signed:
		r.CancelRequested = true
		if r.busy {
			// Place sees the flag before submitting
			m.mu.Unlock()
			return nil
		}
		err := m.setStateLocked(r, Canceled)
		o := r.Order
		m.mu.Unlock()
		m.cfg.Cache.Release(id)
		m.save(o)
		return err
	}
	r.CancelRequested = true
	o := r.Order
	m.mu.Unlock()
	m.save(o)
	return m.sendCancel(ctx, id)
}

func (m *Manager) sendCancel(ctx context.Context, id string) error {
	const op = "order.Cancel"
	m.mu.Lock()
	r := m.orders[id]
	req := &venue.CancelRequest{
		ClientOrderID: id,
		VenueOrderID:  r.VenueOrderID,
		Account:       m.cfg.Account,
		Instrument:    r.Instrument,
	}
	m.mu.Unlock()

	digest, err := m.cfg.Digester.CancelDigest(req)
	if err != nil {
		return sdkerr.New(sdkerr.Signing, op, err)
	}
	sig, err := m.cfg.Signer.Sign(digest)
	if err != nil {
		return sdkerr.New(sdkerr.Signing, op, err)
	}
	ack, err := m.cfg.Pipeline.Submit(ctx, submit.Request{Type: venue.RequestCancel, Cancel: req, Signature: sig})
	if err == nil {
		m.log.Infow("cancel_accepted", "client_id", id, "venue_id", req.VenueOrderID, "nonce", ack.Nonce)
		return nil
	}
	if !sdkerr.Is(err, sdkerr.VenueRejection) || sdkerr.ReasonOf(err) != sdkerr.ReasonOrderNotFound {
		return err
	}

	m.mu.Lock()
	switch {
	case r.State == Submitted && r.VenueOrderID == "":
		r.CancelDeferred = true
		o := r.Order
		m.mu.Unlock()
		m.save(o)
		m.log.Infow("cancel_deferred", "client_id", id)
		return nil
	case r.State.Live() && req.VenueOrderID == "" && r.VenueOrderID != "":
		// acknowledged while the cancel was in flight
		m.mu.Unlock()
		return m.sendCancel(ctx, id)
	}
	m.mu.Unlock()
	return err
}

// ApplyFill records execution reported by the feed. Fills for orders this
// manager does not know are ignored.
func (m *Manager) ApplyFill(_ context.Context, f venue.Fill) error {
	const op = "order.ApplyFill"
	m.mu.Lock()
	r, ok := m.lookupLocked(f.ClientOrderID, f.VenueOrderID)
	if !ok {
		m.mu.Unlock()
		return nil
	}
	id := r.ClientOrderID
	if r.State.Terminal() {
		st := r.State
		m.mu.Unlock()
		return sdkerr.Consistencyf(op, "fill for %s order %s", st, id)
	}
	in, err := m.cfg.Instruments.Get(r.Instrument)
	if err != nil {
		m.mu.Unlock()
		return sdkerr.New(sdkerr.Consistency, op, err)
	}
	filled, avg, err := addFill(r.FilledSize, r.AvgFillPrice, f.Size, f.Price, in.PriceDecimals)
	if err != nil {
		m.mu.Unlock()
		return sdkerr.New(sdkerr.Numeric, op, err)
	}
	if filled.GreaterThan(r.Size) {
		m.mu.Unlock()
		return sdkerr.Consistencyf(op, "order %s filled %s of %s", id, filled, r.Size)
	}
	to := PartiallyFilled
	if filled.Equal(r.Size) {
		to = Filled
	}
	if err := m.setStateLocked(r, to); err != nil {
		m.mu.Unlock()
		return err
	}
	r.FilledSize, r.AvgFillPrice = filled, avg
	if r.VenueOrderID == "" && f.VenueOrderID != "" {
		r.VenueOrderID = f.VenueOrderID
		m.byVenue[f.VenueOrderID] = id
	}
	o := r.Order
	m.mu.Unlock()

	m.save(o)
	if to == Filled {
		m.cfg.Cache.Release(id)
	} else {
		m.shrink(id, o)
	}
	m.log.Infow("order_fill", "client_id", id, "size", f.Size.String(), "price", f.Price.String(),
		"filled", filled.String(), "state", to.String())
	return nil
}

// ApplyEffect moves an order to the status the venue reports for it.
func (m *Manager) ApplyEffect(ctx context.Context, e venue.OrderEffect) error {
	const op = "order.ApplyEffect"
	to, ok := stateForStatus(e.Status)
	if !ok {
		return sdkerr.Consistencyf(op, "unknown status %q for %s", e.Status, e.ClientOrderID)
	}

	m.mu.Lock()
	r, ok := m.lookupLocked(e.ClientOrderID, e.VenueOrderID)
	if !ok {
		m.mu.Unlock()
		return nil
	}
	id := r.ClientOrderID
	if r.VenueOrderID == "" && e.VenueOrderID != "" {
		r.VenueOrderID = e.VenueOrderID
		m.byVenue[e.VenueOrderID] = id
	}
	if r.State == to || (to == Acknowledged && r.State != Submitted) {
		o := r.Order
		m.mu.Unlock()
		m.save(o)
		return nil
	}
	if err := m.setStateLocked(r, to); err != nil {
		m.mu.Unlock()
		return err
	}
	if to == Filled {
		r.FilledSize = r.Size
	}
	if to == Rejected {
		r.Reason = e.Reason
	}
	if to == Acknowledged && r.AckedAt.IsZero() {
		r.AckedAt = m.cfg.Clock.Now()
	}
	resend := to == Acknowledged && r.CancelDeferred && !r.busy
	if resend {
		r.CancelDeferred = false
	}
	o := r.Order
	m.mu.Unlock()

	m.save(o)
	if to.Terminal() {
		m.cfg.Cache.Release(id)
	}
	if resend {
		go func() {
			if err := m.sendCancel(ctx, id); err != nil {
				m.log.Warnw("deferred_cancel_failed", "client_id", id, "error", err)
			}
		}()
	}
	m.log.Infow("order_effect", "client_id", id, "status", string(e.Status), "state", to.String())
	return nil
}

// Get returns a copy of the order.
func (m *Manager) Get(id string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.orders[id]
	if !ok {
		return Order{}, notFound("order.Get", id)
	}
	return r.Order, nil
}

func (m *Manager) Status(id string) (State, error) {
	o, err := m.Get(id)
	if err != nil {
		return 0, err
	}
	return o.State, nil
}

// List returns copies of every order, oldest first.
func (m *Manager) List() []Order {
	m.mu.Lock()
	out := make([]Order, 0, len(m.orders))
	for _, r := range m.orders {
		out = append(out, r.Order)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ClientOrderID < out[j].ClientOrderID
	})
	return out
}

// Open returns the orders that are not terminal.
func (m *Manager) Open() []Order {
	var out []Order
	for _, o := range m.List() {
		if !o.State.Terminal() {
			out = append(out, o)
		}
	}
	return out
}

func (m *Manager) handle(id string) *Handle { return &Handle{ID: id, m: m} }

// placedErrLocked is what a repeated Place reports for an order that
// already exists: nothing, unless it was rejected.
func placedErrLocked(r *record) error {
	if r.State != Rejected {
		return nil
	}
	return sdkerr.Invalid("order.Place", sdkerr.ReasonDuplicateOrder, "order %s was already rejected: %s", r.ClientOrderID, r.Reason)
}

func (m *Manager) validate(spec Spec) (market.Instrument, error) {
	const op = "order.Place"
	in, err := m.cfg.Instruments.Get(spec.Instrument)
	if err != nil {
		return market.Instrument{}, sdkerr.Invalid(op, sdkerr.ReasonUnknownInstrument, "%v", err)
	}
	if spec.Side != Buy && spec.Side != Sell {
		return in, sdkerr.Validationf(op, "invalid side %d", spec.Side)
	}
	if !spec.Size.IsPositive() {
		return in, sdkerr.Invalid(op, sdkerr.ReasonInvalidSize, "size must be positive: %s", spec.Size)
	}
	if !spec.Market && !spec.Price.IsPositive() {
		return in, sdkerr.Invalid(op, sdkerr.ReasonInvalidPrice, "limit price must be positive: %s", spec.Price)
	}
	if spec.Leverage < 0 || spec.Leverage > 255 {
		return in, sdkerr.Validationf(op, "leverage %d out of range", spec.Leverage)
	}
	if spec.TimeInForce < GTC || spec.TimeInForce > PostOnly {
		return in, sdkerr.Validationf(op, "invalid time in force %d", spec.TimeInForce)
	}
	return in, nil
}

func (m *Manager) wireOrder(id string, spec Spec) *venue.OrderRequest {
	o := &venue.OrderRequest{
		ClientOrderID: id,
		Account:       m.cfg.Account,
		Instrument:    spec.Instrument,
		Side:          spec.Side.wire(),
		TimeInForce:   spec.TimeInForce.wire(),
		Size:          spec.Size,
		Price:         spec.Price,
		Market:        spec.Market,
		ReduceOnly:    spec.ReduceOnly,
		Leverage:      uint8(spec.Leverage),
	}
	if spec.Market {
		o.Price = fixed.Zero(spec.Price.Decimals())
	}
	if !spec.Expiry.IsZero() {
		o.Deadline = spec.Expiry.Unix()
	}
	return o
}

func (m *Manager) signOrder(o *venue.OrderRequest) ([]byte, error) {
	const op = "order.Sign"
	if m.cfg.Signer == nil {
		return nil, sdkerr.Signingf(op, "no signer configured")
	}
	digest, err := m.cfg.Digester.OrderDigest(o)
	if err != nil {
		return nil, sdkerr.New(sdkerr.Signing, op, err)
	}
	sig, err := m.cfg.Signer.Sign(digest)
	if err != nil {
		return nil, sdkerr.New(sdkerr.Signing, op, fmt.Errorf("order %s: %w", o.ClientOrderID, err))
	}
	return sig, nil
}

func (m *Manager) setStateLocked(r *record, to State) error {
	if err := checkTransition(r.ClientOrderID, r.State, to); err != nil {
		return err
	}
	r.State = to
	if to.Terminal() {
		r.TerminalAt = m.cfg.Clock.Now()
	}
	m.cfg.Metrics.OrderTransition(m.acct, to.String())
	return nil
}

func (m *Manager) lookupLocked(clientID, venueID string) (*record, bool) {
	if r, ok := m.orders[clientID]; ok {
		return r, true
	}
	if id, ok := m.byVenue[venueID]; ok && venueID != "" {
		r, ok := m.orders[id]
		return r, ok
	}
	return nil, false
}

// drop forgets an order that never passed the pre-trade check.
func (m *Manager) drop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, id)
}

func (m *Manager) idle(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.orders[id]; ok {
		r.busy = false
	}
}

func (m *Manager) save(o Order) {
	if m.cfg.Journal == nil {
		return
	}
	if err := m.cfg.Journal.SaveOrder(o); err != nil {
		m.log.Errorw("journal_write_failed", "client_id", o.ClientOrderID, "state", o.State.String(), "error", err)
	}
}

// shrink scales the order's reservation to its unfilled remainder.
func (m *Manager) shrink(id string, o Order) {
	res, ok := m.cfg.Cache.Reservation(id)
	if !ok {
		return
	}
	remaining, err := o.Remaining()
	if err != nil {
		return
	}
	margin, err1 := scale(res.Margin, remaining, o.Size)
	notional, err2 := scale(res.Notional, remaining, o.Size)
	if err1 != nil || err2 != nil {
		m.log.Warnw("reservation_shrink_failed", "client_id", id)
		return
	}
	size := remaining
	if res.Size.IsNegative() {
		size = remaining.Neg()
	}
	m.cfg.Cache.Shrink(id, margin, size, notional)
}

// scale returns v × num ÷ den rounded up at v's decimals.
func scale(v, num, den fixed.Value) (fixed.Value, error) {
	p, err := v.Mul(num, v.Decimals()+num.Decimals(), fixed.TowardZero)
	if err != nil {
		return fixed.Value{}, err
	}
	return p.Div(den, v.Decimals(), fixed.Ceil)
}

// addFill returns the new filled size and volume-weighted average price.
func addFill(filled, avg, size, price fixed.Value, priceDp uint8) (fixed.Value, fixed.Value, error) {
	total, err := filled.Add(size)
	if err != nil {
		return fixed.Value{}, fixed.Value{}, err
	}
	if filled.IsZero() {
		p, err := price.Rescale(priceDp, fixed.HalfEven)
		return total, p, err
	}
	dp := priceDp + size.Decimals()
	prev, err := avg.Mul(filled, dp, fixed.TowardZero)
	if err != nil {
		return fixed.Value{}, fixed.Value{}, err
	}
	cur, err := price.Mul(size, dp, fixed.TowardZero)
	if err != nil {
		return fixed.Value{}, fixed.Value{}, err
	}
	sum, err := prev.Add(cur)
	if err != nil {
		return fixed.Value{}, fixed.Value{}, err
	}
	vwap, err := sum.Div(total, priceDp, fixed.HalfEven)
	return total, vwap, err
}

func newOrder(id string, spec Spec, created time.Time) Order {
	o := Order{
		ClientOrderID: id,
		Instrument:    spec.Instrument,
		Side:          spec.Side,
		Size:          spec.Size,
		Price:         spec.Price,
		Market:        spec.Market,
		TimeInForce:   spec.TimeInForce,
		ReduceOnly:    spec.ReduceOnly,
		Leverage:      spec.Leverage,
		State:         Draft,
		FilledSize:    fixed.Zero(spec.Size.Decimals()),
		AvgFillPrice:  fixed.Zero(spec.Price.Decimals()),
		CreatedAt:     created,
	}
	if spec.Market {
		o.Price = fixed.Zero(spec.Price.Decimals())
	}
	return o
}

func notFound(op, id string) error {
	return &sdkerr.Error{Kind: sdkerr.NotFound, Op: op, Reason: sdkerr.ReasonOrderNotFound, Err: fmt.Errorf("order %s not found", id)}
}
