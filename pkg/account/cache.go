// Package account holds the local mirror of one venue account: the latest
// confirmed snapshot plus an overlay of optimistic reservations made by
// orders the venue has not yet reflected.
package account

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpsdk/pkg/fixed"
	"github.com/uhyunpark/perpsdk/pkg/sdkerr"
	"github.com/uhyunpark/perpsdk/pkg/util"
)

var (
	ErrNotReady = errors.New("no confirmed snapshot yet")
	ErrStale    = errors.New("sequence already applied")
	ErrGap      = errors.New("sequence gap")
)

// Reservation is an optimistic overlay entry for one order.
type Reservation struct {
	OrderID    string      `json:"order_id"`
	Instrument string      `json:"instrument"`
	Asset      string      `json:"asset"`
	Margin     fixed.Value `json:"margin"`   // collateral moved from available to locked
	Size       fixed.Value `json:"size"`     // signed pending size
	Notional   fixed.Value `json:"notional"` // pending notional, unsigned
	// EffectiveSeq is the account sequence at which the venue reflects this
	// order. Zero until acknowledged.
	EffectiveSeq uint64    `json:"effective_seq"`
	CreatedAt    time.Time `json:"created_at"`
}

// PositionView is a confirmed position plus pending order exposure.
type PositionView struct {
	Position
	PendingSize     fixed.Value `json:"pending_size"`
	PendingNotional fixed.Value `json:"pending_notional"`
}

// AccountView is what callers see: confirmed state with every pending
// reservation applied on top.
type AccountView struct {
	Account      common.Address          `json:"account"`
	Sequence     uint64                  `json:"sequence"`
	Frozen       bool                    `json:"frozen,omitempty"`
	Balances     map[string]Balance      `json:"balances"`
	Positions    map[string]PositionView `json:"positions"`
	Reservations []Reservation           `json:"reservations,omitempty"`
}

// Commit describes the overlay changes made by one confirmed update.
type Commit struct {
	Sequence uint64
	Settled  []Reservation // cleared because the update named their order
	Pruned   []Reservation // cleared because the update reached their sequence
}

// Cache is the per-account state mirror. Its mutex is the single
// serialization point for both confirmed and optimistic writes.
type Cache struct {
	mu        sync.Mutex
	account   common.Address
	confirmed *Snapshot
	overlay   map[string]*Reservation
	fault     error
	log       *zap.SugaredLogger
}

func NewCache(addr common.Address, logger *zap.SugaredLogger) *Cache {
	return &Cache{
		account: addr,
		overlay: make(map[string]*Reservation),
		log:     util.OrNop(logger),
	}
}

func (c *Cache) Account() common.Address { return c.account }

// Sequence returns the confirmed sequence, or 0 before the first snapshot.
func (c *Cache) Sequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.confirmed == nil {
		return 0
	}
	return c.confirmed.Sequence
}

func (c *Cache) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmed != nil
}

// Fault returns the sticky consistency error, if any.
func (c *Cache) Fault() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

// SetFault marks the mirror untrusted until the next accepted snapshot.
func (c *Cache) SetFault(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fault = err
}

// Confirmed returns a copy of the confirmed snapshot.
func (c *Cache) Confirmed() (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked("account.Confirmed"); err != nil {
		return nil, err
	}
	return c.confirmed.Clone(), nil
}

// View returns confirmed state merged with every pending reservation.
func (c *Cache) View() (AccountView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked("account.View"); err != nil {
		return AccountView{}, err
	}
	return c.viewLocked()
}

// Reserve runs fn against the current view and inserts the reservation it
// returns, under one lock. fn is the pre-trade check; when it fails nothing
// is inserted.
func (c *Cache) Reserve(orderID string, fn func(AccountView) (Reservation, error)) (Reservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked("account.Reserve"); err != nil {
		return Reservation{}, err
	}
	if _, exists := c.overlay[orderID]; exists {
		return Reservation{}, sdkerr.Invalid("account.Reserve", sdkerr.ReasonDuplicateOrder, "order %s already holds a reservation", orderID)
	}
	view, err := c.viewLocked()
	if err != nil {
		return Reservation{}, err
	}
	r, err := fn(view)
	if err != nil {
		return Reservation{}, err
	}
	if r.Margin.IsNegative() {
		return Reservation{}, sdkerr.Consistencyf("account.Reserve", "negative reservation %s for %s", r.Margin, orderID)
	}
	r.OrderID = orderID
	c.overlay[orderID] = &r
	c.log.Debugw("reservation_added", "order_id", orderID, "instrument", r.Instrument, "margin", r.Margin.String())
	return r, nil
}

// Acknowledge records the sequence at which the venue reflects the order.
// If that sequence is already confirmed the reservation is dropped.
func (c *Cache) Acknowledge(orderID string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.overlay[orderID]
	if !ok || seq == 0 {
		return
	}
	r.EffectiveSeq = seq
	if c.confirmed != nil && c.confirmed.Sequence >= seq {
		delete(c.overlay, orderID)
		c.log.Debugw("reservation_pruned", "order_id", orderID, "seq", seq)
	}
}

// Shrink replaces the pending margin, size and notional of a reservation,
// e.g. after a partial fill.
func (c *Cache) Shrink(orderID string, margin, size, notional fixed.Value) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.overlay[orderID]
	if !ok {
		return false
	}
	r.Margin, r.Size, r.Notional = margin, size, notional
	return true
}

// Release drops the reservation for a terminal order.
func (c *Cache) Release(orderID string) (Reservation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.overlay[orderID]
	if !ok {
		return Reservation{}, false
	}
	delete(c.overlay, orderID)
	return *r, true
}

func (c *Cache) Reservation(orderID string) (Reservation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.overlay[orderID]
	if !ok {
		return Reservation{}, false
	}
	return *r, true
}

// Replace installs a full snapshot. Older snapshots are ignored unless the
// mirror is faulted. A snapshot that breaks an invariant is refused.
func (c *Cache) Replace(s *Snapshot) (Commit, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.Account != c.account {
		return Commit{}, false, sdkerr.Consistencyf("account.Replace", "snapshot for %s delivered to %s", s.Account.Hex(), c.account.Hex())
	}
	if c.confirmed != nil && c.fault == nil && s.Sequence < c.confirmed.Sequence {
		return Commit{}, false, nil
	}
	if err := s.Validate(); err != nil {
		return Commit{}, false, sdkerr.New(sdkerr.Consistency, "account.Replace", err)
	}
	c.confirmed = s.Clone()
	c.fault = nil
	commit := Commit{Sequence: s.Sequence, Pruned: c.pruneLocked(s.Sequence)}
	return commit, true, nil
}

// Apply commits the next sequenced update. fn mutates a private copy of the
// confirmed snapshot; the copy replaces confirmed state only if fn succeeds
// and every invariant holds, so no intermediate state is ever observable.
// A consistency failure from fn or from the invariants faults the mirror.
// Reservations for the settled order IDs are cleared in the same step.
func (c *Cache) Apply(seq uint64, settled []string, fn func(next *Snapshot) error) (Commit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked("account.Apply"); err != nil {
		return Commit{}, err
	}
	cur := c.confirmed.Sequence
	switch {
	case seq <= cur:
		return Commit{}, ErrStale
	case seq != cur+1:
		return Commit{}, fmt.Errorf("%w: have %d, got %d", ErrGap, cur, seq)
	}

	next := c.confirmed.Clone()
	if err := fn(next); err != nil {
		if sdkerr.Is(err, sdkerr.Consistency) {
			c.fault = err
		}
		return Commit{}, err
	}
	next.Sequence = seq
	next.Attestation = nil
	if err := next.Validate(); err != nil {
		c.fault = sdkerr.New(sdkerr.Consistency, "account.Apply", fmt.Errorf("sequence %d: %w", seq, err))
		return Commit{}, c.fault
	}
	c.confirmed = next

	commit := Commit{Sequence: seq}
	for _, id := range settled {
		if r, ok := c.overlay[id]; ok {
			commit.Settled = append(commit.Settled, *r)
			delete(c.overlay, id)
		}
	}
	commit.Pruned = c.pruneLocked(seq)
	return commit, nil
}

func (c *Cache) usableLocked(op string) error {
	if c.fault != nil {
		return c.fault
	}
	if c.confirmed == nil {
		return sdkerr.New(sdkerr.NotFound, op, ErrNotReady)
	}
	return nil
}

func (c *Cache) pruneLocked(seq uint64) []Reservation {
	var out []Reservation
	for id, r := range c.overlay {
		if r.EffectiveSeq != 0 && r.EffectiveSeq <= seq {
			out = append(out, *r)
			delete(c.overlay, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

func (c *Cache) viewLocked() (AccountView, error) {
	s := c.confirmed
	v := AccountView{
		Account:   s.Account,
		Sequence:  s.Sequence,
		Frozen:    s.Frozen,
		Balances:  make(map[string]Balance, len(s.Balances)),
		Positions: make(map[string]PositionView, len(s.Positions)),
	}
	for k, b := range s.Balances {
		v.Balances[k] = b
	}
	for k, p := range s.Positions {
		v.Positions[k] = PositionView{
			Position:        p,
			PendingSize:     fixed.Zero(p.Size.Decimals()),
			PendingNotional: fixed.Zero(0),
		}
	}

	ids := make([]string, 0, len(c.overlay))
	for id := range c.overlay {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		r := c.overlay[id]
		v.Reservations = append(v.Reservations, *r)

		b, ok := v.Balances[r.Asset]
		if !ok {
			zero := fixed.Zero(r.Margin.Decimals())
			b = Balance{Asset: r.Asset, Available: zero, Locked: zero, Total: zero}
		}
		var err error
		if b.Available, err = b.Available.Sub(r.Margin); err != nil {
			return AccountView{}, sdkerr.New(sdkerr.Numeric, "account.View", err)
		}
		if b.Locked, err = b.Locked.Add(r.Margin); err != nil {
			return AccountView{}, sdkerr.New(sdkerr.Numeric, "account.View", err)
		}
		v.Balances[r.Asset] = b

		pv, ok := v.Positions[r.Instrument]
		if !ok {
			pv = PositionView{
				Position:        Position{Instrument: r.Instrument, Size: fixed.Zero(r.Size.Decimals())},
				PendingSize:     fixed.Zero(r.Size.Decimals()),
				PendingNotional: fixed.Zero(0),
			}
		}
		if pv.PendingSize, err = pv.PendingSize.Add(r.Size); err != nil {
			return AccountView{}, sdkerr.New(sdkerr.Numeric, "account.View", err)
		}
		if pv.PendingNotional, err = pv.PendingNotional.Add(r.Notional); err != nil {
			return AccountView{}, sdkerr.New(sdkerr.Numeric, "account.View", err)
		}
		v.Positions[r.Instrument] = pv
	}
	return v, nil
}
