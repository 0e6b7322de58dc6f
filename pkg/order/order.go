// Package order tracks the lifecycle of every order an account places, from
// draft through signing and submission to its final venue state.
package order

import (
	"time"

	"github.com/uhyunpark/perpsdk/pkg/fixed"
	"github.com/uhyunpark/perpsdk/pkg/sdkerr"
	"github.com/uhyunpark/perpsdk/pkg/venue"
)

// Spec is what a caller asks for. ClientOrderID is generated when empty.
type Spec struct {
	ClientOrderID string
	Instrument    string
	Side          Side
	Size          fixed.Value
	Price         fixed.Value // ignored when Market is set
	Market        bool
	TimeInForce   TimeInForce
	ReduceOnly    bool
	Leverage      int64     // 0 = instrument default
	Expiry        time.Time // zero = no deadline
}

// Order is the local record of one logical order.
type Order struct {
	ClientOrderID string      `json:"client_order_id"`
	VenueOrderID  string      `json:"venue_order_id,omitempty"`
	Instrument    string      `json:"instrument"`
	Side          Side        `json:"side"`
	Size          fixed.Value `json:"size"`
	Price         fixed.Value `json:"price"`
	Market        bool        `json:"market,omitempty"`
	TimeInForce   TimeInForce `json:"tif"`
	ReduceOnly    bool        `json:"reduce_only,omitempty"`
	Leverage      int64       `json:"leverage,omitempty"`

	State  State         `json:"state"`
	Nonce  uint64        `json:"nonce,omitempty"`
	Reason sdkerr.Reason `json:"reason,omitempty"`

	FilledSize      fixed.Value `json:"filled_size"`
	AvgFillPrice    fixed.Value `json:"avg_fill_price"`
	CancelRequested bool        `json:"cancel_requested,omitempty"`
	// resend the cancel once the venue acknowledges the order
	CancelDeferred bool `json:"cancel_deferred,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	AckedAt    time.Time `json:"acked_at,omitempty"`
	TerminalAt time.Time `json:"terminal_at,omitempty"`

	// Envelope is the signed submission, kept so an unknown outcome can be
	// resolved by re-sending it unchanged.
	Envelope *venue.Envelope `json:"envelope,omitempty"`
}

// Remaining returns unfilled quantity
func (o *Order) Remaining() (fixed.Value, error) {
	return o.Size.Sub(o.FilledSize)
}

// IsClosed returns true if order is no longer active
func (o *Order) IsClosed() bool { return o.State.Terminal() }

// Journal persists order records so a restarted session can pick up
// non-terminal orders.
type Journal interface {
	SaveOrder(o Order) error
	LoadOrders() ([]Order, error)
}

// Handle refers to one order held by a Manager.
type Handle struct {
	ID string
	m  *Manager
}

// Order returns a copy of the current record.
func (h *Handle) Order() (Order, error) { return h.m.Get(h.ID) }

func (h *Handle) State() (State, error) { return h.m.Status(h.ID) }
