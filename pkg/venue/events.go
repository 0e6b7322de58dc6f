// Package venue defines what the SDK exchanges with a perpetual DEX: signed
// request envelopes going out, submission results and sequenced account
// events coming back, and the capabilities (Signer, Digester, Transport)
// that carry them.
package venue

import (
	"github.com/uhyunpark/perpsdk/pkg/account"
	"github.com/uhyunpark/perpsdk/pkg/fixed"
	"github.com/uhyunpark/perpsdk/pkg/sdkerr"
)

// Reason is a venue reject code.
type Reason = sdkerr.Reason

// Event is one item of an account feed. The set is closed: SnapshotEvent,
// Delta, Fill, FundingSettlement and Disconnect.
type Event interface {
	EventType() EventType
	isEvent()
}

type EventType string

const (
	EventSnapshot   EventType = "snapshot"
	EventDelta      EventType = "delta"
	EventFill       EventType = "fill"
	EventFunding    EventType = "funding"
	EventDisconnect EventType = "disconnect"
)

// SnapshotEvent carries the full authoritative account state.
type SnapshotEvent struct {
	Snapshot *account.Snapshot `json:"snapshot"`
}

// Delta is a sequenced change to confirmed state. Balances and Positions
// carry absolute post-state for what changed; a position of size zero is
// closed.
type Delta struct {
	Sequence     uint64             `json:"sequence"`
	Balances     []account.Balance  `json:"balances,omitempty"`
	Positions    []account.Position `json:"positions,omitempty"`
	OrderEffects []OrderEffect      `json:"order_effects,omitempty"`
	Frozen       *bool              `json:"frozen,omitempty"`
}

type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusFilled   OrderStatus = "filled"
	StatusCanceled OrderStatus = "canceled"
	StatusExpired  OrderStatus = "expired"
	StatusRejected OrderStatus = "rejected"
)

// Terminal reports whether the venue will send no further effects for the
// order.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusExpired || s == StatusRejected
}

// OrderEffect names an order whose effect the delta reflects. LockedMargin
// is the collateral the venue actually locked for it.
type OrderEffect struct {
	ClientOrderID string      `json:"client_order_id"`
	VenueOrderID  string      `json:"venue_order_id,omitempty"`
	Status        OrderStatus `json:"status"`
	LockedMargin  fixed.Value `json:"locked_margin"`
	Reason        Reason      `json:"reason,omitempty"`
}

// Fill reports execution against an order. Size is unsigned. Account
// effects of a fill arrive separately in a Delta.
type Fill struct {
	ClientOrderID string      `json:"client_order_id"`
	VenueOrderID  string      `json:"venue_order_id"`
	Instrument    string      `json:"instrument"`
	Size          fixed.Value `json:"size"`
	Price         fixed.Value `json:"price"`
	Fee           fixed.Value `json:"fee"`
}

// FundingSettlement is sequenced like a Delta. Asset is the collateral the
// payments settle in.
type FundingSettlement struct {
	Sequence uint64         `json:"sequence"`
	Asset    string         `json:"asset"`
	Entries  []FundingEntry `json:"entries"`
}

// FundingEntry is the rate for one instrument over one interval. A positive
// rate means longs pay shorts.
type FundingEntry struct {
	Instrument string      `json:"instrument"`
	Rate       fixed.Value `json:"rate"`
	MarkPrice  fixed.Value `json:"mark_price"`
}

// Disconnect is emitted by a transport when its feed drops. Events may have
// been missed.
type Disconnect struct {
	Cause error
}

func (SnapshotEvent) EventType() EventType     { return EventSnapshot }
func (Delta) EventType() EventType             { return EventDelta }
func (Fill) EventType() EventType              { return EventFill }
func (FundingSettlement) EventType() EventType { return EventFunding }
func (Disconnect) EventType() EventType        { return EventDisconnect }

func (SnapshotEvent) isEvent()     {}
func (Delta) isEvent()             {}
func (Fill) isEvent()              {}
func (FundingSettlement) isEvent() {}
func (Disconnect) isEvent()        {}

// SettledOrders returns the client IDs named by the delta.
func (d Delta) SettledOrders() []string {
	out := make([]string, 0, len(d.OrderEffects))
	for _, e := range d.OrderEffects {
		out = append(out, e.ClientOrderID)
	}
	return out
}
