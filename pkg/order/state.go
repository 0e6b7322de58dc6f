package order

import (
	"fmt"

	"github.com/uhyunpark/perpsdk/pkg/sdkerr"
	"github.com/uhyunpark/perpsdk/pkg/venue"
)

// State represents the lifecycle state of an order
type State int8

const (
	Draft State = iota
	Signed
	Submitted
	Acknowledged
	PartiallyFilled
	Filled
	Canceled
	Expired
	Rejected
)

func (s State) String() string {
	switch s {
	case Draft:
		return "draft"
	case Signed:
		return "signed"
	case Submitted:
		return "submitted"
	case Acknowledged:
		return "acknowledged"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Canceled:
		return "canceled"
	case Expired:
		return "expired"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for c := Draft; c <= Rejected; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown order state %q", b)
}

// Terminal returns true if the order can no longer change
func (s State) Terminal() bool {
	return s == Filled || s == Canceled || s == Expired || s == Rejected
}

// Live is true once the venue may hold the order.
func (s State) Live() bool {
	return s == Submitted || s == Acknowledged || s == PartiallyFilled
}

// transitions lists every legal move. Feed effects can overtake the submit
// response, so Submitted may jump straight to a fill or close state.
var transitions = map[State][]State{
	Draft:           {Signed, Canceled},
	Signed:          {Submitted, Canceled, Rejected},
	Submitted:       {Acknowledged, Rejected, PartiallyFilled, Filled, Canceled, Expired},
	Acknowledged:    {PartiallyFilled, Filled, Canceled, Expired},
	PartiallyFilled: {PartiallyFilled, Filled, Canceled, Expired},
}

// CanTransition reports whether from → to is in the table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(id string, from, to State) error {
	if !CanTransition(from, to) {
		return sdkerr.Consistencyf("order.transition", "order %s: illegal transition %s -> %s", id, from, to)
	}
	return nil
}

// Side is the order direction.
type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	switch string(b) {
	case "buy":
		*s = Buy
	case "sell":
		*s = Sell
	default:
		return fmt.Errorf("unknown side %q", b)
	}
	return nil
}

func (s Side) wire() uint8 {
	if s == Buy {
		return venue.SideBuy
	}
	return venue.SideSell
}

// TimeInForce controls how long an order rests.
type TimeInForce int8

const (
	GTC TimeInForce = iota
	IOC
	FOK
	PostOnly
)

func (t TimeInForce) String() string {
	switch t {
	case GTC:
		return "GTC"
	case IOC:
		return "IOC"
	case FOK:
		return "FOK"
	case PostOnly:
		return "POST_ONLY"
	default:
		return "unknown"
	}
}

func (t TimeInForce) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeInForce) UnmarshalText(b []byte) error {
	for c := GTC; c <= PostOnly; c++ {
		if c.String() == string(b) {
			*t = c
			return nil
		}
	}
	return fmt.Errorf("unknown time in force %q", b)
}

func (t TimeInForce) wire() uint8 {
	switch t {
	case IOC:
		return venue.TifIOC
	case FOK:
		return venue.TifFOK
	case PostOnly:
		return venue.TifPostOnly
	default:
		return venue.TifGTC
	}
}

// stateForStatus maps a venue order status onto the lifecycle.
func stateForStatus(s venue.OrderStatus) (State, bool) {
	switch s {
	case venue.StatusOpen:
		return Acknowledged, true
	case venue.StatusFilled:
		return Filled, true
	case venue.StatusCanceled:
		return Canceled, true
	case venue.StatusExpired:
		return Expired, true
	case venue.StatusRejected:
		return Rejected, true
	}
	return 0, false
}
