package venue

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/perpsdk/pkg/fixed"
)

// RequestType is the kind of signed request inside an envelope
type RequestType string

const (
	RequestOrder  RequestType = "order"  // Place order (signed)
	RequestCancel RequestType = "cancel" // Cancel order (signed)
)

// Side values on the wire (uint8 for EIP-712 compatibility)
const (
	SideBuy  uint8 = 1
	SideSell uint8 = 2
)

// Time-in-force values on the wire
const (
	TifGTC      uint8 = 1
	TifIOC      uint8 = 2
	TifFOK      uint8 = 3
	TifPostOnly uint8 = 4
)

// OrderRequest is the signed order body. It carries no nonce: the same
// signed body is reused across retries and the nonce binds at envelope level.
type OrderRequest struct {
	ClientOrderID string         `json:"client_order_id"`
	Account       common.Address `json:"account"`
	Instrument    string         `json:"instrument"`
	Side          uint8          `json:"side"`
	TimeInForce   uint8          `json:"tif"`
	Size          fixed.Value    `json:"size"`
	Price         fixed.Value    `json:"price"` // zero for market orders
	Market        bool           `json:"market,omitempty"`
	ReduceOnly    bool           `json:"reduce_only,omitempty"`
	Leverage      uint8          `json:"leverage,omitempty"`
	Deadline      int64          `json:"deadline,omitempty"` // unix seconds, 0 = none
}

// CancelRequest cancels by client ID, and by venue ID once known.
type CancelRequest struct {
	ClientOrderID string         `json:"client_order_id"`
	VenueOrderID  string         `json:"venue_order_id,omitempty"`
	Account       common.Address `json:"account"`
	Instrument    string         `json:"instrument"`
}

// Envelope is what a transport sends: a signed request plus the nonce and
// the signature binding them.
type Envelope struct {
	Type      RequestType    `json:"type"`
	Order     *OrderRequest  `json:"order,omitempty"`
	Cancel    *CancelRequest `json:"cancel,omitempty"`
	Signature hexutil.Bytes  `json:"signature"` // over the request digest

	Nonce             uint64        `json:"nonce"`
	EnvelopeSignature hexutil.Bytes `json:"envelope_signature"` // over EnvelopeDigest(Signature, Nonce)
}

// ClientOrderID returns the client ID of the order the envelope concerns.
func (e *Envelope) ClientOrderID() string {
	switch {
	case e.Order != nil:
		return e.Order.ClientOrderID
	case e.Cancel != nil:
		return e.Cancel.ClientOrderID
	}
	return ""
}

// Account returns the account the envelope acts for.
func (e *Envelope) Account() common.Address {
	switch {
	case e.Order != nil:
		return e.Order.Account
	case e.Cancel != nil:
		return e.Cancel.Account
	}
	return common.Address{}
}

// Serialize converts the envelope to JSON bytes
func (e *Envelope) Serialize() ([]byte, error) {
	return json.Marshal(e)
}

// DeserializeEnvelope parses and validates JSON bytes
func DeserializeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return &e, nil
}

// Validate performs structural validation. It does not check signatures.
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("missing request type")
	}
	if len(e.Signature) == 0 {
		return fmt.Errorf("missing signature")
	}
	if len(e.EnvelopeSignature) == 0 || e.Nonce == 0 {
		return fmt.Errorf("envelope is not bound to a nonce")
	}

	switch e.Type {
	case RequestOrder:
		o := e.Order
		if o == nil {
			return fmt.Errorf("order type requires order payload")
		}
		if o.ClientOrderID == "" {
			return fmt.Errorf("missing client order ID")
		}
		if o.Instrument == "" {
			return fmt.Errorf("missing order instrument")
		}
		if o.Side != SideBuy && o.Side != SideSell {
			return fmt.Errorf("invalid order side %d", o.Side)
		}
		if o.TimeInForce < TifGTC || o.TimeInForce > TifPostOnly {
			return fmt.Errorf("invalid time in force %d", o.TimeInForce)
		}
		if !o.Size.IsPositive() {
			return fmt.Errorf("order size must be positive")
		}
		if !o.Market && !o.Price.IsPositive() {
			return fmt.Errorf("limit order requires a positive price")
		}
		if o.Account == (common.Address{}) {
			return fmt.Errorf("missing order account")
		}

	case RequestCancel:
		c := e.Cancel
		if c == nil {
			return fmt.Errorf("cancel type requires cancel payload")
		}
		if c.ClientOrderID == "" && c.VenueOrderID == "" {
			return fmt.Errorf("cancel needs a client or venue order ID")
		}
		if c.Account == (common.Address{}) {
			return fmt.Errorf("missing cancel account")
		}

	default:
		return fmt.Errorf("unknown request type: %s", e.Type)
	}
	return nil
}
