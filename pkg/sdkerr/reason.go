package sdkerr

// Reason is a rejection code, reported by the venue or produced by local
// pre-trade validation. ReasonNotSubmitted is local only: the order was
// signed but never sent, e.g. because no nonce could be issued.
type Reason string

const (
	ReasonInsufficientMargin  Reason = "insufficient_margin"
	ReasonLeverageExceeded    Reason = "leverage_exceeded"
	ReasonInvalidPrice        Reason = "invalid_price"
	ReasonInvalidSize         Reason = "invalid_size"
	ReasonPriceOutOfRange     Reason = "price_out_of_range"
	ReasonSizeOutOfRange      Reason = "size_out_of_range"
	ReasonBelowMinimum        Reason = "below_minimum"
	ReasonMarketClosed        Reason = "market_closed"
	ReasonContractPaused      Reason = "contract_paused"
	ReasonAccountFrozen       Reason = "account_frozen"
	ReasonCrossesBook         Reason = "crosses_book"
	ReasonOrderNotFound       Reason = "order_not_found"
	ReasonInvalidNonce        Reason = "invalid_nonce"
	ReasonInvalidSignature    Reason = "invalid_signature"
	ReasonDuplicateOrder      Reason = "duplicate_order"
	ReasonReduceOnlyViolation Reason = "reduce_only_violation"
	ReasonUnknownInstrument   Reason = "unknown_instrument"
	ReasonNotSubmitted        Reason = "not_submitted"
	ReasonUnknown             Reason = "unknown"
)

var knownReasons = map[Reason]struct{}{
	ReasonInsufficientMargin:  {},
	ReasonLeverageExceeded:    {},
	ReasonInvalidPrice:        {},
	ReasonInvalidSize:         {},
	ReasonPriceOutOfRange:     {},
	ReasonSizeOutOfRange:      {},
	ReasonBelowMinimum:        {},
	ReasonMarketClosed:        {},
	ReasonContractPaused:      {},
	ReasonAccountFrozen:       {},
	ReasonCrossesBook:         {},
	ReasonOrderNotFound:       {},
	ReasonInvalidNonce:        {},
	ReasonInvalidSignature:    {},
	ReasonDuplicateOrder:      {},
	ReasonReduceOnlyViolation: {},
	ReasonUnknownInstrument:   {},
}

// ParseReason maps a wire code onto a known Reason. Unrecognised codes map to
// ReasonUnknown rather than being passed through.
func ParseReason(code string) Reason {
	r := Reason(code)
	if _, ok := knownReasons[r]; ok {
		return r
	}
	return ReasonUnknown
}
