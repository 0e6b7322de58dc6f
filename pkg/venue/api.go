package venue

import (
	"errors"
	"time"
)

// REST and websocket routes shared by the HTTP transport and the simulator.
const (
	RouteEnvelopes = "/api/v1/envelopes"
	RouteSnapshot  = "/api/v1/accounts/{address}/snapshot"
	RouteMarkets   = "/api/v1/markets"
	RouteFeed      = "/ws"
	RouteHealth    = "/health"
)

// Submit outcomes on the wire.
const (
	SubmitAcked    = "acked"
	SubmitRejected = "rejected"
	SubmitRetry    = "retry"
)

// SubmitResponse is the body returned for a posted envelope.
type SubmitResponse struct {
	Status       string `json:"status"`
	VenueOrderID string `json:"venue_order_id,omitempty"`
	Sequence     uint64 `json:"sequence,omitempty"`
	Duplicate    bool   `json:"duplicate,omitempty"`
	Reason       Reason `json:"reason,omitempty"`
	Message      string `json:"message,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// ErrorResponse is the body of any non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// FeedRequest is what a websocket client sends to pick its channels.
type FeedRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// AccountChannel names the feed channel for one account.
func AccountChannel(hexAddr string) string {
	return "account:" + hexAddr
}

// ResponseFor maps a Result to its wire form.
func ResponseFor(r Result) SubmitResponse {
	switch v := r.(type) {
	case Acknowledged:
		return SubmitResponse{Status: SubmitAcked, VenueOrderID: v.VenueOrderID, Sequence: v.Sequence, Duplicate: v.Duplicate}
	case Rejected:
		return SubmitResponse{Status: SubmitRejected, Reason: v.Reason, Message: v.Message}
	case TransientFailure:
		resp := SubmitResponse{Status: SubmitRetry, RetryAfterMs: v.RetryAfter.Milliseconds()}
		if v.Cause != nil {
			resp.Message = v.Cause.Error()
		}
		return resp
	}
	return SubmitResponse{Status: SubmitRetry, Message: "unknown result"}
}

// Result converts a decoded response back into a Result. Unknown statuses
// are treated as transient: the outcome is not known.
func (r SubmitResponse) Result() Result {
	switch r.Status {
	case SubmitAcked:
		return Acknowledged{VenueOrderID: r.VenueOrderID, Sequence: r.Sequence, Duplicate: r.Duplicate}
	case SubmitRejected:
		return Rejected{Reason: r.Reason, Message: r.Message}
	}
	t := TransientFailure{RetryAfter: time.Duration(r.RetryAfterMs) * time.Millisecond}
	if r.Message != "" {
		t.Cause = errors.New(r.Message)
	}
	return t
}
