package venue

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpsdk/pkg/account"
	"github.com/uhyunpark/perpsdk/pkg/sdkerr"
)

// Result is the outcome of one submit call. The set is closed:
// Acknowledged, Rejected and TransientFailure.
type Result interface {
	isResult()
}

// Acknowledged means the venue accepted the request. Sequence is the account
// sequence at which its effect shows up in the feed (0 if unknown).
// Duplicate is set when the venue had already seen the client ID.
type Acknowledged struct {
	VenueOrderID string
	Sequence     uint64
	Duplicate    bool
}

// Rejected is a semantic refusal. Retrying the same request cannot succeed.
type Rejected struct {
	Reason  Reason
	Message string
}

// TransientFailure means the outcome is unknown or the venue was
// unavailable. RetryAfter, when set, is the venue's minimum delay.
type TransientFailure struct {
	Cause      error
	RetryAfter time.Duration
}

func (Acknowledged) isResult()     {}
func (Rejected) isResult()         {}
func (TransientFailure) isResult() {}

// Err converts the rejection into a VenueRejection error.
func (r Rejected) Err(op string) error {
	return sdkerr.Rejected(op, r.Reason, r.Message)
}

func (t TransientFailure) Error() string {
	if t.Cause == nil {
		return "transient venue failure"
	}
	return fmt.Sprintf("transient venue failure: %v", t.Cause)
}

// Signer is the signing capability. payload is a 32-byte digest.
type Signer interface {
	Sign(payload []byte) ([]byte, error)
}

// Digester produces the digests that requests and envelopes are signed
// over. Order and cancel digests never cover the nonce.
type Digester interface {
	OrderDigest(req *OrderRequest) ([]byte, error)
	CancelDigest(req *CancelRequest) ([]byte, error)
	EnvelopeDigest(requestSig []byte, nonce uint64) []byte
}

// Transport carries envelopes to the venue and account events back.
type Transport interface {
	Submit(ctx context.Context, env *Envelope) Result
	Subscribe(ctx context.Context, acct common.Address) (<-chan Event, error)
	FetchSnapshot(ctx context.Context, acct common.Address) (*account.Snapshot, error)
}
