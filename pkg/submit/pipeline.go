// Package submit sends signed requests to a venue exactly once per logical
// submission: one nonce, one envelope, retried unchanged across transient
// failures, with acknowledgements deduplicated by client order ID.
package submit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpsdk/pkg/metrics"
	"github.com/uhyunpark/perpsdk/pkg/sdkerr"
	"github.com/uhyunpark/perpsdk/pkg/util"
	"github.com/uhyunpark/perpsdk/pkg/venue"
)

// Policy bounds the retry loop of one submission.
type Policy struct {
	MaxAttempts         int // transport calls per submission; 0 = unbounded
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	AttemptTimeout      time.Duration // per transport call; 0 = none
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         5,
		InitialInterval:     200 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
		AttemptTimeout:      10 * time.Second,
	}
}

// Request is a signed order or cancel, not yet bound to a nonce.
type Request struct {
	Type      venue.RequestType
	Order     *venue.OrderRequest
	Cancel    *venue.CancelRequest
	Signature []byte
}

func (r Request) ClientOrderID() string {
	if r.Order != nil {
		return r.Order.ClientOrderID
	}
	if r.Cancel != nil {
		return r.Cancel.ClientOrderID
	}
	return ""
}

// Ack is a successful submission.
type Ack struct {
	ClientOrderID string
	VenueOrderID  string
	Sequence      uint64
	Nonce         uint64
	Duplicate     bool // the venue or this pipeline had already acknowledged it
	Attempts      int
}

type Config struct {
	Account   common.Address
	Signer    venue.Signer
	Digester  venue.Digester
	Transport venue.Transport
	Nonces    NonceSource
	Policy    Policy
	Clock     util.Clock
	Logger    *zap.SugaredLogger
	Metrics   *metrics.Metrics
}

type Pipeline struct {
	cfg  Config
	log  *zap.SugaredLogger
	acct string

	mu        sync.Mutex
	lastNonce uint64
	acks      map[string]Ack // order acks by client order ID
}

func New(cfg Config) *Pipeline {
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Nonces == nil {
		cfg.Nonces = NewCounter(0)
	}
	return &Pipeline{
		cfg:  cfg,
		log:  util.OrNop(cfg.Logger).With("account", cfg.Account.Hex()),
		acct: cfg.Account.Hex(),
		acks: make(map[string]Ack),
	}
}

// Remember seeds the ack index, e.g. from a journal after restart.
func (p *Pipeline) Remember(a Ack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acks[a.ClientOrderID] = a
	if a.Nonce > p.lastNonce {
		p.lastNonce = a.Nonce
	}
}

// Acked returns the stored ack for an order, if any.
func (p *Pipeline) Acked(clientOrderID string) (Ack, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.acks[clientOrderID]
	return a, ok
}

// Prepare assigns the next nonce and signs the envelope. For an order that
// is already acknowledged it returns a finished Attempt without consuming a
// nonce, and Run will report the stored ack.
func (p *Pipeline) Prepare(req Request) (*Attempt, error) {
	const op = "submit.Prepare"
	if len(req.Signature) == 0 {
		return nil, sdkerr.Signingf(op, "request for %s is not signed", req.ClientOrderID())
	}
	env := &venue.Envelope{Type: req.Type, Order: req.Order, Cancel: req.Cancel, Signature: req.Signature}

	p.mu.Lock()
	if req.Type == venue.RequestOrder {
		if ack, ok := p.acks[req.ClientOrderID()]; ok {
			p.mu.Unlock()
			env.Nonce = ack.Nonce
			a := newAttempt(env, p.cfg.Policy)
			a.finish(Acked)
			a.ack = venue.Acknowledged{VenueOrderID: ack.VenueOrderID, Sequence: ack.Sequence, Duplicate: true}
			return a, nil
		}
	}
	nonce, err := p.cfg.Nonces.Next()
	if err != nil {
		p.mu.Unlock()
		return nil, sdkerr.New(sdkerr.Consistency, op, fmt.Errorf("nonce source: %w", err))
	}
	if nonce <= p.lastNonce {
		last := p.lastNonce
		p.mu.Unlock()
		p.log.Errorw("nonce_reuse", "nonce", nonce, "last", last)
		return nil, sdkerr.New(sdkerr.Consistency, op, fmt.Errorf("%w: issued %d after %d", ErrNonceReuse, nonce, last))
	}
	p.lastNonce = nonce
	p.mu.Unlock()
	p.cfg.Metrics.NonceIssued(p.acct)

	env.Nonce = nonce
	sig, err := p.cfg.Signer.Sign(p.cfg.Digester.EnvelopeDigest(req.Signature, nonce))
	if err != nil {
		return nil, sdkerr.New(sdkerr.Signing, op, fmt.Errorf("envelope for %s: %w", req.ClientOrderID(), err))
	}
	env.EnvelopeSignature = sig
	return newAttempt(env, p.cfg.Policy), nil
}

// Resume wraps an envelope that was already sent, e.g. one whose earlier run
// ended with an unknown outcome. The nonce and signatures are reused, so the
// venue sees the same submission again.
func (p *Pipeline) Resume(env *venue.Envelope) (*Attempt, error) {
	if err := env.Validate(); err != nil {
		return nil, sdkerr.New(sdkerr.Validation, "submit.Resume", err)
	}
	if env.Type == venue.RequestOrder {
		if ack, ok := p.Acked(env.ClientOrderID()); ok {
			a := newAttempt(env, p.cfg.Policy)
			a.finish(Acked)
			a.ack = venue.Acknowledged{VenueOrderID: ack.VenueOrderID, Sequence: ack.Sequence, Duplicate: true}
			return a, nil
		}
	}
	p.mu.Lock()
	if env.Nonce > p.lastNonce {
		p.lastNonce = env.Nonce
	}
	p.mu.Unlock()
	return newAttempt(env, p.cfg.Policy), nil
}

// Run drives a prepared attempt to completion. A venue reject returns a
// VenueRejection error at once; exhausted retries return TransientNetwork;
// a done ctx returns ctx.Err() and leaves the outcome unknown.
func (p *Pipeline) Run(ctx context.Context, a *Attempt) (Ack, error) {
	id := a.Envelope.ClientOrderID()
	for a.Phase != Done {
		if err := ctx.Err(); err != nil {
			a.cancel(err)
			break
		}
		if err := a.begin(); err != nil {
			return Ack{}, sdkerr.New(sdkerr.Consistency, "submit.Run", err)
		}

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.cfg.Policy.AttemptTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.cfg.Policy.AttemptTimeout)
		}
		start := p.cfg.Clock.Now()
		res := p.cfg.Transport.Submit(callCtx, a.Envelope)
		cancel()
		p.cfg.Metrics.SubmitAttempt(p.acct, resultLabel(res), p.cfg.Clock.Now().Sub(start))

		if _, transient := res.(venue.TransientFailure); transient && ctx.Err() != nil {
			a.cancel(ctx.Err())
			break
		}
		delay, retry := a.record(res, p.cfg.Clock.Now())
		if !retry {
			break
		}
		p.log.Debugw("submit_retry", "client_id", id, "nonce", a.Envelope.Nonce,
			"attempt", a.Count, "delay", delay, "cause", a.LastErr)
		select {
		case <-ctx.Done():
			a.cancel(ctx.Err())
		case <-p.cfg.Clock.After(delay):
		}
	}
	return p.result(a)
}

// Submit is Prepare followed by Run.
func (p *Pipeline) Submit(ctx context.Context, req Request) (Ack, error) {
	a, err := p.Prepare(req)
	if err != nil {
		return Ack{}, err
	}
	return p.Run(ctx, a)
}

func (p *Pipeline) result(a *Attempt) (Ack, error) {
	env := a.Envelope
	id := env.ClientOrderID()
	switch a.Outcome {
	case Acked:
		ack := Ack{
			ClientOrderID: id,
			VenueOrderID:  a.ack.VenueOrderID,
			Sequence:      a.ack.Sequence,
			Nonce:         env.Nonce,
			Duplicate:     a.ack.Duplicate,
			Attempts:      a.Count,
		}
		if env.Type != venue.RequestOrder {
			return ack, nil
		}
		return p.recordAck(ack)
	case Rejected:
		p.log.Infow("submit_rejected", "client_id", id, "nonce", env.Nonce, "reason", a.rejected.Reason, "message", a.rejected.Message)
		return Ack{}, a.LastErr
	case Exhausted:
		p.log.Warnw("submit_exhausted", "client_id", id, "nonce", env.Nonce, "attempts", a.Count, "cause", a.LastErr)
		return Ack{}, sdkerr.Transient("submit.Run", fmt.Errorf("gave up on %s after %d attempts: %w", id, a.Count, a.LastErr))
	case Canceled:
		return Ack{}, a.LastErr
	}
	return Ack{}, sdkerr.Consistencyf("submit.Run", "attempt for %s finished without outcome", id)
}

func (p *Pipeline) recordAck(ack Ack) (Ack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.acks[ack.ClientOrderID]
	if !ok {
		p.acks[ack.ClientOrderID] = ack
		return ack, nil
	}
	if prev.VenueOrderID != ack.VenueOrderID {
		return Ack{}, sdkerr.Consistencyf("submit.Ack", "order %s acknowledged as %s and again as %s",
			ack.ClientOrderID, prev.VenueOrderID, ack.VenueOrderID)
	}
	prev.Duplicate = true
	return prev, nil
}

func resultLabel(res venue.Result) string {
	switch res.(type) {
	case venue.Acknowledged:
		return "ack"
	case venue.Rejected:
		return "rejected"
	case venue.TransientFailure:
		return "transient"
	}
	return "unknown"
}

// IsRetryable reports whether err leaves the submission outcome unknown.
func IsRetryable(err error) bool {
	return sdkerr.Is(err, sdkerr.TransientNetwork) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
