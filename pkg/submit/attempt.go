package submit

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/uhyunpark/perpsdk/pkg/venue"
)

// Phase is where an Attempt is in its retry loop.
type Phase uint8

const (
	Ready    Phase = iota // envelope built, not yet sent
	InFlight              // transport call outstanding
	Waiting               // transient failure, waiting for NextAt
	Done                  // Outcome is final
)

func (p Phase) String() string {
	switch p {
	case Ready:
		return "ready"
	case InFlight:
		return "in_flight"
	case Waiting:
		return "waiting"
	case Done:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// Outcome classifies a finished Attempt.
type Outcome uint8

const (
	Pending Outcome = iota
	Acked
	Rejected
	Exhausted
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Acked:
		return "acked"
	case Rejected:
		return "rejected"
	case Exhausted:
		return "exhausted"
	case Canceled:
		return "canceled"
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

// Attempt is one logical submission: a single envelope, and so a single
// nonce, sent until it is acknowledged, rejected or given up on.
type Attempt struct {
	Envelope *venue.Envelope
	Phase    Phase
	Outcome  Outcome
	Count    int       // transport calls made
	NextAt   time.Time // earliest time of the next call while Waiting
	LastErr  error

	ack      venue.Acknowledged
	rejected venue.Rejected
	bo       *backoff.ExponentialBackOff
	max      int
}

func newAttempt(env *venue.Envelope, p Policy) *Attempt {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = p.RandomizationFactor
	bo.Reset()
	return &Attempt{Envelope: env, bo: bo, max: p.MaxAttempts}
}

// begin moves a Ready or Waiting attempt in flight.
func (a *Attempt) begin() error {
	if a.Phase != Ready && a.Phase != Waiting {
		return fmt.Errorf("attempt in phase %s cannot be sent", a.Phase)
	}
	a.Phase = InFlight
	a.Count++
	return nil
}

// record applies a transport result and returns the delay before the next
// call when the attempt should be retried.
func (a *Attempt) record(res venue.Result, now time.Time) (time.Duration, bool) {
	switch r := res.(type) {
	case venue.Acknowledged:
		a.finish(Acked)
		a.ack = r
		return 0, false
	case venue.Rejected:
		a.finish(Rejected)
		a.rejected = r
		a.LastErr = r.Err("submit")
		return 0, false
	case venue.TransientFailure:
		a.LastErr = r
		if a.max > 0 && a.Count >= a.max {
			a.finish(Exhausted)
			return 0, false
		}
		d := a.bo.NextBackOff()
		if d == backoff.Stop {
			a.finish(Exhausted)
			return 0, false
		}
		if r.RetryAfter > d {
			d = r.RetryAfter
		}
		a.Phase = Waiting
		a.NextAt = now.Add(d)
		return d, true
	default:
		a.LastErr = fmt.Errorf("unknown transport result %T", res)
		a.finish(Exhausted)
		return 0, false
	}
}

func (a *Attempt) cancel(err error) {
	a.LastErr = err
	a.finish(Canceled)
}

func (a *Attempt) finish(o Outcome) {
	a.Phase = Done
	a.Outcome = o
	a.NextAt = time.Time{}
}
