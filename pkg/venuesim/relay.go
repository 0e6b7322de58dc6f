package venuesim

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpsdk/pkg/util"
	"github.com/uhyunpark/perpsdk/pkg/venue"
)

// Publisher forwards account events to another network, e.g. gossip.
type Publisher interface {
	Publish(ctx context.Context, acct common.Address, ev venue.Event) error
}

type relayed struct {
	acct common.Address
	ev   venue.Event
}

// Relay copies every venue event to pub in commit order. Listeners run
// under the venue lock, so events are queued and published from a single
// goroutine; when the queue is full the event is dropped and subscribers
// recover through a sequence gap.
type Relay struct {
	pub   Publisher
	queue chan relayed
	log   *zap.SugaredLogger
}

func NewRelay(v *Venue, pub Publisher, buffer int, log *zap.SugaredLogger) *Relay {
	if buffer <= 0 {
		buffer = 1024
	}
	r := &Relay{
		pub:   pub,
		queue: make(chan relayed, buffer),
		log:   util.OrNop(log).With("component", "venuesim_relay"),
	}
	v.OnEvent(func(acct common.Address, ev venue.Event) {
		select {
		case r.queue <- relayed{acct: acct, ev: ev}:
		default:
			r.log.Warnw("relay_queue_full", "account", acct.Hex(), "type", string(ev.EventType()))
		}
	})
	return r
}

// Run publishes queued events until ctx ends.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-r.queue:
			if err := r.pub.Publish(ctx, m.acct, m.ev); err != nil {
				r.log.Warnw("relay_publish_failed", "account", m.acct.Hex(), "error", err)
			}
		}
	}
}
