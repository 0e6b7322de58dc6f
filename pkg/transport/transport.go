package transport

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpsdk/pkg/account"
	"github.com/uhyunpark/perpsdk/pkg/venue"
)

// Feed delivers one account's events.
type Feed interface {
	Subscribe(ctx context.Context, acct common.Address) (<-chan venue.Event, error)
}

// Venue is a venue.Transport assembled from a REST client and a feed.
type Venue struct {
	rest *REST
	feed Feed
}

var _ venue.Transport = (*Venue)(nil)

func NewVenue(rest *REST, feed Feed) *Venue {
	return &Venue{rest: rest, feed: feed}
}

func (v *Venue) Submit(ctx context.Context, env *venue.Envelope) venue.Result {
	return v.rest.Submit(ctx, env)
}

func (v *Venue) Subscribe(ctx context.Context, acct common.Address) (<-chan venue.Event, error) {
	if v.feed == nil {
		return v.rest.Subscribe(ctx, acct)
	}
	return v.feed.Subscribe(ctx, acct)
}

func (v *Venue) FetchSnapshot(ctx context.Context, acct common.Address) (*account.Snapshot, error) {
	return v.rest.FetchSnapshot(ctx, acct)
}
