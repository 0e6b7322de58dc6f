package reconcile

import (
	"sort"
	"sync"

	"github.com/uhyunpark/perpsdk/pkg/venue"
)

// sequenced is a feed event that advances the account sequence.
type sequenced struct {
	seq uint64
	ev  venue.Event
}

func sequenceOf(ev venue.Event) (uint64, bool) {
	switch e := ev.(type) {
	case venue.Delta:
		return e.Sequence, true
	case venue.FundingSettlement:
		return e.Sequence, true
	}
	return 0, false
}

// DefaultMaxPending bounds the queue when no limit is configured.
const DefaultMaxPending = 1024

// Pending holds sequenced events that arrived ahead of the confirmed
// sequence, ordered by sequence. The first event seen for a sequence wins.
// It holds at most limit events: pushing onto a full queue empties it first.
// Every queued event was committed by the venue before it reached us, so the
// snapshot the caller fetches next covers whatever was dropped.
type Pending struct {
	mu        sync.Mutex
	items     []sequenced
	limit     int
	overflows int
}

func NewPending(limit int) *Pending {
	if limit <= 0 {
		limit = DefaultMaxPending
	}
	return &Pending{limit: limit}
}

// Push enqueues ev. It reports false for events without a sequence and for
// sequences already queued.
func (p *Pending) Push(ev venue.Event) bool {
	seq, ok := sequenceOf(ev)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	i := sort.Search(len(p.items), func(i int) bool { return p.items[i].seq >= seq })
	if i < len(p.items) && p.items[i].seq == seq {
		return false
	}
	if len(p.items) >= p.limit {
		p.items = p.items[:0]
		p.overflows++
		i = 0
	}
	p.items = append(p.items, sequenced{})
	copy(p.items[i+1:], p.items[i:])
	p.items[i] = sequenced{seq: seq, ev: ev}
	return true
}

// DropThrough discards everything at or below seq and returns how many
// events were dropped.
func (p *Pending) DropThrough(seq uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := sort.Search(len(p.items), func(i int) bool { return p.items[i].seq > seq })
	p.items = p.items[i:]
	return i
}

// PopNext removes and returns the event with exactly seq, if it is queued
// at the head.
func (p *Pending) PopNext(seq uint64) (venue.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.items) == 0 || p.items[0].seq != seq {
		return nil, false
	}
	ev := p.items[0].ev
	p.items = p.items[1:]
	return ev, true
}

// Max returns the highest queued sequence, or 0.
func (p *Pending) Max() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.items) == 0 {
		return 0
	}
	return p.items[len(p.items)-1].seq
}

// Overflows counts how many times a full queue was emptied.
func (p *Pending) Overflows() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overflows
}

// Len returns the number of queued events.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}
