package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/perpsdk/pkg/account"
	"github.com/uhyunpark/perpsdk/pkg/fixed"
	"github.com/uhyunpark/perpsdk/pkg/reconcile"
	"github.com/uhyunpark/perpsdk/pkg/risk"
	"github.com/uhyunpark/perpsdk/pkg/sdkerr"
	"github.com/uhyunpark/perpsdk/pkg/venue"
	"github.com/uhyunpark/perpsdk/pkg/venuesim"
)

func TestConcurrentPlacementAgainstFiniteBalance(t *testing.T) {
	e := newEnv(t, risk.Limits{}, nil)
	s := e.start(t, e.config())
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		placed   atomic.Int32
		rejected atomic.Int32
		stop     = make(chan struct{})
		badView  = make(chan error, 1)
	)

	// reader sees every intermediate view while orders and deposits land
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			v, err := s.GetAccountState()
			if err != nil {
				continue
			}
			for _, b := range v.Balances {
				if err := b.Validate(); err != nil {
					select {
					case badView <- fmt.Errorf("seq %d: %w", v.Sequence, err):
					default:
					}
				}
			}
		}
	}()

	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.PlaceOrder(ctx, limitBuy(fmt.Sprintf("c%02d", i), "1", "1000"))
			if err != nil {
				assert.Equal(t, sdkerr.ReasonInsufficientMargin, sdkerr.ReasonOf(err), "order c%02d: %v", i, err)
				rejected.Add(1)
				return
			}
			placed.Add(1)
		}(i)
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.sim.Deposit(e.signer.Address(), "USDC", fixed.MustParse("1", 6)))
		}()
	}
	wg.Wait()

	want, err := e.sim.Snapshot(e.signer.Address())
	require.NoError(t, err)
	var v account.AccountView
	require.Eventually(t, func() bool {
		v, err = s.GetAccountState()
		return err == nil && v.Sequence == want.Sequence && len(v.Reservations) == 0
	}, 5*time.Second, 5*time.Millisecond)
	close(stop)
	<-readerDone

	select {
	case err := <-badView:
		t.Fatalf("unbalanced view: %v", err)
	default:
	}

	assert.Equal(t, int32(40), placed.Load()+rejected.Load())
	assert.Positive(t, placed.Load())
	assert.Positive(t, rejected.Load())

	bal := v.Balances["USDC"]
	require.NoError(t, bal.Validate())
	assert.Equal(t, "1010.000000", bal.Total.String())
	assert.True(t, bal.Locked.Equal(want.Balances["USDC"].Locked))
	assert.NoError(t, s.Err())

	sent := e.sim.Envelopes()
	assert.GreaterOrEqual(t, len(sent), int(placed.Load()))
	seen := make(map[uint64]bool, len(sent))
	for _, env := range sent {
		assert.False(t, seen[env.Nonce], "nonce %d reused", env.Nonce)
		seen[env.Nonce] = true
	}
}

// closedFeed serves the simulator but its account feed ends at once.
type closedFeed struct{ *venuesim.Venue }

func (closedFeed) Subscribe(context.Context, common.Address) (<-chan venue.Event, error) {
	ch := make(chan venue.Event)
	close(ch)
	return ch, nil
}

func TestClosedFeedIsReported(t *testing.T) {
	e := newEnv(t, risk.Limits{}, nil)
	cfg := e.config()
	cfg.Transport = closedFeed{e.sim}
	s := e.start(t, cfg)

	require.Eventually(t, func() bool { return s.Err() != nil }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, sdkerr.Is(s.Err(), sdkerr.TransientNetwork))
	assert.ErrorIs(t, s.Err(), reconcile.ErrFeedClosed)

	_, err := s.GetAccountState()
	assert.ErrorIs(t, err, reconcile.ErrFeedClosed)
}
