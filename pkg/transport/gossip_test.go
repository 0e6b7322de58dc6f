package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/perpsdk/pkg/fixed"
	"github.com/uhyunpark/perpsdk/pkg/transport"
	"github.com/uhyunpark/perpsdk/pkg/venue"
	"github.com/uhyunpark/perpsdk/pkg/venuesim"
)

const loopback = "/ip4/127.0.0.1/tcp/0"

func TestGossipFeedCarriesSimulatorEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s := newSimServer(t)
	acct := s.signer.Address()

	venueNet, err := transport.NewGossipNet(ctx, transport.GossipConfig{ListenAddr: loopback})
	require.NoError(t, err)
	defer venueNet.Close()
	venueNet.SetSnapshotProvider(s.sim.FetchSnapshot)
	go venuesim.NewRelay(s.sim, venueNet, 0, nil).Run(ctx)

	client, err := transport.NewGossipNet(ctx, transport.GossipConfig{
		ListenAddr: loopback,
		Bootstrap:  venueNet.Addrs(),
	})
	require.NoError(t, err)
	defer client.Close()

	snap, err := client.FetchSnapshot(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Sequence)
	assert.Equal(t, acct, snap.Account)

	events, err := client.Subscribe(ctx, acct)
	require.NoError(t, err)

	// the venue only learns of the subscription after a gossip round trip
	deadline := time.After(20 * time.Second)
	var got venue.Delta
wait:
	for {
		require.NoError(t, s.sim.Deposit(acct, "USDC", fixed.MustParse("1", 6)))
		select {
		case ev, ok := <-events:
			require.True(t, ok, "feed closed")
			d, isDelta := ev.(venue.Delta)
			require.True(t, isDelta, "got %T", ev)
			got = d
			break wait
		case <-time.After(200 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event over gossip")
		}
	}
	assert.Greater(t, got.Sequence, uint64(1))
	require.Len(t, got.Balances, 1)
	assert.Equal(t, "USDC", got.Balances[0].Asset)
}

func TestGossipSnapshotWithoutProvider(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s := newSimServer(t)

	a, err := transport.NewGossipNet(ctx, transport.GossipConfig{ListenAddr: loopback})
	require.NoError(t, err)
	defer a.Close()

	_, err = a.FetchSnapshot(ctx, s.signer.Address())
	assert.ErrorContains(t, err, "no peers")

	b, err := transport.NewGossipNet(ctx, transport.GossipConfig{ListenAddr: loopback, Bootstrap: a.Addrs()})
	require.NoError(t, err)
	defer b.Close()

	_, err = b.FetchSnapshot(ctx, s.signer.Address())
	assert.ErrorContains(t, err, "serves no snapshots")
}
