package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpsdk/pkg/account"
	"github.com/uhyunpark/perpsdk/pkg/venue"
)

const (
	topicPrefix      = "perp/account/"
	protocolSnapshot = protocol.ID("/perp/snapshot/1.0.0")
	snapshotTimeout  = 10 * time.Second
)

func accountTopic(acct common.Address) string {
	return topicPrefix + acct.Hex()
}

// SnapshotProvider answers snapshot requests from peers. The simulator
// installs one; clients leave it nil.
type SnapshotProvider func(ctx context.Context, acct common.Address) (*account.Snapshot, error)

// GossipNet carries account feeds over gossipsub. Every event is published
// as a venue frame on the account's topic. Snapshots are fetched point to
// point over a libp2p stream.
type GossipNet struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic

	muP      sync.RWMutex
	provider SnapshotProvider
}

type GossipConfig struct {
	ListenAddr string   // multiaddr, e.g. /ip4/0.0.0.0/tcp/4001
	Bootstrap  []string // full /p2p/ multiaddrs of venue peers
	Logger     *zap.SugaredLogger
}

func NewGossipNet(ctx context.Context, cfg GossipConfig) (*GossipNet, error) {
	log := zap.NewNop().Sugar()
	if cfg.Logger != nil {
		log = cfg.Logger
	}
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	n := &GossipNet{
		h:      h,
		ps:     ps,
		log:    log.With("transport", "gossip"),
		topics: make(map[string]*pubsub.Topic),
	}
	for _, bs := range cfg.Bootstrap {
		if err := n.Connect(ctx, bs); err != nil {
			n.log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}
	h.SetStreamHandler(protocolSnapshot, n.handleSnapshotStream)
	n.log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return n, nil
}

func (n *GossipNet) Host() host.Host { return n.h }

// Addrs returns the full multiaddrs other peers can bootstrap from.
func (n *GossipNet) Addrs() []string {
	var out []string
	for _, a := range n.h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.h.ID()))
	}
	return out
}

// Connect dials a peer given as a /p2p/ multiaddr.
func (n *GossipNet) Connect(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return n.h.Connect(ctx, *info)
}

func (n *GossipNet) Close() error {
	n.mu.Lock()
	for name, t := range n.topics {
		t.Close()
		delete(n.topics, name)
	}
	n.mu.Unlock()
	return n.h.Close()
}

// SetSnapshotProvider makes this node answer snapshot requests.
func (n *GossipNet) SetSnapshotProvider(p SnapshotProvider) {
	n.muP.Lock()
	n.provider = p
	n.muP.Unlock()
}

// topic joins name once; pubsub refuses a second Join of the same topic.
func (n *GossipNet) topic(name string) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.ps.Join(name)
	if err != nil {
		return nil, err
	}
	n.topics[name] = t
	return t, nil
}

// Publish sends ev on acct's topic.
func (n *GossipNet) Publish(ctx context.Context, acct common.Address, ev venue.Event) error {
	data, err := venue.EncodeEvent(ev)
	if err != nil {
		return err
	}
	t, err := n.topic(accountTopic(acct))
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

// Subscribe delivers acct's events until ctx ends. Gossip has no session to
// drop, so no Disconnect is emitted; the reconciler's gap handling covers
// lost messages.
func (n *GossipNet) Subscribe(ctx context.Context, acct common.Address) (<-chan venue.Event, error) {
	t, err := n.topic(accountTopic(acct))
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, err
	}
	out := make(chan venue.Event, 256)
	go func() {
		defer close(out)
		defer sub.Cancel()
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			ev, err := venue.DecodeEvent(msg.Data)
			if err != nil {
				n.log.Warnw("gossip_frame_invalid", "from", msg.ReceivedFrom.String(), "error", err)
				continue
			}
			if !emit(ctx, out, ev) {
				return
			}
		}
	}()
	return out, nil
}

// snapshotRequest opens a snapshot stream. The peer answers with one
// snapshotReply and closes.
type snapshotRequest struct {
	Account common.Address `json:"account"`
}

type snapshotReply struct {
	Snapshot *account.Snapshot `json:"snapshot,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// FetchSnapshot asks connected peers in turn until one answers.
func (n *GossipNet) FetchSnapshot(ctx context.Context, acct common.Address) (*account.Snapshot, error) {
	peers := n.h.Network().Peers()
	if len(peers) == 0 {
		return nil, errors.New("no peers connected")
	}
	var lastErr error
	for _, p := range peers {
		s, err := n.fetchFrom(ctx, p, acct)
		if err == nil {
			return s, nil
		}
		lastErr = err
		n.log.Debugw("snapshot_peer_failed", "peer", p.String(), "error", err)
	}
	return nil, lastErr
}

func (n *GossipNet) fetchFrom(ctx context.Context, p peer.ID, acct common.Address) (*account.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	s, err := n.h.NewStream(ctx, p, protocolSnapshot)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if deadline, ok := ctx.Deadline(); ok {
		s.SetDeadline(deadline)
	}
	if err := json.NewEncoder(s).Encode(snapshotRequest{Account: acct}); err != nil {
		return nil, err
	}
	if err := s.CloseWrite(); err != nil {
		return nil, err
	}
	var reply snapshotReply
	if err := json.NewDecoder(io.LimitReader(s, maxBody)).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode snapshot reply: %w", err)
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	if reply.Snapshot == nil || reply.Snapshot.Account != acct {
		return nil, fmt.Errorf("peer %s sent no snapshot for %s", p, acct.Hex())
	}
	return reply.Snapshot, nil
}

func (n *GossipNet) handleSnapshotStream(s network.Stream) {
	defer s.Close()
	s.SetDeadline(time.Now().Add(snapshotTimeout))

	var req snapshotRequest
	if err := json.NewDecoder(io.LimitReader(s, 4096)).Decode(&req); err != nil {
		n.log.Debugw("snapshot_request_invalid", "peer", s.Conn().RemotePeer().String(), "error", err)
		return
	}
	n.muP.RLock()
	provide := n.provider
	n.muP.RUnlock()

	var reply snapshotReply
	if provide == nil {
		reply.Error = "peer serves no snapshots"
	} else if snap, err := provide(context.Background(), req.Account); err != nil {
		reply.Error = err.Error()
	} else {
		reply.Snapshot = snap
	}
	if err := json.NewEncoder(s).Encode(reply); err != nil {
		n.log.Debugw("snapshot_reply_failed", "error", err)
	}
}
