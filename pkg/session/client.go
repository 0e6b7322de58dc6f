package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpsdk/pkg/crypto"
	"github.com/uhyunpark/perpsdk/pkg/market"
	"github.com/uhyunpark/perpsdk/pkg/metrics"
	"github.com/uhyunpark/perpsdk/pkg/reconcile"
	"github.com/uhyunpark/perpsdk/pkg/risk"
	"github.com/uhyunpark/perpsdk/pkg/storage"
	"github.com/uhyunpark/perpsdk/pkg/submit"
	"github.com/uhyunpark/perpsdk/pkg/util"
	"github.com/uhyunpark/perpsdk/pkg/venue"
)

// AccountSigner signs for the account it names.
type AccountSigner interface {
	venue.Signer
	Address() common.Address
}

// Client opens sessions that share a transport, instrument registry and
// store. Sessions never share state with each other.
type Client struct {
	transport   venue.Transport
	instruments *market.Registry
	digester    venue.Digester
	limits      risk.Limits
	retry       submit.Policy
	resync      reconcile.ResyncPolicy
	store       *storage.PebbleStore
	eventLog    reconcile.EventLog
	venueKey    *crypto.BLSPubKey
	clock       util.Clock
	log         *zap.SugaredLogger
	metrics     *metrics.Metrics

	mu       sync.Mutex
	sessions map[common.Address]*Session
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithDigester(d venue.Digester) ClientOption { return func(c *Client) { c.digester = d } }

func WithLimits(l risk.Limits) ClientOption { return func(c *Client) { c.limits = l } }

func WithRetryPolicy(p submit.Policy) ClientOption { return func(c *Client) { c.retry = p } }

func WithResyncPolicy(p reconcile.ResyncPolicy) ClientOption {
	return func(c *Client) { c.resync = p }
}

// WithStore persists orders, nonces and snapshots of every session in s.
// Without it sessions keep everything in memory.
func WithStore(s *storage.PebbleStore) ClientOption { return func(c *Client) { c.store = s } }

func WithEventLog(l reconcile.EventLog) ClientOption { return func(c *Client) { c.eventLog = l } }

func WithVenueKey(pk *crypto.BLSPubKey) ClientOption { return func(c *Client) { c.venueKey = pk } }

func WithClock(clk util.Clock) ClientOption { return func(c *Client) { c.clock = clk } }

func WithLogger(l *zap.SugaredLogger) ClientOption { return func(c *Client) { c.log = l } }

func WithMetrics(m *metrics.Metrics) ClientOption { return func(c *Client) { c.metrics = m } }

func NewClient(transport venue.Transport, instruments *market.Registry, opts ...ClientOption) *Client {
	c := &Client{
		transport:   transport,
		instruments: instruments,
		sessions:    make(map[common.Address]*Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = util.OrNop(c.log)
	return c
}

// Open starts a session for the signer's account. Opening an account that
// already has a session returns that session.
func (c *Client) Open(ctx context.Context, signer AccountSigner) (*Session, error) {
	addr := signer.Address()
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[addr]; ok {
		return s, nil
	}

	cfg := Config{
		Account:     addr,
		Signer:      signer,
		Digester:    c.digester,
		Transport:   c.transport,
		Instruments: c.instruments,
		Limits:      c.limits,
		Retry:       c.retry,
		Resync:      c.resync,
		EventLog:    c.eventLog,
		VenueKey:    c.venueKey,
		Clock:       c.clock,
		Logger:      c.log,
		Metrics:     c.metrics,
	}
	if c.store != nil {
		nonces, err := c.store.Nonces(addr)
		if err != nil {
			return nil, fmt.Errorf("open nonce store for %s: %w", addr.Hex(), err)
		}
		cfg.Nonces = nonces
		cfg.Store = c.store.Account(addr)
	} else {
		cfg.Store = storage.NewMemStore()
	}

	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	c.sessions[addr] = s
	c.log.Infow("session_opened", "account", addr.Hex(), "sessions", len(c.sessions))
	return s, nil
}

// Session returns the open session for addr, if any.
func (c *Client) Session(addr common.Address) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[addr]
	return s, ok
}

// Accounts lists the accounts with an open session.
func (c *Client) Accounts() []common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]common.Address, 0, len(c.sessions))
	for a := range c.sessions {
		out = append(out, a)
	}
	return out
}

// Close stops every session. The store, if any, stays open.
func (c *Client) Close() error {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[common.Address]*Session)
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
