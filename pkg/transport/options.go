package transport

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpsdk/pkg/metrics"
	"github.com/uhyunpark/perpsdk/pkg/util"
)

// ReconnectPolicy bounds feed reconnects. MaxAttempts 0 retries until the
// subscription's context ends.
type ReconnectPolicy struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	RandomizationFactor float64
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		RandomizationFactor: 0.5,
	}
}

type options struct {
	http      *http.Client
	dialer    *websocket.Dialer
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics
	reconnect ReconnectPolicy
	clock     util.Clock
	buffer    int
}

// Option configures a transport component.
type Option func(*options)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.http = c }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) { o.log = util.OrNop(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithReconnect(p ReconnectPolicy) Option {
	return func(o *options) { o.reconnect = p }
}

func WithClock(c util.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithBuffer sets the event channel capacity of a subscription.
func WithBuffer(n int) Option {
	return func(o *options) { o.buffer = n }
}

func buildOptions(opts []Option) options {
	o := options{
		http:      &http.Client{Timeout: 30 * time.Second},
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:       zap.NewNop().Sugar(),
		reconnect: DefaultReconnectPolicy(),
		clock:     util.RealClock{},
		buffer:    256,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
