package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpsdk/pkg/metrics"
	"github.com/uhyunpark/perpsdk/pkg/util"
	"github.com/uhyunpark/perpsdk/pkg/venue"
)

const (
	wsPongWait   = 60 * time.Second
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 54 * time.Second
)

// WSFeed subscribes to the venue's websocket account channel. A dropped
// connection is reported as a venue.Disconnect and redialed with backoff.
type WSFeed struct {
	url       string
	dialer    *websocket.Dialer
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics
	reconnect ReconnectPolicy
	clock     util.Clock
	buffer    int
}

// NewWSFeed builds a feed for wsURL, e.g. "ws://localhost:8080/ws".
func NewWSFeed(wsURL string, opts ...Option) *WSFeed {
	o := buildOptions(opts)
	return &WSFeed{
		url:       wsURL,
		dialer:    o.dialer,
		log:       o.log.With("transport", "ws"),
		metrics:   o.metrics,
		reconnect: o.reconnect,
		clock:     o.clock,
		buffer:    o.buffer,
	}
}

// Subscribe dials once and fails fast if the venue is unreachable. After
// that the returned channel stays open until ctx ends or the reconnect
// policy gives up.
func (f *WSFeed) Subscribe(ctx context.Context, acct common.Address) (<-chan venue.Event, error) {
	conn, err := f.dial(ctx, acct)
	if err != nil {
		return nil, err
	}
	out := make(chan venue.Event, f.buffer)
	go f.run(ctx, acct, conn, out)
	return out, nil
}

func (f *WSFeed) dial(ctx context.Context, acct common.Address) (*websocket.Conn, error) {
	u, err := url.Parse(f.url)
	if err != nil {
		return nil, fmt.Errorf("feed url: %w", err)
	}
	conn, _, err := f.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	req := venue.FeedRequest{Op: "subscribe", Channels: []string{venue.AccountChannel(acct.Hex())}}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", acct.Hex(), err)
	}
	f.log.Infow("feed_connected", "account", acct.Hex())
	return conn, nil
}

func (f *WSFeed) run(ctx context.Context, acct common.Address, conn *websocket.Conn, out chan<- venue.Event) {
	defer close(out)
	for {
		cause := f.pump(ctx, conn, out)
		if ctx.Err() != nil {
			return
		}
		f.log.Warnw("feed_dropped", "account", acct.Hex(), "error", cause)
		if !emit(ctx, out, venue.Disconnect{Cause: cause}) {
			return
		}
		next, err := f.redial(ctx, acct)
		if err != nil {
			f.log.Errorw("feed_reconnect_gave_up", "account", acct.Hex(), "error", err)
			return
		}
		conn = next
	}
}

// pump reads frames until the connection fails or ctx ends. It always
// closes conn.
func (f *WSFeed) pump(ctx context.Context, conn *websocket.Conn, out chan<- venue.Event) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
				conn.Close()
				return
			case <-done:
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		// the venue may batch frames into one message, newline separated
		for _, line := range strings.Split(string(msg), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			ev, err := venue.DecodeEvent([]byte(line))
			if err != nil {
				f.log.Warnw("feed_frame_invalid", "error", err)
				continue
			}
			if !emit(ctx, out, ev) {
				return ctx.Err()
			}
		}
	}
}

func (f *WSFeed) redial(ctx context.Context, acct common.Address) (*websocket.Conn, error) {
	p := f.reconnect
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.RandomizationFactor = p.RandomizationFactor
	bo.Reset()

	var lastErr error
	for attempt := 1; p.MaxAttempts == 0 || attempt <= p.MaxAttempts; attempt++ {
		d := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.clock.After(d):
		}
		f.metrics.FeedReconnect("ws")
		conn, err := f.dial(ctx, acct)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		f.log.Debugw("feed_redial_failed", "account", acct.Hex(), "attempt", attempt, "delay", d, "error", err)
	}
	if lastErr == nil {
		lastErr = errors.New("no reconnect attempts allowed")
	}
	return nil, lastErr
}

func emit(ctx context.Context, out chan<- venue.Event, ev venue.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
