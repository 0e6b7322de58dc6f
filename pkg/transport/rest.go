// Package transport carries envelopes to a venue and account events back.
// REST handles submits and snapshot fetches; the account feed comes from a
// websocket or a gossipsub topic.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpsdk/pkg/account"
	"github.com/uhyunpark/perpsdk/pkg/sdkerr"
	"github.com/uhyunpark/perpsdk/pkg/venue"
)

// maxBody caps how much of a venue reply is read.
const maxBody = 4 << 20

// REST talks to the venue's HTTP API.
type REST struct {
	baseURL string
	http    *http.Client
	log     *zap.SugaredLogger
}

// NewREST builds a client for baseURL, e.g. "http://localhost:8080".
func NewREST(baseURL string, opts ...Option) *REST {
	o := buildOptions(opts)
	return &REST{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    o.http,
		log:     o.log.With("transport", "rest"),
	}
}

// Submit posts env. Anything short of a decoded acked or rejected reply is a
// TransientFailure, since the venue may or may not have seen the request.
func (r *REST) Submit(ctx context.Context, env *venue.Envelope) venue.Result {
	body, err := env.Serialize()
	if err != nil {
		// nothing was sent; the same envelope would fail again
		return venue.Rejected{Reason: sdkerr.ReasonUnknown, Message: fmt.Sprintf("encode envelope: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+venue.RouteEnvelopes, bytes.NewReader(body))
	if err != nil {
		return venue.Rejected{Reason: sdkerr.ReasonUnknown, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return venue.TransientFailure{Cause: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return venue.TransientFailure{Cause: fmt.Errorf("read reply: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return venue.TransientFailure{
			Cause:      fmt.Errorf("venue returned %d: %s", resp.StatusCode, errorText(raw)),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 400:
		var sr venue.SubmitResponse
		if json.Unmarshal(raw, &sr) == nil && sr.Status == venue.SubmitRejected {
			return sr.Result()
		}
		return venue.Rejected{Reason: sdkerr.ReasonUnknown, Message: fmt.Sprintf("venue returned %d: %s", resp.StatusCode, errorText(raw))}
	}

	var sr venue.SubmitResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return venue.TransientFailure{Cause: fmt.Errorf("decode reply: %w", err)}
	}
	res := sr.Result()
	if t, ok := res.(venue.TransientFailure); ok && t.RetryAfter == 0 {
		t.RetryAfter = retryAfter(resp.Header.Get("Retry-After"))
		res = t
	}
	r.log.Debugw("submit_reply", "client_id", env.ClientOrderID(), "nonce", env.Nonce, "status", sr.Status)
	return res
}

// Subscribe is not served over REST.
func (r *REST) Subscribe(context.Context, common.Address) (<-chan venue.Event, error) {
	return nil, errors.New("rest transport has no event feed")
}

// FetchSnapshot returns the venue's current snapshot for acct.
func (r *REST) FetchSnapshot(ctx context.Context, acct common.Address) (*account.Snapshot, error) {
	path := strings.Replace(venue.RouteSnapshot, "{address}", acct.Hex(), 1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch snapshot: venue returned %d: %s", resp.StatusCode, errorText(raw))
	}
	var s account.Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Account != acct {
		return nil, sdkerr.Consistencyf("transport.FetchSnapshot", "asked for %s, got %s", acct.Hex(), s.Account.Hex())
	}
	if s.Balances == nil {
		s.Balances = map[string]account.Balance{}
	}
	if s.Positions == nil {
		s.Positions = map[string]account.Position{}
	}
	return &s, nil
}

func errorText(raw []byte) string {
	var e venue.ErrorResponse
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		if e.Message != "" {
			return e.Error + ": " + e.Message
		}
		return e.Error
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return strings.TrimSpace(string(raw))
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
