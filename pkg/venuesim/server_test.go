package venuesim

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/perpsdk/pkg/venue"
)

type memTxLog struct {
	mu    sync.Mutex
	lines []string
}

func (m *memTxLog) Append(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, line)
}

func serve(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServerSubmitAndQuery(t *testing.T) {
	f := newSim(t, nil)
	txlog := &memTxLog{}
	s := NewServer(f.v, ServerConfig{TxLog: txlog})
	t.Cleanup(s.Close)

	body, err := f.envelope(t, f.order("o1", true, "0.5", "100"), 1).Serialize()
	require.NoError(t, err)
	rec := serve(t, s, http.MethodPost, venue.RouteEnvelopes, body)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp venue.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, venue.SubmitAcked, resp.Status)
	assert.Equal(t, "sim-1", resp.VenueOrderID)

	require.Len(t, txlog.lines, 1)
	assert.Contains(t, txlog.lines[0], `"client_id":"o1"`)
	assert.Contains(t, txlog.lines[0], `"status":"acked"`)

	addr := f.signer.Address().Hex()
	rec = serve(t, s, http.MethodGet, "/api/v1/accounts/"+addr+"/orders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var orders []OrderInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &orders))
	require.Len(t, orders, 1)
	assert.Equal(t, "5.025000", orders[0].LockedMargin.String())

	rec = serve(t, s, http.MethodGet, strings.Replace(venue.RouteSnapshot, "{address}", addr, 1), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sequence":2`)
}

func TestServerTransientSetsRetryAfter(t *testing.T) {
	f := newSim(t, nil)
	s := NewServer(f.v, ServerConfig{})
	t.Cleanup(s.Close)
	f.v.FailNext(1, nil, 0)

	body, err := f.envelope(t, f.order("o1", true, "0.5", "100"), 1).Serialize()
	require.NoError(t, err)
	rec := serve(t, s, http.MethodPost, venue.RouteEnvelopes, body)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))
	var resp venue.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, venue.SubmitRetry, resp.Status)
}

func TestServerRejectsMalformedRequests(t *testing.T) {
	f := newSim(t, nil)
	s := NewServer(f.v, ServerConfig{})
	t.Cleanup(s.Close)

	rec := serve(t, s, http.MethodPost, venue.RouteEnvelopes, []byte("{"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var e venue.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, "invalid envelope", e.Error)

	rec = serve(t, s, http.MethodGet, "/api/v1/accounts/nothex/snapshot", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerMarketsAndHealth(t *testing.T) {
	f := newSim(t, nil)
	s := NewServer(f.v, ServerConfig{})
	t.Cleanup(s.Close)

	rec := serve(t, s, http.MethodGet, venue.RouteMarkets, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "BTC-USDC")

	rec = serve(t, s, http.MethodGet, venue.RouteHealth, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
