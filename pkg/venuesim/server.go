package venuesim

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpsdk/pkg/util"
	"github.com/uhyunpark/perpsdk/pkg/venue"
)

// TxLog records submitted envelopes, one JSON line each.
type TxLog interface {
	Append(line string)
}

type ServerConfig struct {
	AllowedOrigins []string
	TxLog          TxLog // optional
	Logger         *zap.SugaredLogger
}

// Server exposes a Venue over REST and a websocket feed.
type Server struct {
	v      *Venue
	router *mux.Router
	hub    *Hub
	txLog  TxLog
	log    *zap.SugaredLogger
	cors   *cors.Cors
	stop   context.CancelFunc
}

func NewServer(v *Venue, cfg ServerConfig) *Server {
	log := util.OrNop(cfg.Logger).With("component", "venuesim_api")
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		v:      v,
		router: mux.NewRouter(),
		hub:    NewHub(log),
		txLog:  cfg.TxLog,
		log:    log,
		stop:   cancel,
		cors: cors.New(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization"},
			AllowCredentials: true,
		}),
	}
	go s.hub.Run(ctx)
	v.OnEvent(func(acct common.Address, ev venue.Event) {
		frame, err := venue.EncodeEvent(ev)
		if err != nil {
			log.Warnw("event_encode_failed", "type", string(ev.EventType()), "error", err)
			return
		}
		s.hub.BroadcastToChannel(venue.AccountChannel(acct.Hex()), frame)
	})
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc(venue.RouteEnvelopes, s.handleSubmit).Methods("POST")
	s.router.HandleFunc(venue.RouteSnapshot, s.handleSnapshot).Methods("GET")
	s.router.HandleFunc(venue.RouteMarkets, s.handleMarkets).Methods("GET")
	s.router.HandleFunc("/api/v1/accounts/{address}/orders", s.handleOrders).Methods("GET")
	s.router.HandleFunc(venue.RouteFeed, s.handleWebSocket)
	s.router.HandleFunc(venue.RouteHealth, s.handleHealth).Methods("GET")
}

// Handler returns the CORS-wrapped router.
func (s *Server) Handler() http.Handler {
	return s.cors.Handler(s.router)
}

// ListenAndServe serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()
	s.log.Infow("server_starting", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops the websocket hub.
func (s *Server) Close() {
	s.stop()
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}
	env, err := venue.DeserializeEnvelope(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid envelope", err.Error())
		return
	}

	res := s.v.Submit(r.Context(), env)
	resp := venue.ResponseFor(res)
	s.logTransaction(env, resp)

	if t, ok := res.(venue.TransientFailure); ok {
		if t.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int((t.RetryAfter+time.Second-1)/time.Second)))
		}
		respondStatus(w, http.StatusServiceUnavailable, resp)
		return
	}
	respondJSON(w, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressVar(w, r)
	if !ok {
		return
	}
	snap, err := s.v.Snapshot(addr)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "snapshot failed", err.Error())
		return
	}
	respondJSON(w, snap)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressVar(w, r)
	if !ok {
		return
	}
	respondJSON(w, s.v.Orders(addr))
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.v.Instruments().List())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func addressVar(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "invalid address", raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func respondJSON(w http.ResponseWriter, data any) {
	respondStatus(w, http.StatusOK, data)
}

func respondStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg, detail string) {
	respondStatus(w, status, venue.ErrorResponse{Error: msg, Message: detail})
}

func (s *Server) logTransaction(env *venue.Envelope, resp venue.SubmitResponse) {
	if s.txLog == nil {
		return
	}
	entry := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"type":      env.Type,
		"account":   env.Account().Hex(),
		"client_id": env.ClientOrderID(),
		"nonce":     env.Nonce,
		"status":    resp.Status,
		"reason":    resp.Reason,
	}
	b, err := json.Marshal(entry)
	if err != nil {
		s.log.Warnw("tx_log_marshal_failed", "error", err)
		return
	}
	s.txLog.Append(string(b))
}
