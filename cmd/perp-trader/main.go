package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/perpsdk/params"
	"github.com/uhyunpark/perpsdk/pkg/crypto"
	"github.com/uhyunpark/perpsdk/pkg/metrics"
	"github.com/uhyunpark/perpsdk/pkg/session"
	"github.com/uhyunpark/perpsdk/pkg/storage"
	"github.com/uhyunpark/perpsdk/pkg/transport"
	"github.com/uhyunpark/perpsdk/pkg/util"
	"github.com/uhyunpark/perpsdk/pkg/venue"
)

const usage = `usage: perp-trader [flags] <command> [args]

commands:
  state                                   print the account view
  orders                                  list local orders
  place <instrument> <buy|sell> <size> <price|market> [client-id]
  cancel <client-id>
  topup <trigger> <target> [reserve] [instrument ...]
                                          report positions above the trigger leverage
                                          and the collateral that brings them to target
  watch                                   follow the feed and serve /metrics
`

func main() {
	envPath := flag.String("env", "", "path to .env file")
	keyHex := flag.String("key", os.Getenv("PRIVATE_KEY"), "account private key (hex)")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := params.LoadFromEnv(*envPath)
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if *keyHex == "" {
		sugar.Fatal("no account key: set PRIVATE_KEY or -key")
	}
	signer, err := crypto.FromPrivateKeyHex(*keyHex)
	if err != nil {
		sugar.Fatalw("invalid_private_key", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, signer, flag.Args(), sugar); err != nil {
		sugar.Errorw("command_failed", "command", flag.Arg(0), "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg params.Config, signer *crypto.KeySigner, args []string, log *zap.SugaredLogger) error {
	reg, err := params.LoadInstruments(cfg.InstrumentsFile)
	if err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}
	m := metrics.New("perp")

	store, err := storage.NewPebbleStore(cfg.StorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	tr, closeTransport, err := newTransport(ctx, cfg, m, log)
	if err != nil {
		return err
	}
	defer closeTransport()

	opts := []session.ClientOption{
		session.WithDigester(crypto.NewTypedData(cfg.Domain())),
		session.WithLimits(cfg.Limits()),
		session.WithRetryPolicy(cfg.SubmitPolicy()),
		session.WithResyncPolicy(cfg.ResyncPolicy()),
		session.WithStore(store),
		session.WithLogger(log),
		session.WithMetrics(m),
	}
	if cfg.Venue.SnapshotKey != "" {
		pk, err := crypto.ParseBLSPubKey(cfg.Venue.SnapshotKey)
		if err != nil {
			return fmt.Errorf("venue snapshot key: %w", err)
		}
		opts = append(opts, session.WithVenueKey(pk))
	}
	if cfg.Logging.File != "" {
		wal, err := storage.NewFileWAL(cfg.Logging.File + ".events")
		if err != nil {
			return err
		}
		defer wal.Close()
		opts = append(opts, session.WithEventLog(wal))
	}

	client := session.NewClient(tr, reg, opts...)
	defer client.Close()
	s, err := client.Open(ctx, signer)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	switch args[0] {
	case "state":
		v, err := s.GetAccountState()
		if err != nil {
			return err
		}
		return printJSON(v)
	case "orders":
		return printJSON(s.Orders())
	case "place":
		spec, err := parsePlace(reg, args[1:])
		if err != nil {
			return err
		}
		h, err := s.PlaceOrder(ctx, spec)
		if h == nil {
			return err
		}
		o, gerr := h.Order()
		if gerr != nil {
			return gerr
		}
		if perr := printJSON(o); perr != nil {
			return perr
		}
		return err
	case "cancel":
		if len(args) != 2 {
			return errors.New("cancel needs a client order id")
		}
		if err := s.CancelOrder(ctx, args[1]); err != nil {
			return err
		}
		o, err := s.GetOrder(args[1])
		if err != nil {
			return err
		}
		return printJSON(o)
	case "topup":
		tcfg, err := parseTopUp(reg, args[1:])
		if err != nil {
			return err
		}
		sum, err := s.TopUps(tcfg)
		if err != nil {
			return err
		}
		if act, ok := sum.Next(); ok {
			log.Infow("topup_next", "instrument", act.Instrument, "amount", act.Amount.String(),
				"leverage", act.Leverage.String(), "target", tcfg.TargetLeverage)
		}
		return printJSON(sum)
	case "watch":
		return watch(ctx, cfg.MetricsAddr, s, m, log)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// newTransport pairs the REST client with the websocket feed, or with the
// gossip feed when peers are configured.
func newTransport(ctx context.Context, cfg params.Config, m *metrics.Metrics, log *zap.SugaredLogger) (venue.Transport, func(), error) {
	topts := []transport.Option{transport.WithLogger(log), transport.WithMetrics(m)}
	rest := transport.NewREST(cfg.Venue.RESTURL, topts...)
	if len(cfg.Venue.GossipPeers) == 0 {
		return transport.NewVenue(rest, transport.NewWSFeed(cfg.Venue.WSURL, topts...)), func() {}, nil
	}
	gn, err := transport.NewGossipNet(ctx, transport.GossipConfig{
		Bootstrap: cfg.Venue.GossipPeers,
		Logger:    log,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("gossip feed: %w", err)
	}
	return transport.NewVenue(rest, gn), func() { gn.Close() }, nil
}

func watch(ctx context.Context, addr string, s *session.Session, m *metrics.Metrics, log *zap.SugaredLogger) error {
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("metrics_server_failed", "err", err)
			}
		}()
		defer srv.Close()
		log.Infow("metrics_server_started", "addr", addr)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Err(); err != nil {
				return err
			}
			v, err := s.GetAccountState()
			if err != nil || v.Sequence == last {
				continue
			}
			last = v.Sequence
			if err := printJSON(v); err != nil {
				return err
			}
		}
	}
}

func newLogger(cfg params.Logging) (*zap.Logger, error) {
	if cfg.File != "" {
		return util.NewLoggerWithFile(cfg.File, cfg.Level)
	}
	return util.NewLogger(cfg.Level)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
