package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpsdk/params"
	"github.com/uhyunpark/perpsdk/pkg/crypto"
	"github.com/uhyunpark/perpsdk/pkg/fixed"
	"github.com/uhyunpark/perpsdk/pkg/storage"
	"github.com/uhyunpark/perpsdk/pkg/transport"
	"github.com/uhyunpark/perpsdk/pkg/util"
	"github.com/uhyunpark/perpsdk/pkg/venuesim"
)

func main() {
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	reg, err := params.LoadInstruments(cfg.InstrumentsFile)
	if err != nil {
		sugar.Fatalw("instruments_load_failed", "file", cfg.InstrumentsFile, "err", err)
	}

	simCfg := venuesim.Config{
		Instruments: reg,
		Digester:    crypto.NewTypedData(cfg.Domain()),
		Limits:      cfg.Limits(),
		Logger:      sugar,
	}
	if cfg.Sim.AttestSeed != "" {
		att, err := crypto.NewAttesterFromSeed([]byte(cfg.Sim.AttestSeed))
		if err != nil {
			sugar.Fatalw("attester_init_failed", "err", err)
		}
		pk, _ := att.PublicKeyHex()
		sugar.Infow("snapshot_attestation_enabled", "public_key", pk)
		simCfg.Attester = att
	}
	sim := venuesim.New(simCfg)

	for _, d := range cfg.Sim.Deposits {
		if err := deposit(sim, d); err != nil {
			sugar.Fatalw("seed_deposit_failed", "deposit", d, "err", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srvCfg := venuesim.ServerConfig{Logger: sugar}
	if cfg.Sim.TxLog != "" {
		wal, err := storage.NewFileWAL(cfg.Sim.TxLog)
		if err != nil {
			sugar.Fatalw("tx_log_open_failed", "err", err)
		}
		defer wal.Close()
		srvCfg.TxLog = wal
	}
	server := venuesim.NewServer(sim, srvCfg)
	defer server.Close()

	// ---- Gossip feed (optional) ----
	if cfg.Sim.GossipListen != "" {
		gn, err := transport.NewGossipNet(ctx, transport.GossipConfig{
			ListenAddr: cfg.Sim.GossipListen,
			Logger:     sugar,
		})
		if err != nil {
			sugar.Fatalw("libp2p_init_failed", "err", err)
		}
		defer gn.Close()
		gn.SetSnapshotProvider(sim.FetchSnapshot)
		relay := venuesim.NewRelay(sim, gn, 0, sugar)
		go relay.Run(ctx)
		sugar.Infow("gossip_feed_enabled", "addrs", gn.Addrs())
	}

	sugar.Infow("venue_sim_starting",
		"addr", cfg.Sim.ListenAddr,
		"instruments", reg.Count(),
		"chain_id", cfg.Venue.ChainID,
		"seed_deposits", len(cfg.Sim.Deposits))

	if err := server.ListenAndServe(ctx, cfg.Sim.ListenAddr); err != nil {
		sugar.Fatalw("api_server_failed", "err", err)
	}
	sugar.Info("venue_sim_stopped")
}

func newLogger(cfg params.Logging) (*zap.Logger, error) {
	if cfg.File != "" {
		return util.NewLoggerWithFile(cfg.File, cfg.Level)
	}
	return util.NewLogger(cfg.Level)
}

// deposit credits one "address:asset:amount" entry.
func deposit(sim *venuesim.Venue, entry string) error {
	parts := strings.Split(entry, ":")
	if len(parts) != 3 || !common.IsHexAddress(parts[0]) {
		return fmt.Errorf("want address:asset:amount, got %q", entry)
	}
	dp, err := sim.Instruments().CollateralDecimals(parts[1])
	if err != nil {
		return err
	}
	amount, err := fixed.Parse(parts[2], dp, fixed.TowardZero)
	if err != nil {
		return err
	}
	return sim.Deposit(common.HexToAddress(parts[0]), parts[1], amount)
}
