package params

import (
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/uhyunpark/perpsdk/pkg/crypto"
	"github.com/uhyunpark/perpsdk/pkg/reconcile"
	"github.com/uhyunpark/perpsdk/pkg/risk"
	"github.com/uhyunpark/perpsdk/pkg/submit"
)

type Venue struct {
	RESTURL     string
	WSURL       string
	ChainID     int64
	GossipPeers []string // multiaddrs; when set the feed comes from gossip instead of the websocket
	SnapshotKey string   // hex BLS public key; empty disables attestation checks
}

type Retry struct {
	MaxAttempts    int
	Initial        time.Duration
	Max            time.Duration
	AttemptTimeout time.Duration
}

type Account struct {
	MaxLeverage int64 // 0 = no account-level cap
}

type Logging struct {
	File  string // tee to this file when set
	Level string
}

// Sim configures cmd/venue-sim.
type Sim struct {
	ListenAddr   string
	GossipListen string // empty disables the gossip publisher
	AttestSeed   string // enables snapshot attestation when set
	TxLog        string
	Deposits     []string // "address:asset:amount", credited at startup
}

type Config struct {
	Venue           Venue
	Retry           Retry
	Account         Account
	StorePath       string
	Logging         Logging
	MetricsAddr     string
	InstrumentsFile string
	Sim             Sim
}

func Default() Config {
	return Config{
		Venue: Venue{
			RESTURL: "http://localhost:8080",
			WSURL:   "ws://localhost:8080/ws",
			ChainID: 1337,
		},
		Retry: Retry{
			MaxAttempts:    5,
			Initial:        200 * time.Millisecond,
			Max:            5 * time.Second,
			AttemptTimeout: 10 * time.Second,
		},
		StorePath:       "data/perp",
		Logging:         Logging{Level: "info"},
		MetricsAddr:     ":9102",
		InstrumentsFile: "configs/instruments.yaml",
		Sim: Sim{
			ListenAddr: ":8080",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// optional; a missing file is fine
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Venue.RESTURL = getEnv("VENUE_REST_URL", cfg.Venue.RESTURL)
	cfg.Venue.WSURL = getEnv("VENUE_WS_URL", cfg.Venue.WSURL)
	cfg.Venue.ChainID = getInt64("VENUE_CHAIN_ID", cfg.Venue.ChainID)
	if peers := os.Getenv("VENUE_GOSSIP_PEERS"); peers != "" {
		cfg.Venue.GossipPeers = splitList(peers)
	}
	cfg.Venue.SnapshotKey = getEnv("VENUE_SNAPSHOT_KEY", cfg.Venue.SnapshotKey)

	cfg.Retry.MaxAttempts = int(getInt64("RETRY_MAX_ATTEMPTS", int64(cfg.Retry.MaxAttempts)))
	cfg.Retry.Initial = getMillis("RETRY_INITIAL_MS", cfg.Retry.Initial)
	cfg.Retry.Max = getMillis("RETRY_MAX_MS", cfg.Retry.Max)
	cfg.Retry.AttemptTimeout = getMillis("RETRY_ATTEMPT_TIMEOUT_MS", cfg.Retry.AttemptTimeout)

	cfg.Account.MaxLeverage = getInt64("ACCOUNT_MAX_LEVERAGE", cfg.Account.MaxLeverage)
	cfg.StorePath = getEnv("STORE_PATH", cfg.StorePath)
	cfg.Logging.File = getEnv("LOG_FILE", cfg.Logging.File)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)
	cfg.InstrumentsFile = getEnv("INSTRUMENTS_FILE", cfg.InstrumentsFile)

	cfg.Sim.ListenAddr = getEnv("SIM_LISTEN_ADDR", cfg.Sim.ListenAddr)
	cfg.Sim.GossipListen = getEnv("SIM_GOSSIP_LISTEN", cfg.Sim.GossipListen)
	cfg.Sim.AttestSeed = getEnv("SIM_ATTEST_SEED", cfg.Sim.AttestSeed)
	cfg.Sim.TxLog = getEnv("SIM_TX_LOG", cfg.Sim.TxLog)
	if deps := os.Getenv("SIM_DEPOSITS"); deps != "" {
		cfg.Sim.Deposits = splitList(deps)
	}

	return cfg
}

// SubmitPolicy is the retry policy for order and cancel submissions.
func (c Config) SubmitPolicy() submit.Policy {
	p := submit.DefaultPolicy()
	p.MaxAttempts = c.Retry.MaxAttempts
	p.InitialInterval = c.Retry.Initial
	p.MaxInterval = c.Retry.Max
	p.AttemptTimeout = c.Retry.AttemptTimeout
	return p
}

// ResyncPolicy reuses the retry bounds for snapshot refetches.
func (c Config) ResyncPolicy() reconcile.ResyncPolicy {
	p := reconcile.DefaultResyncPolicy()
	if c.Retry.MaxAttempts > 0 {
		p.MaxAttempts = c.Retry.MaxAttempts
	}
	p.MaxInterval = c.Retry.Max
	return p
}

func (c Config) Limits() risk.Limits {
	return risk.Limits{MaxLeverage: c.Account.MaxLeverage}
}

// Domain is the EIP-712 signing domain for the configured chain.
func (c Config) Domain() crypto.EIP712Domain {
	d := crypto.DefaultDomain()
	d.ChainID = big.NewInt(c.Venue.ChainID)
	return d
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
