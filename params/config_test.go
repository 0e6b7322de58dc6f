package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, int64(1337), cfg.Venue.ChainID)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Venue.GossipPeers)
	assert.Equal(t, int64(1337), cfg.Domain().ChainID.Int64())
}

func TestLoadFromEnvOverridesDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"VENUE_CHAIN_ID=42\nRETRY_INITIAL_MS=50\nSTORE_PATH=/tmp/from-file\n"), 0o600))

	// process environment wins over the file
	t.Setenv("STORE_PATH", "/tmp/from-env")
	t.Setenv("VENUE_GOSSIP_PEERS", " /ip4/127.0.0.1/tcp/9000/p2p/a , ,/ip4/127.0.0.1/tcp/9001/p2p/b")
	t.Setenv("ACCOUNT_MAX_LEVERAGE", "5")
	t.Setenv("RETRY_MAX_ATTEMPTS", "not-a-number")
	// registered with t.Setenv so whatever godotenv loads is cleared afterwards
	t.Setenv("VENUE_CHAIN_ID", "")
	t.Setenv("RETRY_INITIAL_MS", "")
	require.NoError(t, os.Unsetenv("VENUE_CHAIN_ID"))
	require.NoError(t, os.Unsetenv("RETRY_INITIAL_MS"))

	cfg := LoadFromEnv(envFile)
	assert.Equal(t, int64(42), cfg.Venue.ChainID)
	assert.Equal(t, 50*time.Millisecond, cfg.Retry.Initial)
	assert.Equal(t, "/tmp/from-env", cfg.StorePath)
	assert.Equal(t, []string{"/ip4/127.0.0.1/tcp/9000/p2p/a", "/ip4/127.0.0.1/tcp/9001/p2p/b"}, cfg.Venue.GossipPeers)
	assert.Equal(t, int64(5), cfg.Limits().MaxLeverage)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts, "unparsable values keep the default")
	assert.Equal(t, int64(42), cfg.Domain().ChainID.Int64())
}

func TestPolicies(t *testing.T) {
	cfg := Default()
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.Initial = time.Second
	cfg.Retry.Max = 4 * time.Second
	cfg.Retry.AttemptTimeout = 2 * time.Second

	p := cfg.SubmitPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialInterval)
	assert.Equal(t, 4*time.Second, p.MaxInterval)
	assert.Equal(t, 2*time.Second, p.AttemptTimeout)

	r := cfg.ResyncPolicy()
	assert.Equal(t, 3, r.MaxAttempts)
	assert.Equal(t, 4*time.Second, r.MaxInterval)
}
