package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CLIPSTAKE_COORDINATOR_URL", "")
	t.Setenv("CLIPSTAKE_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Local())
	assert.Equal(t, "clipstake", cfg.AppID)
	assert.False(t, cfg.Production)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 10*time.Second, cfg.AuthTimeout)
	assert.Equal(t, 5, cfg.ReconnectMax)
	assert.Equal(t, int64(500), cfg.IssuerFeeBps)
	assert.Equal(t, int64(250), cfg.PlatformFeeBps)
	assert.Equal(t, "0.7 * amount + 0.3 * votes", cfg.RankingExpr)
	assert.Equal(t, "log", cfg.LedgerKind())
	assert.Equal(t, "bolt", cfg.SnapshotStore)
	assert.Empty(t, cfg.APIToken)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CLIPSTAKE_COORDINATOR_URL", "wss://coordinator.example/ws")
	t.Setenv("CLIPSTAKE_ENV", "Production")
	t.Setenv("CLIPSTAKE_CHAIN_ID", "8453")
	t.Setenv("CLIPSTAKE_SESSION_TTL", "2h")
	t.Setenv("CLIPSTAKE_RECONNECT_MAX", "3")
	t.Setenv("CLIPSTAKE_LEDGER_DSN", "postgres://u:p@localhost/db")
	t.Setenv("CLIPSTAKE_REQUEST_TIMEOUT", "garbage")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.Local())
	assert.True(t, cfg.Production)
	assert.Equal(t, int64(8453), cfg.ChainID)
	assert.Equal(t, 2*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 3, cfg.ReconnectMax)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout, "unparsable values fall back to defaults")
	assert.Equal(t, "postgres", cfg.LedgerKind())

	t.Setenv("CLIPSTAKE_LEDGER_DSN", "/var/lib/clipstake/ledger.db")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.LedgerKind())
}

func TestLoadRejectsBadFees(t *testing.T) {
	t.Setenv("CLIPSTAKE_ISSUER_FEE_BPS", "-1")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("CLIPSTAKE_ISSUER_FEE_BPS", "9000")
	t.Setenv("CLIPSTAKE_PLATFORM_FEE_BPS", "1001")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoadRejectsNonWebsocketCoordinator(t *testing.T) {
	t.Setenv("CLIPSTAKE_COORDINATOR_URL", "https://coordinator.example")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadSnapshotStore(t *testing.T) {
	t.Setenv("CLIPSTAKE_SNAPSHOT_STORE", "postgres")
	t.Setenv("CLIPSTAKE_LEDGER_DSN", "")
	_, err := Load()
	assert.Error(t, err, "postgres snapshots need a postgres ledger")

	t.Setenv("CLIPSTAKE_LEDGER_DSN", "postgres://u:p@localhost/db")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.SnapshotStore)

	t.Setenv("CLIPSTAKE_SNAPSHOT_STORE", "etcd")
	_, err = Load()
	assert.Error(t, err)
}
