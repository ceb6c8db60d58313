package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds daemon configuration.
type Config struct {
	// CoordinatorURL empty means local simulation mode.
	CoordinatorURL string
	ChainID        int64
	Asset          string
	AppID          string
	Production     bool

	DataDir       string
	KeyPassphrase string
	HTTPAddr      string
	APIToken      string
	LedgerDSN     string
	// SnapshotStore is "bolt" or "postgres"; postgres reuses the ledger DSN.
	SnapshotStore string

	SessionTTL        time.Duration
	AuthScope         string
	AuthExpiry        time.Duration
	AuthTimeout       time.Duration
	ReconnectMax      int
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration

	IssuerFeeBps   int64
	PlatformFeeBps int64
	RankingExpr    string

	LogLevel string
}

// Local reports whether no coordinator is configured.
func (c *Config) Local() bool {
	return c.CoordinatorURL == ""
}

// LedgerKind names the ledger backend implied by LedgerDSN.
func (c *Config) LedgerKind() string {
	switch {
	case c.LedgerDSN == "":
		return "log"
	case strings.HasPrefix(c.LedgerDSN, "postgres://"), strings.HasPrefix(c.LedgerDSN, "postgresql://"):
		return "postgres"
	default:
		return "sqlite"
	}
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		CoordinatorURL:    strings.TrimSpace(os.Getenv("CLIPSTAKE_COORDINATOR_URL")),
		ChainID:           parseInt(getenv("CLIPSTAKE_CHAIN_ID", "0"), 0),
		Asset:             getenv("CLIPSTAKE_ASSET", "usdc"),
		AppID:             getenv("CLIPSTAKE_APP_ID", "clipstake"),
		Production:        strings.EqualFold(getenv("CLIPSTAKE_ENV", "development"), "production"),
		DataDir:           getenv("CLIPSTAKE_DATA_DIR", defaultDataDir()),
		KeyPassphrase:     os.Getenv("CLIPSTAKE_KEY_PASSPHRASE"),
		HTTPAddr:          getenv("CLIPSTAKE_HTTP_ADDR", "127.0.0.1:8787"),
		APIToken:          os.Getenv("CLIPSTAKE_API_TOKEN"),
		LedgerDSN:         os.Getenv("CLIPSTAKE_LEDGER_DSN"),
		SnapshotStore:     strings.ToLower(getenv("CLIPSTAKE_SNAPSHOT_STORE", "bolt")),
		SessionTTL:        parseDuration(getenv("CLIPSTAKE_SESSION_TTL", "24h"), 24*time.Hour),
		AuthScope:         getenv("CLIPSTAKE_AUTH_SCOPE", "app.predict"),
		AuthExpiry:        parseDuration(getenv("CLIPSTAKE_AUTH_EXPIRY", "1h"), time.Hour),
		AuthTimeout:       parseDuration(getenv("CLIPSTAKE_AUTH_TIMEOUT", "10s"), 10*time.Second),
		ReconnectMax:      int(parseInt(getenv("CLIPSTAKE_RECONNECT_MAX", "5"), 5)),
		HeartbeatInterval: parseDuration(getenv("CLIPSTAKE_HEARTBEAT_INTERVAL", "30s"), 30*time.Second),
		RequestTimeout:    parseDuration(getenv("CLIPSTAKE_REQUEST_TIMEOUT", "30s"), 30*time.Second),
		IssuerFeeBps:      parseInt(getenv("CLIPSTAKE_ISSUER_FEE_BPS", "500"), 500),
		PlatformFeeBps:    parseInt(getenv("CLIPSTAKE_PLATFORM_FEE_BPS", "250"), 250),
		RankingExpr:       getenv("CLIPSTAKE_RANKING_EXPR", "0.7 * amount + 0.3 * votes"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
	}

	if cfg.IssuerFeeBps < 0 || cfg.PlatformFeeBps < 0 {
		return nil, fmt.Errorf("fee basis points must not be negative")
	}
	if cfg.IssuerFeeBps+cfg.PlatformFeeBps > 10000 {
		return nil, fmt.Errorf("fees exceed the pool: %d + %d bps", cfg.IssuerFeeBps, cfg.PlatformFeeBps)
	}
	if cfg.ReconnectMax < 1 {
		return nil, fmt.Errorf("CLIPSTAKE_RECONNECT_MAX must be at least 1")
	}
	switch cfg.SnapshotStore {
	case "bolt":
	case "postgres":
		if cfg.LedgerKind() != "postgres" {
			return nil, fmt.Errorf("postgres snapshot store requires a postgres CLIPSTAKE_LEDGER_DSN")
		}
	default:
		return nil, fmt.Errorf("unknown snapshot store %q", cfg.SnapshotStore)
	}
	if cfg.CoordinatorURL != "" && !strings.HasPrefix(cfg.CoordinatorURL, "ws://") && !strings.HasPrefix(cfg.CoordinatorURL, "wss://") {
		return nil, fmt.Errorf("coordinator url must use ws:// or wss://: %s", cfg.CoordinatorURL)
	}
	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".clipstake"
	}
	return filepath.Join(home, ".clipstake")
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseInt(val string, def int64) int64 {
	if val == "" {
		return def
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return def
	}
	return n
}
