package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	httpapi "github.com/clipstake/clipstake/internal/api/http"
	appSession "github.com/clipstake/clipstake/internal/application/session"
	appSettlement "github.com/clipstake/clipstake/internal/application/settlement"
	"github.com/clipstake/clipstake/internal/config"
	"github.com/clipstake/clipstake/internal/domain/payout"
	"github.com/clipstake/clipstake/internal/domain/session"
	"github.com/clipstake/clipstake/internal/domain/settlement"
	"github.com/clipstake/clipstake/internal/infrastructure/boltstore"
	"github.com/clipstake/clipstake/internal/infrastructure/broadcast"
	"github.com/clipstake/clipstake/internal/infrastructure/channel"
	"github.com/clipstake/clipstake/internal/infrastructure/keystore"
	"github.com/clipstake/clipstake/internal/infrastructure/metrics"
	"github.com/clipstake/clipstake/internal/infrastructure/postgres"
	"github.com/clipstake/clipstake/internal/infrastructure/signer"
	"github.com/clipstake/clipstake/internal/infrastructure/sqlite"
	"github.com/clipstake/clipstake/internal/protocol"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// identity and durability
	keyStore, err := keystore.Open(keystore.Options{DataDir: cfg.DataDir, Passphrase: cfg.KeyPassphrase}, logger)
	if err != nil {
		log.Fatalf("keystore error: %v", err)
	}
	ledger, pool, closeLedger, err := openLedger(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("ledger error: %v", err)
	}
	defer closeLedger()

	var repo session.Repository
	if cfg.SnapshotStore == "postgres" {
		repo = postgres.NewSessionRepository(pool, keyStore.Address())
	} else if store, err := boltstore.Open(cfg.DataDir); err != nil {
		logger.Warn().Err(err).Msg("session snapshots disabled; state will not survive restart")
	} else {
		repo = store
		defer store.Close()
	}

	hub := broadcast.NewHub(logger, broadcast.WithDropHook(m.IncStreamDrop))
	defer hub.Stop()

	// coordinator channel
	var client *channel.Client
	if !cfg.Local() {
		client = channel.New(channel.Options{
			URL:               cfg.CoordinatorURL,
			AppID:             cfg.AppID,
			Scope:             cfg.AuthScope,
			AuthExpiry:        cfg.AuthExpiry,
			Production:        cfg.Production,
			HeartbeatInterval: cfg.HeartbeatInterval,
			RequestTimeout:    cfg.RequestTimeout,
			MaxAttempts:       cfg.ReconnectMax,
			Metrics:           m,
		}, keyStore, signer.Default(keyStore, cfg.AppID, cfg.ChainID, logger), logger)
		client.OnEvent(func(e channel.Event) {
			ev := logger.Debug()
			if e.Type == channel.EventAuthDegraded || e.Type == channel.EventReconnectAbandoned {
				ev = logger.Warn()
			}
			ev.Str("event", string(e.Type)).Int("attempt", e.Attempt).Err(e.Err).Msg("channel event")
		})
	}

	sessOpts := appSession.Options{
		AppID:       cfg.AppID,
		Asset:       cfg.Asset,
		ChainID:     cfg.ChainID,
		SessionTTL:  cfg.SessionTTL,
		AuthWait:    cfg.AuthTimeout,
		Production:  cfg.Production,
		AutoRespond: true,
		Metrics:     m,
	}
	// A nil *channel.Client must not reach the service as a non-nil interface.
	var ch appSession.Channel
	if client != nil {
		ch = client
	}
	svc := appSession.NewService(ch, hub, repo, keyStore, sessOpts, logger)
	defer svc.Close()

	// settlement
	book := appSettlement.NewBook(keyStore.Address(), logger)
	book.Attach(hub)
	ranker, err := settlement.NewRanker(cfg.RankingExpr)
	if err != nil {
		log.Fatalf("ranking formula error: %v", err)
	}
	coord := appSettlement.NewCoordinator(svc, book, ranker, ledger, appSettlement.Options{
		Fees:    payout.Fees{IssuerBps: cfg.IssuerFeeBps, PlatformBps: cfg.PlatformFeeBps},
		Metrics: m,
	}, logger)

	if restored, err := svc.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("session snapshot could not be restored")
	} else if restored {
		logger.Info().Msg("session restored from snapshot")
	}

	if client != nil {
		client.OnInbound(func(in protocol.Inbound) {
			if err := svc.HandleInbound(ctx, in); err != nil {
				logger.Warn().Err(err).Msg("inbound message not applied")
			}
		})
		if err := client.Connect(ctx); err != nil {
			logger.Warn().Err(err).Str("url", cfg.CoordinatorURL).Msg("coordinator not reachable yet")
		}
		defer client.Close()
	} else {
		logger.Info().Msg("no coordinator configured; running in local simulation mode")
	}

	// API server
	apiOpts := httpapi.Options{Gatherer: reg, APIToken: cfg.APIToken}
	if client != nil {
		apiOpts.Channel = client
	}
	apiServer := httpapi.NewServer(svc, coord, hub, keyStore, apiOpts, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("address", keyStore.Address()).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
	svc.Wait()
}

// openLedger returns the settlement ledger. The pool is non-nil only for
// the postgres backend.
func openLedger(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (settlement.Ledger, *pgxpool.Pool, func(), error) {
	switch cfg.LedgerKind() {
	case "postgres":
		repo, pool, err := postgres.OpenLedger(ctx, cfg.LedgerDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info().Msg("settlement records go to postgres")
		return repo, pool, pool.Close, nil
	case "sqlite":
		path := cfg.LedgerDSN
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.DataDir, path)
		}
		l, err := sqlite.Open(path)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info().Str("path", path).Msg("settlement records go to sqlite")
		return l, nil, func() { _ = l.Close() }, nil
	default:
		return appSettlement.NewLogLedger(logger), nil, func() {}, nil
	}
}
