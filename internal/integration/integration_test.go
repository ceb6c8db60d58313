//go:build integration
// +build integration

package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	httpapi "github.com/clipstake/clipstake/internal/api/http"
	appSession "github.com/clipstake/clipstake/internal/application/session"
	appSettlement "github.com/clipstake/clipstake/internal/application/settlement"
	"github.com/clipstake/clipstake/internal/domain/settlement"
	"github.com/clipstake/clipstake/internal/infrastructure/boltstore"
	"github.com/clipstake/clipstake/internal/infrastructure/broadcast"
	"github.com/clipstake/clipstake/internal/infrastructure/keystore"
	"github.com/clipstake/clipstake/internal/infrastructure/metrics"
	"github.com/clipstake/clipstake/internal/infrastructure/postgres"
)

type env struct {
	server *httptest.Server
	ledger *postgres.SettlementRepository
	pool   *pgxpool.Pool
	key    *keystore.Store
}

func TestSettlementReachesPostgresLedger(t *testing.T) {
	e := newTestEnv(t)

	postJSON(t, e.server.URL+"/v1/session", map[string]interface{}{
		"contestId": "contest-int",
		"deposit":   "2000000",
	}, http.StatusCreated, nil)
	postJSON(t, e.server.URL+"/v1/predictions", map[string]interface{}{
		"contestId": "contest-int",
		"itemId":    "clip-a",
		"amount":    "1000000",
	}, http.StatusCreated, nil)
	postJSON(t, e.server.URL+"/v1/votes", map[string]interface{}{
		"contestId": "contest-int",
		"itemId":    "clip-a",
	}, http.StatusCreated, nil)

	now := time.Now().UTC()
	var out struct {
		Submitted bool                 `json:"submitted"`
		Result    appSettlement.Result `json:"result"`
	}
	postJSON(t, e.server.URL+"/v1/contests/contest-int/close", map[string]interface{}{
		"start":  now.Add(-time.Hour),
		"end":    now.Add(time.Hour),
		"submit": true,
	}, http.StatusOK, &out)
	if !out.Submitted {
		t.Fatalf("expected record to be submitted")
	}
	if out.Result.Record.WinningItemID != "clip-a" {
		t.Fatalf("expected ranked winner clip-a, got %q", out.Result.Record.WinningItemID)
	}

	ctx := context.Background()
	rec, err := e.ledger.Get(ctx, "contest-int")
	if err != nil {
		t.Fatalf("ledger get: %v", err)
	}
	if rec == nil {
		t.Fatalf("record not stored")
	}
	if rec.StateHash != out.Result.Record.StateHash {
		t.Fatalf("state hash mismatch: %s vs %s", rec.StateHash, out.Result.Record.StateHash)
	}
	if !rec.Total().Add(rec.Undistributed).Equal(out.Result.Breakdown.TotalPool) {
		t.Fatalf("ledger total %s does not conserve pool %s", rec.Total(), out.Result.Breakdown.TotalPool)
	}

	total, err := e.ledger.PayoutsFor(ctx, e.key.Address())
	if err != nil {
		t.Fatalf("payouts for: %v", err)
	}
	if total != rec.Payouts[0].String() {
		t.Fatalf("expected payout %s, got %s", rec.Payouts[0], total)
	}

	// Closing again resubmits the same record without duplicating payouts.
	postJSON(t, e.server.URL+"/v1/contests/contest-int/close", map[string]interface{}{
		"start":  now.Add(-time.Hour),
		"end":    now.Add(time.Hour),
		"submit": true,
	}, http.StatusOK, nil)
	again, err := e.ledger.PayoutsFor(ctx, e.key.Address())
	if err != nil {
		t.Fatalf("payouts for: %v", err)
	}
	if again != total {
		t.Fatalf("resubmission changed payouts: %s -> %s", total, again)
	}
}

func TestSSEDeliveryIntegration(t *testing.T) {
	e := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.server.URL+"/v1/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sse connect: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	if line, err := reader.ReadString('\n'); err != nil || !strings.HasPrefix(line, ":") {
		t.Fatalf("expected connected comment, got %q (%v)", line, err)
	}

	postJSON(t, e.server.URL+"/v1/session", map[string]interface{}{
		"contestId": "contest-sse",
		"deposit":   "100",
	}, http.StatusCreated, nil)
	postJSON(t, e.server.URL+"/v1/predictions", map[string]interface{}{
		"contestId": "contest-sse",
		"itemId":    "clip-a",
		"amount":    "40",
	}, http.StatusCreated, nil)

	want := []broadcast.Kind{broadcast.KindSessionCreated, broadcast.KindPredictionPlaced}
	var got []broadcast.Change
	for len(got) < len(want) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var c broadcast.Change
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &c); err != nil {
			t.Fatalf("decode change: %v", err)
		}
		got = append(got, c)
	}
	for i, k := range want {
		if got[i].Kind != k {
			t.Fatalf("change %d: expected %s, got %s", i, k, got[i].Kind)
		}
		if i > 0 && got[i].Seq <= got[i-1].Seq {
			t.Fatalf("sequence not increasing: %d then %d", got[i-1].Seq, got[i].Seq)
		}
	}
}

func TestSessionSnapshotsInPostgres(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	repo := postgres.NewSessionRepository(e.pool, e.key.Address())
	logger := zerolog.Nop()

	hub := broadcast.NewHub(logger)
	defer hub.Stop()
	svc := appSession.NewService(nil, hub, repo, e.key, appSession.Options{AppID: "clipstake"}, logger)
	if _, err := svc.CreateSession(ctx, appSession.CreateSessionInput{ContestID: "contest-snap", Deposit: decimal.NewFromInt(500)}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	p, err := svc.Predict(ctx, appSession.PredictInput{ContestID: "contest-snap", ItemID: "clip-a", Amount: decimal.NewFromInt(120)})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	before, _ := svc.Session()
	svc.Close()

	restored := appSession.NewService(nil, hub, repo, e.key, appSession.Options{AppID: "clipstake"}, logger)
	defer restored.Close()
	ok, err := restored.Restore(ctx)
	if err != nil || !ok {
		t.Fatalf("restore: ok=%v err=%v", ok, err)
	}
	after, _ := restored.Session()
	if after.State.StateHash != before.State.StateHash {
		t.Fatalf("state hash changed across restore: %s vs %s", before.State.StateHash, after.State.StateHash)
	}
	if _, err := restored.Prediction(p.ID); err != nil {
		t.Fatalf("prediction lost: %v", err)
	}

	if err := repo.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	snap, err := repo.Load(ctx)
	if err != nil || snap != nil {
		t.Fatalf("expected no snapshot after clear, got %v (%v)", snap, err)
	}
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	dsn := testDatabaseURL(t)

	ctx := context.Background()
	ledger, pool, err := postgres.OpenLedger(ctx, dsn)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	if err := resetDatabase(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("reset db: %v", err)
	}

	logger := zerolog.Nop()
	dir := t.TempDir()
	key, err := keystore.Open(keystore.Options{DataDir: dir}, logger)
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	store, err := boltstore.Open(dir)
	if err != nil {
		t.Fatalf("boltstore: %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	hub := broadcast.NewHub(logger, broadcast.WithDropHook(m.IncStreamDrop))
	svc := appSession.NewService(nil, hub, store, key, appSession.Options{AppID: "clipstake", Metrics: m}, logger)
	book := appSettlement.NewBook(key.Address(), logger)
	book.Attach(hub)
	ranker, err := settlement.NewRanker("")
	if err != nil {
		t.Fatalf("ranker: %v", err)
	}
	coord := appSettlement.NewCoordinator(svc, book, ranker, ledger, appSettlement.Options{Metrics: m}, logger)

	api := httpapi.NewServer(svc, coord, hub, key, httpapi.Options{Gatherer: reg}, logger)
	server := httptest.NewServer(api.Router())

	t.Cleanup(func() {
		server.Close()
		svc.Close()
		hub.Stop()
		_ = store.Close()
		pool.Close()
	})
	return &env{server: server, ledger: ledger, pool: pool, key: key}
}

func postJSON(t *testing.T, url string, body interface{}, wantStatus int, out interface{}) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("post %s: expected %d, got %d: %s", url, wantStatus, resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func testDatabaseURL(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("CLIPSTAKE_TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	t.Skip("CLIPSTAKE_TEST_DATABASE_URL not set; skipping integration tests")
	return ""
}

func resetDatabase(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `TRUNCATE TABLE settlement_payouts, settlements, session_snapshots CASCADE`)
	return err
}
