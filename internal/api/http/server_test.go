package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appSession "github.com/clipstake/clipstake/internal/application/session"
	appSettlement "github.com/clipstake/clipstake/internal/application/settlement"
	"github.com/clipstake/clipstake/internal/domain/settlement"
	"github.com/clipstake/clipstake/internal/infrastructure/broadcast"
	"github.com/clipstake/clipstake/internal/infrastructure/metrics"
)

const self = "0x1111111111111111111111111111111111111111"

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeKey struct{ degraded bool }

func (fakeKey) Address() string { return self }

func (k fakeKey) Degraded() bool { return k.degraded }

func (fakeKey) Sign([]byte) (string, error) { return "0xsig", nil }

type testServer struct {
	svc    *appSession.Service
	hub    *broadcast.Hub
	router http.Handler
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	now := start.Add(time.Hour)
	clock := func() time.Time { return now }

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	hub := broadcast.NewHub(zerolog.Nop(), broadcast.WithDropHook(m.IncStreamDrop))
	svc := appSession.NewService(nil, hub, nil, fakeKey{}, appSession.Options{
		AppID:   "clipstake",
		Metrics: m,
		Now:     clock,
	}, zerolog.Nop())
	book := appSettlement.NewBook(self, zerolog.Nop())
	book.Attach(hub)
	ranker, err := settlement.NewRanker("")
	require.NoError(t, err)
	coord := appSettlement.NewCoordinator(svc, book, ranker, appSettlement.NewLogLedger(zerolog.Nop()),
		appSettlement.Options{Metrics: m, Now: clock}, zerolog.Nop())

	srv := NewServer(svc, coord, hub, fakeKey{}, Options{Gatherer: reg, APIToken: token}, zerolog.Nop())
	t.Cleanup(func() {
		svc.Close()
		hub.Stop()
	})
	return &testServer{svc: svc, hub: hub, router: srv.Router()}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	out := map[string]interface{}{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealthLocalMode(t *testing.T) {
	ts := newTestServer(t, "")
	rec, body := ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "local", body["mode"])
	assert.Equal(t, self, body["address"])
}

func TestSessionFlow(t *testing.T) {
	ts := newTestServer(t, "")

	rec, body := ts.do(t, http.MethodGet, "/v1/session", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", body["error"])

	rec, body = ts.do(t, http.MethodPost, "/v1/session", `{"contestId":"contest-1","deposit":"2000000"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "contest-1", body["contestId"])
	assert.Equal(t, "active", body["status"])

	rec, body = ts.do(t, http.MethodPost, "/v1/predictions", `{"contestId":"contest-1","itemId":"clip-a","amount":"1000000"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	rec, body = ts.do(t, http.MethodPatch, "/v1/predictions/"+id, `{"amount":"1500000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1500000", body["amount"])

	rec, body = ts.do(t, http.MethodPost, "/v1/predictions", `{"contestId":"contest-1","itemId":"clip-b","amount":"900000"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INSUFFICIENT_BALANCE", body["error"])

	rec, _ = ts.do(t, http.MethodPost, "/v1/votes", `{"contestId":"contest-1","itemId":"clip-a"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec, body = ts.do(t, http.MethodGet, "/v1/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	state := body["state"].(map[string]interface{})
	assert.Equal(t, "1500000", state["lockedAmount"])

	rec, body = ts.do(t, http.MethodGet, "/v1/contests/contest-1/entries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["items"], 2)
}

func TestCancelAndMissingPrediction(t *testing.T) {
	ts := newTestServer(t, "")
	_, err := ts.svc.CreateSession(context.Background(), appSession.CreateSessionInput{ContestID: "c", Deposit: decimal.NewFromInt(100)})
	require.NoError(t, err)
	p, err := ts.svc.Predict(context.Background(), appSession.PredictInput{ContestID: "c", ItemID: "a", Amount: decimal.NewFromInt(40)})
	require.NoError(t, err)

	rec, _ := ts.do(t, http.MethodDelete, "/v1/predictions/"+p.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body := ts.do(t, http.MethodDelete, "/v1/predictions/"+p.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", body["error"])

	rec, _ = ts.do(t, http.MethodGet, "/v1/predictions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	sess, _ := ts.svc.Session()
	assert.True(t, sess.State.LockedAmount.IsZero())
}

func TestRejectsBadInput(t *testing.T) {
	ts := newTestServer(t, "")

	rec, body := ts.do(t, http.MethodPost, "/v1/session", `{"contestId":"c","deposit":"10","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PARAM", body["error"])

	rec, _ = ts.do(t, http.MethodPost, "/v1/session", `{"deposit":"10"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/v1/session", `{"contestId":"c","deposit":"10"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body = ts.do(t, http.MethodPost, "/v1/predictions", `{"contestId":"c","itemId":"a","amount":"-5"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PARAM", body["error"])

	rec, _ = ts.do(t, http.MethodPost, "/v1/predictions", `{"contestId":"c","amount":"5"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/v1/contests/c/close", `{"start":"2026-03-02T00:00:00Z","end":"2026-03-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettledSessionIsClosed(t *testing.T) {
	ts := newTestServer(t, "")
	rec, _ := ts.do(t, http.MethodPost, "/v1/session", `{"contestId":"c","deposit":"100"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := ts.do(t, http.MethodPost, "/v1/session/settle", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "settled", body["status"])

	rec, body = ts.do(t, http.MethodPost, "/v1/predictions", `{"contestId":"c","itemId":"a","amount":"5"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SESSION_CLOSED", body["error"])
}

func TestCloseContest(t *testing.T) {
	ts := newTestServer(t, "")
	ts.do(t, http.MethodPost, "/v1/session", `{"contestId":"contest-1","deposit":"2000000"}`)
	ts.do(t, http.MethodPost, "/v1/predictions", `{"contestId":"contest-1","itemId":"clip-a","amount":"1000000"}`)
	ts.do(t, http.MethodPost, "/v1/predictions", `{"contestId":"contest-1","itemId":"clip-b","amount":"500000"}`)

	rec, body := ts.do(t, http.MethodPost, "/v1/contests/contest-1/close",
		`{"start":"2026-03-01T12:00:00Z","end":"2026-03-02T12:00:00Z","winningItemId":"clip-a","submit":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["submitted"])

	result := body["result"].(map[string]interface{})
	record := result["record"].(map[string]interface{})
	assert.Equal(t, "contest-1", record["contestId"])
	assert.Equal(t, "clip-a", record["winningItemId"])
	assert.Equal(t, []interface{}{self}, record["participants"])
	assert.NotEmpty(t, record["stateHash"])

	sess, _ := ts.svc.Session()
	assert.Equal(t, "settled", string(sess.Status))
}

func TestCloseContestWithoutEntries(t *testing.T) {
	ts := newTestServer(t, "")
	rec, body := ts.do(t, http.MethodPost, "/v1/contests/empty/close",
		`{"start":"2026-03-01T12:00:00Z","end":"2026-03-02T12:00:00Z"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "SETTLEMENT_FAILED", body["error"])
}

func TestTokenRequired(t *testing.T) {
	ts := newTestServer(t, "s3cret")

	rec, body := ts.do(t, http.MethodGet, "/v1/session", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", body["error"])

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	rec, _ = ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health stays public")
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, "")
	ts.do(t, http.MethodPost, "/v1/session", `{"contestId":"c","deposit":"100"}`)

	rec, _ := ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reconnect_attempts_total")
	assert.Contains(t, rec.Body.String(), `op="create"`)
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t, "")
	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	_, err = ts.svc.CreateSession(context.Background(), appSession.CreateSessionInput{ContestID: "c", Deposit: decimal.NewFromInt(10)})
	require.NoError(t, err)

	var data []byte
	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = bytes.TrimSpace([]byte(strings.TrimPrefix(line, "data: ")))
			break
		}
	}
	var change broadcast.Change
	require.NoError(t, json.Unmarshal(data, &change))
	assert.Equal(t, broadcast.KindSessionCreated, change.Kind)
	require.NotNil(t, change.Session)
	assert.Equal(t, "c", change.Session.ContestID)
}
