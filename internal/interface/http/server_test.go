package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensenas/progression-engine/internal/application/engine"
	"github.com/ensenas/progression-engine/internal/domain/achievement"
	"github.com/ensenas/progression-engine/internal/domain/progression"
	"github.com/ensenas/progression-engine/internal/domain/shared"
	"github.com/ensenas/progression-engine/internal/infrastructure/external/offline"
	"github.com/ensenas/progression-engine/internal/interface/http/handlers"
)

// ══════════════════════════════════════════════════════════════════════════════
// FAKES
// ══════════════════════════════════════════════════════════════════════════════

type fakeEngine struct {
	mu        sync.Mutex
	signedIn  bool
	userID    string
	snapshot  progression.Snapshot
	notes     []progression.Notification
	awards    []progression.XPAward
	streaks   []progression.ActivityType
	counters  []engine.CounterKind
	runs      []engine.RunRecord
	remoteErr error
	subs      chan progression.Snapshot
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{subs: make(chan progression.Snapshot, 4)}
}

func (f *fakeEngine) result(applied engine.Applied) engine.Result {
	return engine.Result{Applied: applied, Snapshot: f.snapshot, RemoteErr: f.remoteErr}
}

func (f *fakeEngine) Initialize(_ context.Context, userID string) (engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if userID == "" {
		return engine.Result{}, shared.ErrMissingUserID
	}
	f.signedIn, f.userID = true, userID
	f.snapshot = progression.EmptySnapshot(userID, achievement.DefaultCatalog(), 50)
	return f.result(engine.AppliedAuthoritative), nil
}

func (f *fakeEngine) Refresh(context.Context) (engine.Result, error) {
	if !f.signedIn {
		return engine.Result{}, engine.ErrNoSession
	}
	res := f.result(engine.AppliedPartial)
	res.Degraded = []string{"stats"}
	return res, nil
}

func (f *fakeEngine) ReconcilePending(context.Context) (engine.Result, error) {
	res := f.result(engine.AppliedAuthoritative)
	res.Reconciled = 2
	return res, nil
}

func (f *fakeEngine) AwardXP(_ context.Context, award progression.XPAward) (engine.Result, error) {
	if err := award.Validate(); err != nil {
		return engine.Result{}, err
	}
	if !f.signedIn {
		return engine.Result{}, engine.ErrNoSession
	}
	f.awards = append(f.awards, award)
	f.snapshot.TotalXP += award.Amount
	if f.remoteErr != nil {
		f.snapshot.Unconfirmed = true
		return f.result(engine.AppliedLocalFallback), nil
	}
	return f.result(engine.AppliedAuthoritative), nil
}

func (f *fakeEngine) UpdateStreak(_ context.Context, activity progression.ActivityType, _ int) (engine.Result, error) {
	f.streaks = append(f.streaks, activity)
	return f.result(engine.AppliedAuthoritative), nil
}

func (f *fakeEngine) IncrementLocalCounter(kind engine.CounterKind) (engine.Result, error) {
	f.counters = append(f.counters, kind)
	return f.result(engine.AppliedLocal), nil
}

func (f *fakeEngine) RecordRun(run engine.RunRecord) (engine.Result, error) {
	if run.Duration <= 0 {
		return engine.Result{}, shared.ErrInvalidRunDuration
	}
	f.runs = append(f.runs, run)
	return f.result(engine.AppliedLocal), nil
}

func (f *fakeEngine) RollOverDay() (engine.Result, error) {
	return f.result(engine.AppliedUnchanged), nil
}

func (f *fakeEngine) Snapshot() (progression.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, f.signedIn
}

func (f *fakeEngine) Subscribe(ctx context.Context) <-chan progression.Snapshot {
	out := make(chan progression.Snapshot)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-f.subs:
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (f *fakeEngine) Notifications() []progression.Notification { return f.notes }

func (f *fakeEngine) DismissNotification(id string) error {
	for i, n := range f.notes {
		if n.ID == id {
			f.notes = append(f.notes[:i], f.notes[i+1:]...)
			return nil
		}
	}
	return shared.ErrUnknownNotification
}

func (f *fakeEngine) Catalog() *achievement.Catalog { return achievement.DefaultCatalog() }

func (f *fakeEngine) SignOut() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signedIn = false
}

type fakeIdentity struct {
	token string
}

func (i *fakeIdentity) SignIn(token string) (string, error) {
	if token == "bad" {
		return "", shared.WrapError("identity", "SignIn", shared.ErrUnauthorized, "rejected token", nil)
	}
	i.token = token
	return "from-token", nil
}

func (i *fakeIdentity) SignOut() { i.token = "" }

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func newTestServer(t *testing.T, e handlers.Engine, id handlers.Identity, cfg Config) *httptest.Server {
	t.Helper()
	srv := NewServer(cfg, Dependencies{Engine: e, Identity: id})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if resp.StatusCode != http.StatusNoContent && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var raw json.RawMessage
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
		_ = json.Unmarshal(raw, &out)
	}
	return resp, out
}

// ══════════════════════════════════════════════════════════════════════════════
// TESTS
// ══════════════════════════════════════════════════════════════════════════════

func TestServer_SessionLifecycle(t *testing.T) {
	e := newFakeEngine()
	id := &fakeIdentity{}
	ts := newTestServer(t, e, id, DefaultConfig())

	resp, _ := do(t, ts, http.MethodGet, "/api/v1/snapshot", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body := do(t, ts, http.MethodPost, "/api/v1/session", `{"token":"jwt"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "authoritative", body["applied"])
	assert.Equal(t, "from-token", e.userID)
	assert.Equal(t, "jwt", id.token)

	resp, body = do(t, ts, http.MethodGet, "/api/v1/snapshot", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "from-token", body["user_id"])

	resp, _ = do(t, ts, http.MethodPost, "/api/v1/session", `{"token":"bad"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodPost, "/api/v1/session", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "no user id")

	resp, _ = do(t, ts, http.MethodDelete, "/api/v1/session", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, e.signedIn)
	assert.Empty(t, id.token)
}

func TestServer_AwardXP(t *testing.T) {
	e := newFakeEngine()
	ts := newTestServer(t, e, nil, DefaultConfig())
	_, _ = e.Initialize(context.Background(), "u-1")

	resp, body := do(t, ts, http.MethodPost, "/api/v1/xp", `{"amount":30,"source":"quiz","source_id":4}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "authoritative", body["applied"])
	assert.Equal(t, false, body["stale"])
	require.Len(t, e.awards, 1)
	assert.Equal(t, 4, *e.awards[0].SourceID)

	e.remoteErr = errors.New("backend down")
	resp, body = do(t, ts, http.MethodPost, "/api/v1/xp", `{"amount":10,"source":"lesson"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "local_fallback", body["applied"])
	assert.Equal(t, true, body["stale"])
	assert.Equal(t, "backend down", body["remote_error"])

	resp, body = do(t, ts, http.MethodPost, "/api/v1/xp", `{"amount":0,"source":"quiz"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", body["code"])

	resp, _ = do(t, ts, http.MethodPost, "/api/v1/xp", `{"amount":5,"bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are rejected")
}

func TestServer_IdempotencyKeyHeader(t *testing.T) {
	e := newFakeEngine()
	ts := newTestServer(t, e, nil, DefaultConfig())
	_, _ = e.Initialize(context.Background(), "u-1")

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/xp", strings.NewReader(`{"amount":10,"source":"quiz"}`))
	require.NoError(t, err)
	req.Header.Set("Idempotency-Key", "key-7")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, e.awards, 1)
	assert.Equal(t, "key-7", e.awards[0].IdempotencyKey)
}

func TestServer_LocalOperations(t *testing.T) {
	e := newFakeEngine()
	ts := newTestServer(t, e, nil, DefaultConfig())
	_, _ = e.Initialize(context.Background(), "u-1")

	resp, _ := do(t, ts, http.MethodPost, "/api/v1/streak", `{"activity_type":"lesson","xp_earned":25}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, ts, http.MethodPost, "/api/v1/streak", `{"activity_type":"dance"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, []progression.ActivityType{progression.ActivityLesson}, e.streaks)

	resp, body := do(t, ts, http.MethodPost, "/api/v1/counters/perfect_quiz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "local", body["applied"])
	resp, _ = do(t, ts, http.MethodPost, "/api/v1/counters/naps", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodPost, "/api/v1/runs", `{"kind":"memory_game","duration_ms":90000}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, e.runs, 1)
	assert.Equal(t, 90*time.Second, e.runs[0].Duration)
	resp, _ = do(t, ts, http.MethodPost, "/api/v1/runs", `{"kind":"quiz","duration_ms":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, ts, http.MethodPost, "/api/v1/refresh", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []interface{}{"stats"}, body["degraded"])

	resp, body = do(t, ts, http.MethodPost, "/api/v1/reconcile", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["reconciled"])

	resp, body = do(t, ts, http.MethodPost, "/api/v1/rollover", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "unchanged", body["applied"])
}

func TestServer_Notifications(t *testing.T) {
	e := newFakeEngine()
	def, _ := achievement.DefaultCatalog().Get("primera_leccion")
	e.notes = []progression.Notification{{ID: "n-1", Achievement: def}}
	ts := newTestServer(t, e, nil, DefaultConfig())

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/notifications", nil)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	var notes []progression.Notification
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&notes))
	resp.Body.Close()
	require.Len(t, notes, 1)
	assert.Equal(t, "primera_leccion", notes[0].Achievement.ID)

	resp, _ = do(t, ts, http.MethodDelete, "/api/v1/notifications/n-1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, ts, http.MethodDelete, "/api/v1/notifications/n-1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Achievements(t *testing.T) {
	e := newFakeEngine()
	ts := newTestServer(t, e, nil, DefaultConfig())

	resp, err := ts.Client().Get(ts.URL + "/api/v1/achievements")
	require.NoError(t, err)
	defer resp.Body.Close()

	var views []handlers.AchievementView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	assert.Len(t, views, achievement.DefaultCatalog().Len())
	assert.False(t, views[0].Unlocked)
}

func TestServer_SnapshotStream(t *testing.T) {
	e := newFakeEngine()
	ts := newTestServer(t, e, nil, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/snapshot/stream", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	e.subs <- progression.Snapshot{UserID: "u-1", TotalXP: 120}

	reader := bufio.NewReader(resp.Body)
	var event, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	assert.Equal(t, "snapshot", event)

	var snap progression.Snapshot
	require.NoError(t, json.Unmarshal([]byte(data), &snap))
	assert.Equal(t, 120, snap.TotalXP)
}

func TestServer_HealthAndAdmin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKeys = []string{"ops-key"}
	cfg.Version = "1.2.3"

	health := handlers.NewHealthChecker(cfg.Version)
	health.AddCheck("journal", func(context.Context) error { return nil })
	srv := NewServer(cfg, Dependencies{
		Engine: newFakeEngine(),
		Health: health,
		Status: map[string]StatusFunc{"bus": func() interface{} { return map[string]int{"published": 3} }},
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, body := do(t, ts, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["healthy"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.NotEmpty(t, resp.Header.Get("X-Content-Type-Options"))

	health.AddCheck("cache", func(context.Context) error { return errors.New("connection refused") })
	resp, body = do(t, ts, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Some checks failed: cache", body["message"])

	resp, _ = do(t, ts, http.MethodGet, "/admin/status", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/admin/status", nil)
	req.Header.Set("X-API-Key", "ops-key")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Contains(t, status, "bus")
}

func TestServer_RequestSizeLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBodyBytes = 16
	e := newFakeEngine()
	ts := newTestServer(t, e, nil, cfg)

	resp, _ := do(t, ts, http.MethodPost, "/api/v1/xp", `{"amount":10,"source":"quiz","description":"long enough"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestServer_EndToEndWithOfflineAuthority(t *testing.T) {
	remote := offline.New(offline.WithLocation(time.UTC))
	store := engine.NewStore(remote, nil, nil, engine.StoreConfig{Location: time.UTC})
	ts := newTestServer(t, store, nil, DefaultConfig())

	resp, body := do(t, ts, http.MethodPost, "/api/v1/session", `{"user_id":"u-9"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "authoritative", body["applied"])

	resp, body = do(t, ts, http.MethodPost, "/api/v1/xp", `{"amount":30,"source":"quiz"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "authoritative", body["applied"])

	resp, body = do(t, ts, http.MethodGet, "/api/v1/snapshot", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "u-9", body["user_id"])
	assert.GreaterOrEqual(t, body["total_xp"], float64(30))

	remote.SetOffline(true)
	resp, body = do(t, ts, http.MethodPost, "/api/v1/xp", `{"amount":10,"source":"lesson"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "local_fallback", body["applied"])
	assert.Equal(t, true, body["stale"])
}
