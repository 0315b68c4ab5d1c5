package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensenas/progression-engine/internal/application/engine"
	"github.com/ensenas/progression-engine/internal/domain/progression"
	"github.com/ensenas/progression-engine/internal/domain/shared"
	"github.com/ensenas/progression-engine/pkg/circuitbreaker"
	"github.com/ensenas/progression-engine/pkg/retry"
)

var _ engine.RemoteService = (*Client)(nil)

type staticToken string

func (s staticToken) AuthToken(context.Context) (string, bool) {
	return string(s), s != ""
}

func newTestClient(t *testing.T, handler http.HandlerFunc, attempts int) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultClientConfig(srv.URL + "/")
	cfg.Location = time.UTC
	cfg.Retrier = retry.New(
		retry.WithMaxAttempts(attempts),
		retry.WithInitialDelay(time.Millisecond),
		retry.WithMaxDelay(5*time.Millisecond),
		retry.WithRetryIf(IsRetryableError),
	)
	return NewClient(cfg, staticToken("tok-123"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_GetLevelInfo(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xp/level", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, LevelInfoDTO{
			TotalXP:        350,
			CurrentLevel:   3,
			LevelTitle:     "Aprendiz",
			CurrentLevelXP: 68,
			RequiredXP:     237,
			Progress:       0.287,
		})
	}, 1)

	got, err := c.GetLevelInfo(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, 350, got.TotalXP)
	assert.Equal(t, 3, got.Level.Level)
	assert.Equal(t, 68, got.Level.XPIntoLevel)
	assert.Equal(t, 237, got.Level.XPRequired)
	assert.InDelta(t, 0.287, got.Level.Progress, 1e-9)
	assert.Equal(t, "Aprendiz", got.Level.Title)
}

func TestClient_AwardXP(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/xp/award", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))

		var body XPAwardRequestDTO
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 50, body.Amount)
		assert.Equal(t, "quiz", body.Source)
		require.NotNil(t, body.SourceID)
		assert.Equal(t, 7, *body.SourceID)
		assert.Nil(t, body.Description)

		writeJSON(w, http.StatusOK, XPAwardResponseDTO{
			XPAwarded:     50,
			TotalXP:       130,
			PreviousLevel: 1,
			CurrentLevel:  2,
			LevelUp:       true,
			LevelInfo:     LevelInfoDTO{TotalXP: 130, CurrentLevel: 2, CurrentLevelXP: 30, RequiredXP: 182, Progress: 0.16},
		})
	}, 1)

	src := 7
	got, err := c.AwardXP(context.Background(), "u-1", progression.XPAward{
		Amount: 50, Source: progression.SourceQuiz, SourceID: &src, IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 130, got.TotalXP)
	assert.True(t, got.LevelUp)
	assert.Equal(t, 2, got.Level.Level)
	assert.Equal(t, progression.TitleFor(2), got.Level.Title)
}

func TestClient_UpdateStreakAndStreakInfo(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/streak/update":
			var body StreakUpdateRequestDTO
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "lesson", body.ActivityType)
			assert.Equal(t, 25, body.XPEarned)
			writeJSON(w, http.StatusOK, DailyActivityDTO{ID: 4, ActivityDate: "2024-05-10", LessonsCompleted: 1, XPEarned: 25, CreatedAt: "2024-05-10T18:00:00"})
		case "/streak":
			bad := "ayer"
			writeJSON(w, http.StatusOK, StreakDTO{
				CurrentStreak:    4,
				LongestStreak:    9,
				LastActivityDate: &bad,
				WeeklyCalendar:   []bool{true, true, false, true, true, false, false},
				TotalActiveDays:  31,
			})
		default:
			http.NotFound(w, r)
		}
	}, 1)

	act, err := c.UpdateStreak(context.Background(), "u-1", progression.ActivityLesson, 25)
	require.NoError(t, err)
	assert.Equal(t, 1, act.LessonsCompleted)
	assert.Equal(t, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC), act.ActivityDate)

	info, err := c.GetStreakInfo(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, 4, info.Current)
	assert.Equal(t, 9, info.Longest)
	assert.Nil(t, info.LastActivity, "malformed date maps to no prior activity")
	assert.Equal(t, [7]bool{true, true, false, true, true, false, false}, info.WeeklyCalendar)
}

func TestClient_GetXPTransactionsPaging(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("skip"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		desc := "Quiz perfecto"
		writeJSON(w, http.StatusOK, []XPTransactionDTO{
			{ID: 1, Amount: 30, Source: "quiz", Description: &desc, CreatedAt: "2024-05-10T10:00:00Z"},
			{ID: 2, Amount: 25, Source: "lesson", CreatedAt: "2024-05-10 09:00:00"},
		})
	}, 1)

	txs, err := c.GetXPTransactions(context.Background(), "u-1", 100, 50)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "Quiz perfecto", txs[0].Description)
	assert.Equal(t, time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC), txs[1].CreatedAt)
}

func TestClient_GetStatsAndProgress(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stats/summary":
			writeJSON(w, http.StatusOK, StatsDTO{PrecisionGlobal: 92.5, TiempoTotalMs: 5000, RachaActual: 3, SenasDominadas: 61})
		case "/progress":
			assert.Equal(t, "100", r.URL.Query().Get("limit"))
			writeJSON(w, http.StatusOK, []ProgressDTO{
				{ModuleID: 1, Percent: 100, LastActivity: "2024-05-09T12:00:00"},
				{ModuleID: 2, Percent: 140, LastActivity: "garbage"},
			})
		}
	}, 1)

	stats, err := c.GetStats(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, 61, stats.SignsMastered)
	assert.InDelta(t, 92.5, stats.GlobalPrecision, 1e-9)

	mods, err := c.GetProgress(context.Background(), "u-1")
	require.NoError(t, err)
	require.Len(t, mods, 2)
	assert.NotNil(t, mods[0].LastActivity)
	assert.Nil(t, mods[1].LastActivity)
	assert.Equal(t, 100.0, mods[1].Percent)
	assert.Equal(t, 2, progression.CompletedModules(mods))
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "warming up"})
			return
		}
		writeJSON(w, http.StatusOK, StatsDTO{SenasDominadas: 5})
	}, 3)

	stats, err := c.GetStats(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, 5, stats.SignsMastered)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": []map[string]string{{"msg": "amount must be positive"}}})
	}, 3)

	_, err := c.AwardXP(context.Background(), "u-1", progression.XPAward{Amount: 1, Source: "quiz"})
	require.Error(t, err)
	assert.True(t, shared.IsTransient(err))
	assert.True(t, shared.IsRejected(err))
	assert.False(t, shared.IsRetryable(err))
	assert.Contains(t, err.Error(), "amount must be positive")
	assert.Equal(t, int32(1), calls.Load())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
}

func TestClient_RateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}, 1)

	_, err := c.GetStats(context.Background(), "u-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrRateLimited)

	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 2*time.Second, rl.RetryDelay())
	assert.Equal(t, 1, c.Status().RateLimiter.RateLimitHits)
}

func TestClient_MissingToken(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls.Add(1) }))
	defer srv.Close()

	c := NewClient(DefaultClientConfig(srv.URL), staticToken(""))
	_, err := c.GetStats(context.Background(), "u-1")
	assert.ErrorIs(t, err, shared.ErrUnauthorized)
	assert.True(t, shared.IsTransient(err))
	assert.Equal(t, int32(0), calls.Load())
}

func TestClient_MalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"total_xp": "lots"`))
	}, 3)

	_, err := c.GetLevelInfo(context.Background(), "u-1")
	require.Error(t, err)
	assert.True(t, shared.IsMalformed(err))
}

func TestClient_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, 1)

	for range 3 {
		_, err := c.GetStats(context.Background(), "u-1")
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen.String(), c.Status().CircuitBreaker.State)

	_, err := c.GetStats(context.Background(), "u-1")
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.True(t, shared.IsTransient(err))
	assert.Equal(t, int32(3), calls.Load())

	c.Reset()
	assert.Equal(t, circuitbreaker.StateClosed.String(), c.Status().CircuitBreaker.State)
}

func TestClient_RespectsContextDeadline(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.GetStats(ctx, "u-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
