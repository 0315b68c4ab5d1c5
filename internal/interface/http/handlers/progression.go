// Package handlers contains the HTTP handlers of the progression API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ensenas/progression-engine/internal/application/engine"
	"github.com/ensenas/progression-engine/internal/domain/achievement"
	"github.com/ensenas/progression-engine/internal/domain/progression"
	"github.com/ensenas/progression-engine/internal/domain/shared"
	"github.com/ensenas/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// Engine is the progression store as seen by the HTTP layer.
type Engine interface {
	Initialize(ctx context.Context, userID string) (engine.Result, error)
	Refresh(ctx context.Context) (engine.Result, error)
	ReconcilePending(ctx context.Context) (engine.Result, error)
	AwardXP(ctx context.Context, award progression.XPAward) (engine.Result, error)
	UpdateStreak(ctx context.Context, activity progression.ActivityType, xpEarned int) (engine.Result, error)
	IncrementLocalCounter(kind engine.CounterKind) (engine.Result, error)
	RecordRun(run engine.RunRecord) (engine.Result, error)
	RollOverDay() (engine.Result, error)
	Snapshot() (progression.Snapshot, bool)
	Subscribe(ctx context.Context) <-chan progression.Snapshot
	Notifications() []progression.Notification
	DismissNotification(id string) error
	Catalog() *achievement.Catalog
	SignOut()
}

// Identity stores the bearer token of the signed-in learner.
type Identity interface {
	SignIn(token string) (string, error)
	SignOut()
}

// ProgressionHandler serves the learner-facing progression API.
type ProgressionHandler struct {
	engine   Engine
	identity Identity
	logger   *slog.Logger
}

// NewProgressionHandler creates the handler. identity may be nil when the
// learner is fixed at startup.
func NewProgressionHandler(e Engine, identity Identity, l *slog.Logger) *ProgressionHandler {
	if l == nil {
		l = slog.Default()
	}
	return &ProgressionHandler{engine: e, identity: identity, logger: l.With("component", "http")}
}

// Routes mounts the progression API on r.
func (h *ProgressionHandler) Routes(r chi.Router) {
	r.Post("/session", h.SignIn)
	r.Delete("/session", h.SignOut)

	r.Get("/snapshot", h.GetSnapshot)
	r.Get("/snapshot/stream", h.StreamSnapshots)
	r.Get("/achievements", h.ListAchievements)

	r.Get("/notifications", h.ListNotifications)
	r.Delete("/notifications/{id}", h.DismissNotification)

	r.Post("/xp", h.AwardXP)
	r.Post("/streak", h.UpdateStreak)
	r.Post("/counters/{kind}", h.IncrementCounter)
	r.Post("/runs", h.RecordRun)

	r.Post("/refresh", h.Refresh)
	r.Post("/reconcile", h.Reconcile)
	r.Post("/rollover", h.RollOver)
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSES
// ══════════════════════════════════════════════════════════════════════════════

// ResultResponse is the JSON form of an engine.Result.
type ResultResponse struct {
	Applied     engine.Applied             `json:"applied"`
	Stale       bool                       `json:"stale"`
	RemoteError string                     `json:"remote_error,omitempty"`
	Snapshot    progression.Snapshot       `json:"snapshot"`
	Unlocked    []progression.Notification `json:"unlocked,omitempty"`
	Degraded    []string                   `json:"degraded,omitempty"`
	Reconciled  int                        `json:"reconciled,omitempty"`
}

// NewResultResponse converts a result.
func NewResultResponse(res engine.Result) ResultResponse {
	out := ResultResponse{
		Applied:    res.Applied,
		Stale:      res.Stale(),
		Snapshot:   res.Snapshot,
		Unlocked:   res.Unlocked,
		Degraded:   res.Degraded,
		Reconciled: res.Reconciled,
	}
	if res.RemoteErr != nil {
		out.RemoteError = res.RemoteErr.Error()
	}
	return out
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes data with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError writes an ErrorResponse.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Code: code, Message: message})
}

// writeEngineError maps an engine error onto a status code.
func (h *ProgressionHandler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, engine.ErrNoSession):
		status, code = http.StatusConflict, "no_session"
	case errors.Is(err, engine.ErrSessionClosed):
		status, code = http.StatusConflict, "session_closed"
	case errors.Is(err, shared.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "unauthorized"
	case shared.IsPrecondition(err), errors.Is(err, shared.ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_request"
	case shared.IsNotFound(err):
		status, code = http.StatusNotFound, "not_found"
	case shared.IsTransient(err):
		status, code = http.StatusServiceUnavailable, "remote_unavailable"
	}
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	WriteError(w, status, code, err.Error())
}

func (h *ProgressionHandler) writeResult(w http.ResponseWriter, r *http.Request, res engine.Result, err error) {
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, NewResultResponse(res))
}

func decode(r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION
// ══════════════════════════════════════════════════════════════════════════════

// SignInRequest starts a session. Token is stored by the identity provider;
// UserID overrides the user it carries.
type SignInRequest struct {
	Token  string `json:"token,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// SignIn handles POST /session.
func (h *ProgressionHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	userID := req.UserID
	if req.Token != "" {
		if h.identity == nil {
			WriteError(w, http.StatusBadRequest, "invalid_request", "token sign-in is not configured")
			return
		}
		id, err := h.identity.SignIn(req.Token)
		if err != nil {
			h.writeEngineError(w, r, err)
			return
		}
		if userID == "" {
			userID = id
		}
	}

	res, err := h.engine.Initialize(r.Context(), userID)
	h.writeResult(w, r, res, err)
}

// SignOut handles DELETE /session.
func (h *ProgressionHandler) SignOut(w http.ResponseWriter, _ *http.Request) {
	h.engine.SignOut()
	if h.identity != nil {
		h.identity.SignOut()
	}
	w.WriteHeader(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════════════════════
// READS
// ══════════════════════════════════════════════════════════════════════════════

// GetSnapshot handles GET /snapshot.
func (h *ProgressionHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.engine.Snapshot()
	if !ok {
		h.writeEngineError(w, r, engine.ErrNoSession)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

// StreamSnapshots handles GET /snapshot/stream as server-sent events, one
// "snapshot" event per published snapshot.
func (h *ProgressionHandler) StreamSnapshots(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot flush")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for snap := range h.engine.Subscribe(r.Context()) {
		payload, err := json.Marshal(snap)
		if err != nil {
			h.logger.Warn("encode snapshot failed", "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}
}

// AchievementView pairs a definition with the learner's progress on it.
type AchievementView struct {
	achievement.Definition
	Progress   int        `json:"progress"`
	Unlocked   bool       `json:"unlocked"`
	UnlockedAt *time.Time `json:"unlocked_at,omitempty"`
}

// ListAchievements handles GET /achievements. Without a session every
// achievement is reported locked.
func (h *ProgressionHandler) ListAchievements(w http.ResponseWriter, _ *http.Request) {
	states := map[string]achievement.State{}
	if snap, ok := h.engine.Snapshot(); ok {
		for _, st := range snap.Achievements {
			states[st.Definition.ID] = st
		}
	}

	defs := h.engine.Catalog().All()
	out := make([]AchievementView, 0, len(defs))
	for _, def := range defs {
		st := states[def.ID]
		out = append(out, AchievementView{
			Definition: def,
			Progress:   st.Progress,
			Unlocked:   st.Unlocked,
			UnlockedAt: st.UnlockedAt,
		})
	}
	WriteJSON(w, http.StatusOK, out)
}

// ListNotifications handles GET /notifications, oldest first.
func (h *ProgressionHandler) ListNotifications(w http.ResponseWriter, _ *http.Request) {
	notes := h.engine.Notifications()
	if notes == nil {
		notes = []progression.Notification{}
	}
	WriteJSON(w, http.StatusOK, notes)
}

// DismissNotification handles DELETE /notifications/{id}.
func (h *ProgressionHandler) DismissNotification(w http.ResponseWriter, r *http.Request) {
	err := h.engine.DismissNotification(chi.URLParam(r, "id"))
	if errors.Is(err, shared.ErrUnknownNotification) {
		WriteError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════════════════════
// MUTATIONS
// ══════════════════════════════════════════════════════════════════════════════

// AwardXP handles POST /xp with an XPAward body.
func (h *ProgressionHandler) AwardXP(w http.ResponseWriter, r *http.Request) {
	var award progression.XPAward
	if err := decode(r, &award); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if award.IdempotencyKey == "" {
		award.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	res, err := h.engine.AwardXP(r.Context(), award)
	h.writeResult(w, r, res, err)
}

// StreakRequest is the body of POST /streak.
type StreakRequest struct {
	ActivityType string `json:"activity_type"`
	XPEarned     int    `json:"xp_earned"`
}

// UpdateStreak handles POST /streak.
func (h *ProgressionHandler) UpdateStreak(w http.ResponseWriter, r *http.Request) {
	var req StreakRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	activity, err := progression.ParseActivityType(req.ActivityType)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	res, err := h.engine.UpdateStreak(r.Context(), activity, req.XPEarned)
	h.writeResult(w, r, res, err)
}

// IncrementCounter handles POST /counters/{kind}.
func (h *ProgressionHandler) IncrementCounter(w http.ResponseWriter, r *http.Request) {
	kind, err := engine.ParseCounterKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	res, err := h.engine.IncrementLocalCounter(kind)
	h.writeResult(w, r, res, err)
}

// RunRequest is the body of POST /runs. DurationMs is in milliseconds.
type RunRequest struct {
	Kind       string `json:"kind"`
	DurationMs int64  `json:"duration_ms"`
}

// RecordRun handles POST /runs.
func (h *ProgressionHandler) RecordRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := h.engine.RecordRun(engine.RunRecord{
		Kind:     engine.RunKind(req.Kind),
		Duration: time.Duration(req.DurationMs) * time.Millisecond,
	})
	h.writeResult(w, r, res, err)
}

// Refresh handles POST /refresh.
func (h *ProgressionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Refresh(r.Context())
	h.writeResult(w, r, res, err)
}

// Reconcile handles POST /reconcile.
func (h *ProgressionHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.ReconcilePending(r.Context())
	h.writeResult(w, r, res, err)
}

// RollOver handles POST /rollover.
func (h *ProgressionHandler) RollOver(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.RollOverDay()
	h.writeResult(w, r, res, err)
}
