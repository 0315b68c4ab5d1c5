package engine

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ensenas/progression-engine/internal/domain/achievement"
	"github.com/ensenas/progression-engine/internal/domain/progression"
	"github.com/ensenas/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// AWARD XP
// ══════════════════════════════════════════════════════════════════════════════

// AwardXP asks the remote to add XP and applies the authoritative totals it
// returns. When the remote fails, the amount is added locally, the snapshot
// is marked unconfirmed, and the award is journaled for replay when a
// journal is configured. Awards the remote rejected outright are not
// journaled; the next authoritative read takes them back out.
func (s *Store) AwardXP(ctx context.Context, award progression.XPAward) (Result, error) {
	if err := award.Validate(); err != nil {
		return Result{}, err
	}
	if award.IdempotencyKey == "" {
		award.IdempotencyKey = uuid.NewString()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sess, err := s.activeSession()
	if err != nil {
		return Result{}, err
	}
	log := s.logger.With("user_id", sess.userID, "source", award.Source, "amount", award.Amount)

	callCtx, cancel := s.callContext(ctx, sess)
	receipt, remoteErr := s.remote.AwardXP(callCtx, sess.userID, award)
	cancel()
	if sess.closed() {
		return Result{}, ErrSessionClosed
	}

	next := s.view()
	s.rollover(sess, &next)
	oldLevel := next.Level.Level
	res := Result{Applied: AppliedAuthoritative}

	if remoteErr == nil {
		awarded := receipt.XPAwarded
		if awarded <= 0 {
			awarded = award.Amount
		}
		s.applyAuthoritativeTotal(sess, &next, receipt.TotalXP, receipt.Level)
		next.DailyGoal = next.DailyGoal.Add(awarded)
	} else {
		res.Applied = AppliedLocalFallback
		res.RemoteErr = shared.WrapError("progression", "AwardXP", shared.ErrTransientRemote, "award applied locally", remoteErr)
		log.Warn("award failed, applying locally", "error", remoteErr)

		next.TotalXP += award.Amount
		next.Level = progression.LevelFor(next.TotalXP)
		next.Unconfirmed = true
		next.DailyGoal = next.DailyGoal.Add(award.Amount)
		if shared.IsRejected(remoteErr) {
			log.Warn("award rejected by remote, not journaling", "error", remoteErr)
		} else {
			s.journalAward(sess, award)
		}
	}

	unlocked := s.evaluate(sess, &next)
	notes, err := s.commit(sess, next, unlocked)
	if err != nil {
		return Result{}, err
	}
	res.Snapshot = next
	res.Unlocked = notes

	now := s.now()
	s.emit(shared.NewXPAwardedEvent(sess.userID, award.Amount, next.TotalXP, award.Source, remoteErr == nil, now))
	if next.Level.Level > oldLevel {
		log.Info("level up", "from", oldLevel, "to", next.Level.Level)
		s.emit(shared.NewLevelUpEvent(sess.userID, oldLevel, next.Level.Level, next.Level.Title, now))
	}
	s.afterCommit(sess, next, notes)
	return res, nil
}

// journalAward records a locally applied award. Without a journal, or when
// the append fails, the next authoritative read overwrites the local total.
func (s *Store) journalAward(sess *session, award progression.XPAward) {
	if s.journal == nil {
		return
	}
	entry := progression.PendingAward{
		ID:        uuid.NewString(),
		UserID:    sess.userID,
		Award:     award,
		CreatedAt: s.now(),
	}

	jctx, cancel := s.journalContext(sess)
	defer cancel()
	if err := s.journal.Append(jctx, entry); err != nil {
		s.logger.Error("journal award failed", "user_id", sess.userID, "error", err)
		return
	}
	sess.pendingXP += award.Amount
}

// ══════════════════════════════════════════════════════════════════════════════
// STREAK
// ══════════════════════════════════════════════════════════════════════════════

// UpdateStreak records today's activity with the remote and applies the
// streak it reports back. The streak is never computed locally: any remote
// failure leaves the snapshot unchanged.
func (s *Store) UpdateStreak(ctx context.Context, activity progression.ActivityType, xpEarned int) (Result, error) {
	if _, err := progression.ParseActivityType(string(activity)); err != nil {
		return Result{}, err
	}
	if xpEarned < 0 {
		return Result{}, shared.ErrNegativeActivityXP
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sess, err := s.activeSession()
	if err != nil {
		return Result{}, err
	}
	log := s.logger.With("user_id", sess.userID, "activity", activity)

	info, remoteErr := s.pushStreak(ctx, sess, activity, xpEarned)
	if sess.closed() {
		return Result{}, ErrSessionClosed
	}
	if remoteErr != nil {
		log.Warn("streak update failed, keeping current streak", "error", remoteErr)
		return Result{
			Applied:   AppliedUnchanged,
			RemoteErr: shared.WrapError("progression", "UpdateStreak", shared.ErrTransientRemote, "streak left unchanged", remoteErr),
			Snapshot:  s.view(),
		}, nil
	}

	next := s.view()
	s.rollover(sess, &next)
	old := next.CurrentStreak
	applyStreak(&next, info)

	var unlocked []achievement.Definition
	if next.CurrentStreak > old {
		unlocked = s.evaluate(sess, &next, achievement.CategoryStreak)
	}

	notes, err := s.commit(sess, next, unlocked)
	if err != nil {
		return Result{}, err
	}

	if next.CurrentStreak != old {
		log.Info("streak changed", "from", old, "to", next.CurrentStreak)
		s.emit(shared.NewStreakUpdatedEvent(sess.userID, old, next.CurrentStreak, next.LongestStreak, s.now()))
	}
	s.afterCommit(sess, next, notes)
	return Result{Applied: AppliedAuthoritative, Snapshot: next, Unlocked: notes}, nil
}

func (s *Store) pushStreak(ctx context.Context, sess *session, activity progression.ActivityType, xpEarned int) (progression.StreakInfo, error) {
	callCtx, cancel := s.callContext(ctx, sess)
	_, err := s.remote.UpdateStreak(callCtx, sess.userID, activity, xpEarned)
	cancel()
	if err != nil {
		return progression.StreakInfo{}, err
	}

	callCtx, cancel = s.callContext(ctx, sess)
	defer cancel()
	return s.remote.GetStreakInfo(callCtx, sess.userID)
}

// ══════════════════════════════════════════════════════════════════════════════
// LOCAL COUNTERS
// ══════════════════════════════════════════════════════════════════════════════

// CounterKind names a client-side counter that feeds the evaluator between
// full syncs.
type CounterKind string

// Local counters.
const (
	CounterLessons        CounterKind = "lessons"
	CounterPerfectQuiz    CounterKind = "perfect_quiz"
	CounterFullHeartsQuiz CounterKind = "full_hearts_quiz"
)

// ParseCounterKind validates a counter name.
func ParseCounterKind(s string) (CounterKind, error) {
	switch k := CounterKind(s); k {
	case CounterLessons, CounterPerfectQuiz, CounterFullHeartsQuiz:
		return k, nil
	}
	return "", shared.ErrUnknownCounter
}

// IncrementLocalCounter bumps a client-side counter and re-runs the evaluator.
func (s *Store) IncrementLocalCounter(kind CounterKind) (Result, error) {
	if _, err := ParseCounterKind(string(kind)); err != nil {
		return Result{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sess, err := s.activeSession()
	if err != nil {
		return Result{}, err
	}

	now := s.now()
	switch kind {
	case CounterLessons:
		sess.lessons++
		sess.lessonTimes = append(pruneBefore(sess.lessonTimes, now.Add(-s.cfg.LessonWindow)), now)
	case CounterPerfectQuiz:
		sess.perfectQuizzes++
	case CounterFullHeartsQuiz:
		sess.fullHearts++
	}

	return s.applyLocal(sess)
}

// RunKind names a timed activity tracked for the speed achievements.
type RunKind string

// Timed runs.
const (
	RunSpeedRound RunKind = "speed_round"
	RunMemoryGame RunKind = "memory_game"
	RunQuiz       RunKind = "quiz"
)

// RunRecord is one finished timed activity. For a speed round Duration is
// how long the learner kept going; for the others it is the completion time.
type RunRecord struct {
	Kind     RunKind       `json:"kind"`
	Duration time.Duration `json:"duration"`
}

// RecordRun keeps the best result per run kind and re-runs the evaluator.
func (s *Store) RecordRun(run RunRecord) (Result, error) {
	switch run.Kind {
	case RunSpeedRound, RunMemoryGame, RunQuiz:
	default:
		return Result{}, shared.ErrUnknownRunKind
	}
	if run.Duration <= 0 {
		return Result{}, shared.ErrInvalidRunDuration
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sess, err := s.activeSession()
	if err != nil {
		return Result{}, err
	}

	switch run.Kind {
	case RunSpeedRound:
		sess.bestSpeedRound = max(sess.bestSpeedRound, run.Duration)
	case RunMemoryGame:
		sess.fastestMemory = fastest(sess.fastestMemory, run.Duration)
	case RunQuiz:
		sess.fastestQuiz = fastest(sess.fastestQuiz, run.Duration)
	}

	return s.applyLocal(sess)
}

// RollOverDay resets the daily goal once the calendar day has changed.
// Other operations roll over on their own; this exists for idle sessions.
func (s *Store) RollOverDay() (Result, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sess, err := s.activeSession()
	if err != nil {
		return Result{}, err
	}

	next := s.view()
	if !s.rollover(sess, &next) {
		return Result{Applied: AppliedUnchanged, Snapshot: next}, nil
	}
	sess.lessonTimes = pruneBefore(sess.lessonTimes, s.now().Add(-s.cfg.LessonWindow))

	s.logger.Info("daily goal reset", "user_id", sess.userID)
	if _, err := s.commit(sess, next, nil); err != nil {
		return Result{}, err
	}
	return Result{Applied: AppliedLocal, Snapshot: next}, nil
}

// applyLocal evaluates and publishes a client-only change.
func (s *Store) applyLocal(sess *session) (Result, error) {
	next := s.view()
	s.rollover(sess, &next)
	unlocked := s.evaluate(sess, &next)

	notes, err := s.commit(sess, next, unlocked)
	if err != nil {
		return Result{}, err
	}
	s.afterCommit(sess, next, notes)
	return Result{Applied: AppliedLocal, Snapshot: next, Unlocked: notes}, nil
}

func fastest(best, d time.Duration) time.Duration {
	if best == 0 || d < best {
		return d
	}
	return best
}

func pruneBefore(times []time.Time, from time.Time) []time.Time {
	return slices.DeleteFunc(times, func(t time.Time) bool { return t.Before(from) })
}
