package engine

import (
	"context"

	"github.com/ensenas/progression-engine/internal/domain/progression"
	"github.com/ensenas/progression-engine/internal/domain/shared"
)

// ReconcilePending replays journaled awards against the remote, oldest
// first, reusing their idempotency keys. Replay stops at the first transient
// failure so awards are confirmed in order. Awards the remote rejects, or
// that ran out of attempts, are dropped and no longer count towards the
// local total. Without a journal it does nothing.
func (s *Store) ReconcilePending(ctx context.Context) (Result, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sess, err := s.activeSession()
	if err != nil {
		return Result{}, err
	}
	if s.journal == nil {
		return Result{Applied: AppliedUnchanged, Snapshot: s.view()}, nil
	}

	out, err := s.replay(ctx, sess)
	if err != nil {
		return Result{}, err
	}
	if !out.changed() {
		return Result{Applied: AppliedUnchanged, RemoteErr: out.remoteErr, Snapshot: s.view()}, nil
	}

	next := s.view()
	s.rollover(sess, &next)
	s.applyReplay(sess, &next, out)
	unlocked := s.evaluate(sess, &next)

	notes, err := s.commit(sess, next, unlocked)
	if err != nil {
		return Result{}, err
	}
	s.afterCommit(sess, next, notes)

	res := Result{
		Applied:    AppliedAuthoritative,
		RemoteErr:  out.remoteErr,
		Snapshot:   next,
		Unlocked:   notes,
		Reconciled: out.reconciled,
		Discarded:  out.discarded,
	}
	switch {
	case out.reconciled == 0:
		res.Applied = AppliedLocal
	case out.remoteErr != nil:
		res.Applied = AppliedPartial
	}
	return res, nil
}

// replayOutcome summarises one pass over the journal.
type replayOutcome struct {
	last        progression.AwardReceipt
	reconciled  int
	discarded   int
	discardedXP int
	remoteErr   error
}

func (o replayOutcome) changed() bool {
	return o.reconciled > 0 || o.discarded > 0
}

// replay walks the journal once. Caller holds writeMu.
func (s *Store) replay(ctx context.Context, sess *session) (replayOutcome, error) {
	var out replayOutcome
	log := s.logger.With("user_id", sess.userID)

	jctx, cancel := s.journalContext(sess)
	pending, err := s.journal.Pending(jctx, sess.userID)
	cancel()
	if err != nil {
		log.Warn("read award journal failed", "error", err)
		return out, nil
	}

	for _, p := range pending {
		callCtx, cancel := s.callContext(ctx, sess)
		receipt, err := s.remote.AwardXP(callCtx, sess.userID, p.Award)
		cancel()
		if sess.closed() {
			return out, ErrSessionClosed
		}

		if err == nil {
			s.markConfirmed(sess, p)
			sess.pendingXP = max(sess.pendingXP-p.Award.Amount, 0)
			out.last = receipt
			out.reconciled++
			s.emit(shared.NewXPReconciledEvent(sess.userID, p.ID, p.Award.Amount, receipt.TotalXP, s.now()))
			continue
		}

		attempts := p.Attempts + 1
		if shared.IsRejected(err) {
			log.Warn("journaled award rejected, dropping", "award_id", p.ID, "amount", p.Award.Amount, "error", err)
			s.discard(sess, p, shared.DiscardRejected, attempts, &out)
			continue
		}
		if attempts >= s.cfg.MaxReplayAttempts {
			log.Warn("journaled award out of attempts, dropping", "award_id", p.ID, "amount", p.Award.Amount, "attempts", attempts, "error", err)
			s.discard(sess, p, shared.DiscardExhausted, attempts, &out)
			continue
		}

		out.remoteErr = shared.WrapError("progression", "ReconcilePending", shared.ErrTransientRemote, "replay stopped", err)
		s.markAttempt(sess, p)
		log.Warn("award replay failed", "award_id", p.ID, "attempts", attempts, "error", err)
		break
	}

	if out.changed() {
		log.Info("journal replayed", "reconciled", out.reconciled, "discarded", out.discarded)
	}
	return out, nil
}

// applyReplay folds a replay into next. A receipt carries the remote total
// after the last accepted award; without one, dropped amounts come off the
// local estimate.
func (s *Store) applyReplay(sess *session, next *progression.Snapshot, out replayOutcome) {
	switch {
	case out.reconciled > 0:
		s.applyAuthoritativeTotal(sess, next, out.last.TotalXP, out.last.Level)
	case out.discardedXP > 0:
		next.TotalXP = max(next.TotalXP-out.discardedXP, 0)
		next.Level = progression.LevelFor(next.TotalXP)
		next.Unconfirmed = sess.pendingXP > 0
	}
}

func (s *Store) discard(sess *session, p progression.PendingAward, reason string, attempts int, out *replayOutcome) {
	s.markConfirmed(sess, p)
	sess.pendingXP = max(sess.pendingXP-p.Award.Amount, 0)
	out.discarded++
	out.discardedXP += p.Award.Amount
	s.emit(shared.NewXPDiscardedEvent(sess.userID, p.ID, p.Award.Amount, reason, attempts, s.now()))
}

func (s *Store) markConfirmed(sess *session, p progression.PendingAward) {
	jctx, cancel := s.journalContext(sess)
	defer cancel()
	if err := s.journal.MarkConfirmed(jctx, p.ID); err != nil {
		s.logger.Error("remove journaled award failed", "award_id", p.ID, "error", err)
	}
}

func (s *Store) markAttempt(sess *session, p progression.PendingAward) {
	jctx, cancel := s.journalContext(sess)
	defer cancel()
	if err := s.journal.RecordAttempt(jctx, p.ID); err != nil {
		s.logger.Error("record replay attempt failed", "award_id", p.ID, "error", err)
	}
}
