package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ensenas/progression-engine/internal/domain/achievement"
	"github.com/ensenas/progression-engine/internal/domain/progression"
	"github.com/ensenas/progression-engine/internal/domain/shared"
	"github.com/ensenas/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// StoreConfig tunes the store.
type StoreConfig struct {
	// CallTimeout caps every remote call, even when the caller's context has
	// no deadline. Journal writes get the same budget on the session's own
	// context, so they outlive a caller that gave up.
	CallTimeout time.Duration

	// DailyGoalTarget is the daily XP goal.
	DailyGoalTarget int

	// TransactionPageSize and MaxTransactionPages bound the ledger scan used
	// to compute today's XP.
	TransactionPageSize int
	MaxTransactionPages int

	// LessonWindow is the trailing window of the lessons-per-hour counter.
	LessonWindow time.Duration

	// MaxReplayAttempts is how many failed replays a journaled award gets
	// before it is dropped.
	MaxReplayAttempts int

	// Location defines calendar days for the daily goal.
	Location *time.Location
}

// DefaultStoreConfig returns sensible defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		CallTimeout:         10 * time.Second,
		DailyGoalTarget:     progression.DefaultDailyTargetXP,
		TransactionPageSize: 50,
		MaxTransactionPages: 10,
		LessonWindow:        time.Hour,
		MaxReplayAttempts:   20,
		Location:            timeutil.DefaultLocation,
	}
}

func (c StoreConfig) withDefaults() StoreConfig {
	d := DefaultStoreConfig()
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.DailyGoalTarget <= 0 {
		c.DailyGoalTarget = d.DailyGoalTarget
	}
	if c.TransactionPageSize <= 0 {
		c.TransactionPageSize = d.TransactionPageSize
	}
	if c.MaxTransactionPages <= 0 {
		c.MaxTransactionPages = d.MaxTransactionPages
	}
	if c.LessonWindow <= 0 {
		c.LessonWindow = d.LessonWindow
	}
	if c.MaxReplayAttempts <= 0 {
		c.MaxReplayAttempts = d.MaxReplayAttempts
	}
	if c.Location == nil {
		c.Location = d.Location
	}
	return c
}

// Option configures optional collaborators.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPublisher sets the domain event publisher.
func WithPublisher(p shared.EventPublisher) Option {
	return func(s *Store) { s.publisher = p }
}

// WithJournal enables replay of awards applied while the remote was down.
func WithJournal(j progression.AwardJournal) Option {
	return func(s *Store) { s.journal = j }
}

// WithSnapshotCache mirrors every published snapshot into cache.
func WithSnapshotCache(c progression.SnapshotCache) Option {
	return func(s *Store) { s.cache = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRules replaces the achievement rule table.
func WithRules(rules map[string]achievement.Rule) Option {
	return func(s *Store) { s.rules = rules }
}

// ══════════════════════════════════════════════════════════════════════════════
// STORE
// ══════════════════════════════════════════════════════════════════════════════

// session is one sign-in. Its working fields are only touched while holding
// Store.writeMu.
type session struct {
	userID string
	ctx    context.Context
	cancel context.CancelFunc

	remoteStats progression.RemoteStats
	modules     []progression.ModuleProgress

	lessons        int
	perfectQuizzes int
	fullHearts     int
	lessonTimes    []time.Time
	bestSpeedRound time.Duration
	fastestMemory  time.Duration
	fastestQuiz    time.Duration
	goalDay        time.Time
	goalAnnounced  bool
	pendingXP      int
}

func (sess *session) closed() bool {
	return sess.ctx.Err() != nil
}

// Store is the single writer of the progression snapshot.
//
// Mutating operations are serialised by writeMu for their whole duration,
// remote round trip included, so a late response can never overwrite a
// newer result. Readers only take mu.
type Store struct {
	remote    RemoteService
	identity  IdentityProvider
	catalog   *achievement.Catalog
	evaluator *achievement.Evaluator
	rules     map[string]achievement.Rule
	cfg       StoreConfig

	logger    *slog.Logger
	publisher shared.EventPublisher
	journal   progression.AwardJournal
	cache     progression.SnapshotCache
	now       func() time.Time

	writeMu sync.Mutex

	mu       sync.RWMutex
	current  *session
	snapshot progression.Snapshot
	notes    *notificationQueue
	subs     *broadcaster
}

// NewStore creates a store with no signed-in learner.
func NewStore(remote RemoteService, identity IdentityProvider, catalog *achievement.Catalog, cfg StoreConfig, opts ...Option) *Store {
	if catalog == nil {
		catalog = achievement.DefaultCatalog()
	}
	cfg = cfg.withDefaults()

	s := &Store{
		remote:   remote,
		identity: identity,
		catalog:  catalog,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		notes:    newNotificationQueue(),
		subs:     newBroadcaster(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.evaluator = achievement.NewEvaluator(catalog, s.rules)
	s.logger = s.logger.With("component", "progression_store")
	return s
}

// Snapshot returns a copy of the current snapshot and whether a learner is
// signed in.
func (s *Store) Snapshot() (progression.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Clone(), s.current != nil
}

// UserID returns the signed-in learner, or "".
func (s *Store) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.userID
}

// Catalog returns the achievement catalog in use.
func (s *Store) Catalog() *achievement.Catalog {
	return s.catalog
}

// SignOut ends the session immediately. In-flight remote calls are cancelled
// and their results discarded.
func (s *Store) SignOut() {
	s.mu.Lock()
	sess := s.current
	if sess == nil {
		s.mu.Unlock()
		return
	}
	s.current = nil
	sess.cancel()
	s.snapshot = progression.Snapshot{}
	s.notes = newNotificationQueue()
	s.subs.publish(s.snapshot)
	s.mu.Unlock()

	s.logger.Info("session closed", "user_id", sess.userID)
	s.emit(shared.NewSessionClosedEvent(sess.userID, s.now()))

	if s.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
		defer cancel()
		if err := s.cache.Delete(ctx, sess.userID); err != nil {
			s.logger.Warn("drop cached snapshot failed", "user_id", sess.userID, "error", err)
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// INITIALIZE / REFRESH
// ══════════════════════════════════════════════════════════════════════════════

// Fetch names reported in Result.Degraded.
const (
	FetchStats        = "stats"
	FetchProgress     = "progress"
	FetchLevel        = "level"
	FetchStreak       = "streak"
	FetchTransactions = "transactions"
)

type fetched struct {
	stats   progression.RemoteStats
	modules []progression.ModuleProgress
	level   progression.LevelReport
	streak  progression.StreakInfo
	todayXP int

	ok       map[string]bool
	degraded []string
	errs     []error
}

func (f *fetched) remoteErr(op string) error {
	if len(f.errs) == 0 {
		return nil
	}
	return shared.WrapError("progression", op, shared.ErrTransientRemote, "remote reads degraded", errors.Join(f.errs...))
}

// Initialize starts a session for userID (or the identity provider's user
// when empty) and builds the first snapshot. Each remote read falls back to
// its own default on failure, so one broken endpoint never blocks sign-in.
func (s *Store) Initialize(ctx context.Context, userID string) (Result, error) {
	if userID == "" {
		if s.identity == nil {
			return Result{}, shared.ErrMissingUserID
		}
		id, ok := s.identity.CurrentUserID(ctx)
		if !ok || id == "" {
			return Result{}, shared.ErrMissingUserID
		}
		userID = id
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sess := s.openSession(userID)
	log := s.logger.With("user_id", userID)

	f := s.fetchAll(ctx, sess)
	if sess.closed() {
		return Result{}, ErrSessionClosed
	}

	next := progression.EmptySnapshot(userID, s.catalog, s.cfg.DailyGoalTarget)
	now := s.now()
	sess.goalDay = timeutil.StartOfDay(now, s.cfg.Location)
	sess.pendingXP = s.pendingJournalXP(sess)

	if f.ok[FetchStats] {
		sess.remoteStats = f.stats
	}
	if f.ok[FetchProgress] {
		sess.modules = f.modules
	}
	if f.ok[FetchLevel] {
		s.applyAuthoritativeTotal(sess, &next, f.level.TotalXP, f.level.Level)
	} else if sess.pendingXP > 0 {
		next.TotalXP = sess.pendingXP
		next.Level = progression.LevelFor(next.TotalXP)
		next.Unconfirmed = true
	}
	if f.ok[FetchStreak] {
		applyStreak(&next, f.streak)
	}
	if f.ok[FetchTransactions] {
		next.DailyGoal = progression.NewDailyGoal(f.todayXP, s.cfg.DailyGoalTarget)
	}
	sess.goalAnnounced = next.DailyGoal.Completed

	unlocked := s.evaluate(sess, &next)
	notes, err := s.commit(sess, next, unlocked)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Applied:  AppliedAuthoritative,
		Snapshot: next,
		Unlocked: notes,
		Degraded: f.degraded,
	}
	if len(f.degraded) > 0 {
		res.Applied = AppliedPartial
		res.RemoteErr = f.remoteErr("Initialize")
		log.Warn("initial sync degraded", "degraded", f.degraded, "error", res.RemoteErr)
	} else {
		log.Info("initial sync complete", "total_xp", next.TotalXP, "level", next.Level.Level, "streak", next.CurrentStreak)
	}

	s.emit(shared.NewSyncCompletedEvent(userID, f.degraded, next.TotalXP, now))
	s.emitUnlocks(userID, notes)
	return res, nil
}

// Refresh re-reads the remote for the current session. Successful reads
// overwrite local estimates; failed reads keep the current values.
// Achievement states and local counters carry over.
//
// Journaled awards are replayed before the reads. An award whose response
// was lost may already be in the remote total; replaying it first lets the
// idempotency key settle it so the read does not count it twice.
func (s *Store) Refresh(ctx context.Context) (Result, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sess, err := s.activeSession()
	if err != nil {
		return Result{}, err
	}

	var replayed replayOutcome
	if s.journal != nil {
		if replayed, err = s.replay(ctx, sess); err != nil {
			return Result{}, err
		}
	}

	f := s.fetchAll(ctx, sess)
	if sess.closed() {
		return Result{}, ErrSessionClosed
	}

	next := s.view()
	rolled := s.rollover(sess, &next)
	oldLevel := next.Level.Level
	oldStreak := next.CurrentStreak
	s.applyReplay(sess, &next, replayed)

	if f.ok[FetchStats] {
		sess.remoteStats = f.stats
	}
	if f.ok[FetchProgress] {
		sess.modules = f.modules
	}
	if f.ok[FetchLevel] {
		sess.pendingXP = s.pendingJournalXP(sess)
		s.applyAuthoritativeTotal(sess, &next, f.level.TotalXP, f.level.Level)
	}
	if f.ok[FetchStreak] {
		applyStreak(&next, f.streak)
	}
	if f.ok[FetchTransactions] && f.todayXP > next.DailyGoal.CurrentXP {
		next.DailyGoal = progression.NewDailyGoal(f.todayXP, next.DailyGoal.TargetXP)
	}

	if len(f.ok) == 0 && !rolled && !replayed.changed() {
		return Result{
			Applied:   AppliedUnchanged,
			RemoteErr: f.remoteErr("Refresh"),
			Snapshot:  s.view(),
			Degraded:  f.degraded,
		}, nil
	}

	unlocked := s.evaluate(sess, &next)
	notes, err := s.commit(sess, next, unlocked)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Applied:    AppliedAuthoritative,
		Snapshot:   next,
		Unlocked:   notes,
		Degraded:   f.degraded,
		Reconciled: replayed.reconciled,
		Discarded:  replayed.discarded,
	}
	if len(f.degraded) > 0 {
		res.Applied = AppliedPartial
		res.RemoteErr = f.remoteErr("Refresh")
	}

	now := s.now()
	if next.Level.Level > oldLevel {
		s.emit(shared.NewLevelUpEvent(sess.userID, oldLevel, next.Level.Level, next.Level.Title, now))
	}
	if next.CurrentStreak != oldStreak {
		s.emit(shared.NewStreakUpdatedEvent(sess.userID, oldStreak, next.CurrentStreak, next.LongestStreak, now))
	}
	s.afterCommit(sess, next, notes)
	return res, nil
}

func (s *Store) fetchAll(ctx context.Context, sess *session) *fetched {
	out := &fetched{ok: make(map[string]bool, 5)}
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	run := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			callCtx, cancel := s.callContext(ctx, sess)
			defer cancel()

			err := fn(callCtx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.degraded = append(out.degraded, name)
				out.errs = append(out.errs, shared.WrapError("progression", "fetch "+name, shared.ErrTransientRemote, "remote read failed", err))
				s.logger.Warn("remote read failed, using fallback", "user_id", sess.userID, "read", name, "error", err)
				return
			}
			out.ok[name] = true
		}()
	}

	run(FetchStats, func(ctx context.Context) (err error) {
		out.stats, err = s.remote.GetStats(ctx, sess.userID)
		return err
	})
	run(FetchProgress, func(ctx context.Context) (err error) {
		out.modules, err = s.remote.GetProgress(ctx, sess.userID)
		return err
	})
	run(FetchLevel, func(ctx context.Context) (err error) {
		out.level, err = s.remote.GetLevelInfo(ctx, sess.userID)
		return err
	})
	run(FetchStreak, func(ctx context.Context) (err error) {
		out.streak, err = s.remote.GetStreakInfo(ctx, sess.userID)
		return err
	})
	run(FetchTransactions, func(ctx context.Context) (err error) {
		out.todayXP, err = s.todayXP(ctx, sess.userID)
		return err
	})

	wg.Wait()
	sort.Strings(out.degraded)
	return out
}

// todayXP sums today's ledger entries. The ledger is newest first, so the
// scan stops at the first entry from an earlier day.
func (s *Store) todayXP(ctx context.Context, userID string) (int, error) {
	now := s.now()
	limit := s.cfg.TransactionPageSize
	total := 0

	for page := 0; page < s.cfg.MaxTransactionPages; page++ {
		txs, err := s.remote.GetXPTransactions(ctx, userID, page*limit, limit)
		if err != nil {
			return 0, err
		}
		for _, tx := range txs {
			if timeutil.DaysBetween(tx.CreatedAt, now, s.cfg.Location) > 0 {
				return total, nil
			}
			total += tx.Amount
		}
		if len(txs) < limit {
			break
		}
	}
	return total, nil
}

func (s *Store) pendingJournalXP(sess *session) int {
	if s.journal == nil {
		return 0
	}
	jctx, cancel := s.journalContext(sess)
	defer cancel()
	pending, err := s.journal.Pending(jctx, sess.userID)
	if err != nil {
		s.logger.Warn("read award journal failed", "user_id", sess.userID, "error", err)
		return sess.pendingXP
	}
	sum := 0
	for _, p := range pending {
		sum += p.Award.Amount
	}
	return sum
}

// ══════════════════════════════════════════════════════════════════════════════
// INTERNALS
// ══════════════════════════════════════════════════════════════════════════════

// openSession replaces any current session.
func (s *Store) openSession(userID string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{userID: userID, ctx: ctx, cancel: cancel}

	s.mu.Lock()
	if prev := s.current; prev != nil {
		prev.cancel()
	}
	s.current = sess
	s.snapshot = progression.EmptySnapshot(userID, s.catalog, s.cfg.DailyGoalTarget)
	s.notes = newNotificationQueue()
	s.mu.Unlock()
	return sess
}

func (s *Store) activeSession() (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, ErrNoSession
	}
	return s.current, nil
}

// view returns a private copy of the published snapshot to build on.
func (s *Store) view() progression.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Clone()
}

// callContext bounds a remote call by CallTimeout and by the session, so a
// sign-out aborts it even when the caller's context lives on.
func (s *Store) callContext(ctx context.Context, sess *session) (context.Context, context.CancelFunc) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	stop := context.AfterFunc(sess.ctx, cancel)
	return callCtx, func() {
		stop()
		cancel()
	}
}

// journalContext bounds a journal call by CallTimeout and the session only.
// The caller's context is left out: an award that fell back because the
// caller timed out must still reach the journal.
func (s *Store) journalContext(sess *session) (context.Context, context.CancelFunc) {
	return context.WithTimeout(sess.ctx, s.cfg.CallTimeout)
}

// commit publishes next unless the session ended meanwhile.
func (s *Store) commit(sess *session, next progression.Snapshot, unlocked []achievement.Definition) ([]progression.Notification, error) {
	now := s.now()

	s.mu.Lock()
	if s.current != sess || sess.closed() {
		s.mu.Unlock()
		s.logger.Debug("discarding result of closed session", "user_id", sess.userID)
		return nil, ErrSessionClosed
	}
	next.UpdatedAt = now
	notes := s.notes.push(unlocked, now)
	s.snapshot = next
	s.subs.publish(next)
	s.mu.Unlock()

	if s.cache != nil {
		ctx, cancel := context.WithTimeout(sess.ctx, s.cfg.CallTimeout)
		defer cancel()
		if err := s.cache.Save(ctx, next.Clone()); err != nil {
			s.logger.Warn("cache snapshot failed", "user_id", sess.userID, "error", err)
		}
	}
	return notes, nil
}

// afterCommit emits the events every mutation shares.
func (s *Store) afterCommit(sess *session, next progression.Snapshot, notes []progression.Notification) {
	if next.DailyGoal.Completed && !sess.goalAnnounced {
		sess.goalAnnounced = true
		s.emit(shared.NewDailyGoalMetEvent(sess.userID, next.DailyGoal.TargetXP, next.DailyGoal.CurrentXP, s.now()))
	}
	s.emitUnlocks(sess.userID, notes)
}

// evaluate runs the evaluator on next in place and returns the new unlocks.
func (s *Store) evaluate(sess *session, next *progression.Snapshot, cats ...achievement.Category) []achievement.Definition {
	now := s.now()
	stats := s.stats(sess, *next, now)

	var res achievement.Result
	if len(cats) == 0 {
		res = s.evaluator.Evaluate(next.Achievements, stats, now)
	} else {
		res = s.evaluator.EvaluateCategories(next.Achievements, stats, now, cats...)
	}
	next.Achievements = res.States
	return res.NewlyUnlocked
}

func (s *Store) stats(sess *session, snap progression.Snapshot, now time.Time) achievement.Stats {
	return achievement.Stats{
		LessonsCompleted:  sess.lessons,
		PerfectQuizzes:    sess.perfectQuizzes,
		FullHeartsQuizzes: sess.fullHearts,
		ModulesCompleted:  progression.CompletedModules(sess.modules),
		SignsMastered:     sess.remoteStats.SignsMastered,
		GlobalPrecision:   sess.remoteStats.GlobalPrecision,
		CurrentStreak:     snap.CurrentStreak,
		Level:             snap.Level.Level,
		TodayXP:           snap.DailyGoal.CurrentXP,
		LessonsLastHour:   sess.lessonsSince(now.Add(-s.cfg.LessonWindow)),
		BestSpeedRound:    sess.bestSpeedRound,
		FastestMemoryGame: sess.fastestMemory,
		FastestQuiz:       sess.fastestQuiz,
	}
}

func (sess *session) lessonsSince(from time.Time) int {
	n := 0
	for _, t := range sess.lessonTimes {
		if !t.Before(from) {
			n++
		}
	}
	return n
}

// applyAuthoritativeTotal replaces local XP with the remote's. Journaled
// awards the remote has not seen yet stay on top of it.
func (s *Store) applyAuthoritativeTotal(sess *session, next *progression.Snapshot, total int, level progression.LevelInfo) {
	if total < 0 {
		s.logger.Warn("remote reported negative XP, clamping", "user_id", sess.userID, "total_xp", total)
		total = 0
	}
	if sess.pendingXP > 0 {
		next.TotalXP = total + sess.pendingXP
		next.Level = progression.LevelFor(next.TotalXP)
		next.Unconfirmed = true
		return
	}

	next.TotalXP = total
	next.Unconfirmed = false
	switch {
	case level.Level < progression.MinLevel || level.Level > progression.MaxLevel:
		next.Level = progression.LevelFor(total)
	default:
		if level.Title == "" {
			level.Title = progression.TitleFor(level.Level)
		}
		next.Level = level
	}
}

func applyStreak(next *progression.Snapshot, info progression.StreakInfo) {
	current := max(info.Current, 0)
	next.CurrentStreak = current
	next.LongestStreak = progression.LongestStreak(max(info.Longest, next.LongestStreak), current)
	next.Streak = info
}

// rollover resets the daily goal when the calendar day changed.
func (s *Store) rollover(sess *session, next *progression.Snapshot) bool {
	today := timeutil.StartOfDay(s.now(), s.cfg.Location)
	if sess.goalDay.Equal(today) {
		return false
	}
	sess.goalDay = today
	sess.goalAnnounced = false
	next.DailyGoal = next.DailyGoal.Reset()
	return true
}

func (s *Store) emit(events ...shared.Event) {
	if s.publisher == nil {
		return
	}
	for _, e := range events {
		if err := s.publisher.Publish(e); err != nil {
			s.logger.Warn("publish event failed", "event", e.EventType(), "error", err)
		}
	}
}

func (s *Store) emitUnlocks(userID string, notes []progression.Notification) {
	for _, n := range notes {
		s.logger.Info("achievement unlocked", "user_id", userID, "achievement", n.Achievement.ID)
		s.emit(shared.NewAchievementUnlockedEvent(userID, n.Achievement.ID, string(n.Achievement.Category), n.Achievement.XPReward, n.ID, n.UnlockedAt))
	}
}
