package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ensenas/progression-engine/internal/domain/progression"
	"github.com/ensenas/progression-engine/internal/domain/shared"
)

var (
	errDown     = errors.New("connection refused")
	errRejected = shared.WrapError("backend", "AwardXP", shared.ErrRejected, "status 422: amount not allowed", nil)
)

// fakeRemote is a scriptable remote authority.
type fakeRemote struct {
	mu sync.Mutex

	stats       progression.RemoteStats
	modules     []progression.ModuleProgress
	total       int
	streak      progression.StreakInfo
	txs         []progression.XPTransaction
	bonus       int
	awardKeys   []string
	awardCalls  int
	updateCalls int

	statsErr, progressErr, levelErr, streakErr, txErr error
	awardErr, updateErr                               error

	// rejectAmount makes AwardXP refuse awards of exactly that amount.
	rejectAmount int
	// lostReply makes AwardXP apply the award and then fail, like a
	// response lost on the way back.
	lostReply error
	receipts  map[string]progression.AwardReceipt

	// blockAward makes AwardXP wait for its context and signal entered.
	blockAward bool
	entered    chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{entered: make(chan struct{}, 1)}
}

func (f *fakeRemote) set(fn func(f *fakeRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeRemote) GetStats(ctx context.Context, userID string) (progression.RemoteStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, f.statsErr
}

func (f *fakeRemote) GetProgress(ctx context.Context, userID string) ([]progression.ModuleProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.progressErr != nil {
		return nil, f.progressErr
	}
	return append([]progression.ModuleProgress(nil), f.modules...), nil
}

func (f *fakeRemote) GetLevelInfo(ctx context.Context, userID string) (progression.LevelReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.levelErr != nil {
		return progression.LevelReport{}, f.levelErr
	}
	return progression.LevelReport{TotalXP: f.total, Level: progression.LevelFor(f.total)}, nil
}

func (f *fakeRemote) GetStreakInfo(ctx context.Context, userID string) (progression.StreakInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.streakErr != nil {
		return progression.StreakInfo{}, f.streakErr
	}
	return f.streak, nil
}

func (f *fakeRemote) AwardXP(ctx context.Context, userID string, award progression.XPAward) (progression.AwardReceipt, error) {
	f.mu.Lock()
	f.awardCalls++
	if f.blockAward {
		f.mu.Unlock()
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return progression.AwardReceipt{}, ctx.Err()
	}
	defer f.mu.Unlock()

	if f.awardErr != nil {
		return progression.AwardReceipt{}, f.awardErr
	}
	if f.rejectAmount != 0 && award.Amount == f.rejectAmount {
		return progression.AwardReceipt{}, errRejected
	}
	if r, ok := f.receipts[award.IdempotencyKey]; ok && award.IdempotencyKey != "" {
		r.TotalXP = f.total
		return r, nil
	}
	f.awardKeys = append(f.awardKeys, award.IdempotencyKey)
	prev := progression.LevelFor(f.total)
	gained := award.Amount + f.bonus
	f.total += gained
	cur := progression.LevelFor(f.total)
	receipt := progression.AwardReceipt{
		XPAwarded:     gained,
		TotalXP:       f.total,
		PreviousLevel: prev.Level,
		CurrentLevel:  cur.Level,
		LevelUp:       cur.Level > prev.Level,
		Level:         cur,
	}
	if f.receipts == nil {
		f.receipts = make(map[string]progression.AwardReceipt)
	}
	f.receipts[award.IdempotencyKey] = receipt
	if f.lostReply != nil {
		return progression.AwardReceipt{}, f.lostReply
	}
	return receipt, nil
}

func (f *fakeRemote) UpdateStreak(ctx context.Context, userID string, activity progression.ActivityType, xpEarned int) (progression.DailyActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return progression.DailyActivity{}, f.updateErr
	}
	f.streak.Current++
	f.streak.Longest = max(f.streak.Longest, f.streak.Current)
	return progression.DailyActivity{UserID: userID, XPEarned: xpEarned}, nil
}

func (f *fakeRemote) GetXPTransactions(ctx context.Context, userID string, skip, limit int) ([]progression.XPTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.txErr != nil {
		return nil, f.txErr
	}
	if skip >= len(f.txs) {
		return nil, nil
	}
	end := min(skip+limit, len(f.txs))
	return append([]progression.XPTransaction(nil), f.txs[skip:end]...), nil
}

type fakeIdentity struct {
	userID string
}

func (f fakeIdentity) CurrentUserID(context.Context) (string, bool) {
	return f.userID, f.userID != ""
}

func (f fakeIdentity) AuthToken(context.Context) (string, bool) {
	return "", false
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingPublisher keeps published event types.
type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *recordingPublisher) Publish(e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) count(t shared.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.EventType() == t {
			n++
		}
	}
	return n
}

// memJournal is a minimal in-memory award journal.
type memJournal struct {
	mu      sync.Mutex
	entries []progression.PendingAward
}

func (j *memJournal) Append(_ context.Context, a progression.PendingAward) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, a)
	return nil
}

func (j *memJournal) Pending(_ context.Context, userID string) ([]progression.PendingAward, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []progression.PendingAward
	for _, e := range j.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (j *memJournal) MarkConfirmed(_ context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, e := range j.entries {
		if e.ID == id {
			j.entries = append(j.entries[:i], j.entries[i+1:]...)
			return nil
		}
	}
	return shared.ErrNotFound
}

func (j *memJournal) RecordAttempt(_ context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.entries {
		if j.entries[i].ID == id {
			j.entries[i].Attempts++
			return nil
		}
	}
	return shared.ErrNotFound
}

// ctxJournal is a memJournal that refuses work on a finished context, like
// a database driver does.
type ctxJournal struct {
	memJournal
}

func (j *ctxJournal) Append(ctx context.Context, a progression.PendingAward) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return j.memJournal.Append(ctx, a)
}

func (j *ctxJournal) Pending(ctx context.Context, userID string) ([]progression.PendingAward, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return j.memJournal.Pending(ctx, userID)
}

func (j *ctxJournal) MarkConfirmed(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return j.memJournal.MarkConfirmed(ctx, id)
}

func (j *memJournal) len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}
