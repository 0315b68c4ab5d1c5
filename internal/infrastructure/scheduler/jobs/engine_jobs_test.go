package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ensenas/progression-engine/internal/application/engine"
)

type fakeStore struct {
	refreshErr   error
	reconcileErr error
	rolloverErr  error
	calls        []string
}

func (f *fakeStore) Refresh(context.Context) (engine.Result, error) {
	f.calls = append(f.calls, "refresh")
	return engine.Result{Degraded: []string{"stats"}}, f.refreshErr
}

func (f *fakeStore) ReconcilePending(context.Context) (engine.Result, error) {
	f.calls = append(f.calls, "reconcile")
	return engine.Result{Reconciled: 2}, f.reconcileErr
}

func (f *fakeStore) RollOverDay() (engine.Result, error) {
	f.calls = append(f.calls, "rollover")
	return engine.Result{}, f.rolloverErr
}

func TestJobs_RunDelegateToStore(t *testing.T) {
	store := &fakeStore{}
	ctx := context.Background()

	assert.NoError(t, NewRefreshJob(store, nil).Run(ctx))
	assert.NoError(t, NewReconcileJob(store, nil).Run(ctx))
	assert.NoError(t, NewRolloverJob(store).Run(ctx))
	assert.Equal(t, []string{"refresh", "reconcile", "rollover"}, store.calls)
}

func TestJobs_SignedOutIsNotAFailure(t *testing.T) {
	store := &fakeStore{
		refreshErr:   engine.ErrNoSession,
		reconcileErr: engine.ErrSessionClosed,
		rolloverErr:  engine.ErrNoSession,
	}
	ctx := context.Background()

	assert.NoError(t, NewRefreshJob(store, nil).Run(ctx))
	assert.NoError(t, NewReconcileJob(store, nil).Run(ctx))
	assert.NoError(t, NewRolloverJob(store).Run(ctx))
}

func TestJobs_OtherErrorsFail(t *testing.T) {
	boom := errors.New("journal corrupted")
	store := &fakeStore{reconcileErr: boom}

	assert.ErrorIs(t, NewReconcileJob(store, nil).Run(context.Background()), boom)
}

func TestJobs_Names(t *testing.T) {
	store := &fakeStore{}
	assert.Equal(t, "refresh", NewRefreshJob(store, nil).Name())
	assert.Equal(t, "reconcile", NewReconcileJob(store, nil).Name())
	assert.Equal(t, "day_rollover", NewRolloverJob(store).Name())
}
