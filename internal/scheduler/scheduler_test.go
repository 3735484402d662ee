package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/models"
	"github.com/ObiAU/alertrelay/internal/pipeline"
)

type fakeRunner struct {
	mu     sync.Mutex
	due    []pipeline.Target
	errs   []error
	calls  map[string]int
	idle   int
	pruned int
	block  chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: make(map[string]int)}
}

func (f *fakeRunner) Due(context.Context, time.Time) ([]pipeline.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	due := f.due
	f.due = nil
	return due, nil
}

func (f *fakeRunner) RunTarget(ctx context.Context, t pipeline.Target) (models.RunLog, error) {
	f.mu.Lock()
	f.calls[t.String()]++
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	return models.RunLog{Status: models.RunSuccess}, err
}

func (f *fakeRunner) RecordIdle(context.Context) {
	f.mu.Lock()
	f.idle++
	f.mu.Unlock()
}

func (f *fakeRunner) Prune(context.Context, time.Duration) (pipeline.PruneResult, error) {
	f.mu.Lock()
	f.pruned++
	f.mu.Unlock()
	return pipeline.PruneResult{}, nil
}

func (f *fakeRunner) callCount(t pipeline.Target) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[t.String()]
}

func target(id int64) pipeline.Target {
	return pipeline.Target{
		Tenant: models.Tenant{ID: 1, Slug: "acme"},
		Ref:    models.SourceRef{Kind: models.SourceMailbox, ID: id},
	}
}

func start(t *testing.T, s *Scheduler) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, s.Run(ctx))
	}()
	require.Eventually(t, func() bool { return s.State().Running }, time.Second, 5*time.Millisecond)
	return func() {
		cancelCtx()
		<-done
	}
}

func TestSweepRunsDueTargetsAndRecordsIdle(t *testing.T) {
	r := newFakeRunner()
	r.due = []pipeline.Target{target(1), target(2)}
	s := New(r, Options{Tick: 20 * time.Millisecond}, zap.NewNop())

	stop := start(t, s)
	require.Eventually(t, func() bool {
		return r.callCount(target(1)) == 1 && r.callCount(target(2)) == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.idle > 0
	}, time.Second, 5*time.Millisecond)
	stop()

	st := s.State()
	assert.False(t, st.Running)
	assert.GreaterOrEqual(t, st.Sweeps, int64(2))
	assert.Equal(t, int64(2), st.Runs)
	assert.Empty(t, st.InFlight)
}

func TestRetryIsBounded(t *testing.T) {
	r := newFakeRunner()
	r.errs = []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout"), errors.New("timeout")}
	s := New(r, Options{Tick: time.Hour, MaxAttempts: 3, RetryBackoff: time.Millisecond}, zap.NewNop())

	stop := start(t, s)
	require.NoError(t, s.Trigger(target(1)))
	require.Eventually(t, func() bool { return s.State().Failures == 1 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, 3, r.callCount(target(1)))
	assert.Equal(t, int64(2), s.State().Retries)
}

func TestRetryStopsOnSuccess(t *testing.T) {
	r := newFakeRunner()
	r.errs = []error{errors.New("connection reset"), nil}
	s := New(r, Options{Tick: time.Hour, MaxAttempts: 5, RetryBackoff: time.Millisecond}, zap.NewNop())

	stop := start(t, s)
	require.NoError(t, s.Trigger(target(1)))
	require.Eventually(t, func() bool { return r.callCount(target(1)) == 2 && len(s.State().InFlight) == 0 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Zero(t, s.State().Failures)
}

func TestMissingConfigurationIsNotRetried(t *testing.T) {
	r := newFakeRunner()
	r.errs = []error{fmt.Errorf("%w: metric credentials missing", pipeline.ErrNotConfigured)}
	s := New(r, Options{Tick: time.Hour, MaxAttempts: 3, RetryBackoff: time.Millisecond}, zap.NewNop())

	stop := start(t, s)
	require.NoError(t, s.Trigger(target(1)))
	require.Eventually(t, func() bool { return s.State().Failures == 1 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, 1, r.callCount(target(1)))
}

func TestTriggerRejectsConcurrentRunOfSameTarget(t *testing.T) {
	r := newFakeRunner()
	r.block = make(chan struct{})
	s := New(r, Options{Tick: time.Hour}, zap.NewNop())

	assert.ErrorIs(t, s.Trigger(target(1)), ErrNotRunning)

	stop := start(t, s)
	require.NoError(t, s.Trigger(target(1)))
	assert.ErrorIs(t, s.Trigger(target(1)), ErrBusy)
	require.NoError(t, s.Trigger(target(2)))
	assert.Equal(t, []string{"acme/mailbox/1", "acme/mailbox/2"}, s.State().InFlight)

	close(r.block)
	require.Eventually(t, func() bool { return len(s.State().InFlight) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Trigger(target(1)))
	stop()
}

func TestCancelAbortsBackoff(t *testing.T) {
	r := newFakeRunner()
	r.errs = []error{errors.New("timeout")}
	s := New(r, Options{Tick: time.Hour, MaxAttempts: 3, RetryBackoff: time.Hour}, zap.NewNop())

	stop := start(t, s)
	require.NoError(t, s.Trigger(target(1)))
	require.Eventually(t, func() bool { return s.State().Retries == 1 }, time.Second, 5*time.Millisecond)

	finished := make(chan struct{})
	go func() {
		stop()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop while waiting to retry")
	}
	assert.Equal(t, 1, r.callCount(target(1)))
}

func TestPruneTicker(t *testing.T) {
	r := newFakeRunner()
	s := New(r, Options{Tick: time.Hour, Retention: time.Hour, PruneInterval: 10 * time.Millisecond}, zap.NewNop())

	stop := start(t, s)
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.pruned > 0
	}, time.Second, 5*time.Millisecond)
	stop()
}
