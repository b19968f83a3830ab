package producer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oceanrun/jobkeep/internal/errors"
	"github.com/oceanrun/jobkeep/internal/logger"
	"github.com/oceanrun/jobkeep/internal/model"
	"github.com/oceanrun/jobkeep/internal/notifier"
	"github.com/oceanrun/jobkeep/internal/observability"
)

type fakeStore struct {
	mu      sync.Mutex
	jobs    []*model.Job
	claimed [][]uint64
}

func (f *fakeStore) Claim(ctx context.Context, queue string, demand int, node string, now time.Time) ([]*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := demand
	if n > len(f.jobs) {
		n = len(f.jobs)
	}
	out := f.jobs[:n]
	f.jobs = f.jobs[n:]
	ids := make([]uint64, len(out))
	for i, j := range out {
		ids[i] = j.ID
	}
	f.claimed = append(f.claimed, ids)
	return out, nil
}

func (f *fakeStore) RunningIDs(ctx context.Context, queue string) ([]uint64, error) { return nil, nil }

type fakeErrStore struct{ err error }

func (f *fakeErrStore) Claim(ctx context.Context, queue string, demand int, node string, now time.Time) ([]*model.Job, error) {
	return nil, f.err
}

func (f *fakeErrStore) RunningIDs(ctx context.Context, queue string) ([]uint64, error) { return nil, nil }

// causeCapturingExecutor records the cancellation cause observed on each
// run's context once it is Done, so Pkill's carried reason can be asserted
// without depending on the real Executor.
type causeCapturingExecutor struct {
	mu     sync.Mutex
	causes []error
}

func (e *causeCapturingExecutor) Run(ctx context.Context, job *model.Job) {
	<-ctx.Done()
	e.mu.Lock()
	e.causes = append(e.causes, context.Cause(ctx))
	e.mu.Unlock()
}

type blockingExecutor struct {
	release chan struct{}
	count   int64
}

func (e *blockingExecutor) Run(ctx context.Context, job *model.Job) {
	atomic.AddInt64(&e.count, 1)
	select {
	case <-e.release:
	case <-ctx.Done():
	}
}

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.New("development")
	require.NoError(t, err)
	return log
}

func TestDispatchRespectsLimit(t *testing.T) {
	st := &fakeStore{jobs: []*model.Job{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}}
	exec := &blockingExecutor{release: make(chan struct{})}
	p := New(Config{Queue: "alpha", Limit: 2, Node: "n1"}, st, exec, newTestLogger(t), observability.NoopSink{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.dispatch(ctx)

	require.Eventually(t, func() bool { return atomic.LoadInt64(&exec.count) == 2 }, time.Second, time.Millisecond)
	require.Equal(t, 2, p.RunningCount())

	close(exec.release)
}

func TestPauseStopsNewClaims(t *testing.T) {
	st := &fakeStore{jobs: []*model.Job{{ID: 1}}}
	exec := &blockingExecutor{release: make(chan struct{})}
	defer close(exec.release)
	p := New(Config{Queue: "alpha", Limit: 2, Node: "n1"}, st, exec, newTestLogger(t), observability.NoopSink{})
	p.Pause()

	ctx := context.Background()
	p.dispatch(ctx)

	require.Equal(t, 0, p.RunningCount())
	require.Len(t, st.jobs, 1)
}

func TestPkillCancelsRunningJob(t *testing.T) {
	st := &fakeStore{jobs: []*model.Job{{ID: 7}}}
	exec := &blockingExecutor{release: make(chan struct{})}
	defer close(exec.release)
	p := New(Config{Queue: "alpha", Limit: 1, Node: "n1"}, st, exec, newTestLogger(t), observability.NoopSink{})

	p.dispatch(context.Background())
	require.Eventually(t, func() bool { return p.RunningCount() == 1 }, time.Second, time.Millisecond)

	require.True(t, p.Pkill(7))
	require.Eventually(t, func() bool { return p.RunningCount() == 0 }, time.Second, time.Millisecond)
}

func TestPkillCarriesCancelledErrorCause(t *testing.T) {
	st := &fakeStore{jobs: []*model.Job{{ID: 9}}}
	exec := &causeCapturingExecutor{}
	p := New(Config{Queue: "alpha", Limit: 1, Node: "n1"}, st, exec, newTestLogger(t), observability.NoopSink{})

	p.dispatch(context.Background())
	require.Eventually(t, func() bool { return p.RunningCount() == 1 }, time.Second, time.Millisecond)

	require.True(t, p.Pkill(9))
	require.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return len(exec.causes) == 1
	}, time.Second, time.Millisecond)

	var cancelled *errors.CancelledError
	require.ErrorAs(t, exec.causes[0], &cancelled)
	require.Equal(t, "pkill", cancelled.Reason)
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Emit(event string, fields ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func TestDispatchEmitsMissingSchemaEventAndClaimsNothing(t *testing.T) {
	st := &fakeErrStore{err: errors.NewMissingSchemaError("jobs", context.DeadlineExceeded)}
	exec := &blockingExecutor{release: make(chan struct{})}
	defer close(exec.release)
	sink := &recordingSink{}
	p := New(Config{Queue: "alpha", Limit: 1, Node: "n1"}, st, exec, newTestLogger(t), sink)

	require.NotPanics(t, func() { p.dispatch(context.Background()) })
	require.Equal(t, 0, p.RunningCount())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Contains(t, sink.events, "producer.claim_missing_schema")
}

func TestScaleRaisesLimitAndAllowsMoreClaims(t *testing.T) {
	st := &fakeStore{jobs: []*model.Job{{ID: 1}, {ID: 2}, {ID: 3}}}
	exec := &blockingExecutor{release: make(chan struct{})}
	defer close(exec.release)
	p := New(Config{Queue: "alpha", Limit: 1, Node: "n1"}, st, exec, newTestLogger(t), observability.NoopSink{})

	p.dispatch(context.Background())
	require.Eventually(t, func() bool { return p.RunningCount() == 1 }, time.Second, time.Millisecond)

	p.Scale(3)
	require.Equal(t, int64(3), p.Limit())

	p.dispatch(context.Background())
	require.Eventually(t, func() bool { return p.RunningCount() == 3 }, time.Second, time.Millisecond)
}

func TestHandleNotificationSignalsOnMatchingQueueInsert(t *testing.T) {
	st := &fakeStore{}
	exec := &blockingExecutor{release: make(chan struct{})}
	close(exec.release)
	p := New(Config{Queue: "alpha", Limit: 1, Node: "n1"}, st, exec, newTestLogger(t), observability.NoopSink{})

	p.HandleNotification(notifier.Message{Channel: notifier.ChannelInsert, Payload: map[string]interface{}{"queues": []interface{}{"alpha"}}})

	select {
	case <-p.dispatchCh:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected a pending dispatch signal")
	}
}

func TestHandleNotificationIgnoresOtherQueueInsert(t *testing.T) {
	st := &fakeStore{}
	exec := &blockingExecutor{release: make(chan struct{})}
	close(exec.release)
	p := New(Config{Queue: "alpha", Limit: 1, Node: "n1"}, st, exec, newTestLogger(t), observability.NoopSink{})

	p.HandleNotification(notifier.Message{Channel: notifier.ChannelInsert, Payload: map[string]interface{}{"queues": []interface{}{"beta"}}})

	select {
	case <-p.dispatchCh:
		t.Fatal("should not have signalled for a different queue")
	case <-time.After(50 * time.Millisecond):
	}
}
