package peer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oceanrun/jobkeep/internal/errors"
	"github.com/oceanrun/jobkeep/internal/logger"
	"github.com/oceanrun/jobkeep/internal/notifier"
	"github.com/oceanrun/jobkeep/internal/notifier/memnotify"
	"github.com/oceanrun/jobkeep/internal/observability"
)

type fakeStore struct {
	mu        sync.Mutex
	result    ElectionResult
	err       error
	released  bool
	electCall int
}

func (f *fakeStore) Elect(ctx context.Context, name, node string, interval time.Duration, now time.Time) (ElectionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.electCall++
	return f.result, f.err
}

func (f *fakeStore) ReleaseLeadership(ctx context.Context, name, node string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
	return true, nil
}

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.New("development")
	require.NoError(t, err)
	return log
}

func TestTickBecomesLeaderOnWin(t *testing.T) {
	st := &fakeStore{result: ElectionResult{Leader: true, Node: "n1"}}
	p := New("jobkeep", "n1", 10*time.Millisecond, st, memnotify.New("jobkeep.n1"), newTestLogger(t), observability.NoopSink{})

	p.tick(context.Background())

	require.True(t, p.Leading())
}

func TestTickPreservesPriorStateOnTransientError(t *testing.T) {
	st := &fakeStore{result: ElectionResult{Leader: true, Node: "n1"}}
	p := New("jobkeep", "n1", 10*time.Millisecond, st, memnotify.New("jobkeep.n1"), newTestLogger(t), observability.NoopSink{})
	p.tick(context.Background())
	require.True(t, p.Leading())

	st.err = errors.NewTransientStorageError("elect", context.DeadlineExceeded)
	p.tick(context.Background())

	require.True(t, p.Leading(), "leadership should not flap on a transient error")
}

func TestTickPreservesPriorStateOnMissingSchema(t *testing.T) {
	st := &fakeStore{result: ElectionResult{Leader: true, Node: "n1"}}
	p := New("jobkeep", "n1", 10*time.Millisecond, st, memnotify.New("jobkeep.n1"), newTestLogger(t), observability.NoopSink{})
	p.tick(context.Background())
	require.True(t, p.Leading())

	st.err = errors.NewMissingSchemaError("peers", context.DeadlineExceeded)
	p.tick(context.Background())

	require.True(t, p.Leading(), "a missing-schema error preserves prior state rather than crashing")
}

func TestStopReleasesLeadershipAndBroadcastsDown(t *testing.T) {
	st := &fakeStore{result: ElectionResult{Leader: true, Node: "n1"}}
	notif := memnotify.New("jobkeep.n1")
	p := New("jobkeep", "n1", 10*time.Millisecond, st, notif, newTestLogger(t), observability.NoopSink{})
	p.tick(context.Background())
	require.True(t, p.Leading())

	received := make(chan notifier.Message, 1)
	_, err := notif.Listen(context.Background(), []string{notifier.ChannelLeader}, func(msg notifier.Message) {
		received <- msg
	})
	require.NoError(t, err)

	go p.Run(context.Background())
	p.Stop()

	require.True(t, st.released)
	select {
	case msg := <-received:
		require.Equal(t, "jobkeep", msg.Payload["down"])
	case <-time.After(time.Second):
		t.Fatal("expected a down broadcast on the leader channel")
	}
}

func TestNextIntervalShortensWhileLeading(t *testing.T) {
	st := &fakeStore{result: ElectionResult{Leader: true, Node: "n1"}}
	p := New("jobkeep", "n1", 100*time.Millisecond, st, memnotify.New("jobkeep.n1"), newTestLogger(t), observability.NoopSink{})
	p.tick(context.Background())

	require.Equal(t, 50*time.Millisecond, p.nextInterval())
}
