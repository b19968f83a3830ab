package stager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oceanrun/jobkeep/internal/logger"
	"github.com/oceanrun/jobkeep/internal/notifier"
	"github.com/oceanrun/jobkeep/internal/notifier/memnotify"
	"github.com/oceanrun/jobkeep/internal/observability"
	"github.com/oceanrun/jobkeep/internal/sonar"
)

type fakeStore struct {
	mu      sync.Mutex
	queues  []string
	calls   int
}

func (f *fakeStore) Stage(ctx context.Context, limit int, now time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.queues, nil
}

type fakeLeadership struct{ leading bool }

func (f *fakeLeadership) Leading() bool { return f.leading }

type fakeMidwife struct {
	mu       sync.Mutex
	dispatch []string
	queues   []string
}

func (f *fakeMidwife) Dispatch(queue string, msg notifier.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatch = append(f.dispatch, queue)
	return nil
}

func (f *fakeMidwife) Queues() []string { return f.queues }

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.New("development")
	require.NoError(t, err)
	return log
}

func forceStatus(s *sonar.Sonar, want sonar.Status) {
	for s.Status() != want {
		time.Sleep(time.Millisecond)
	}
}

func TestTickBroadcastsInGlobalModeWhenLeader(t *testing.T) {
	notif := memnotify.New("jobkeep.n1")
	received := make(chan notifier.Message, 1)
	_, err := notif.Listen(context.Background(), []string{notifier.ChannelInsert}, func(msg notifier.Message) { received <- msg })
	require.NoError(t, err)

	st := &fakeStore{queues: []string{"alpha", "beta"}}
	sn := sonar.New("n1", 10*time.Millisecond, 3, notif, newTestLogger(t), observability.NoopSink{})
	go sn.Run(context.Background())
	defer sn.Stop()
	forceStatus(sn, sonar.StatusSolitary)

	lead := &fakeLeadership{leading: true}
	mw := &fakeMidwife{}
	s := New(st, lead, sn, notif, mw, newTestLogger(t), observability.NoopSink{}, 10*time.Millisecond, 100)

	s.tick(context.Background())

	require.Equal(t, ModeGlobal, s.Mode())
	select {
	case msg := <-received:
		require.ElementsMatch(t, []string{"alpha", "beta"}, msg.Payload["queues"])
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast on the insert channel")
	}
}

func TestTickDispatchesLocallyWhenIsolated(t *testing.T) {
	notif := memnotify.New("jobkeep.n1")
	st := &fakeStore{queues: []string{"alpha"}}
	sn := sonar.New("n1", time.Hour, 3, notif, newTestLogger(t), observability.NoopSink{})
	// Force isolated status directly without running Run's self-seen bump.
	lead := &fakeLeadership{leading: true}
	mw := &fakeMidwife{}
	s := New(st, lead, sn, notif, mw, newTestLogger(t), observability.NoopSink{}, 10*time.Millisecond, 100)

	s.tick(context.Background())

	require.Equal(t, ModeLocal, s.Mode())
	require.Equal(t, []string{"alpha"}, mw.dispatch)
}

func TestNonLeaderSkipsStagingInGlobalMode(t *testing.T) {
	notif := memnotify.New("jobkeep.n1")
	st := &fakeStore{queues: []string{"alpha"}}
	sn := sonar.New("n1", 10*time.Millisecond, 3, notif, newTestLogger(t), observability.NoopSink{})
	other := sonar.New("n2", 10*time.Millisecond, 3, notif, newTestLogger(t), observability.NoopSink{})
	go sn.Run(context.Background())
	go other.Run(context.Background())
	defer sn.Stop()
	defer other.Stop()
	forceStatus(sn, sonar.StatusClustered)

	lead := &fakeLeadership{leading: false}
	mw := &fakeMidwife{}
	s := New(st, lead, sn, notif, mw, newTestLogger(t), observability.NoopSink{}, 10*time.Millisecond, 100)

	s.tick(context.Background())

	require.Equal(t, ModeGlobal, s.Mode())
	require.Equal(t, 0, st.calls)
}

func TestRunAnswersLivenessPing(t *testing.T) {
	notif := memnotify.New("jobkeep.n1")
	st := &fakeStore{}
	sn := sonar.New("n1", time.Hour, 3, notif, newTestLogger(t), observability.NoopSink{})
	lead := &fakeLeadership{leading: true}
	mw := &fakeMidwife{}
	s := New(st, lead, sn, notif, mw, newTestLogger(t), observability.NoopSink{}, 10*time.Millisecond, 100)

	pong := make(chan notifier.Message, 1)
	_, err := notif.Listen(context.Background(), []string{notifier.ChannelStager}, func(msg notifier.Message) {
		if msg.Payload["pong"] != nil {
			pong <- msg
		}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer func() { cancel(); s.Stop() }()

	require.Eventually(t, func() bool {
		return notif.Notify(context.Background(), notifier.ChannelStager, map[string]interface{}{"ping": "probe-1"}) == nil
	}, time.Second, time.Millisecond)

	select {
	case msg := <-pong:
		require.Equal(t, "probe-1", msg.Payload["pong"])
	case <-time.After(time.Second):
		t.Fatal("expected a pong reply to the liveness ping")
	}
}

func TestRunIsNoOpWhenIntervalIsInfinity(t *testing.T) {
	notif := memnotify.New("jobkeep.n1")
	st := &fakeStore{}
	sn := sonar.New("n1", time.Hour, 3, notif, newTestLogger(t), observability.NoopSink{})
	lead := &fakeLeadership{leading: true}
	mw := &fakeMidwife{}
	s := New(st, lead, sn, notif, mw, newTestLogger(t), observability.NoopSink{}, 0, 100)

	done := make(chan struct{})
	go func() { s.Run(context.Background()); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately when interval is infinity")
	}
}
