package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/oceanrun/jobkeep/internal/logger"
	"github.com/oceanrun/jobkeep/internal/model"
)

// newTestStore backs the Store with an in-memory sqlite database, mirroring
// the teacher's testutil.DB helper. Locking-clause queries (Claim/Stage/
// Elect/Cancel/Retry) are exercised separately against real Postgres — see
// store_postgres_test.go — since SQLite has no FOR UPDATE [SKIP LOCKED].
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	log, err := logger.New("test")
	require.NoError(t, err)
	s := &Store{db: db, log: log}
	require.NoError(t, s.AutoMigrate())
	return s
}

func TestInsertAssignsDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	jobs, err := s.Insert(ctx, nil, []*model.Job{
		{Queue: "alpha", Worker: "SendEmail", State: model.StateAvailable, ScheduledAt: now, MaxAttempts: 3},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NotZero(t, jobs[0].ID)
}

func TestRescueStaleConvergesExecutingToAvailable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-10 * time.Minute)

	jobs, err := s.Insert(ctx, nil, []*model.Job{
		{Queue: "alpha", Worker: "W", State: model.StateExecuting, ScheduledAt: old, AttemptedAt: &old, MaxAttempts: 3},
	})
	require.NoError(t, err)

	n, err := s.RescueStale(ctx, 2*time.Minute, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	var reloaded model.Job
	require.NoError(t, s.db.First(&reloaded, jobs[0].ID).Error)
	require.Equal(t, model.StateAvailable, reloaded.State)
}

func TestRescueStaleLeavesFreshExecutingAlone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	jobs, err := s.Insert(ctx, nil, []*model.Job{
		{Queue: "alpha", Worker: "W", State: model.StateExecuting, ScheduledAt: now, AttemptedAt: &now, MaxAttempts: 3},
	})
	require.NoError(t, err)

	n, err := s.RescueStale(ctx, 2*time.Minute, now)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	var reloaded model.Job
	require.NoError(t, s.db.First(&reloaded, jobs[0].ID).Error)
	require.Equal(t, model.StateExecuting, reloaded.State)
}

func TestGetLeaderReturnsEmptyWhenNoRow(t *testing.T) {
	s := newTestStore(t)
	node, err := s.GetLeader(context.Background(), "myinstance", time.Now().UTC())
	require.NoError(t, err)
	require.Empty(t, node)
}

func TestRunningIDsFiltersByQueueAndState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	jobs, err := s.Insert(ctx, nil, []*model.Job{
		{Queue: "alpha", Worker: "W", State: model.StateExecuting, ScheduledAt: now, MaxAttempts: 3},
		{Queue: "alpha", Worker: "W", State: model.StateAvailable, ScheduledAt: now, MaxAttempts: 3},
		{Queue: "beta", Worker: "W", State: model.StateExecuting, ScheduledAt: now, MaxAttempts: 3},
	})
	require.NoError(t, err)

	ids, err := s.RunningIDs(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, []uint64{jobs[0].ID}, ids)
}
