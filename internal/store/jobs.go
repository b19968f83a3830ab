package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	storeerrors "github.com/oceanrun/jobkeep/internal/errors"
	"github.com/oceanrun/jobkeep/internal/model"
)

// Insert persists new jobs. Scheduling (scheduled vs available at insert
// time) is the caller's decision (the public insertion API is out of scope
// per §1); Insert just assigns ids and timestamps.
func (s *Store) Insert(ctx context.Context, tx *gorm.DB, jobs []*model.Job) ([]*model.Job, error) {
	if len(jobs) == 0 {
		return jobs, nil
	}
	db := s.resolveTx(tx)
	if err := db.WithContext(ctx).Create(&jobs).Error; err != nil {
		return nil, classify(err, "insert")
	}
	return jobs, nil
}

// Claim implements §4.1's atomic claim: a `SELECT ... FOR UPDATE SKIP
// LOCKED` ordered by (priority, scheduled_at, id), feeding an `UPDATE` of
// those ids whose rows are then re-read in the same transaction, for up to
// `demand` rows of `queue` on this node. Rows locked by other sessions are skipped, not
// waited on — enforced by gorm's SKIP LOCKED clause option.
func (s *Store) Claim(ctx context.Context, queue string, demand int, node string, now time.Time) ([]*model.Job, error) {
	if demand <= 0 {
		return nil, nil
	}
	var claimed []*model.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []model.Job
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("queue = ? AND state = ? AND scheduled_at <= ?", queue, model.StateAvailable, now).
			Order("priority ASC, scheduled_at ASC, id ASC").
			Limit(demand).
			Find(&candidates).Error
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}
		ids := make([]uint64, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ID
		}
		attemptedBy, merr := marshalAttemptedBy(node)
		if merr != nil {
			return merr
		}
		if err := tx.Model(&model.Job{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"state":        model.StateExecuting,
				"attempted_at": now,
				"attempted_by": attemptedBy,
				"attempt":      gorm.Expr("attempt + 1"),
			}).Error; err != nil {
			return err
		}
		if err := tx.Where("id IN ?", ids).
			Order("priority ASC, scheduled_at ASC, id ASC").
			Find(&claimed).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, classify(err, "claim")
	}
	return claimed, nil
}

// Finalize applies a computed model.Transition to a claimed job: it writes
// the next state, appends an error entry when present, and stamps the
// matching lifecycle timestamp. This is the Executor's write path out of
// "executing" (§4.1); RescueStale is the only other one.
func (s *Store) Finalize(ctx context.Context, jobID uint64, tr model.Transition, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job model.Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, jobID).Error; err != nil {
			return err
		}
		updates := map[string]interface{}{
			"state":        tr.NextState,
			"scheduled_at": tr.ScheduledAt,
			"max_attempts": tr.MaxAttempts,
		}
		if tr.ErrorText != "" {
			errs, err := appendErrorEntry(job.Errors, job.Attempt, tr.ErrorText, now)
			if err != nil {
				return err
			}
			updates["errors"] = errs
		}
		switch tr.NextState {
		case model.StateCompleted:
			updates["completed_at"] = now
		case model.StateCancelled:
			updates["cancelled_at"] = now
		case model.StateDiscarded:
			updates["discarded_at"] = now
		}
		if err := tx.Model(&model.Job{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
			return err
		}
		return nil
	})
}

// Stage implements §4.4's staging algorithm: promote due scheduled/retryable
// rows to available, bounded by limit, and return the distinct queues that
// now have work so the caller can notify producers.
func (s *Store) Stage(ctx context.Context, limit int, now time.Time) ([]string, error) {
	var queues []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []model.Job
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("state IN ? AND queue <> '' AND scheduled_at <= ?", []model.State{model.StateScheduled, model.StateRetryable}, now).
			Order("id ASC").
			Limit(limit).
			Find(&candidates).Error
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}
		ids := make([]uint64, len(candidates))
		seen := map[string]bool{}
		for i, c := range candidates {
			ids[i] = c.ID
			if !seen[c.Queue] {
				seen[c.Queue] = true
				queues = append(queues, c.Queue)
			}
		}
		return tx.Model(&model.Job{}).Where("id IN ?", ids).Update("state", model.StateAvailable).Error
	})
	if err != nil {
		return nil, classify(err, "stage")
	}
	return queues, nil
}

// Cancel implements the operator-initiated cancel transition (§4.1): any
// non-terminal job moves straight to cancelled. Executing jobs are left for
// the producer's pkill path to finish tearing down the running task; this
// only flips the row if it is not currently executing, matching the spirit
// of the river-style "if running, let the executor finish" rule.
func (s *Store) Cancel(ctx context.Context, jobID uint64, reason string, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job model.Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, jobID).Error; err != nil {
			return err
		}
		if job.State.Terminal() || job.State == model.StateExecuting {
			return nil
		}
		errs, err := appendErrorEntry(job.Errors, job.Attempt, reason, now)
		if err != nil {
			return err
		}
		return tx.Model(&model.Job{}).Where("id = ?", jobID).Updates(map[string]interface{}{
			"state":        model.StateCancelled,
			"cancelled_at": now,
			"errors":       errs,
		}).Error
	})
}

// Retry implements the operator-initiated retry transition (§4.1): any
// terminal job returns to available, attempts preserved, raising
// max_attempts if it was saturated.
func (s *Store) Retry(ctx context.Context, jobID uint64, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job model.Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, jobID).Error; err != nil {
			return err
		}
		if !job.State.Terminal() {
			return fmt.Errorf("job %d is not in a terminal state (state=%s)", jobID, job.State)
		}
		maxAttempts := job.MaxAttempts
		if job.Attempt >= maxAttempts {
			maxAttempts = job.Attempt + 1
		}
		return tx.Model(&model.Job{}).Where("id = ?", jobID).Updates(map[string]interface{}{
			"state":        model.StateAvailable,
			"scheduled_at": now,
			"max_attempts": maxAttempts,
			"completed_at": nil,
			"cancelled_at": nil,
			"discarded_at": nil,
		}).Error
	})
}

// RescueStale converges jobs stuck in "executing" with attempted_at older
// than staleAfter back to available, preserving their error history (§8
// "Restarting a node that crashed ... must ... converge them back to
// available without losing their error history"). This is the primitive an
// operator's external rescue plugin calls (§4.8); the core does not schedule
// it.
func (s *Store) RescueStale(ctx context.Context, staleAfter time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-staleAfter)
	res := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("state = ? AND attempted_at < ?", model.StateExecuting, cutoff).
		Updates(map[string]interface{}{
			"state":        model.StateAvailable,
			"scheduled_at": now,
		})
	if res.Error != nil {
		return 0, classify(res.Error, "rescue")
	}
	return res.RowsAffected, nil
}

// QueueSnapshot holds the durable-state part of a check_queue response: the
// queue name and its executing job ids. It carries none of the limit,
// paused, node or started_at fields.
type QueueSnapshot struct {
	Queue   string   `json:"queue"`
	Running []uint64 `json:"running"`
}

// RunningIDs returns the ids currently in "executing" state for queue, used
// to populate check_queue's running list from durable state (the in-memory
// running set is the authoritative fast path; this is the recovery path).
func (s *Store) RunningIDs(ctx context.Context, queue string) ([]uint64, error) {
	var ids []uint64
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("queue = ? AND state = ?", queue, model.StateExecuting).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, classify(err, "running_ids")
	}
	return ids, nil
}

// classify maps an infrastructure error to the §7 taxonomy by inspecting the
// underlying pgconn.PgError.Code, grounded on the teacher's
// aggregates.MapError's pgErr.Code switch: undefined_table degrades the
// system (§7 MissingSchemaError), serialization/deadlock/lock conditions are
// retried, and constraint violations are permanent failures the caller
// should not retry.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "42P01":
			return storeerrors.NewMissingSchemaError(pgErr.TableName, err)
		case "40001", "40P01", "55P03":
			return storeerrors.NewTransientStorageError(op, err)
		case "23505", "23503":
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return storeerrors.NewTransientStorageError(op, err)
}
