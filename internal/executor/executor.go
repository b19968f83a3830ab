// Package executor implements §4.3: safe invocation of user worker code
// with timeout/crash isolation and mapping of the outcome to a terminal
// transition. The panic-recovery shape is grounded directly on the
// teacher's jobs.Worker.Start, generalized from "one ticking poll loop" to
// "one call per claimed job", since claiming now belongs to the Producer.
package executor

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/oceanrun/jobkeep/internal/errors"
	"github.com/oceanrun/jobkeep/internal/model"
	"github.com/oceanrun/jobkeep/internal/observability"
	"github.com/oceanrun/jobkeep/internal/registry"
)

// Store is the subset of store.Store the Executor needs, kept as an
// interface so it can be faked in tests.
type Store interface {
	Finalize(ctx context.Context, jobID uint64, tr model.Transition, now time.Time) error
}

// Clock is injected for deterministic tests.
type Clock func() time.Time

type Executor struct {
	store    Store
	registry *registry.WorkerRegistry
	sink     observability.EventSink
	now      Clock

	finalizeRetries int
	finalizeBackoff time.Duration
}

func New(store Store, reg *registry.WorkerRegistry, sink observability.EventSink) *Executor {
	return &Executor{
		store:           store,
		registry:        reg,
		sink:            sink,
		now:             time.Now,
		finalizeRetries: 5,
		finalizeBackoff: 200 * time.Millisecond,
	}
}

// Run executes job to completion (or timeout, pkill, or crash) and finalizes
// its terminal transition in the store. It never panics or returns an error
// the caller must interpret as "crashed" — every outcome that actually ran
// becomes a database write, per §7 "Worker faults never crash any system
// component". A run cancelled from outside for a reason other than pkill
// (process shutdown, a watchman grace period exceeded) is abandoned instead:
// nothing is written, the row stays `executing` for a rescue plugin (§4.8).
func (e *Executor) Run(ctx context.Context, job *model.Job) {
	outcome, finalize := e.invoke(ctx, job)
	if !finalize {
		e.sink.Emit("executor.abandoned", "job_id", job.ID, "worker", job.Worker)
		return
	}
	now := e.now().UTC()
	tr := model.Resolve(job, outcome, now)
	if tr.NextState == model.StateRetryable {
		if handler, ok := e.registry.Get(job.Worker); ok {
			if bo, ok := handler.(registry.Backoffer); ok {
				tr.ScheduledAt = now.Add(bo.Backoff(job.Attempt))
			}
		}
	}
	// Finalization must not inherit ctx's cancellation: a pkilled or
	// abandoned run's ctx is already Done, and the write needs to land
	// regardless (§4.3 step 6).
	finalizeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.finalizeWithRetry(finalizeCtx, job.ID, tr, now)
}

// invoke resolves the worker, applies its timeout, and runs Perform on an
// isolated goroutine so a panic or hang in user code cannot take down the
// Producer (§5 "It must never block on user code"). The bool return reports
// whether the resulting outcome should be finalized at all.
func (e *Executor) invoke(ctx context.Context, job *model.Job) (outcome model.Outcome, finalize bool) {
	handler, ok := e.registry.Get(job.Worker)
	if !ok {
		return model.Fail((&errors.WorkerResolutionError{Worker: job.Worker}).Error()), true
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if to, ok := handler.(registry.Timeouter); ok {
		if d := to.Timeout(job); d > 0 {
			runCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	type result struct {
		outcome  model.Outcome
		panicked bool
		panicVal interface{}
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{panicked: true, panicVal: r}
			}
		}()
		done <- result{outcome: handler.Perform(runCtx, job)}
	}()

	select {
	case res := <-done:
		if res.panicked {
			fault := errors.NewWorkerFault("panic", fmt.Errorf("%v", res.panicVal))
			e.sink.Emit("executor.worker_fault", "job_id", job.ID, "worker", job.Worker, "error", fault.Error())
			return model.Fail(fault.Error()), true
		}
		return res.outcome, true
	case <-runCtx.Done():
		if ctx.Err() == nil {
			// runCtx was the timeout context, parent ctx is still live: a
			// genuine timeout, not an outer cancellation.
			e.sink.Emit("executor.timeout", "job_id", job.ID, "worker", job.Worker)
			return model.Fail((&errors.TimeoutError{Timeout: "worker-defined"}).Error()), true
		}
		var cancelled *errors.CancelledError
		if stderrors.As(context.Cause(ctx), &cancelled) {
			// Producer.Pkill cancelled this specific job's context with a
			// CancelledError cause (§4.2 "pkill ... transition job to
			// cancelled").
			return model.Cancel(cancelled.Reason), true
		}
		// ctx was cancelled for some other reason than pkill: an outer
		// shutdown. Abandon the run rather than finalize a spurious
		// retryable/discarded transition (§4.8, §8 invariant 5/scenario S3).
		return model.Outcome{}, false
	}
}

// finalizeWithRetry implements §4.3 step 6: finalization is resilient to
// transient database unavailability, retried with backoff up to a bounded
// number of attempts before surfacing.
func (e *Executor) finalizeWithRetry(ctx context.Context, jobID uint64, tr model.Transition, now time.Time) {
	var err error
	for attempt := 0; attempt < e.finalizeRetries; attempt++ {
		err = e.store.Finalize(ctx, jobID, tr, now)
		if err == nil {
			return
		}
		if !errors.IsTransient(err) {
			break
		}
		time.Sleep(e.finalizeBackoff * time.Duration(attempt+1))
	}
	if err != nil {
		e.sink.Emit("executor.finalize_failed", "job_id", jobID, "error", err.Error())
	}
}
