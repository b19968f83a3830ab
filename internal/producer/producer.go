// Package producer implements §4.2: the per-queue dispatch loop that claims
// available jobs from the store and hands them to the Executor, bounded by a
// running-count limit. The cooldown-collapsing dispatch trigger and the
// semaphore-bounded running set are grounded on the teacher's worker pool
// (internal/jobs.Worker), generalized from a single fixed-interval poll to a
// signal-driven dispatch with an x/sync/semaphore occupancy bound.
package producer

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/oceanrun/jobkeep/internal/errors"
	"github.com/oceanrun/jobkeep/internal/logger"
	"github.com/oceanrun/jobkeep/internal/model"
	"github.com/oceanrun/jobkeep/internal/notifier"
	"github.com/oceanrun/jobkeep/internal/observability"
)

// Store is the subset of store.Store the Producer needs.
type Store interface {
	Claim(ctx context.Context, queue string, demand int, node string, now time.Time) ([]*model.Job, error)
	RunningIDs(ctx context.Context, queue string) ([]uint64, error)
}

// Executor runs a single claimed job to completion and finalizes it.
type Executor interface {
	Run(ctx context.Context, job *model.Job)
}

// Config is a single queue's tuning knobs (§4.2 "per-queue limit").
type Config struct {
	Queue    string
	Limit    int64
	Node     string
	Cooldown time.Duration
}

// Producer claims and dispatches jobs for one queue. It never blocks on user
// code: every claimed job is handed to the Executor on its own goroutine,
// bounded by a weighted semaphore sized to Limit (§5 "must never block").
type Producer struct {
	cfg      Config
	store    Store
	executor Executor
	log      *logger.Logger
	sink     observability.EventSink
	now      func() time.Time

	sem *semaphore.Weighted

	mu      sync.Mutex
	paused  bool
	running map[uint64]context.CancelCauseFunc

	dispatchCh chan struct{}
	stopCh     chan struct{}
	stoppedCh  chan struct{}

	startedAt time.Time
}

func New(cfg Config, store Store, executor Executor, log *logger.Logger, sink observability.EventSink) *Producer {
	if cfg.Limit <= 0 {
		cfg.Limit = 1
	}
	return &Producer{
		cfg:        cfg,
		store:      store,
		executor:   executor,
		log:        log.With("queue", cfg.Queue),
		sink:       sink,
		now:        time.Now,
		sem:        semaphore.NewWeighted(cfg.Limit),
		running:    map[uint64]context.CancelCauseFunc{},
		dispatchCh: make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
		startedAt:  time.Now().UTC(),
	}
}

// Start runs the dispatch loop until ctx is cancelled or Stop is called. It
// collapses bursts of signals arriving faster than Cooldown into a single
// claim attempt (§4.2 "coalesces duplicate wakeups").
func (p *Producer) Start(ctx context.Context) {
	defer close(p.stoppedCh)
	ticker := time.NewTicker(p.cooldown())
	defer ticker.Stop()
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.dispatch(ctx)
			last = time.Now()
		case <-p.dispatchCh:
			if time.Since(last) < p.cooldown() {
				// Within the cooldown of the previous dispatch: the next
				// tick, at most one cooldown away, claims instead.
				continue
			}
			p.dispatch(ctx)
			last = time.Now()
		}
	}
}

func (p *Producer) cooldown() time.Duration {
	if p.cfg.Cooldown > 0 {
		return p.cfg.Cooldown
	}
	return 50 * time.Millisecond
}

// Signal wakes the dispatch loop out of band, e.g. on receipt of an `insert`
// notification naming this queue (§4.6). Non-blocking: a pending signal is
// enough, a second one before it's consumed is redundant.
func (p *Producer) Signal() {
	select {
	case p.dispatchCh <- struct{}{}:
	default:
	}
}

// HandleNotification reacts to the subset of notifier.Message channels the
// Producer cares about directly: an insert naming its queue, or a pkill
// naming a job it currently runs.
func (p *Producer) HandleNotification(msg notifier.Message) {
	switch msg.Channel {
	case notifier.ChannelInsert:
		if insertNamesQueue(msg.Payload, p.cfg.Queue) {
			p.Signal()
		}
	case notifier.ChannelSignal:
		p.handleControlSignal(msg.Payload)
	}
}

// insertNamesQueue reports whether an `insert` payload (§6: a deduplicated
// list of queues with new available work, carried here as {"queues": [...]}
// since Notify's wire contract is a single JSON object) names queue.
func insertNamesQueue(payload map[string]interface{}, queue string) bool {
	queues, _ := payload["queues"].([]interface{})
	for _, q := range queues {
		if name, _ := q.(string); name == queue {
			return true
		}
	}
	return false
}

func (p *Producer) handleControlSignal(payload map[string]interface{}) {
	queue, _ := payload["queue"].(string)
	if queue != "" && queue != p.cfg.Queue {
		return
	}
	action, _ := payload["action"].(string)
	switch action {
	case "pause":
		p.Pause()
	case "resume":
		p.Resume()
	case "pkill":
		if idf, ok := payload["job_id"].(float64); ok {
			p.Pkill(uint64(idf))
		}
	case "scale":
		if lf, ok := payload["limit"].(float64); ok && lf > 0 {
			p.Scale(int64(lf))
		}
	}
}

// Scale changes the concurrency limit in place (§6 `{action: "scale", queue,
// limit}`). The semaphore is rebuilt against the new weight; jobs already
// running are unaffected, future claims respect the new room.
func (p *Producer) Scale(limit int64) {
	if limit <= 0 {
		limit = 1
	}
	p.mu.Lock()
	p.cfg.Limit = limit
	p.sem = semaphore.NewWeighted(limit)
	p.mu.Unlock()
	p.Signal()
}

// Pause stops new claims without disturbing jobs already running.
func (p *Producer) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

func (p *Producer) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.Signal()
}

// Pkill cancels the context of a currently-running job, if this Producer
// owns it, carrying a CancelledError as the cancellation cause so the
// Executor can distinguish an explicit pkill from any other outer
// cancellation and finalize it to `cancelled` (§4.2 "pkill ... transition
// job to cancelled", §7 CancelledError).
func (p *Producer) Pkill(jobID uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.running[jobID]
	if !ok {
		return false
	}
	cancel(&errors.CancelledError{Reason: "pkill"})
	return true
}

// Snapshot reports the in-memory running set for check_queue (§6); RunningIDs
// in the store is the durable fallback after a restart.
func (p *Producer) Snapshot() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]uint64, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	return ids
}

// dispatch computes remaining capacity, claims up to that many jobs, and
// spawns one Executor.Run goroutine per claimed job.
func (p *Producer) dispatch(ctx context.Context) {
	p.mu.Lock()
	paused := p.paused
	inFlight := int64(len(p.running))
	limit := p.cfg.Limit
	sem := p.sem
	p.mu.Unlock()
	if paused {
		return
	}
	room := limit - inFlight
	if room <= 0 {
		return
	}

	jobs, err := p.store.Claim(ctx, p.cfg.Queue, int(room), p.cfg.Node, p.now().UTC())
	if err != nil {
		if errors.IsTransient(err) {
			p.sink.Emit("producer.claim_transient_error", "queue", p.cfg.Queue, "error", err.Error())
			return
		}
		if errors.IsMissingSchema(err) {
			p.sink.Emit("producer.claim_missing_schema", "queue", p.cfg.Queue, "error", err.Error())
			return
		}
		p.log.Error("claim failed", "error", err.Error())
		return
	}
	for _, job := range jobs {
		if !sem.TryAcquire(1) {
			break
		}
		p.spawn(ctx, job, sem)
	}
}

// spawn runs job on its own goroutine, releasing the exact semaphore instance
// it acquired from — Scale may swap p.sem mid-flight, so the release must not
// chase the field to a semaphore this job never acquired from.
func (p *Producer) spawn(ctx context.Context, job *model.Job, sem *semaphore.Weighted) {
	runCtx, cancel := context.WithCancelCause(ctx)
	p.mu.Lock()
	p.running[job.ID] = cancel
	p.mu.Unlock()

	go func() {
		defer func() {
			cancel(nil)
			p.mu.Lock()
			delete(p.running, job.ID)
			p.mu.Unlock()
			sem.Release(1)
			p.Signal()
		}()
		p.executor.Run(runCtx, job)
	}()
}

// Stop requests the dispatch loop to exit; it does not wait for in-flight
// jobs to drain (that is the Watchman's responsibility, §4.8).
func (p *Producer) Stop() {
	close(p.stopCh)
	<-p.stoppedCh
}

// RunningCount reports how many jobs are currently in flight.
func (p *Producer) RunningCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Paused reports whether this producer is currently claiming new jobs.
func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Queue() string { return p.cfg.Queue }
func (p *Producer) Node() string  { return p.cfg.Node }

// Limit reports the current concurrency limit, which Scale may change.
func (p *Producer) Limit() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Limit
}

func (p *Producer) StartedAt() time.Time { return p.startedAt }
