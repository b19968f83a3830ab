// Package watchman implements §4.8: graceful shutdown for one queue's
// Producer. It flips the Producer to paused so no new jobs are claimed, then
// polls the running set until it drains or a grace period elapses, at which
// point it gives up waiting and lets the process exit with those jobs still
// "executing" for RescueStale to later recover (§8).
package watchman

import (
	"context"
	"time"

	"github.com/oceanrun/jobkeep/internal/logger"
	"github.com/oceanrun/jobkeep/internal/observability"
)

// Producer is the subset of producer.Producer Watchman needs.
type Producer interface {
	Pause()
	RunningCount() int
}

type Watchman struct {
	queue        string
	producer     Producer
	log          *logger.Logger
	sink         observability.EventSink
	gracePeriod  time.Duration
	pollInterval time.Duration
}

func New(queue string, producer Producer, log *logger.Logger, sink observability.EventSink, gracePeriod time.Duration) *Watchman {
	return &Watchman{
		queue:        queue,
		producer:     producer,
		log:          log.With("queue", queue),
		sink:         sink,
		gracePeriod:  gracePeriod,
		pollInterval: 100 * time.Millisecond,
	}
}

// Shutdown pauses the producer and waits up to the grace period for its
// running set to empty. It returns true if the queue drained cleanly, false
// if the grace period expired with jobs still in flight.
func (w *Watchman) Shutdown(ctx context.Context) bool {
	w.producer.Pause()
	w.sink.Emit("watchman.pausing", "queue", w.queue)

	deadline := time.Now().Add(w.gracePeriod)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if w.producer.RunningCount() == 0 {
			w.sink.Emit("watchman.drained", "queue", w.queue)
			return true
		}
		if time.Now().After(deadline) {
			w.log.Warn("shutdown grace period elapsed with jobs still running",
				"running", w.producer.RunningCount())
			w.sink.Emit("watchman.grace_period_exceeded", "queue", w.queue, "running", w.producer.RunningCount())
			return false
		}
		select {
		case <-ctx.Done():
			return w.producer.RunningCount() == 0
		case <-ticker.C:
		}
	}
}
