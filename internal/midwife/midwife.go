// Package midwife implements §4.9: the component that brings queue
// supervisors (a Producer paired with its Watchman) into and out of
// existence, reacting to `{action: "start"|"stop", queue, ...queue_opts}`
// directives on the signal channel and registering each live pair's
// Producer (the Watchman is not registered) in the handle registry so other
// components (Stager's local-mode fallback, check_queue) can find them
// without a direct reference, per §9's acyclic supervision graph.
package midwife

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oceanrun/jobkeep/internal/logger"
	"github.com/oceanrun/jobkeep/internal/notifier"
	"github.com/oceanrun/jobkeep/internal/observability"
	"github.com/oceanrun/jobkeep/internal/producer"
	"github.com/oceanrun/jobkeep/internal/registry"
	"github.com/oceanrun/jobkeep/internal/watchman"
)

// Store is the subset of store.Store a spawned Producer needs.
type Store = producer.Store

// Executor runs one claimed job to completion.
type Executor = producer.Executor

type queueSupervisor struct {
	producer *producer.Producer
	watchman *watchman.Watchman
	cancel   context.CancelFunc
	done     chan struct{}
}

// Midwife owns the set of live queue supervisors for this instance.
type Midwife struct {
	instance    string
	node        string
	store       Store
	executor    Executor
	log         *logger.Logger
	sink        observability.EventSink
	registry    *registry.Registry
	gracePeriod time.Duration
	cooldown    time.Duration

	mu     sync.Mutex
	queues map[string]*queueSupervisor
}

func New(instance, node string, store Store, executor Executor, log *logger.Logger, sink observability.EventSink, reg *registry.Registry, gracePeriod, cooldown time.Duration) *Midwife {
	return &Midwife{
		instance:    instance,
		node:        node,
		store:       store,
		executor:    executor,
		log:         log,
		sink:        sink,
		registry:    reg,
		gracePeriod: gracePeriod,
		cooldown:    cooldown,
		queues:      map[string]*queueSupervisor{},
	}
}

// Boot starts every configured initial queue (§4.9 "starts the configured
// initial queue table on boot").
func (m *Midwife) Boot(ctx context.Context, queues []producer.Config) {
	for _, qc := range queues {
		m.StartQueue(ctx, qc)
	}
}

// HandleNotification reacts to start/stop directives arriving on the signal
// channel (§6: `{action: "start"|"stop", queue, ...queue_opts}`).
func (m *Midwife) HandleNotification(ctx context.Context, msg notifier.Message) {
	if msg.Channel != notifier.ChannelSignal {
		return
	}
	action, _ := msg.Payload["action"].(string)
	queue, _ := msg.Payload["queue"].(string)
	if queue == "" {
		return
	}
	switch action {
	case "start":
		limit := 1
		if lf, ok := msg.Payload["limit"].(float64); ok && lf > 0 {
			limit = int(lf)
		}
		m.StartQueue(ctx, producer.Config{Queue: queue, Limit: int64(limit), Node: m.node, Cooldown: m.cooldown})
	case "stop":
		m.StopQueue(queue)
	}
}

// StartQueue spins up a Producer+Watchman pair for queue if one isn't
// already running, and registers the Producer in the handle registry; the
// Watchman is kept only in the Midwife's own queue map.
func (m *Midwife) StartQueue(ctx context.Context, qc producer.Config) {
	m.mu.Lock()
	if _, exists := m.queues[qc.Queue]; exists {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p := producer.New(qc, m.store, m.executor, m.log, m.sink)
	w := watchman.New(qc.Queue, p, m.log, m.sink, m.gracePeriod)
	sup := &queueSupervisor{producer: p, watchman: w, cancel: cancel, done: make(chan struct{})}
	m.queues[qc.Queue] = sup
	m.mu.Unlock()

	m.registry.Put(registry.Key{Instance: m.instance, Role: registry.RoleProducer, Queue: qc.Queue}, p)

	go func() {
		defer close(sup.done)
		p.Start(runCtx)
	}()

	m.sink.Emit("midwife.queue_started", "queue", qc.Queue, "limit", qc.Limit)
}

// StopQueue gracefully drains and tears down a running queue supervisor.
func (m *Midwife) StopQueue(queue string) {
	m.mu.Lock()
	sup, exists := m.queues[queue]
	if exists {
		delete(m.queues, queue)
	}
	m.mu.Unlock()
	if !exists {
		return
	}

	sup.watchman.Shutdown(context.Background())
	sup.producer.Stop()
	sup.cancel()
	<-sup.done

	m.registry.Remove(registry.Key{Instance: m.instance, Role: registry.RoleProducer, Queue: queue})
	m.sink.Emit("midwife.queue_stopped", "queue", queue)
}

// Dispatch routes a decoded insert/signal message to the matching local
// producer, used as the Stager's local-mode fallback (§4.4), when the node
// is isolated or is a solitary non-leader, rather than relying on
// round-trip notifier delivery.
func (m *Midwife) Dispatch(queue string, msg notifier.Message) error {
	m.mu.Lock()
	sup, exists := m.queues[queue]
	m.mu.Unlock()
	if !exists {
		return fmt.Errorf("midwife: no running supervisor for queue %q", queue)
	}
	sup.producer.HandleNotification(msg)
	return nil
}

// Queues lists the currently running queue names.
func (m *Midwife) Queues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return names
}

// StopAll drains every running queue, used during full-process shutdown.
func (m *Midwife) StopAll() {
	for _, name := range m.Queues() {
		m.StopQueue(name)
	}
}
