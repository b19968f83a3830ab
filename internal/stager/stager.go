// Package stager implements §4.4: the periodic promoter of due
// scheduled/retryable jobs to available, leader-gated per the spec's chosen
// resolution of its two historical designs (leader-only staging, Sonar-
// selected distribution mode). Only the leader ever runs the staging
// transaction; Sonar's cluster status decides whether the resulting queue
// list is broadcast over the notifier (global) or delivered in-process to
// local producers as a fallback (local) for when cross-node notification
// isn't propagating.
package stager

import (
	"context"
	"sync"
	"time"

	"github.com/oceanrun/jobkeep/internal/errors"
	"github.com/oceanrun/jobkeep/internal/logger"
	"github.com/oceanrun/jobkeep/internal/notifier"
	"github.com/oceanrun/jobkeep/internal/observability"
	"github.com/oceanrun/jobkeep/internal/sonar"
)

// Mode is the distribution mechanism for a newly-staged queue list.
type Mode string

const (
	ModeGlobal  Mode = "global"
	ModeLocal   Mode = "local"
	ModeUnknown Mode = "unknown"
)

// Store is the subset of store.Store the Stager needs.
type Store interface {
	Stage(ctx context.Context, limit int, now time.Time) ([]string, error)
}

// Leadership reports this node's current election status.
type Leadership interface {
	Leading() bool
}

// LocalDispatcher delivers an in-process message to a locally-running
// producer, and lists which queues are locally known, used by local mode.
type LocalDispatcher interface {
	Dispatch(queue string, msg notifier.Message) error
	Queues() []string
}

type Stager struct {
	store    Store
	peer     Leadership
	sonar    *sonar.Sonar
	notif    notifier.Notifier
	midwife  LocalDispatcher
	log      *logger.Logger
	sink     observability.EventSink
	now      func() time.Time

	interval  time.Duration
	batchSize int

	mu        sync.Mutex
	mode      Mode
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// onPing answers the `stager` channel's liveness probe (§6: `{ping: pong}`)
// so an external monitor can confirm this node's stager is alive and ticking.
func (s *Stager) onPing(msg notifier.Message) {
	if msg.Payload["ping"] == nil {
		return
	}
	_ = s.notif.Notify(context.Background(), notifier.ChannelStager, map[string]interface{}{"pong": msg.Payload["ping"]})
}

// New constructs a Stager. interval <= 0 means "infinity": Run returns
// immediately without ticking, and the system degrades to pure availability
// (§4.4 "Cadence").
func New(store Store, peer Leadership, sn *sonar.Sonar, notif notifier.Notifier, midwife LocalDispatcher, log *logger.Logger, sink observability.EventSink, interval time.Duration, batchSize int) *Stager {
	if batchSize <= 0 {
		batchSize = 5000
	}
	return &Stager{
		store:     store,
		peer:      peer,
		sonar:     sn,
		notif:     notif,
		midwife:   midwife,
		log:       log.With("component", "stager"),
		sink:      sink,
		now:       time.Now,
		interval:  interval,
		batchSize: batchSize,
		mode:      ModeUnknown,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (s *Stager) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Run ticks the staging algorithm until ctx is cancelled or Stop is called.
// If interval is non-positive ("infinity"), Run is a no-op.
func (s *Stager) Run(ctx context.Context) {
	defer close(s.stoppedCh)

	sub, err := s.notif.Listen(ctx, []string{notifier.ChannelStager}, s.onPing)
	if err != nil {
		s.log.Error("subscribing to stager liveness channel failed", "error", err.Error())
	} else {
		defer s.notif.Unlisten(sub)
	}

	if s.interval <= 0 {
		s.sink.Emit("stager.disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Stager) tick(ctx context.Context) {
	s.updateMode()
	mode := s.Mode()
	if mode == ModeUnknown {
		return
	}

	leading := s.peer.Leading()
	if leading {
		queues, err := s.store.Stage(ctx, s.batchSize, s.now().UTC())
		if err != nil {
			if errors.IsTransient(err) {
				s.sink.Emit("stager.stage_transient_error", "error", err.Error())
				return
			}
			s.log.Error("stage failed", "error", err.Error())
			return
		}
		if len(queues) == 0 {
			return
		}
		switch mode {
		case ModeGlobal:
			s.broadcast(ctx, queues)
		case ModeLocal:
			s.dispatchLocal(queues)
		}
		return
	}

	// A non-leader node in local mode still nudges its own locally-known
	// producers, a harmless no-op if nothing is actually available yet —
	// the claim query simply finds nothing.
	if mode == ModeLocal {
		s.dispatchLocal(s.midwife.Queues())
	}
}

func (s *Stager) broadcast(ctx context.Context, queues []string) {
	if err := s.notif.Notify(ctx, notifier.ChannelInsert, map[string]interface{}{"queues": queues}); err != nil {
		s.log.Error("broadcasting staged queues failed", "error", err.Error())
	}
}

func (s *Stager) dispatchLocal(queues []string) {
	for _, q := range queues {
		_ = s.midwife.Dispatch(q, notifier.Message{Channel: notifier.ChannelInsert, Payload: map[string]interface{}{"queues": []interface{}{q}}})
	}
}

// updateMode resolves the distribution mode from the Sonar's cluster status
// and this node's leadership (§4.4's mode-transition table), emitting an
// observability event on every actual change.
func (s *Stager) updateMode() {
	var next Mode
	switch s.sonar.Status() {
	case sonar.StatusClustered:
		next = ModeGlobal
	case sonar.StatusIsolated:
		next = ModeLocal
	case sonar.StatusSolitary:
		if s.peer.Leading() {
			next = ModeGlobal
		} else {
			next = ModeLocal
		}
	default:
		next = ModeUnknown
	}

	s.mu.Lock()
	prev := s.mode
	if next != ModeUnknown {
		s.mode = next
	}
	s.mu.Unlock()

	if next != ModeUnknown && prev != next {
		s.sink.Emit("stager.mode_changed", "from", string(prev), "to", string(next))
	}
}

func (s *Stager) Stop() {
	close(s.stopCh)
	<-s.stoppedCh
}
