// Package sonar implements §4.7: a connectivity sensor that periodically
// publishes a ping on the sonar channel, tracks a node -> last_seen map from
// received pings, prunes stale entries, and derives a tri-state cluster
// status the Stager consults to pick its staging mode.
package sonar

import (
	"context"
	"sync"
	"time"

	"github.com/oceanrun/jobkeep/internal/logger"
	"github.com/oceanrun/jobkeep/internal/notifier"
	"github.com/oceanrun/jobkeep/internal/observability"
)

// Status is the tri-state cluster classification from §4.7.
type Status string

const (
	StatusIsolated  Status = "isolated"
	StatusSolitary  Status = "solitary"
	StatusClustered Status = "clustered"
)

type Sonar struct {
	node         string
	interval     time.Duration
	staleAfter   time.Duration
	notif        notifier.Notifier
	log          *logger.Logger
	sink         observability.EventSink
	now          func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
	status   Status

	sub       notifier.Subscription
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(node string, interval time.Duration, staleMultiplier float64, notif notifier.Notifier, log *logger.Logger, sink observability.EventSink) *Sonar {
	if staleMultiplier <= 0 {
		staleMultiplier = 3
	}
	return &Sonar{
		node:       node,
		interval:   interval,
		staleAfter: time.Duration(float64(interval) * staleMultiplier),
		notif:      notif,
		log:        log.With("component", "sonar"),
		sink:       sink,
		now:        time.Now,
		lastSeen:   map[string]time.Time{},
		status:     StatusIsolated,
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
	}
}

// Status reports the last-computed cluster classification.
func (s *Sonar) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run subscribes to the sonar channel and ticks its own ping until ctx is
// cancelled or Stop is called.
func (s *Sonar) Run(ctx context.Context) error {
	sub, err := s.notif.Listen(ctx, []string{notifier.ChannelSonar}, s.onMessage)
	if err != nil {
		return err
	}
	s.sub = sub
	defer s.notif.Unlisten(sub)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.stoppedCh)

	s.recordSeen(s.node)
	s.recompute()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			s.ping(ctx)
			s.prune()
			s.recompute()
		}
	}
}

func (s *Sonar) ping(ctx context.Context) {
	_ = s.notif.Notify(ctx, notifier.ChannelSonar, map[string]interface{}{"node": s.node, "ping": true})
}

func (s *Sonar) onMessage(msg notifier.Message) {
	node, _ := msg.Payload["node"].(string)
	if node == "" {
		return
	}
	s.recordSeen(node)
}

func (s *Sonar) recordSeen(node string) {
	s.mu.Lock()
	s.lastSeen[node] = s.now().UTC()
	s.mu.Unlock()
}

func (s *Sonar) prune() {
	cutoff := s.now().UTC().Add(-s.staleAfter)
	s.mu.Lock()
	for node, seen := range s.lastSeen {
		if seen.Before(cutoff) {
			delete(s.lastSeen, node)
		}
	}
	s.mu.Unlock()
}

func (s *Sonar) recompute() {
	s.mu.Lock()
	n := len(s.lastSeen)
	prev := s.status
	var next Status
	switch {
	case n == 0:
		next = StatusIsolated
	case n == 1:
		next = StatusSolitary
	default:
		next = StatusClustered
	}
	s.status = next
	s.mu.Unlock()

	if prev != next {
		s.sink.Emit("sonar.status_changed", "node", s.node, "from", string(prev), "to", string(next))
	}
}

// Stop requests Run to exit.
func (s *Sonar) Stop() {
	close(s.stopCh)
	<-s.stoppedCh
}
