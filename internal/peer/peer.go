// Package peer implements §4.5: leader election over the durable peers
// table, ticking on its own interval (shortened when leading, so leadership
// is sticky), preserving the prior leader? value across a transient error
// instead of flapping, and broadcasting `down` on the leader channel on
// graceful termination so followers can immediately re-contest.
package peer

import (
	"context"
	"sync"
	"time"

	"github.com/oceanrun/jobkeep/internal/errors"
	"github.com/oceanrun/jobkeep/internal/logger"
	"github.com/oceanrun/jobkeep/internal/notifier"
	"github.com/oceanrun/jobkeep/internal/observability"
)

// Store is the subset of store.Store the Peer actor needs.
type Store interface {
	Elect(ctx context.Context, name, node string, interval time.Duration, now time.Time) (ElectionResult, error)
	ReleaseLeadership(ctx context.Context, name, node string) (bool, error)
}

// ElectionResult mirrors store.ElectionResult, declared locally so this
// package does not import the storage driver.
type ElectionResult struct {
	Leader bool
	Node   string
}

// StickyFactor divides the election interval while this node is leader, the
// default sticky-leadership factor from §4.5.
const StickyFactor = 2

type Peer struct {
	name     string
	node     string
	interval time.Duration

	store    Store
	notif    notifier.Notifier
	log      *logger.Logger
	sink     observability.EventSink
	now      func() time.Time

	mu      sync.RWMutex
	leading bool

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(name, node string, interval time.Duration, store Store, notif notifier.Notifier, log *logger.Logger, sink observability.EventSink) *Peer {
	return &Peer{
		name:      name,
		node:      node,
		interval:  interval,
		store:     store,
		notif:     notif,
		log:       log.With("peer", name),
		sink:      sink,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Leading reports this node's last-known leadership status.
func (p *Peer) Leading() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.leading
}

// Run ticks elections until ctx is cancelled or Stop is called, then
// releases leadership if held.
func (p *Peer) Run(ctx context.Context) {
	defer close(p.stoppedCh)
	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.release(context.Background())
			return
		case <-p.stopCh:
			p.release(context.Background())
			return
		case <-timer.C:
			p.tick(ctx)
			timer.Reset(p.nextInterval())
		}
	}
}

func (p *Peer) nextInterval() time.Duration {
	if p.Leading() {
		return p.interval / StickyFactor
	}
	return p.interval
}

// tick runs one election attempt, updating leadership state unless the
// error is transient, in which case the prior value is preserved (§4.5 step
// 3: "do not flap").
func (p *Peer) tick(ctx context.Context) {
	res, err := p.store.Elect(ctx, p.name, p.node, p.interval, p.now().UTC())
	if err != nil {
		if errors.IsTransient(err) {
			p.sink.Emit("peer.election_transient_error", "name", p.name, "error", err.Error())
			return
		}
		if errors.IsMissingSchema(err) {
			// §7: leader election disabled, producers cannot claim, the
			// system degrades to pure local availability rather than crash.
			p.sink.Emit("peer.election_missing_schema", "name", p.name, "error", err.Error())
			return
		}
		p.log.Error("election failed", "error", err.Error())
		return
	}

	p.mu.Lock()
	was := p.leading
	p.leading = res.Leader
	p.mu.Unlock()

	if was != res.Leader {
		p.sink.Emit("peer.leadership_changed", "name", p.name, "node", p.node, "leader", res.Leader, "holder", res.Node)
	}
}

func (p *Peer) release(ctx context.Context) {
	if !p.Leading() {
		return
	}
	released, err := p.store.ReleaseLeadership(ctx, p.name, p.node)
	if err != nil {
		p.log.Error("release leadership failed", "error", err.Error())
		return
	}
	p.mu.Lock()
	p.leading = false
	p.mu.Unlock()
	if released && p.notif != nil {
		_ = p.notif.Notify(ctx, notifier.ChannelLeader, map[string]interface{}{"down": p.name})
	}
}

// Stop requests Run to exit and waits for it to finish releasing
// leadership.
func (p *Peer) Stop() {
	close(p.stopCh)
	<-p.stoppedCh
}
