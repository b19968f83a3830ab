// Package redisnotify is the alternative pluggable Notifier backend (§4.6):
// Redis pub/sub, for deployments that front Postgres with a connection
// pooler where LISTEN doesn't propagate (e.g. PgBouncer transaction mode).
// It generalizes the teacher's clients/redis.SSEBus directly — same
// Subscribe/Channel/forward-loop shape, multiple named channels instead of
// one, and the shared notifier.Relay for scope-filtered local delivery.
package redisnotify

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/oceanrun/jobkeep/internal/logger"
	"github.com/oceanrun/jobkeep/internal/notifier"
)

type Notifier struct {
	log   *logger.Logger
	rdb   *goredis.Client
	relay *notifier.Relay
	pubsub *goredis.PubSub

	cancel context.CancelFunc
	done   chan struct{}
}

func New(addr, ident string, log *logger.Logger) (*Notifier, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx, cancel := context.WithCancel(context.Background())
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	ps := rdb.Subscribe(ctx)
	n := &Notifier{
		log:    log.With("component", "RedisNotifier"),
		rdb:    rdb,
		relay:  notifier.NewRelay(ident),
		pubsub: ps,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go n.loop(ctx)
	return n, nil
}

func (n *Notifier) Listen(ctx context.Context, channels []string, l notifier.Listener) (notifier.Subscription, error) {
	sub := n.relay.Add(channels, l)
	if err := n.pubsub.Subscribe(ctx, channels...); err != nil {
		n.relay.Remove(sub)
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	return sub, nil
}

func (n *Notifier) Unlisten(sub notifier.Subscription) error {
	n.relay.Remove(sub)
	return nil
}

func (n *Notifier) Notify(ctx context.Context, channel string, payload map[string]interface{}) error {
	raw, err := notifier.Encode(payload)
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, channel, raw).Err()
}

func (n *Notifier) Close() error {
	n.cancel()
	<-n.done
	_ = n.pubsub.Close()
	return n.rdb.Close()
}

func (n *Notifier) loop(ctx context.Context) {
	defer close(n.done)
	ch := n.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok || m == nil {
				return
			}
			payload, err := notifier.Decode([]byte(m.Payload))
			if err != nil {
				n.log.Warn("redisnotify: dropping undecodable payload", "channel", m.Channel, "error", err)
				continue
			}
			n.relay.Dispatch(notifier.Message{Channel: m.Channel, Payload: payload})
		}
	}
}
