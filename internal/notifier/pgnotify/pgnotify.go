// Package pgnotify is the default Notifier backend: Postgres LISTEN/NOTIFY
// over a single dedicated pgx connection, generalizing the teacher's
// clients/redis.SSEBus (subscribe once, forward decoded messages to a local
// callback) onto pgx's native notification channel instead of go-redis's
// pub/sub channel.
package pgnotify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oceanrun/jobkeep/internal/logger"
	"github.com/oceanrun/jobkeep/internal/notifier"
)

type Notifier struct {
	log   *logger.Logger
	pool  *pgxpool.Pool
	conn  *pgxpool.Conn
	relay *notifier.Relay

	cancel context.CancelFunc
	done   chan struct{}
}

// New acquires a dedicated connection from pool (held for the Notifier's
// lifetime, since LISTEN is connection-scoped) and starts the receive loop.
func New(pool *pgxpool.Pool, ident string, log *logger.Logger) (*Notifier, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	conn, err := pool.Acquire(runCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("acquiring listen connection: %w", err)
	}
	n := &Notifier{
		log:    log.With("component", "PgNotifier"),
		pool:   pool,
		conn:   conn,
		relay:  notifier.NewRelay(ident),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go n.loop(runCtx)
	return n, nil
}

func (n *Notifier) Listen(ctx context.Context, channels []string, l notifier.Listener) (notifier.Subscription, error) {
	sub := n.relay.Add(channels, l)
	for _, ch := range channels {
		if _, err := n.conn.Exec(ctx, fmt.Sprintf("LISTEN %q", ch)); err != nil {
			n.relay.Remove(sub)
			return nil, fmt.Errorf("LISTEN %s: %w", ch, err)
		}
	}
	return sub, nil
}

func (n *Notifier) Unlisten(sub notifier.Subscription) error {
	n.relay.Remove(sub)
	// Other listeners may still want these channels; a production system
	// would refcount via relay.Channels() before issuing UNLISTEN. Leaving
	// the wire subscription active is harmless: undelivered messages are
	// simply dropped by Dispatch once no listener remains interested.
	return nil
}

func (n *Notifier) Notify(ctx context.Context, channel string, payload map[string]interface{}) error {
	raw, err := notifier.Encode(payload)
	if err != nil {
		return err
	}
	_, err = n.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(raw))
	return err
}

func (n *Notifier) Close() error {
	n.cancel()
	<-n.done
	n.conn.Release()
	return nil
}

func (n *Notifier) loop(ctx context.Context) {
	defer close(n.done)
	for {
		notification, err := n.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.log.Warn("pgnotify wait failed, retrying", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		n.deliver(notification)
	}
}

func (n *Notifier) deliver(notification *pgconn.Notification) {
	payload, err := notifier.Decode([]byte(notification.Payload))
	if err != nil {
		n.log.Warn("pgnotify: dropping undecodable payload", "channel", notification.Channel, "error", err)
		return
	}
	n.relay.Dispatch(notifier.Message{Channel: notification.Channel, Payload: payload})
}
