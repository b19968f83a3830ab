// Package memnotify is an in-process Notifier used by tests and by single-
// node deployments that don't need cross-node fan-out. It implements the
// same Listen/Unlisten/Notify contract the Postgres and Redis backends do,
// dispatching locally via notifier.Relay with no network hop.
package memnotify

import (
	"context"

	"github.com/oceanrun/jobkeep/internal/notifier"
)

type Notifier struct {
	relay *notifier.Relay
}

func New(ident string) *Notifier {
	return &Notifier{relay: notifier.NewRelay(ident)}
}

func (n *Notifier) Listen(_ context.Context, channels []string, l notifier.Listener) (notifier.Subscription, error) {
	return n.relay.Add(channels, l), nil
}

func (n *Notifier) Unlisten(sub notifier.Subscription) error {
	n.relay.Remove(sub)
	return nil
}

func (n *Notifier) Notify(_ context.Context, channel string, payload map[string]interface{}) error {
	n.relay.Dispatch(notifier.Message{Channel: channel, Payload: payload})
	return nil
}

func (n *Notifier) Close() error { return nil }
