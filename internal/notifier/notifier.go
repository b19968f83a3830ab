// Package notifier defines the cross-node pub/sub relay (§4.6). The core
// depends only on Listen/Unlisten/Notify and the guarantee that local
// listeners receive decoded {channel, payload} messages — concrete backends
// (Postgres LISTEN/NOTIFY, Redis pub/sub) live in subpackages so the choice
// is pluggable, exactly as §4.6 requires.
package notifier

import "context"

// Channel names from §6.
const (
	ChannelInsert = "insert"
	ChannelSignal = "signal"
	ChannelLeader = "leader"
	ChannelGossip = "gossip"
	ChannelStager = "stager"
	ChannelSonar  = "sonar"
)

// Message is what a listener receives: the channel it arrived on and the
// already-decoded JSON payload.
type Message struct {
	Channel string
	Payload map[string]interface{}
}

// Listener is a local subscriber. Delivery is at-most-once and
// non-blocking for the publisher (§4.6, §5): a slow or absent listener never
// backpressures Notify.
type Listener func(Message)

// Notifier is the pluggable interface every component depends on.
type Notifier interface {
	// Listen registers a listener for channels, returning a subscription
	// handle usable with Unlisten.
	Listen(ctx context.Context, channels []string, l Listener) (Subscription, error)
	// Unlisten tears down a prior Listen.
	Unlisten(sub Subscription) error
	// Notify publishes payload on channel. Payloads are JSON-encodable maps.
	Notify(ctx context.Context, channel string, payload map[string]interface{}) error
	// Close releases any resources (connections, goroutines) held by the
	// notifier.
	Close() error
}

// Subscription is an opaque handle returned by Listen.
type Subscription interface {
	unlistenTarget()
}
