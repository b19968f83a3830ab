package memnotify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oceanrun/jobkeep/internal/notifier"
)

func TestNotifyDeliversToSubscribedListener(t *testing.T) {
	n := New("instance.node-1")
	ctx := context.Background()

	var mu sync.Mutex
	var received []notifier.Message
	done := make(chan struct{}, 1)

	_, err := n.Listen(ctx, []string{notifier.ChannelInsert}, func(msg notifier.Message) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
		done <- struct{}{}
	})
	require.NoError(t, err)

	require.NoError(t, n.Notify(ctx, notifier.ChannelInsert, map[string]interface{}{"queue": "alpha"}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener never received the message")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	require.Equal(t, "alpha", received[0].Payload["queue"])
}

func TestNotifyDoesNotDeliverToOtherChannels(t *testing.T) {
	n := New("instance.node-1")
	ctx := context.Background()
	called := make(chan struct{}, 1)

	_, err := n.Listen(ctx, []string{notifier.ChannelSignal}, func(notifier.Message) { called <- struct{}{} })
	require.NoError(t, err)

	require.NoError(t, n.Notify(ctx, notifier.ChannelInsert, map[string]interface{}{"queue": "alpha"}))

	select {
	case <-called:
		t.Fatal("listener on a different channel should not have been called")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnlistenStopsDelivery(t *testing.T) {
	n := New("instance.node-1")
	ctx := context.Background()
	called := make(chan struct{}, 1)

	sub, err := n.Listen(ctx, []string{notifier.ChannelInsert}, func(notifier.Message) { called <- struct{}{} })
	require.NoError(t, err)
	require.NoError(t, n.Unlisten(sub))

	require.NoError(t, n.Notify(ctx, notifier.ChannelInsert, map[string]interface{}{"queue": "alpha"}))

	select {
	case <-called:
		t.Fatal("unlistened subscription should not receive further messages")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestScopeFilteringExcludesMismatchedIdent(t *testing.T) {
	n := New("instance.node-1")
	ctx := context.Background()
	called := make(chan struct{}, 1)

	_, err := n.Listen(ctx, []string{notifier.ChannelLeader}, func(notifier.Message) { called <- struct{}{} })
	require.NoError(t, err)

	require.NoError(t, n.Notify(ctx, notifier.ChannelLeader, map[string]interface{}{"ident": "instance.node-2", "down": "instance"}))

	select {
	case <-called:
		t.Fatal("listener scoped to node-1 should not receive a node-2-scoped payload")
	case <-time.After(100 * time.Millisecond):
	}
}
