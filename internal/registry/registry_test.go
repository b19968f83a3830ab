package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oceanrun/jobkeep/internal/model"
)

func TestWorkerRegistryResolvesRegisteredHandler(t *testing.T) {
	r := NewWorkerRegistry()
	r.Register("SendEmail", HandlerFunc(func(ctx context.Context, job *model.Job) model.Outcome {
		return model.OK()
	}))

	h, ok := r.Get("SendEmail")
	require.True(t, ok)
	require.Equal(t, model.OutcomeOK, h.Perform(context.Background(), &model.Job{}).Kind)
}

func TestWorkerRegistryUnknownWorkerIsRecoverable(t *testing.T) {
	r := NewWorkerRegistry()
	_, ok := r.Get("DoesNotExist")
	require.False(t, ok)
}

func TestHandleRegistryPutGetRemove(t *testing.T) {
	r := New()
	key := Key{Instance: "inst", Role: RoleProducer, Queue: "alpha"}
	r.Put(key, "handle-value")

	v, ok := r.Get(key)
	require.True(t, ok)
	require.Equal(t, "handle-value", v)

	r.Remove(key)
	_, ok = r.Get(key)
	require.False(t, ok)
}

func TestQueuesForListsRegisteredQueues(t *testing.T) {
	r := New()
	r.Put(Key{Instance: "inst", Role: RoleProducer, Queue: "alpha"}, nil)
	r.Put(Key{Instance: "inst", Role: RoleProducer, Queue: "beta"}, nil)
	r.Put(Key{Instance: "inst", Role: RoleSonar}, nil)

	queues := r.QueuesFor("inst", RoleProducer)
	require.ElementsMatch(t, []string{"alpha", "beta"}, queues)
}
