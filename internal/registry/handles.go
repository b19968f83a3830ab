package registry

import (
	"fmt"
	"sync"
)

// Role names used as the second key component of a Key.
const (
	RoleProducer  = "producer"
	RoleWatchman  = "watchman"
	RolePeer      = "peer"
	RoleSonar     = "sonar"
	RoleStager    = "stager"
	RoleNotifier  = "notifier"
	RoleMidwife   = "midwife"
)

// Key identifies a registered component the way the source's named-process
// registration does: (instance, role, queue?). Queue is empty for
// singleton, instance-wide roles (Peer, Sonar, Stager, Notifier, Midwife).
type Key struct {
	Instance string
	Role     string
	Queue    string
}

func (k Key) String() string {
	if k.Queue == "" {
		return fmt.Sprintf("%s/%s", k.Instance, k.Role)
	}
	return fmt.Sprintf("%s/%s/%s", k.Instance, k.Role, k.Queue)
}

// Registry maps Keys to opaque handles (an actor's control channel, or any
// handle type the caller defines). Handles are resolved lazily — components
// look a peer up by Key when they need it rather than holding a direct
// reference, so the supervision graph stays acyclic (§9).
type Registry struct {
	mu      sync.RWMutex
	handles map[Key]interface{}
}

func New() *Registry {
	return &Registry{handles: map[Key]interface{}{}}
}

func (r *Registry) Put(key Key, handle interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[key] = handle
}

func (r *Registry) Get(key Key) (interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[key]
	return h, ok
}

func (r *Registry) Remove(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, key)
}

// QueuesFor returns the queue component of every registered key for role
// within instance. The Midwife and the Stager's local-mode fallback do not
// call it; they enumerate queues through Midwife.Queues.
func (r *Registry) QueuesFor(instance, role string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var queues []string
	for k := range r.handles {
		if k.Instance == instance && k.Role == role && k.Queue != "" {
			queues = append(queues, k.Queue)
		}
	}
	return queues
}
