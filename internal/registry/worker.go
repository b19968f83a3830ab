// Package registry implements the two lookup tables §9's design notes call
// for: a worker registry (string -> user code, "builder pattern"), and a
// process/handle registry mapping (instance, role, queue?) to the component
// that owns it, so components reference each other lazily instead of
// directly owning one another (§9 "Cyclic supervision graph").
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/oceanrun/jobkeep/internal/model"
)

// Handler is the interface user worker code implements, resolved by the
// Job's `worker` string (§9 "Dynamic dispatch to user code").
type Handler interface {
	// Perform runs the job and returns the outcome to transition to.
	Perform(ctx context.Context, job *model.Job) model.Outcome
}

// Timeouter is optionally implemented by a Handler to override the default
// unbounded timeout (§4.3 step 2).
type Timeouter interface {
	Timeout(job *model.Job) time.Duration
}

// Backoffer is optionally implemented by a Handler to override
// model.DefaultBackoff (§4.3 step 5).
type Backoffer interface {
	Backoff(attempt int) time.Duration
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, job *model.Job) model.Outcome

func (f HandlerFunc) Perform(ctx context.Context, job *model.Job) model.Outcome { return f(ctx, job) }

// WorkerRegistry resolves a Job's `worker` string to a Handler. Unknown
// workers are a recoverable error (WorkerResolutionError), never a crash
// (§9, §7).
type WorkerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{handlers: map[string]Handler{}}
}

// Register binds a worker name to a Handler. Intended to be called once per
// name at startup (the "builder pattern" construction §9 describes);
// re-registering a name overwrites the previous binding.
func (r *WorkerRegistry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *WorkerRegistry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}
