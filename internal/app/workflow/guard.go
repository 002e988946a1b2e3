package workflow

import (
	"sync"

	"github.com/google/uuid"
)

// ExecutionGuard ensures at most one pipeline run per request at a time. A
// caller that finds the request busy is turned away, but its attempt is
// remembered so the holder runs once more before letting go.
type ExecutionGuard struct {
	mu sync.Mutex
	// running maps a held id to whether another run was requested meanwhile.
	running map[uuid.UUID]bool
}

// NewExecutionGuard creates an empty guard.
func NewExecutionGuard() *ExecutionGuard {
	return &ExecutionGuard{running: make(map[uuid.UUID]bool)}
}

// TryAcquire claims id. When id is already held it marks a rerun for the
// holder and returns false.
func (g *ExecutionGuard) TryAcquire(id uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.running[id]; busy {
		g.running[id] = true
		return false
	}
	g.running[id] = false
	return true
}

// Finish is called by the holder after each pass. If a rerun was requested
// it clears the mark, keeps id claimed and returns true; the holder must run
// again and call Finish once more. Otherwise id is released.
func (g *ExecutionGuard) Finish(id uuid.UUID) (rerun bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running[id] {
		g.running[id] = false
		return true
	}
	delete(g.running, id)
	return false
}

// Release drops the claim on id unconditionally, discarding any rerun mark.
func (g *ExecutionGuard) Release(id uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, id)
}

// IsRunning reports whether a run currently holds id.
func (g *ExecutionGuard) IsRunning(id uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.running[id]
	return ok
}

// Active returns the number of runs in progress.
func (g *ExecutionGuard) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.running)
}
