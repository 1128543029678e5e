package inflight

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// pollInterval is how often WaitForAll re-checks the registry.
const pollInterval = 100 * time.Millisecond

// Operation is one tracked outstanding unit of async work.
type Operation struct {
	ID          string
	Description string
	StartedAt   time.Time
	Elapsed     time.Duration
}

// Tracker is the process-wide registry of outstanding operations. The
// daemon drains it before exiting so in-flight pipeline and executor
// calls are not cut off mid-mutation. Updated from every account loop,
// so all access is mutex-guarded.
type Tracker struct {
	mu     sync.Mutex
	ops    map[string]Operation
	logger *logrus.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *logrus.Logger) *Tracker {
	return &Tracker{
		ops:    make(map[string]Operation),
		logger: logger,
	}
}

// Start registers an operation under the given id.
func (t *Tracker) Start(id, description string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ops[id] = Operation{
		ID:          id,
		Description: description,
		StartedAt:   time.Now(),
	}
}

// Complete removes an operation. Completing an unknown or
// already-completed id is a no-op.
func (t *Tracker) Complete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.ops, id)
}

// Active returns a snapshot of all registered operations with their
// elapsed durations.
func (t *Tracker) Active() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	active := make([]Operation, 0, len(t.ops))
	for _, op := range t.ops {
		op.Elapsed = now.Sub(op.StartedAt)
		active = append(active, op)
	}
	return active
}

// Count returns the number of registered operations.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.ops)
}

// WaitForAll polls until the registry is empty or the timeout elapses.
// It returns true if everything drained in time. An empty registry
// returns true immediately.
func (t *Tracker) WaitForAll(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if t.Count() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			for _, op := range t.Active() {
				t.logger.WithFields(logrus.Fields{
					"operation": op.Description,
					"elapsed":   op.Elapsed.String(),
				}).Warn("Operation still in flight at shutdown deadline")
			}
			return false
		}
		time.Sleep(pollInterval)
	}
}
