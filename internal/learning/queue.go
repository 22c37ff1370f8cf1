package learning

import (
	"sync"

	"github.com/hyperengineering/citytailor/internal/types"
)

// Queue is the pending event queue. Push and Drain are serialized so a drain takes
// every event pushed before it and none pushed after.
type Queue struct {
	mu     sync.Mutex
	events []types.LearningEvent
}

// Push appends ev and returns the new depth.
func (q *Queue) Push(ev types.LearningEvent) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, ev)
	return len(q.events)
}

// Drain takes ownership of the queued events and leaves the queue empty.
func (q *Queue) Drain() []types.LearningEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.events
	q.events = nil
	return batch
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
