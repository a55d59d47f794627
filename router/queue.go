package router

import (
	"sync"

	"github.com/c360studio/agentmesh/task"
)

// PriorityQueue is a bank of FIFO queues, one per priority level.
// Dequeue scans CRITICAL down to LOW; tasks within a level are strict
// FIFO. Higher priorities always win; starvation of lower levels is
// accepted.
type PriorityQueue struct {
	mu     sync.Mutex
	levels map[task.Priority][]*task.Task
}

// NewPriorityQueue creates an empty queue bank.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{levels: make(map[task.Priority][]*task.Task)}
}

// Push appends the task to the tail of its priority level.
func (q *PriorityQueue) Push(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.levels[t.Priority] = append(q.levels[t.Priority], t)
}

// Next pops the head of the highest non-empty level, or nil when every
// level is empty.
func (q *PriorityQueue) Next() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, level := range task.Levels {
		queue := q.levels[level]
		if len(queue) == 0 {
			continue
		}
		t := queue[0]
		q.levels[level] = queue[1:]
		return t
	}
	return nil
}

// Requeue returns a task to the tail of its own priority level. Tasks
// are never promoted.
func (q *PriorityQueue) Requeue(t *task.Task) {
	q.Push(t)
}

// LenAt is the number of tasks waiting at one priority level.
func (q *PriorityQueue) LenAt(level task.Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.levels[level])
}

// Len is the total number of queued tasks.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, queue := range q.levels {
		total += len(queue)
	}
	return total
}
