package play

import (
	"errors"
	"sync"
)

var (
	ErrQueueFull   = errors.New("stage queue full")
	ErrQueueClosed = errors.New("stage queue closed")
)

// item is one unit of stage work. fail, when set, lets the framework
// error-reply a request that gets dropped instead of executed.
type item struct {
	run  func()
	fail func(code uint16)
}

// stageQueue is a bounded FIFO fed by any goroutine and drained by exactly
// one. Back-pressure is the caller's problem: post never blocks.
type stageQueue struct {
	mu     sync.Mutex
	items  []item
	head   int
	limit  int
	closed bool
}

func newStageQueue(limit int) *stageQueue {
	if limit <= 0 {
		limit = 1024
	}
	return &stageQueue{limit: limit}
}

func (q *stageQueue) post(it item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if len(q.items)-q.head >= q.limit {
		return ErrQueueFull
	}
	q.items = append(q.items, it)
	return nil
}

func (q *stageQueue) tryDequeue() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.items) {
		return item{}, false
	}
	it := q.items[q.head]
	q.items[q.head] = item{}
	q.head++
	// Reclaim the consumed prefix once it dominates the slice.
	if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return it, true
}

func (q *stageQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// close rejects future posts and hands back whatever was still queued so
// the owner can fail pending requests.
func (q *stageQueue) close() []item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	rest := make([]item, len(q.items)-q.head)
	copy(rest, q.items[q.head:])
	q.items = nil
	q.head = 0
	return rest
}
