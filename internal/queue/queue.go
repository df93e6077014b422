// Package queue implements the bounded FIFO of deferred requests spec
// §3/§4.3 uses when every worker is busy.
package queue

import (
	"container/list"
	"errors"

	"github.com/milterpool/multiplexor/internal/reactor"
)

// ErrFull is returned by Enqueue when the queue is at capacity.
var ErrFull = errors.New("queue: full")

// Entry is one deferred request (spec §3: "{cmd-string, clientFD,
// timeoutHandle, next}"). The caller owns arming and cancelling
// TimeoutHandle; Queue only tracks FIFO order and membership so a timed-
// out entry can be removed from anywhere, not just the head (spec §3:
// "dequeued ... on timeout anywhere").
type Entry struct {
	CmdLine       string
	ClientFD      int
	TimeoutHandle reactor.Handle

	element *list.Element
}

// Queue is a bounded FIFO of *Entry.
type Queue struct {
	capacity int
	items    *list.List
}

// New creates a queue with the given capacity. capacity <= 0 disables
// queueing entirely: Enqueue always returns ErrFull, matching spec
// §4.3's "if queueSize > 0 and the queue has room".
func New(capacity int) *Queue {
	return &Queue{capacity: capacity, items: list.New()}
}

// Len returns the number of entries currently queued.
func (q *Queue) Len() int { return q.items.Len() }

// Capacity returns the configured capacity.
func (q *Queue) Capacity() int { return q.capacity }

// Enqueue appends e at the tail.
func (q *Queue) Enqueue(e *Entry) error {
	if q.capacity <= 0 || q.items.Len() >= q.capacity {
		return ErrFull
	}
	e.element = q.items.PushBack(e)
	return nil
}

// DequeueHead removes and returns the head entry, or (nil, false) if
// empty. Called when a worker is released and looks for queued work
// (spec §4.3: "calls dequeue; if the head of the queue is present").
func (q *Queue) DequeueHead() (*Entry, bool) {
	front := q.items.Front()
	if front == nil {
		return nil, false
	}
	q.items.Remove(front)
	e := front.Value.(*Entry)
	e.element = nil
	return e, true
}

// Remove removes e from wherever it sits in the queue (used when e's
// timeout fires before it reaches the head). Returns false if e was not
// (or no longer) queued.
func (q *Queue) Remove(e *Entry) bool {
	if e.element == nil {
		return false
	}
	q.items.Remove(e.element)
	e.element = nil
	return true
}
