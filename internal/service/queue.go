package service

import (
	"context"
	"sync"
)

// message is the only thing that travels through the intake queue. The
// shutdown marker is a tag, never a task value.
type message struct {
	shutdown bool
	task     Task
}

func taskMessage(task Task) message {
	return message{task: task}
}

func shutdownMessage() message {
	return message{shutdown: true}
}

// Queue is a FIFO between any number of producers and the single worker.
// MaxDepth 0 leaves it unbounded.
type Queue struct {
	mu       sync.Mutex
	items    []message
	head     int
	tasks    int
	maxDepth int
	ready    chan struct{}
}

func NewQueue(maxDepth int) *Queue {
	if maxDepth < 0 {
		maxDepth = 0
	}
	return &Queue{
		maxDepth: maxDepth,
		ready:    make(chan struct{}, 1),
	}
}

// Put never blocks. It fails with ErrQueueFull only when a depth limit is set
// and reached.
func (q *Queue) Put(task Task) error {
	q.mu.Lock()
	if q.maxDepth > 0 && q.tasks >= q.maxDepth {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, taskMessage(task))
	q.tasks++
	q.mu.Unlock()
	q.notify()
	return nil
}

func (q *Queue) putControl() {
	q.mu.Lock()
	q.items = append(q.items, shutdownMessage())
	q.mu.Unlock()
	q.notify()
}

// requeue puts a message back in front of everything else.
func (q *Queue) requeue(msg message) {
	q.mu.Lock()
	if q.head > 0 {
		q.head--
		q.items[q.head] = msg
	} else {
		q.items = append([]message{msg}, q.items...)
	}
	if !msg.shutdown {
		q.tasks++
	}
	q.mu.Unlock()
	q.notify()
}

func (q *Queue) get(ctx context.Context) (message, error) {
	for {
		if msg, ok := q.tryGet(); ok {
			return msg, nil
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return message{}, ctx.Err()
		}
	}
}

func (q *Queue) tryGet() (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.items) {
		return message{}, false
	}
	msg := q.items[q.head]
	q.items[q.head] = message{}
	q.head++
	if !msg.shutdown {
		q.tasks--
	}
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 > len(q.items) {
		remaining := copy(q.items, q.items[q.head:])
		clear(q.items[remaining:])
		q.items = q.items[:remaining]
		q.head = 0
	}
	return msg, true
}

// Len reports pending tasks; control messages are not counted.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks
}

func (q *Queue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
