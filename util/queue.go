package util

import "sync"

// Queue delivers pushed values to a single output channel in push order
// without dropping. Push never blocks; a background goroutine drains the
// backlog into C as the consumer keeps up.
type Queue[T any] struct {
	mu      sync.Mutex
	pending []T
	closed  bool

	wake chan struct{}
	done chan struct{}
	out  chan T

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewQueue starts a queue whose output channel has the given buffer.
func NewQueue[T any](buffer int) *Queue[T] {
	if buffer < 0 {
		buffer = 0
	}
	q := &Queue[T]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan T, buffer),
	}
	q.wg.Add(1)
	go q.pump()
	return q
}

// C returns the output channel. It is closed after Close.
func (q *Queue[T]) C() <-chan T {
	return q.out
}

// Push appends v to the backlog. Pushes after Close are discarded.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, v)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len reports values not yet handed to the output channel.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops delivery and closes the output channel. Undelivered values are
// discarded.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.pending = nil
		q.mu.Unlock()

		close(q.done)
		q.wg.Wait()
		close(q.out)
	})
}

func (q *Queue[T]) pump() {
	defer q.wg.Done()

	for {
		select {
		case <-q.wake:
		case <-q.done:
			return
		}

		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			next := q.pending[0]
			var zero T
			q.pending[0] = zero
			q.pending = q.pending[1:]
			q.mu.Unlock()

			select {
			case q.out <- next:
			case <-q.done:
				return
			}
		}
	}
}
