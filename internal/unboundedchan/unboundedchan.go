// Package unboundedchan provides a FIFO queue with channel ends, so that a
// producer never blocks on a slow consumer.
package unboundedchan

import "sync/atomic"

// UnboundedChannel represents an unbounded queue, but data are entered and removed via channels.
// Beware! You almost certainly want T to be a primitive type; use pointers for large objects.
type UnboundedChannel[T any] struct {
	in      chan T
	out     chan T
	queue   []T
	pending atomic.Int64
}

// NewUnboundedChannel creates and initializes an UnboundedChannel
func NewUnboundedChannel[T any]() *UnboundedChannel[T] {
	uc := &UnboundedChannel[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go uc.run()
	return uc
}

func (uc *UnboundedChannel[T]) run() {
	in := uc.in
	for in != nil || len(uc.queue) > 0 {
		// A nil channel blocks forever, which disables the send case while
		// the queue is empty.
		var out chan T
		var next T
		if len(uc.queue) > 0 {
			out = uc.out
			next = uc.queue[0]
		}
		select {
		case val, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			uc.queue = append(uc.queue, val)
			uc.pending.Add(1)
		case out <- next:
			var zero T
			uc.queue[0] = zero
			uc.queue = uc.queue[1:]
			uc.pending.Add(-1)
		}
	}
	close(uc.out)
}

// In returns the input channel for sending data. Close it when done; Out is
// closed once everything queued has been received.
func (uc *UnboundedChannel[T]) In() chan<- T {
	return uc.in
}

// Out returns the output channel for receiving data
func (uc *UnboundedChannel[T]) Out() <-chan T {
	return uc.out
}

// Push queues val. It blocks only until the queue goroutine accepts it.
func (uc *UnboundedChannel[T]) Push(val T) {
	uc.in <- val
}

// Len is the number of values queued but not yet received. It lags the
// channel operations slightly, so treat it as a gauge.
func (uc *UnboundedChannel[T]) Len() int {
	return int(uc.pending.Load())
}

// Close closes the input end.
func (uc *UnboundedChannel[T]) Close() {
	close(uc.in)
}
