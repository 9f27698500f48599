package inbox

import (
	"sync/atomic"
)

// Inbox is a bounded, typed message channel for observational traffic.
// Sends never block: when the buffer is full the message is dropped and
// counted, so a slow consumer can never stall a producer's hot path.
type Inbox[T any] struct {
	ch      chan T
	sent    atomic.Int64
	dropped atomic.Int64
}

// Stats tracks inbox throughput
type Stats struct {
	TotalSent    int64
	TotalDropped int64
	CurrentDepth int
}

// New creates an inbox with the specified buffer size
func New[T any](bufferSize int) *Inbox[T] {
	return &Inbox[T]{
		ch: make(chan T, bufferSize),
	}
}

// TrySend delivers a message without blocking.
// Returns false if the buffer was full and the message was dropped.
func (ib *Inbox[T]) TrySend(msg T) bool {
	select {
	case ib.ch <- msg:
		ib.sent.Add(1)
		return true
	default:
		ib.dropped.Add(1)
		return false
	}
}

// TryReceive attempts to receive a message without blocking.
// Returns the message and true if available, zero value and false otherwise.
func (ib *Inbox[T]) TryReceive() (T, bool) {
	select {
	case msg := <-ib.ch:
		return msg, true
	default:
		var zero T
		return zero, false
	}
}

// Drain consumes every currently buffered message
func (ib *Inbox[T]) Drain() []T {
	var msgs []T
	for {
		msg, ok := ib.TryReceive()
		if !ok {
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

// GetStats returns a copy of the current inbox statistics
func (ib *Inbox[T]) GetStats() Stats {
	return Stats{
		TotalSent:    ib.sent.Load(),
		TotalDropped: ib.dropped.Load(),
		CurrentDepth: len(ib.ch),
	}
}

// Len returns the current number of buffered messages
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}
