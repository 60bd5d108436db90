// Package queue provides the bounded, ordered hand-off between the Twitch
// event feed and the Discord-side reconciler. One producer, one consumer;
// the producer blocks when the queue is full so no status message is dropped.
package queue

import (
	"context"

	"github.com/onnwee/voicemark/telemetry"
)

// Kind classifies a stream status change.
type Kind string

const (
	StreamOnline  Kind = "online"
	StreamOffline Kind = "offline"
)

// StatusMessage is one stream status change, produced once per feed
// notification and consumed exactly once.
type StatusMessage struct {
	Kind            Kind
	StreamUserID    string
	StreamUserLogin string
}

// IngestQueue is a bounded FIFO of status messages.
type IngestQueue struct {
	ch chan StatusMessage
}

// DefaultCapacity matches the channel size the watcher has always used.
const DefaultCapacity = 32

// New returns a queue with the given capacity (DefaultCapacity when <= 0).
func New(capacity int) *IngestQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &IngestQueue{ch: make(chan StatusMessage, capacity)}
}

// Push enqueues msg, blocking while the queue is full. It returns the
// context error if ctx is done first.
func (q *IngestQueue) Push(ctx context.Context, msg StatusMessage) error {
	select {
	case q.ch <- msg:
		telemetry.SetQueueDepth(len(q.ch))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the oldest message, blocking while the queue is empty. It
// returns the context error if ctx is done first.
func (q *IngestQueue) Pop(ctx context.Context) (StatusMessage, error) {
	select {
	case msg := <-q.ch:
		telemetry.SetQueueDepth(len(q.ch))
		return msg, nil
	case <-ctx.Done():
		return StatusMessage{}, ctx.Err()
	}
}

// Len reports the number of buffered messages.
func (q *IngestQueue) Len() int { return len(q.ch) }

// Cap reports the queue capacity.
func (q *IngestQueue) Cap() int { return cap(q.ch) }
