// Package notify wakes long-poll callers when the request ledger changes,
// in process and, through Redis pub/sub, across broker instances.
package notify

import (
	"context"
	"sync"
)

// Broadcaster hands every waiter the same channel and closes it on Notify.
type Broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{ch: make(chan struct{})}
}

// Changed returns a channel closed by the next Notify.
func (b *Broadcaster) Changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

// Notify wakes every current waiter.
func (b *Broadcaster) Notify() {
	b.mu.Lock()
	close(b.ch)
	b.ch = make(chan struct{})
	b.mu.Unlock()
}

// Publish is Notify; it lets a Broadcaster serve as the ledger's change signal.
func (b *Broadcaster) Publish(context.Context) {
	b.Notify()
}
