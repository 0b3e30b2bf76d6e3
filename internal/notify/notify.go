// Package notify is a minimal pub/sub used to signal replica and cache
// changes to interested readers.
package notify

import "sync"

// Notifier is a small pub/sub for replica change notifications. One
// notification is emitted per committed mutation batch; subscribers
// re-read state instead of polling.
type Notifier struct {
	mu   sync.Mutex
	subs []chan struct{}
}

// Subscribe returns a channel that receives after each committed batch.
// The channel is buffered; a slow subscriber coalesces notifications
// rather than blocking the committer.
func (n *Notifier) Subscribe() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan struct{}, 1)
	n.subs = append(n.subs, ch)
	return ch
}

// Notify signals all subscribers without blocking.
func (n *Notifier) Notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
