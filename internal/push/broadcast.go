package push

import "sync"

// broadcastCapacity bounds the per-subscriber backlog. When a subscriber
// falls behind, the oldest queued item is dropped; the debounce layer
// coalesces in the common case so losses are harmless.
const broadcastCapacity = 4

// broadcaster is a lossy, bounded, single-publisher multi-subscriber
// channel. Sends never block.
type broadcaster[T any] struct {
	mu   sync.Mutex
	subs []chan T
}

func newBroadcaster[T any]() *broadcaster[T] {
	return &broadcaster[T]{}
}

// subscribe registers a new receiver.
func (b *broadcaster[T]) subscribe() chan T {
	ch := make(chan T, broadcastCapacity)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// unsubscribe removes a receiver and reports how many remain.
func (b *broadcaster[T]) unsubscribe(ch chan T) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	return len(b.subs)
}

func (b *broadcaster[T]) receiverCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// send delivers to every subscriber without blocking. A full subscriber
// buffer loses its oldest item.
func (b *broadcaster[T]) send(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		for {
			select {
			case ch <- item:
			default:
				// full: shed the oldest queued item and retry
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}
