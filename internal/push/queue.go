package push

import (
	"os"
	"sync/atomic"
	"time"
)

// debounceEnabled is a process-wide switch, mainly for the integration
// tests. DEBOUNCE_DISABLE in the environment turns debouncing off.
var debounceEnabled atomic.Bool

func init() {
	_, disabled := os.LookupEnv("DEBOUNCE_DISABLE")
	debounceEnabled.Store(!disabled)
}

// SetDebounceEnabled toggles the global debounce switch.
func SetDebounceEnabled(enabled bool) {
	debounceEnabled.Store(enabled)
}

type sendQueueSlot struct {
	received time.Time
	sent     time.Time
	message  *PushMessage
}

// SendQueue coalesces messages per connection. One slot exists per
// debounced message kind; custom messages bypass the queue entirely.
//
// The queue is owned by a single transmit goroutine and needs no locking.
type SendQueue struct {
	maxDebounceTime int
	debounceFactor  float64
	slots           [3]sendQueueSlot
}

// NewSendQueue builds a queue. debounceFactor is sampled once per
// connection to decorrelate clients; see ConnectionOptions.
func NewSendQueue(maxDebounceTime int, debounceFactor float64) *SendQueue {
	return &SendQueue{
		maxDebounceTime: maxDebounceTime,
		debounceFactor:  debounceFactor,
	}
}

func (q *SendQueue) slot(kind MessageKind) *sendQueueSlot {
	switch kind {
	case KindFile:
		return &q.slots[0]
	case KindActivity:
		return &q.slots[1]
	case KindNotification:
		return &q.slots[2]
	default:
		return nil
	}
}

// Push queues a message for later release. If the message should be sent
// immediately instead, it is returned.
func (q *SendQueue) Push(msg PushMessage, now time.Time) *PushMessage {
	if !debounceEnabled.Load() {
		return &msg
	}
	slot := q.slot(msg.Kind)
	if slot == nil {
		return &msg
	}

	if slot.message != nil {
		merged := slot.message.Merge(msg)
		slot.message = &merged
	} else {
		slot.message = &msg
	}
	slot.received = now

	return nil
}

// Drain releases every queued message whose debounce window has passed and
// whose burst has quiesced for at least 100ms. Slot order is file,
// activity, notification.
func (q *SendQueue) Drain(now time.Time, connectionCount int) []PushMessage {
	var released []PushMessage
	for i := range q.slots {
		slot := &q.slots[i]
		if slot.message == nil {
			continue
		}
		debounceTime := slot.message.DebounceTime(connectionCount, q.maxDebounceTime, q.debounceFactor)
		if now.Sub(slot.sent) > debounceTime && now.Sub(slot.received) > 100*time.Millisecond {
			slot.sent = now
			released = append(released, *slot.message)
			slot.message = nil
		}
	}
	return released
}
