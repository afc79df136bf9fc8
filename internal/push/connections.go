package push

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/fsyncd/pushgate/internal/metrics"
	"github.com/fsyncd/pushgate/internal/user"
)

// userConnectionLimit caps how many simultaneous connections a single user
// may hold.
const userConnectionLimit = 64

// ErrLimitExceeded is reported to a client when its user already holds the
// maximum number of connections.
var ErrLimitExceeded = errors.New("Connection limit exceeded for user")

// Subscription is one connection's receiver on its user's broadcast.
type Subscription struct {
	user user.ID
	ch   chan PushMessage
}

// C is the receive side of the per-user broadcast.
func (s *Subscription) C() <-chan PushMessage {
	return s.ch
}

// ActiveConnections maps user ids to their broadcast channels. The map key
// is the raw 64-bit hash, so lookups never hash twice.
type ActiveConnections struct {
	mu      sync.RWMutex
	users   map[uint64]*broadcaster[PushMessage]
	metrics *metrics.Metrics
}

func NewActiveConnections(m *metrics.Metrics) *ActiveConnections {
	return &ActiveConnections{
		users:   make(map[uint64]*broadcaster[PushMessage]),
		metrics: m,
	}
}

// Subscribe registers a connection for the user, creating the broadcast
// entry when it is the user's first connection.
func (c *ActiveConnections) Subscribe(id user.ID) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.users[id.Hash()]
	if !ok {
		b = newBroadcaster[PushMessage]()
		c.users[id.Hash()] = b
		c.metrics.AddUser()
	} else if b.receiverCount() >= userConnectionLimit {
		return nil, ErrLimitExceeded
	}
	return &Subscription{user: id, ch: b.subscribe()}, nil
}

// SendToUser publishes a message to every connection of the user. Unknown
// users are a no-op; full subscribers lose their oldest queued message.
func (c *ActiveConnections) SendToUser(id user.ID, msg PushMessage) {
	c.mu.RLock()
	b := c.users[id.Hash()]
	c.mu.RUnlock()
	if b != nil {
		b.send(msg)
	}
}

// ConnectionCount reports how many connections the user currently holds.
func (c *ActiveConnections) ConnectionCount(id user.ID) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if b := c.users[id.Hash()]; b != nil {
		return b.receiverCount()
	}
	return 0
}

// Remove drops a subscription, evicting the user entry when the last
// connection leaves.
func (c *ActiveConnections) Remove(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.users[sub.user.Hash()]
	if !ok {
		return
	}
	if b.unsubscribe(sub.ch) == 0 {
		slog.Debug("removing user from active connections", "user", sub.user)
		delete(c.users, sub.user.Hash())
		c.metrics.RemoveUser()
	}
}
