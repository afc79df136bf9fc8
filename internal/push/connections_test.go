package push

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsyncd/pushgate/internal/metrics"
	"github.com/fsyncd/pushgate/internal/user"
)

func TestActiveConnectionsFanOut(t *testing.T) {
	m := metrics.New()
	conns := NewActiveConnections(m)
	alice := user.New("alice")

	sub1, err := conns.Subscribe(alice)
	require.NoError(t, err)
	sub2, err := conns.Subscribe(alice)
	require.NoError(t, err)

	assert.Equal(t, 1, m.ActiveUserCount())

	conns.SendToUser(alice, ActivityMessage())
	assert.Equal(t, KindActivity, (<-sub1.C()).Kind)
	assert.Equal(t, KindActivity, (<-sub2.C()).Kind)

	// unknown users are a no-op
	conns.SendToUser(user.New("nobody"), ActivityMessage())
}

func TestActiveConnectionsLimit(t *testing.T) {
	m := metrics.New()
	conns := NewActiveConnections(m)
	alice := user.New("alice")

	subs := make([]*Subscription, 0, userConnectionLimit)
	for i := 0; i < userConnectionLimit; i++ {
		sub, err := conns.Subscribe(alice)
		require.NoError(t, err, "connection %d", i)
		subs = append(subs, sub)
	}

	_, err := conns.Subscribe(alice)
	require.ErrorIs(t, err, ErrLimitExceeded)

	// other users are unaffected
	_, err = conns.Subscribe(user.New("bob"))
	require.NoError(t, err)

	// dropping one frees a slot
	conns.Remove(subs[0])
	_, err = conns.Subscribe(alice)
	require.NoError(t, err)
}

func TestActiveConnectionsRemove(t *testing.T) {
	m := metrics.New()
	conns := NewActiveConnections(m)
	alice := user.New("alice")

	sub1, err := conns.Subscribe(alice)
	require.NoError(t, err)
	sub2, err := conns.Subscribe(alice)
	require.NoError(t, err)

	conns.Remove(sub1)
	assert.Equal(t, 1, m.ActiveUserCount())
	conns.Remove(sub2)
	assert.Equal(t, 0, m.ActiveUserCount())

	// removing an already removed subscription is harmless
	conns.Remove(sub2)
	assert.Equal(t, 0, m.ActiveUserCount())
}

func TestBroadcasterDropsOldest(t *testing.T) {
	b := newBroadcaster[int]()
	ch := b.subscribe()

	for i := 0; i < broadcastCapacity+2; i++ {
		b.send(i)
	}

	// the two oldest items were shed to make room
	for i := 2; i < broadcastCapacity+2; i++ {
		assert.Equal(t, i, <-ch)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected item %d", extra)
	default:
	}
}

func TestBroadcasterManySubscribers(t *testing.T) {
	b := newBroadcaster[string]()
	var chans []chan string
	for i := 0; i < 8; i++ {
		chans = append(chans, b.subscribe())
	}
	b.send("hello")
	for i, ch := range chans {
		assert.Equal(t, "hello", <-ch, fmt.Sprintf("subscriber %d", i))
	}

	assert.Equal(t, 7, b.unsubscribe(chans[0]))
	b.send("again")
	for _, ch := range chans[1:] {
		assert.Equal(t, "again", <-ch)
	}
}
