package push

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsyncd/pushgate/internal/logging"
	"github.com/fsyncd/pushgate/internal/metrics"
	"github.com/fsyncd/pushgate/internal/user"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	logs, err := logging.Init("warn", false)
	require.NoError(t, err)
	return NewApp(nil, nil, nil, metrics.New(), logs, "test")
}

func TestHandleEventRouting(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	alice := user.New("alice")

	sub, err := app.Connections.Subscribe(alice)
	require.NoError(t, err)

	app.HandleEvent(ctx, ActivityEvent{User: alice})
	assert.Equal(t, KindActivity, (<-sub.C()).Kind)

	app.HandleEvent(ctx, NotificationEvent{User: alice})
	assert.Equal(t, KindNotification, (<-sub.C()).Kind)

	app.HandleEvent(ctx, GroupUpdateEvent{User: alice, Group: "admins"})
	msg := <-sub.C()
	assert.Equal(t, KindFile, msg.Kind)
	_, known := msg.Files.Known()
	assert.False(t, known)

	app.HandleEvent(ctx, ShareCreateEvent{User: alice})
	msg = <-sub.C()
	assert.Equal(t, KindFile, msg.Kind)

	app.HandleEvent(ctx, CustomEvent{User: alice, Message: "my_event", Body: json.RawMessage(`{"x":1}`)})
	msg = <-sub.C()
	assert.Equal(t, KindCustom, msg.Kind)
	assert.Equal(t, "my_event", msg.CustomType)

	// events for other users are not delivered
	app.HandleEvent(ctx, ActivityEvent{User: user.New("bob")})
	select {
	case unexpected := <-sub.C():
		t.Fatalf("unexpected message of kind %d", unexpected.Kind)
	default:
	}
}

func TestHandleEventTestCookie(t *testing.T) {
	app := newTestApp(t)
	assert.Equal(t, uint32(0), app.TestCookieValue())
	app.HandleEvent(context.Background(), TestCookieEvent{Cookie: 42})
	assert.Equal(t, uint32(42), app.TestCookieValue())
}

func TestPreAuthSingleUse(t *testing.T) {
	app := newTestApp(t)
	alice := user.New("alice")
	app.HandleEvent(context.Background(), PreAuthEvent{User: alice, Token: "secret"})

	uid, ok := app.consumePreAuth("secret", time.Now())
	require.True(t, ok)
	assert.Equal(t, alice, uid)

	_, ok = app.consumePreAuth("secret", time.Now())
	assert.False(t, ok)
}

func TestPreAuthExpiry(t *testing.T) {
	app := newTestApp(t)
	app.HandleEvent(context.Background(), PreAuthEvent{User: user.New("alice"), Token: "secret"})

	_, ok := app.consumePreAuth("secret", time.Now().Add(preAuthTTL+time.Second))
	assert.False(t, ok)

	_, ok = app.consumePreAuth("unknown", time.Now())
	assert.False(t, ok)
}

func TestHandleEventReset(t *testing.T) {
	app := newTestApp(t)
	resetCh := app.reset.subscribe()
	defer app.reset.unsubscribe(resetCh)

	app.HandleEvent(context.Background(), ResetEvent{})
	select {
	case <-resetCh:
	default:
		t.Fatal("expected a reset signal")
	}
}

func TestHandleEventConfig(t *testing.T) {
	app := newTestApp(t)
	before := app.logs.Level()

	app.HandleEvent(context.Background(), ConfigEvent{LogSpec: "debug"})
	assert.NotEqual(t, before, app.logs.Level())

	app.HandleEvent(context.Background(), ConfigEvent{Restore: true})
	assert.Equal(t, before, app.logs.Level())

	// invalid specs leave the level untouched
	app.HandleEvent(context.Background(), ConfigEvent{LogSpec: "loud"})
	assert.Equal(t, before, app.logs.Level())
}
