package push

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsyncd/pushgate/internal/logging"
	"github.com/fsyncd/pushgate/internal/mapping"
	"github.com/fsyncd/pushgate/internal/metrics"
	"github.com/fsyncd/pushgate/internal/nc"
	"github.com/fsyncd/pushgate/internal/user"
)

// fakeBackend answers the uid route like the real backend app: 200 with the
// canonical user id on valid credentials, 401 otherwise.
func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/uid") {
			http.NotFound(w, r)
			return
		}
		username, password, ok := r.BasicAuth()
		if ok && username == "alice" && password == "password" {
			w.Write([]byte("alice"))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)
	return server
}

func newEngineApp(t *testing.T) *App {
	t.Helper()
	backend := fakeBackend(t)
	client, err := nc.NewClient(backend.URL, false)
	require.NoError(t, err)
	logs, err := logging.Init("warn", false)
	require.NoError(t, err)

	m := metrics.New()
	storage := mapping.FromConnection(nil, "postgres", "oc_", m)
	return NewApp(client, storage, nil, m, logs, "test")
}

func newSocketTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()
	app := newEngineApp(t)
	server := httptest.NewServer(app.Handler(context.Background(), 15, 0))
	t.Cleanup(server.Close)
	return app, server
}

func dialSocket(t *testing.T, server *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)
	return string(data)
}

func authenticate(t *testing.T, conn *websocket.Conn, username, password string) string {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(username)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(password)))
	return readText(t, conn)
}

func TestSocketAuthentication(t *testing.T) {
	app, server := newSocketTestApp(t)

	conn := dialSocket(t, server, "/ws")
	assert.Equal(t, "authenticated", authenticate(t, conn, "alice", "password"))

	assert.Eventually(t, func() bool {
		return app.Connections.ConnectionCount(user.New("alice")) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSocketAuthenticationFailure(t *testing.T) {
	_, server := newSocketTestApp(t)

	conn := dialSocket(t, server, "/ws")
	assert.Equal(t, "err: Invalid credentials", authenticate(t, conn, "alice", "wrong"))
}

func TestSocketPreAuth(t *testing.T) {
	app, server := newSocketTestApp(t)
	app.HandleEvent(context.Background(), PreAuthEvent{User: user.New("alice"), Token: "token"})

	conn := dialSocket(t, server, "/ws")
	assert.Equal(t, "authenticated", authenticate(t, conn, "", "token"))

	// tokens are single use
	conn2 := dialSocket(t, server, "/ws")
	assert.Equal(t, "err: Invalid credentials", authenticate(t, conn2, "", "token"))
}

func TestSocketPushDelivery(t *testing.T) {
	SetDebounceEnabled(false)
	defer SetDebounceEnabled(true)

	app, server := newSocketTestApp(t)
	alice := user.New("alice")

	conn := dialSocket(t, server, "/ws")
	require.Equal(t, "authenticated", authenticate(t, conn, "alice", "password"))

	require.Eventually(t, func() bool {
		return app.Connections.ConnectionCount(alice) == 1
	}, 5*time.Second, 10*time.Millisecond)

	app.Connections.SendToUser(alice, FileMessage(KnownFiles(1)))
	assert.Equal(t, "notify_file", readText(t, conn))

	app.Connections.SendToUser(alice, ActivityMessage())
	assert.Equal(t, "notify_activity", readText(t, conn))
}

func TestSocketListenFileID(t *testing.T) {
	SetDebounceEnabled(false)
	defer SetDebounceEnabled(true)

	app, server := newSocketTestApp(t)
	alice := user.New("alice")

	conn := dialSocket(t, server, "/push/ws")
	require.Equal(t, "authenticated", authenticate(t, conn, "alice", "password"))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("listen notify_file_id")))

	require.Eventually(t, func() bool {
		return app.Connections.ConnectionCount(alice) == 1
	}, 5*time.Second, 10*time.Millisecond)
	// give the receive pump time to register the opt-in
	time.Sleep(100 * time.Millisecond)

	app.Connections.SendToUser(alice, FileMessage(KnownFiles(1, 2)))
	assert.Equal(t, "notify_file_id [1,2]", readText(t, conn))
}

// awaitClose drains the connection until it errors, failing the test if the
// read deadline expires before the peer closes.
func awaitClose(t *testing.T, conn *websocket.Conn) error {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("connection was not closed")
			}
			return err
		}
	}
}

func TestSocketReset(t *testing.T) {
	app, server := newSocketTestApp(t)

	conn := dialSocket(t, server, "/ws")
	require.Equal(t, "authenticated", authenticate(t, conn, "alice", "password"))

	require.Eventually(t, func() bool {
		return app.reset.receiverCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	app.HandleEvent(context.Background(), ResetEvent{})
	err := awaitClose(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected a normal close, got %v", err)
}

func TestSocketWrongPongDisconnects(t *testing.T) {
	_, server := newSocketTestApp(t)

	conn := dialSocket(t, server, "/ws")
	conn.SetPingHandler(func(string) error {
		return conn.WriteControl(websocket.PongMessage, []byte("bogus"), time.Now().Add(time.Second))
	})
	require.Equal(t, "authenticated", authenticate(t, conn, "alice", "password"))

	// the first ping arrives within the transmit loop's first few ticks;
	// the mismatched pong must end the connection
	awaitClose(t, conn)
}

func TestSocketMissedPongDisconnects(t *testing.T) {
	app := newEngineApp(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		opts := NewConnectionOptions(15, 0)
		opts.pingInterval = 100 * time.Millisecond
		go app.HandleUserSocket(context.Background(), conn, nil, opts)
	}))
	t.Cleanup(server.Close)

	conn := dialSocket(t, server, "/ws")
	// swallow pings so the previous one is still outstanding at the next
	conn.SetPingHandler(func(string) error { return nil })
	require.Equal(t, "authenticated", authenticate(t, conn, "alice", "password"))

	awaitClose(t, conn)
}

func TestMappingRoute(t *testing.T) {
	app, server := newSocketTestApp(t)
	app.mapping.Prime(42, []mapping.Access{
		{User: user.New("alice"), Root: ""},
		{User: user.New("bob"), Root: ""},
		{User: user.New("carol"), Root: "files/other"},
	})

	resp, err := http.Get(server.URL + "/test/mapping/42")
	require.NoError(t, err)
	defer resp.Body.Close()
	body := make([]byte, 16)
	n, _ := resp.Body.Read(body)
	// carol's root does not match the probe's empty path
	assert.Equal(t, "2", string(body[:n]))
}

func TestTestCookieRoute(t *testing.T) {
	app, server := newSocketTestApp(t)
	app.HandleEvent(context.Background(), TestCookieEvent{Cookie: 99})

	resp, err := http.Get(server.URL + "/test/cookie")
	require.NoError(t, err)
	defer resp.Body.Close()
	body := make([]byte, 16)
	n, _ := resp.Body.Read(body)
	assert.Equal(t, "99", string(body[:n]))
}
