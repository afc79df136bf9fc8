package push

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fsyncd/pushgate/internal/nc"
	"github.com/fsyncd/pushgate/internal/user"
)

const (
	// authTimeout bounds the whole handshake: both auth frames must
	// arrive within it.
	authTimeout = 15 * time.Second
	// pingInterval is how long a connection may sit idle before we probe
	// it with an application-level ping.
	pingInterval = 30 * time.Second
	// broadcastWait is the polling quantum of the transmit loop; it
	// drives queue drains and pings while no broadcast arrives.
	broadcastWait = 500 * time.Millisecond
)

// ErrInvalidMessage marks auth frames that are not text.
var ErrInvalidMessage = errors.New("Invalid authentication message")

var errWrongPong = errors.New("received wrong pong")

// ConnectionOptions are fixed per connection at accept time.
type ConnectionOptions struct {
	MaxDebounceTime   int
	MaxConnectionTime time.Duration

	pingInterval time.Duration
	listenFileID atomic.Bool
}

func NewConnectionOptions(maxDebounceTime int, maxConnectionTime time.Duration) *ConnectionOptions {
	return &ConnectionOptions{
		MaxDebounceTime:   maxDebounceTime,
		MaxConnectionTime: maxConnectionTime,
		pingInterval:      pingInterval,
	}
}

// ListenFileID reports whether the client opted into the file-id payload
// encoding.
func (o *ConnectionOptions) ListenFileID() bool {
	return o.listenFileID.Load()
}

// HandleUserSocket owns one websocket from handshake to teardown. The
// transmit and receive pumps each own one direction of the socket; when
// either exits the connection is closed and the other follows.
func (a *App) HandleUserSocket(ctx context.Context, conn *websocket.Conn, forwardedFor []net.IP, opts *ConnectionOptions) {
	defer conn.Close()

	uid, err := a.socketAuth(ctx, conn, forwardedFor)
	if err != nil {
		if isTimeout(err) {
			conn.WriteMessage(websocket.TextMessage, []byte("Authentication timeout"))
		} else {
			slog.Warn("websocket authentication failed", "error", err)
			conn.WriteMessage(websocket.TextMessage, []byte("err: "+err.Error()))
		}
		return
	}

	slog.Info("new websocket authenticated", "user", uid)
	conn.WriteMessage(websocket.TextMessage, []byte("authenticated"))

	sub, err := a.Connections.Subscribe(uid)
	if err != nil {
		conn.WriteMessage(websocket.TextMessage, []byte(err.Error()))
		return
	}
	defer a.Connections.Remove(sub)

	a.metrics.AddConnection()
	defer a.metrics.RemoveConnection()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Every ping stores a random non-zero value here; the matching pong
	// swaps it back to zero. A non-zero value at the next ping, or a pong
	// that does not match, closes the connection.
	expectPong := new(atomic.Uint64)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		defer conn.Close()
		a.transmit(connCtx, conn, sub, opts, expectPong, uid)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		defer conn.Close()
		a.receive(conn, opts, expectPong, uid)
	}()
	wg.Wait()
}

// socketAuth reads the two auth frames (username, password) and resolves
// the user, preferring a live pre-auth token over backend verification.
func (a *App) socketAuth(ctx context.Context, conn *websocket.Conn, forwardedFor []net.IP) (user.ID, error) {
	conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	username, err := readAuthMessage(conn)
	if err != nil {
		return user.ID{}, err
	}
	password, err := readAuthMessage(conn)
	if err != nil {
		return user.ID{}, err
	}

	if uid, ok := a.consumePreAuth(password, time.Now()); ok {
		slog.Debug("authenticated socket using pre authenticated token", "user", uid)
		return uid, nil
	}

	if username == "" {
		return user.ID{}, nc.ErrInvalidCredentials
	}
	return a.nc.VerifyCredentials(ctx, username, password, forwardedFor)
}

func readAuthMessage(conn *websocket.Conn) (string, error) {
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	if messageType != websocket.TextMessage {
		return "", ErrInvalidMessage
	}
	return string(data), nil
}

// transmit is the only goroutine writing to the socket. Each iteration
// waits up to broadcastWait for a broadcast message; the deadline elapsing
// drives debounce drains, the idle ping and the max-connection-time cap.
func (a *App) transmit(ctx context.Context, conn *websocket.Conn, sub *Subscription, opts *ConnectionOptions, expectPong *atomic.Uint64, uid user.ID) {
	// sampled once per connection so bursts of clients drain at
	// decorrelated times
	debounceFactor := 0.5 + rand.Float64()
	queue := NewSendQueue(opts.MaxDebounceTime, debounceFactor)

	resetCh := a.reset.subscribe()
	defer a.reset.unsubscribe(resetCh)

	connectionStart := time.Now()
	lastSend := connectionStart.Add(-opts.pingInterval)

	timer := time.NewTimer(broadcastWait)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(broadcastWait)

		select {
		case msg := <-sub.C():
			now := time.Now()
			if immediate := queue.Push(msg, now); immediate != nil {
				slog.Debug("sending message", "user", uid, "message", immediate.Encode(opts.ListenFileID()))
				a.metrics.AddMessage(immediate.Kind.metricLabel())
				lastSend = now
				if err := conn.WriteMessage(websocket.TextMessage, []byte(immediate.Encode(opts.ListenFileID()))); err != nil {
					return
				}
			}

		case <-timer.C:
			now := time.Now()
			if opts.MaxConnectionTime > 0 && now.Sub(connectionStart) > opts.MaxConnectionTime {
				writeClose(conn)
				slog.Debug("connection closed by exceeding maximum connection time", "user", uid)
				return
			}

			for _, msg := range queue.Drain(now, a.metrics.ActiveConnectionCount()) {
				slog.Debug("sending debounced message", "user", uid, "message", msg.Encode(opts.ListenFileID()))
				a.metrics.AddMessage(msg.Kind.metricLabel())
				lastSend = now
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Encode(opts.ListenFileID()))); err != nil {
					return
				}
			}

			if now.Sub(lastSend) > opts.pingInterval {
				data := randomNonZero()
				if last := expectPong.Swap(data); last != 0 {
					slog.Info("client did not reply to ping, closing", "user", uid)
					return
				}
				slog.Debug("sending ping", "user", uid)
				lastSend = now
				if err := conn.WriteMessage(websocket.PingMessage, pongPayload(data)); err != nil {
					return
				}
			}

		case <-resetCh:
			writeClose(conn)
			slog.Debug("connection closed by reset request", "user", uid)
			return

		case <-ctx.Done():
			writeClose(conn)
			return
		}
	}
}

// receive is the only goroutine reading from the socket. It validates
// pongs and handles the listen opt-in; everything else inbound is ignored.
func (a *App) receive(conn *websocket.Conn, opts *ConnectionOptions, expectPong *atomic.Uint64, uid user.ID) {
	conn.SetPongHandler(func(appData string) error {
		expected := expectPong.Swap(0)
		if !bytes.Equal([]byte(appData), pongPayload(expected)) {
			slog.Info("received wrong pong, closing", "user", uid)
			return errWrongPong
		}
		return nil
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, errWrongPong):
			case isBenignClose(err):
				slog.Debug("websocket closed", "user", uid, "error", err)
			default:
				slog.Warn("websocket error", "user", uid, "error", err)
			}
			return
		}
		if messageType == websocket.TextMessage && string(data) == "listen notify_file_id" {
			opts.listenFileID.Store(true)
		}
	}
}

func writeClose(conn *websocket.Conn) {
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// pongPayload renders the expected ping/pong payload: the value as eight
// little-endian bytes. Zero means "no ping outstanding".
func pongPayload(value uint64) []byte {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, value)
	return payload
}

func randomNonZero() uint64 {
	for {
		if v := rand.Uint64(); v != 0 {
			return v
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isBenignClose classifies disconnects that are part of normal client
// behavior and only worth a debug line.
func isBenignClose(err error) bool {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "use of closed network connection")
}
