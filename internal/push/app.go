// Package push implements the realtime engine: per-user fan-out,
// connection lifecycle, event dispatch and the websocket wire protocol.
package push

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsyncd/pushgate/internal/bus"
	"github.com/fsyncd/pushgate/internal/logging"
	"github.com/fsyncd/pushgate/internal/mapping"
	"github.com/fsyncd/pushgate/internal/metrics"
	"github.com/fsyncd/pushgate/internal/nc"
	"github.com/fsyncd/pushgate/internal/user"
)

// preAuthTTL is how long a pre-auth token stays redeemable.
const preAuthTTL = 15 * time.Second

// Shared key-value store keys.
const (
	keyAppVersion = "notify_push_app_version"
	keyVersion    = "notify_push_version"
	keyMetrics    = "notify_push_metrics"
)

type preAuthEntry struct {
	issuedAt time.Time
	user     user.ID
}

// App owns the dispatcher state: the connection registry, the collaborator
// clients and the control-event plumbing. The dispatcher and the ingest
// task are linked only by message passing; neither holds a back-pointer.
type App struct {
	Connections *ActiveConnections

	nc      *nc.Client
	mapping *mapping.StorageMapping
	bus     *bus.Bus
	metrics *metrics.Metrics
	logs    *logging.Handle
	version string

	preAuthMu sync.Mutex
	preAuth   map[string]preAuthEntry

	testCookie atomic.Uint32
	reset      *broadcaster[struct{}]
}

func NewApp(client *nc.Client, storage *mapping.StorageMapping, b *bus.Bus, m *metrics.Metrics, logs *logging.Handle, version string) *App {
	return &App{
		Connections: NewActiveConnections(m),
		nc:          client,
		mapping:     storage,
		bus:         b,
		metrics:     m,
		logs:        logs,
		version:     version,
		preAuth:     make(map[string]preAuthEntry),
		reset:       newBroadcaster[struct{}](),
	}
}

// SelfTest verifies database, key-value store and backend connectivity and
// warns when the backend app version differs from the gateway's. Failures
// are reported but never fatal.
func (a *App) SelfTest(ctx context.Context) error {
	if _, err := a.mapping.UsersForStoragePath(ctx, 1, ""); err != nil {
		return err
	}
	if err := a.bus.Del(ctx, keyAppVersion); err != nil {
		return err
	}
	if err := a.nc.RequestAppVersion(ctx); err != nil {
		return err
	}
	if appVersion, err := a.bus.Get(ctx, keyAppVersion); err == nil && appVersion != "" && appVersion != a.version {
		slog.Warn("push server is not the same version as the backend app",
			"server_version", a.version, "app_version", appVersion)
	}
	return nil
}

// HandleEvent routes one decoded event. The ingest loop runs it in its own
// goroutine so a slow recipient set cannot block the stream.
func (a *App) HandleEvent(ctx context.Context, event Event) {
	switch e := event.(type) {
	case StorageUpdateEvent:
		users, err := a.mapping.UsersForStoragePath(ctx, e.Storage, e.Path)
		if err != nil {
			slog.Error("failed to resolve storage mapping", "storage", e.Storage, "error", err)
			return
		}
		for _, u := range users {
			a.Connections.SendToUser(u, FileMessage(KnownFiles(e.FileID)))
		}
	case GroupUpdateEvent:
		a.Connections.SendToUser(e.User, FileMessage(UnknownFiles()))
	case ShareCreateEvent:
		a.Connections.SendToUser(e.User, FileMessage(UnknownFiles()))
	case TestCookieEvent:
		a.testCookie.Store(e.Cookie)
	case ActivityEvent:
		a.Connections.SendToUser(e.User, ActivityMessage())
	case NotificationEvent:
		a.Connections.SendToUser(e.User, NotificationMessage())
	case PreAuthEvent:
		a.preAuthMu.Lock()
		a.preAuth[e.Token] = preAuthEntry{issuedAt: time.Now(), user: e.User}
		a.preAuthMu.Unlock()
	case CustomEvent:
		a.Connections.SendToUser(e.User, CustomMessage(e.Message, e.Body))
	case ConfigEvent:
		a.handleConfigEvent(e)
	case MetricsQueryEvent:
		snapshot, err := a.metrics.SnapshotJSON()
		if err == nil {
			err = a.bus.Set(ctx, keyMetrics, string(snapshot))
		}
		if err != nil {
			slog.Warn("failed to publish metrics snapshot", "error", err)
		}
	case ResetEvent:
		slog.Info("stopping all open connections")
		a.reset.send(struct{}{})
	}
}

func (a *App) handleConfigEvent(e ConfigEvent) {
	if e.Restore {
		a.logs.PopSpec()
		slog.Info("restored log level")
		return
	}
	if err := a.logs.PushSpec(e.LogSpec); err != nil {
		slog.Error("failed to set log level", "spec", e.LogSpec, "error", err)
		return
	}
	slog.Info("set log level", "spec", e.LogSpec)
}

// consumePreAuth redeems a pre-auth token. Every call first sweeps expired
// entries; a hit removes the entry so tokens are single-use.
func (a *App) consumePreAuth(token string, now time.Time) (user.ID, bool) {
	cutoff := now.Add(-preAuthTTL)

	a.preAuthMu.Lock()
	defer a.preAuthMu.Unlock()
	for t, entry := range a.preAuth {
		if entry.issuedAt.Before(cutoff) {
			delete(a.preAuth, t)
		}
	}
	entry, ok := a.preAuth[token]
	if ok {
		delete(a.preAuth, token)
	}
	return entry.user, ok
}

// TestCookieValue returns the last notify_test_cookie value.
func (a *App) TestCookieValue() uint32 {
	return a.testCookie.Load()
}

// PublishVersion writes the gateway build version into the shared
// key-value store.
func (a *App) PublishVersion(ctx context.Context) error {
	return a.bus.Set(ctx, keyVersion, a.version)
}
