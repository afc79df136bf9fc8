package push

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/fsyncd/pushgate/internal/config"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// origin checks are pointless here, auth happens in-band after the
	// upgrade
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler builds the public HTTP surface. Every route is registered both at
// the root and under /push so the gateway works with and without a
// path-stripping reverse proxy.
func (a *App) Handler(ctx context.Context, maxDebounceTime int, maxConnectionTime time.Duration) http.Handler {
	router := mux.NewRouter()
	a.registerRoutes(ctx, router, maxDebounceTime, maxConnectionTime)
	a.registerRoutes(ctx, router.PathPrefix("/push").Subrouter(), maxDebounceTime, maxConnectionTime)
	return router
}

func (a *App) registerRoutes(ctx context.Context, router *mux.Router, maxDebounceTime int, maxConnectionTime time.Duration) {
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		forwardedFor := forwardedChain(r)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Debug("websocket upgrade failed", "error", err)
			return
		}
		opts := NewConnectionOptions(maxDebounceTime, maxConnectionTime)
		go a.HandleUserSocket(ctx, conn, forwardedFor, opts)
	}).Methods(http.MethodGet)

	router.HandleFunc("/test/cookie", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strconv.FormatUint(uint64(a.TestCookieValue()), 10)))
	}).Methods(http.MethodGet)

	router.HandleFunc("/test/reverse_cookie", func(w http.ResponseWriter, r *http.Request) {
		cookie, err := a.nc.TestCookie(r.Context())
		if err != nil {
			slog.Warn("failed to retrieve test cookie from backend", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write([]byte(strconv.FormatUint(uint64(cookie), 10)))
	}).Methods(http.MethodGet)

	router.HandleFunc("/test/mapping/{storage}", func(w http.ResponseWriter, r *http.Request) {
		storage, err := strconv.ParseInt(mux.Vars(r)["storage"], 10, 64)
		if err != nil {
			http.Error(w, "invalid storage id", http.StatusBadRequest)
			return
		}
		users, err := a.mapping.UsersForStoragePath(r.Context(), storage, "")
		if err != nil {
			slog.Warn("failed to resolve storage mapping", "storage", storage, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write([]byte(strconv.Itoa(len(users))))
	}).Methods(http.MethodGet)

	router.HandleFunc("/test/remote/{ip}", func(w http.ResponseWriter, r *http.Request) {
		ip := net.ParseIP(mux.Vars(r)["ip"])
		if ip == nil {
			http.Error(w, "invalid ip", http.StatusBadRequest)
			return
		}
		remote, err := a.nc.TestSetRemote(r.Context(), ip)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write([]byte(remote.String()))
	}).Methods(http.MethodGet)

	router.HandleFunc("/test/version", func(w http.ResponseWriter, r *http.Request) {
		if err := a.PublishVersion(r.Context()); err != nil {
			slog.Warn("failed to publish version", "error", err)
			w.Write([]byte("error"))
			return
		}
		w.Write([]byte("set"))
	}).Methods(http.MethodPost)
}

// forwardedChain reassembles the proxy chain seen by this hop: the
// X-Forwarded-For entries followed by the peer address.
func forwardedChain(r *http.Request) []net.IP {
	var ips []net.IP
	for _, part := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
			ips = append(ips, ip)
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips
}

// Serve runs an HTTP server on the configured bind until ctx is cancelled,
// then shuts it down gracefully. Unix sockets are re-created on startup and
// chmodded to the configured permissions.
func Serve(ctx context.Context, handler http.Handler, bind config.Bind, tlsConfig *config.TLSConfig) error {
	var listener net.Listener
	var err error

	if bind.SocketPath != "" {
		_ = os.Remove(bind.SocketPath)
		listener, err = net.Listen("unix", bind.SocketPath)
		if err != nil {
			return err
		}
		if err := os.Chmod(bind.SocketPath, bind.SocketPermissions); err != nil {
			listener.Close()
			return err
		}
		defer os.Remove(bind.SocketPath)
		slog.Info("listening on unix socket", "path", bind.SocketPath, "permissions", bind.SocketPermissions)
	} else {
		listener, err = net.Listen("tcp", bind.Addr)
		if err != nil {
			return err
		}
		slog.Info("listening", "addr", bind.Addr)
	}

	server := &http.Server{Handler: handler}
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if tlsConfig != nil {
		err = server.ServeTLS(listener, tlsConfig.Cert, tlsConfig.Key)
	} else {
		err = server.Serve(listener)
	}
	<-done
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
