package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/fsyncd/pushgate/internal/bus"
	"github.com/fsyncd/pushgate/internal/config"
	"github.com/fsyncd/pushgate/internal/logging"
	"github.com/fsyncd/pushgate/internal/mapping"
	"github.com/fsyncd/pushgate/internal/metrics"
	"github.com/fsyncd/pushgate/internal/nc"
	"github.com/fsyncd/pushgate/internal/push"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:      "pushgate",
		Usage:     "realtime push gateway for file sync backends",
		Version:   version,
		ArgsUsage: "[CONFIG_FILE]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "database-url", Usage: "database url (postgres:// or mysql://)"},
			&cli.StringFlag{Name: "database-prefix", Usage: "table name prefix"},
			&cli.StringSliceFlag{Name: "redis-url", Usage: "redis url, repeat for cluster nodes"},
			&cli.StringFlag{Name: "nextcloud-url", Usage: "base url of the backend server"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "port to listen on"},
			&cli.StringFlag{Name: "bind", Usage: "address to bind to"},
			&cli.StringFlag{Name: "socket-path", Usage: "unix socket to listen on instead of tcp"},
			&cli.StringFlag{Name: "socket-permissions", Usage: "octal permissions for the unix socket"},
			&cli.IntFlag{Name: "metrics-port", Aliases: []string{"m"}, Usage: "port for the metrics endpoint"},
			&cli.StringFlag{Name: "metrics-socket-path", Usage: "unix socket for the metrics endpoint"},
			&cli.StringFlag{Name: "tls-cert", Usage: "path to the tls certificate"},
			&cli.StringFlag{Name: "tls-key", Usage: "path to the tls key"},
			&cli.StringFlag{Name: "log-level", Usage: "log level (trace, debug, info, warn, error)"},
			&cli.BoolFlag{Name: "allow-self-signed", Usage: "accept self signed backend certificates"},
			&cli.IntFlag{Name: "max-debounce-time", Usage: "maximum debounce time in seconds"},
			&cli.IntFlag{Name: "max-connection-time", Usage: "maximum connection lifetime in seconds, 0 for unlimited"},
			&cli.BoolFlag{Name: "no-ansi", Usage: "disable ansi escape sequences in log output"},
			&cli.BoolFlag{Name: "dump-config", Usage: "print the resolved configuration and exit"},
			&cli.BoolFlag{Name: "glob-config", Usage: "also load *.config.yml files next to the config file"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	env, err := config.FromEnv()
	if err != nil {
		return err
	}
	layers := fromFlags(c).Merge(env)
	if path := c.Args().First(); path != "" {
		var fileLayer config.Partial
		var err error
		if c.Bool("glob-config") {
			fileLayer, err = config.FromGlob(path)
		} else {
			fileLayer, err = config.FromFile(path)
		}
		if err != nil {
			return err
		}
		layers = layers.Merge(fileLayer)
	}

	cfg, err := layers.Build()
	if err != nil {
		return err
	}
	if c.Bool("dump-config") {
		fmt.Printf("%+v\n", *cfg)
		return nil
	}

	logs, err := logging.Init(cfg.LogLevel, cfg.NoANSI)
	if err != nil {
		return err
	}
	slog.Info("starting push gateway", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	storage, err := mapping.New(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN, cfg.DatabasePrefix, m)
	if err != nil {
		return err
	}

	client, err := nc.NewClient(cfg.NextcloudURL, cfg.AllowSelfSigned)
	if err != nil {
		return err
	}

	b := bus.New(cfg.Redis)
	defer b.Close()
	if err := b.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	app := push.NewApp(client, storage, b, m, logs, version)

	if err := app.SelfTest(ctx); err != nil {
		slog.Error("self test failed", "error", err)
	}
	if err := app.PublishVersion(ctx); err != nil {
		slog.Warn("failed to publish version", "error", err)
	}

	handler := app.Handler(ctx, cfg.MaxDebounceTime, time.Duration(cfg.MaxConnectionTime)*time.Second)

	serveErr := make(chan error, 2)
	go func() {
		serveErr <- push.Serve(ctx, handler, cfg.Bind, cfg.TLS)
	}()
	if cfg.MetricsBind != nil {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
			serveErr <- push.Serve(ctx, metricsMux, *cfg.MetricsBind, nil)
		}()
	}

	go app.ListenLoop(ctx)

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	stop()
	return nil
}

func fromFlags(c *cli.Context) config.Partial {
	var p config.Partial
	if c.IsSet("database-url") {
		v := c.String("database-url")
		p.DatabaseURL = &v
	}
	if c.IsSet("database-prefix") {
		v := c.String("database-prefix")
		p.DatabasePrefix = &v
	}
	if c.IsSet("redis-url") {
		p.RedisURLs = c.StringSlice("redis-url")
	}
	if c.IsSet("nextcloud-url") {
		v := c.String("nextcloud-url")
		p.NextcloudURL = &v
	}
	if c.IsSet("port") {
		v := c.Int("port")
		p.Port = &v
	}
	if c.IsSet("bind") {
		v := c.String("bind")
		p.BindAddr = &v
	}
	if c.IsSet("socket-path") {
		v := c.String("socket-path")
		p.SocketPath = &v
	}
	if c.IsSet("socket-permissions") {
		v := c.String("socket-permissions")
		p.SocketPermissions = &v
	}
	if c.IsSet("metrics-port") {
		v := c.Int("metrics-port")
		p.MetricsPort = &v
	}
	if c.IsSet("metrics-socket-path") {
		v := c.String("metrics-socket-path")
		p.MetricsSocketPath = &v
	}
	if c.IsSet("tls-cert") {
		v := c.String("tls-cert")
		p.TLSCert = &v
	}
	if c.IsSet("tls-key") {
		v := c.String("tls-key")
		p.TLSKey = &v
	}
	if c.IsSet("log-level") {
		v := c.String("log-level")
		p.LogLevel = &v
	}
	if c.IsSet("allow-self-signed") {
		v := c.Bool("allow-self-signed")
		p.AllowSelfSigned = &v
	}
	if c.IsSet("no-ansi") {
		v := c.Bool("no-ansi")
		p.NoANSI = &v
	}
	if c.IsSet("max-debounce-time") {
		v := c.Int("max-debounce-time")
		p.MaxDebounceTime = &v
	}
	if c.IsSet("max-connection-time") {
		v := c.Int("max-connection-time")
		p.MaxConnectionTime = &v
	}
	return p
}
