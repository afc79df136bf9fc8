// Package config assembles the gateway configuration from three layers:
// command line flags, environment variables and an optional yaml file.
// Flags win over the environment, the environment wins over the file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/fsyncd/pushgate/internal/bus"
)

// Defaults applied by Build when no layer sets a value.
const (
	DefaultBindAddr          = "0.0.0.0:7867"
	DefaultSocketPermissions = os.FileMode(0o660)
	DefaultLogLevel          = "warn"
	DefaultDatabasePrefix    = "oc_"
	DefaultMaxDebounceTime   = 15
	DefaultMaxConnectionTime = 0
)

// Bind describes where an HTTP server listens. A non-empty SocketPath
// selects a unix socket and takes precedence over Addr.
type Bind struct {
	Addr              string
	SocketPath        string
	SocketPermissions os.FileMode
}

// TLSConfig holds the certificate pair for serving TLS directly.
type TLSConfig struct {
	Cert string
	Key  string
}

// Config is the fully resolved gateway configuration.
type Config struct {
	DatabaseDriver string
	DatabaseDSN    string
	DatabasePrefix string

	Redis bus.Options

	NextcloudURL string

	Bind        Bind
	MetricsBind *Bind
	TLS         *TLSConfig

	LogLevel        string
	AllowSelfSigned bool
	NoANSI          bool

	// MaxDebounceTime is in seconds, MaxConnectionTime in seconds with
	// zero meaning unlimited.
	MaxDebounceTime   int
	MaxConnectionTime int
}

// Partial is one configuration layer. Nil fields are unset and fall
// through to the next layer.
type Partial struct {
	DatabaseURL    *string
	DatabasePrefix *string

	RedisURLs []string

	NextcloudURL *string

	Port              *int
	BindAddr          *string
	SocketPath        *string
	SocketPermissions *string

	MetricsPort       *int
	MetricsSocketPath *string

	TLSCert *string
	TLSKey  *string

	LogLevel        *string
	AllowSelfSigned *bool
	NoANSI          *bool

	MaxDebounceTime   *int
	MaxConnectionTime *int
}

// Merge overlays p on top of lower; values set in p win.
func (p Partial) Merge(lower Partial) Partial {
	out := lower
	if p.DatabaseURL != nil {
		out.DatabaseURL = p.DatabaseURL
	}
	if p.DatabasePrefix != nil {
		out.DatabasePrefix = p.DatabasePrefix
	}
	if len(p.RedisURLs) > 0 {
		out.RedisURLs = p.RedisURLs
	}
	if p.NextcloudURL != nil {
		out.NextcloudURL = p.NextcloudURL
	}
	if p.Port != nil {
		out.Port = p.Port
	}
	if p.BindAddr != nil {
		out.BindAddr = p.BindAddr
	}
	if p.SocketPath != nil {
		out.SocketPath = p.SocketPath
	}
	if p.SocketPermissions != nil {
		out.SocketPermissions = p.SocketPermissions
	}
	if p.MetricsPort != nil {
		out.MetricsPort = p.MetricsPort
	}
	if p.MetricsSocketPath != nil {
		out.MetricsSocketPath = p.MetricsSocketPath
	}
	if p.TLSCert != nil {
		out.TLSCert = p.TLSCert
	}
	if p.TLSKey != nil {
		out.TLSKey = p.TLSKey
	}
	if p.LogLevel != nil {
		out.LogLevel = p.LogLevel
	}
	if p.AllowSelfSigned != nil {
		out.AllowSelfSigned = p.AllowSelfSigned
	}
	if p.NoANSI != nil {
		out.NoANSI = p.NoANSI
	}
	if p.MaxDebounceTime != nil {
		out.MaxDebounceTime = p.MaxDebounceTime
	}
	if p.MaxConnectionTime != nil {
		out.MaxConnectionTime = p.MaxConnectionTime
	}
	return out
}

// Build resolves the merged layers into a Config, applying defaults and
// validating required settings.
func (p Partial) Build() (*Config, error) {
	cfg := &Config{
		DatabasePrefix:    DefaultDatabasePrefix,
		LogLevel:          DefaultLogLevel,
		MaxDebounceTime:   DefaultMaxDebounceTime,
		MaxConnectionTime: DefaultMaxConnectionTime,
		Bind: Bind{
			Addr:              DefaultBindAddr,
			SocketPermissions: DefaultSocketPermissions,
		},
	}

	if p.DatabaseURL == nil {
		return nil, fmt.Errorf("no database configured")
	}
	driver, dsn, err := ParseDatabaseURL(*p.DatabaseURL)
	if err != nil {
		return nil, err
	}
	cfg.DatabaseDriver = driver
	cfg.DatabaseDSN = dsn
	if p.DatabasePrefix != nil {
		cfg.DatabasePrefix = *p.DatabasePrefix
	}

	if len(p.RedisURLs) == 0 {
		return nil, fmt.Errorf("no redis connection configured")
	}
	redisOpts, err := ParseRedisURLs(p.RedisURLs)
	if err != nil {
		return nil, err
	}
	cfg.Redis = redisOpts

	if p.NextcloudURL == nil {
		return nil, fmt.Errorf("no nextcloud url configured")
	}
	cfg.NextcloudURL = *p.NextcloudURL
	if !strings.HasSuffix(cfg.NextcloudURL, "/") {
		cfg.NextcloudURL += "/"
	}

	if p.BindAddr != nil {
		cfg.Bind.Addr = *p.BindAddr
	}
	if p.Port != nil {
		host, _, err := splitBind(cfg.Bind.Addr)
		if err != nil {
			return nil, err
		}
		cfg.Bind.Addr = fmt.Sprintf("%s:%d", host, *p.Port)
	}
	if p.SocketPath != nil {
		cfg.Bind.SocketPath = *p.SocketPath
	}
	if p.SocketPermissions != nil {
		perms, err := ParseSocketPermissions(*p.SocketPermissions)
		if err != nil {
			return nil, err
		}
		cfg.Bind.SocketPermissions = perms
	}

	if p.MetricsSocketPath != nil {
		cfg.MetricsBind = &Bind{
			SocketPath:        *p.MetricsSocketPath,
			SocketPermissions: cfg.Bind.SocketPermissions,
		}
	} else if p.MetricsPort != nil {
		host, _, err := splitBind(cfg.Bind.Addr)
		if err != nil {
			return nil, err
		}
		cfg.MetricsBind = &Bind{Addr: fmt.Sprintf("%s:%d", host, *p.MetricsPort)}
	}

	if p.TLSCert != nil || p.TLSKey != nil {
		if p.TLSCert == nil || p.TLSKey == nil {
			return nil, fmt.Errorf("both tls certificate and key are required")
		}
		cfg.TLS = &TLSConfig{Cert: *p.TLSCert, Key: *p.TLSKey}
	}

	if p.LogLevel != nil {
		cfg.LogLevel = *p.LogLevel
	}
	if p.AllowSelfSigned != nil {
		cfg.AllowSelfSigned = *p.AllowSelfSigned
	}
	if p.NoANSI != nil {
		cfg.NoANSI = *p.NoANSI
	}
	if p.MaxDebounceTime != nil {
		cfg.MaxDebounceTime = *p.MaxDebounceTime
	}
	if p.MaxConnectionTime != nil {
		cfg.MaxConnectionTime = *p.MaxConnectionTime
	}
	return cfg, nil
}

func splitBind(addr string) (host, port string, err error) {
	host, port, err = splitHostPort(addr)
	if err != nil {
		return "", "", fmt.Errorf("invalid bind address %q: %w", addr, err)
	}
	return host, port, nil
}

func splitHostPort(addr string) (string, string, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", "", fmt.Errorf("missing port")
	}
	return addr[:i], addr[i+1:], nil
}

// ParseSocketPermissions parses a 4-digit octal mode string like "0660".
func ParseSocketPermissions(s string) (os.FileMode, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("socket permissions must be a 4 digit octal mode, got %q", s)
	}
	mode, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid socket permissions %q: %w", s, err)
	}
	return os.FileMode(mode), nil
}

// ParseDatabaseURL maps a database url to a database/sql driver name and
// DSN. Postgres urls pass through unchanged; mysql urls are rewritten into
// the driver's user:pass@tcp(host:port)/db form.
func ParseDatabaseURL(raw string) (driver, dsn string, err error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid database url: %w", err)
	}
	switch parsed.Scheme {
	case "postgres", "postgresql":
		parsed.Scheme = "postgres"
		return "postgres", parsed.String(), nil
	case "mysql", "mariadb":
		host := parsed.Host
		if parsed.Port() == "" {
			host += ":3306"
		}
		auth := ""
		if parsed.User != nil {
			auth = parsed.User.String() + "@"
		}
		dsn := fmt.Sprintf("%stcp(%s)%s", auth, host, parsed.Path)
		if parsed.RawQuery != "" {
			dsn += "?" + parsed.RawQuery
		}
		return "mysql", dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported database scheme %q", parsed.Scheme)
	}
}

// ParseRedisURLs resolves one or more redis urls into connection options.
// More than one url selects cluster mode; credentials and TLS are taken
// from the first url.
func ParseRedisURLs(urls []string) (bus.Options, error) {
	var opts bus.Options
	for i, raw := range urls {
		parsed, err := redis.ParseURL(raw)
		if err != nil {
			return bus.Options{}, fmt.Errorf("invalid redis url %q: %w", raw, err)
		}
		opts.Addrs = append(opts.Addrs, parsed.Addr)
		if i == 0 {
			opts.Username = parsed.Username
			opts.Password = parsed.Password
			opts.DB = parsed.DB
			opts.TLS = parsed.TLSConfig != nil
		}
	}
	return opts, nil
}

// FromEnv reads the environment layer. A set but unparseable variable is an
// error rather than a silent fallthrough to the defaults.
func FromEnv() (Partial, error) {
	var p Partial
	var err error
	p.DatabaseURL = envString("DATABASE_URL")
	p.DatabasePrefix = envString("DATABASE_PREFIX")
	if raw := os.Getenv("REDIS_URL"); raw != "" {
		p.RedisURLs = splitList(raw)
	}
	p.NextcloudURL = envString("NEXTCLOUD_URL")
	if p.Port, err = envInt("PORT"); err != nil {
		return Partial{}, err
	}
	p.BindAddr = envString("BIND")
	p.SocketPath = envString("SOCKET_PATH")
	p.SocketPermissions = envString("SOCKET_PERMISSIONS")
	if p.MetricsPort, err = envInt("METRICS_PORT"); err != nil {
		return Partial{}, err
	}
	p.MetricsSocketPath = envString("METRICS_SOCKET_PATH")
	p.TLSCert = envString("TLS_CERT")
	p.TLSKey = envString("TLS_KEY")
	p.LogLevel = envString("LOG")
	if p.AllowSelfSigned, err = envBool("ALLOW_SELF_SIGNED"); err != nil {
		return Partial{}, err
	}
	if p.NoANSI, err = envBool("NO_ANSI"); err != nil {
		return Partial{}, err
	}
	if p.MaxDebounceTime, err = envInt("MAX_DEBOUNCE_TIME"); err != nil {
		return Partial{}, err
	}
	if p.MaxConnectionTime, err = envInt("MAX_CONNECTION_TIME"); err != nil {
		return Partial{}, err
	}
	return p, nil
}

func envString(key string) *string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return &v
	}
	return nil
}

func envInt(key string) (*int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q for %s: %w", v, key, err)
	}
	return &n, nil
}

func envBool(key string) (*bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil, nil
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		b := true
		return &b, nil
	case "0", "false", "no":
		b := false
		return &b, nil
	default:
		return nil, fmt.Errorf("invalid value %q for %s: expected a boolean", v, key)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
