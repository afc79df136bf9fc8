package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// fileConfig is the yaml schema of the config file. Every field is
// optional; the file is just the lowest configuration layer.
type fileConfig struct {
	Database struct {
		URL    *string `yaml:"url"`
		Prefix *string `yaml:"prefix"`
	} `yaml:"database"`
	DatabasePrefix *string `yaml:"database-prefix"`

	Redis redisURLList `yaml:"redis"`

	NextcloudURL *string `yaml:"nextcloud-url"`

	Port              *int    `yaml:"port"`
	Bind              *string `yaml:"bind"`
	SocketPath        *string `yaml:"socket-path"`
	SocketPermissions *string `yaml:"socket-permissions"`

	MetricsPort       *int    `yaml:"metrics-port"`
	MetricsSocketPath *string `yaml:"metrics-socket-path"`

	TLS struct {
		Cert *string `yaml:"cert"`
		Key  *string `yaml:"key"`
	} `yaml:"tls"`

	LogLevel        *string `yaml:"log-level"`
	AllowSelfSigned *bool   `yaml:"allow-self-signed"`
	NoANSI          *bool   `yaml:"no-ansi"`

	MaxDebounceTime   *int `yaml:"max-debounce-time"`
	MaxConnectionTime *int `yaml:"max-connection-time"`
}

// redisURLList accepts either a single url string or a list of urls.
type redisURLList []string

func (l *redisURLList) UnmarshalYAML(unmarshal func(any) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		*l = []string{single}
		return nil
	}
	var multi []string
	if err := unmarshal(&multi); err != nil {
		return err
	}
	*l = multi
	return nil
}

// FromFile reads one yaml config file as a Partial.
func FromFile(path string) (Partial, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Partial{}, fmt.Errorf("failed to read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Partial{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	p := Partial{
		DatabaseURL:       fc.Database.URL,
		DatabasePrefix:    fc.Database.Prefix,
		RedisURLs:         fc.Redis,
		NextcloudURL:      fc.NextcloudURL,
		Port:              fc.Port,
		BindAddr:          fc.Bind,
		SocketPath:        fc.SocketPath,
		SocketPermissions: fc.SocketPermissions,
		MetricsPort:       fc.MetricsPort,
		MetricsSocketPath: fc.MetricsSocketPath,
		TLSCert:           fc.TLS.Cert,
		TLSKey:            fc.TLS.Key,
		LogLevel:          fc.LogLevel,
		AllowSelfSigned:   fc.AllowSelfSigned,
		NoANSI:            fc.NoANSI,
		MaxDebounceTime:   fc.MaxDebounceTime,
		MaxConnectionTime: fc.MaxConnectionTime,
	}
	if p.DatabasePrefix == nil {
		p.DatabasePrefix = fc.DatabasePrefix
	}
	return p, nil
}

// FromGlob loads every *.config.yml next to the main config file and merges
// them in lexical order, later files winning, with the main file as the
// base layer.
func FromGlob(mainPath string) (Partial, error) {
	merged, err := FromFile(mainPath)
	if err != nil {
		return Partial{}, err
	}

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(mainPath), "*.config.yml"))
	if err != nil {
		return Partial{}, err
	}
	for _, match := range matches {
		layer, err := FromFile(match)
		if err != nil {
			return Partial{}, err
		}
		merged = layer.Merge(merged)
	}
	return merged, nil
}
