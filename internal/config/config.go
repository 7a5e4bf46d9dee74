// Package config provides TOML configuration loading and validation for the
// alarm server.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration structure for the alarm server.
// Every section and every scalar field may be omitted; defaults match a
// local development setup (broker and history store on localhost).
type Config struct {
	// Broker holds the AMQP connection parameters.
	Broker BrokerConfig `toml:"broker"`

	// Server holds the HTTP/websocket listener parameters.
	Server ServerConfig `toml:"server"`

	// DB selects and parameterises the history store.
	DB DBConfig `toml:"db"`

	// Journal configures the outbound event journal.
	Journal JournalConfig `toml:"journal"`

	// Alarm points at the alarm definition document.
	Alarm AlarmConfig `toml:"alarm"`
}

// BrokerConfig holds the AMQP connection parameters.
type BrokerConfig struct {
	// Host of the broker. Defaults to "127.0.0.1".
	Host string `toml:"host"`

	// Port of the broker. Defaults to 5672.
	Port int `toml:"port"`

	// Username for the broker. Defaults to "guest".
	Username string `toml:"username"`

	// Password for the broker. Defaults to "guest".
	Password string `toml:"password"`
}

// URL renders the broker parameters as an amqp:// connection URL.
func (b BrokerConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(b.Username, b.Password),
		Host:   net.JoinHostPort(b.Host, strconv.Itoa(b.Port)),
	}
	return u.String()
}

// ServerConfig holds the HTTP listener parameters.
type ServerConfig struct {
	// Host is the bind address. Defaults to "127.0.0.1".
	Host string `toml:"host"`

	// Port is the listen port. Defaults to 8080.
	Port int `toml:"port"`

	// AuthSecret is the HS256 key protecting the REST API. Empty disables
	// REST authentication; the websocket endpoint is never behind auth.
	AuthSecret string `toml:"auth_secret"`
}

// Addr renders the listener parameters as a host:port bind address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// DBConfig selects and parameterises the history store.
type DBConfig struct {
	// URL is the base of the store's SQL-over-HTTP endpoint. Defaults to
	// "http://localhost:9000".
	URL string `toml:"url"`

	// Table is the alarm event table. Defaults to "Alarms".
	Table string `toml:"table"`

	// Driver is "http" (default) or "pgwire".
	Driver string `toml:"driver"`

	// DSN is the Postgres-wire connection string. Required when Driver is
	// "pgwire", ignored otherwise.
	DSN string `toml:"dsn"`
}

// JournalConfig configures the outbound event journal.
type JournalConfig struct {
	// Path of the journal database file. Empty keeps the journal in memory,
	// which drops unpublished events on restart.
	Path string `toml:"path"`
}

// AlarmConfig points at the alarm definition document.
type AlarmConfig struct {
	// Path of the YAML alarm definition file. Defaults to
	// "examples/alarms.yaml".
	Path string `toml:"path"`
}

// validDrivers is the set of accepted history store drivers.
var validDrivers = map[string]bool{
	"http":   true,
	"pgwire": true,
}

// Load reads the TOML file at path, unmarshals it into Config, applies
// defaults, and validates the result. It returns a typed error describing
// every validation failure encountered.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Broker.Host == "" {
		cfg.Broker.Host = "127.0.0.1"
	}
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = 5672
	}
	if cfg.Broker.Username == "" {
		cfg.Broker.Username = "guest"
	}
	if cfg.Broker.Password == "" {
		cfg.Broker.Password = "guest"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.URL == "" {
		cfg.DB.URL = "http://localhost:9000"
	}
	if cfg.DB.Table == "" {
		cfg.DB.Table = "Alarms"
	}
	if cfg.DB.Driver == "" {
		cfg.DB.Driver = "http"
	}
	if cfg.Alarm.Path == "" {
		cfg.Alarm.Path = "examples/alarms.yaml"
	}
}

// validate checks that enumerated fields hold valid values and that the
// pieces needed to reach the broker and the store are coherent.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Broker.Port < 1 || cfg.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker.port %d must be in 1..65535", cfg.Broker.Port))
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d must be in 1..65535", cfg.Server.Port))
	}
	if !validDrivers[cfg.DB.Driver] {
		errs = append(errs, fmt.Errorf("db.driver %q must be one of: http, pgwire", cfg.DB.Driver))
	}
	if cfg.DB.Driver == "pgwire" && cfg.DB.DSN == "" {
		errs = append(errs, errors.New("db.dsn is required when db.driver is pgwire"))
	}
	if u, err := url.Parse(cfg.DB.URL); err != nil {
		errs = append(errs, fmt.Errorf("db.url: %w", err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("db.url scheme %q must be http or https", u.Scheme))
	}

	return errors.Join(errs...)
}
