// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config loads the agent configuration from a YAML file with
// environment overrides.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/canonical/velero-relay/internal/kubernetes"
	"github.com/canonical/velero-relay/internal/relay"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VELERO_RELAY_"

// Config is the agent configuration.
type Config struct {
	ClusterID string `yaml:"cluster-id" env:"CLUSTER_ID"`
	AgentName string `yaml:"agent-name" env:"AGENT_NAME"`

	// Namespace is where velero resources are watched by default.
	Namespace  string `yaml:"namespace" env:"NAMESPACE"`
	Kubeconfig string `yaml:"kubeconfig" env:"KUBECONFIG"`

	ListenAddress string `yaml:"listen-address" env:"LISTEN_ADDRESS"`
	// LoggingConfig is passed to loggo.ConfigureLoggers, e.g. "<root>=INFO".
	LoggingConfig string `yaml:"logging-config" env:"LOGGING_CONFIG"`

	Auth  AuthConfig  `yaml:"auth" envPrefix:"AUTH_"`
	NATS  NATSConfig  `yaml:"nats" envPrefix:"NATS_"`
	Watch WatchConfig `yaml:"watch" envPrefix:"WATCH_"`
	Hub   HubConfig   `yaml:"hub" envPrefix:"HUB_"`
	Relay RelayConfig `yaml:"relay" envPrefix:"RELAY_"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Secret string `yaml:"secret" env:"SECRET"`
	Issuer string `yaml:"issuer" env:"ISSUER"`
}

// NATSConfig configures the bus session. An empty URL disables the relay.
type NATSConfig struct {
	URL             string        `yaml:"url" env:"URL"`
	Token           string        `yaml:"token" env:"TOKEN"`
	CredentialsFile string        `yaml:"credentials-file" env:"CREDENTIALS_FILE"`
	ConnectTimeout  time.Duration `yaml:"connect-timeout" env:"CONNECT_TIMEOUT"`
}

// WatchConfig configures the resource watcher.
type WatchConfig struct {
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RetryDelay time.Duration `yaml:"retry-delay" env:"RETRY_DELAY"`
	// Global lists the kinds watched for every consumer from startup.
	Global []string `yaml:"global" env:"GLOBAL" envSeparator:","`
}

// HubConfig configures the websocket hub.
type HubConfig struct {
	AuthTimeout  time.Duration `yaml:"auth-timeout" env:"AUTH_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle-timeout" env:"IDLE_TIMEOUT"`
	PingPeriod   time.Duration `yaml:"ping-period" env:"PING_PERIOD"`
	WriteTimeout time.Duration `yaml:"write-timeout" env:"WRITE_TIMEOUT"`
}

// RelayConfig configures the bus bridge.
type RelayConfig struct {
	RequestTimeout time.Duration `yaml:"request-timeout" env:"REQUEST_TIMEOUT"`
	ReplyTimeout   time.Duration `yaml:"reply-timeout" env:"REPLY_TIMEOUT"`
	RetryDelay     time.Duration `yaml:"retry-delay" env:"RETRY_DELAY"`
	TickInterval   time.Duration `yaml:"tick-interval" env:"TICK_INTERVAL"`
	StatusInterval time.Duration `yaml:"status-interval" env:"STATUS_INTERVAL"`

	Snapshots []relay.SnapshotJob `yaml:"snapshots"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		AgentName:     "velero-relay",
		Namespace:     "velero",
		ListenAddress: ":8080",
		LoggingConfig: "<root>=INFO",
		Relay: RelayConfig{
			Snapshots: []relay.SnapshotJob{
				{Name: "info", IntervalTicks: 60, Path: "/info/get"},
				{Name: "watches", IntervalTicks: 30, Path: "/watches/get", RequiresPrincipal: true},
			},
		},
	}
}

// Load reads path, if not empty, over the defaults and then applies the
// environment. environ is used instead of the process environment when not
// nil.
func Load(path string, environ map[string]string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Annotatef(err, "reading config %q", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Annotatef(err, "parsing config %q", path)
		}
	}
	options := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		options.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, options); err != nil {
		return Config{}, errors.Annotate(err, "reading environment")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// Validate returns an error if the agent cannot start with cfg.
func (cfg Config) Validate() error {
	if cfg.ClusterID == "" {
		return errors.NotValidf("empty cluster-id")
	}
	if strings.ContainsAny(cfg.ClusterID, ". *>\t") {
		return errors.NotValidf("cluster-id %q", cfg.ClusterID)
	}
	if cfg.ListenAddress == "" {
		return errors.NotValidf("empty listen-address")
	}
	if cfg.Auth.Secret == "" {
		return errors.NotValidf("empty auth secret")
	}
	if cfg.NATS.Token != "" && cfg.NATS.CredentialsFile != "" {
		return errors.NotValidf("both nats token and credentials-file")
	}
	for _, kind := range cfg.Watch.Global {
		if _, ok := kubernetes.GroupVersionResource(kind); !ok {
			return errors.NotValidf("global watch kind %q", kind)
		}
	}
	for _, d := range []time.Duration{
		cfg.NATS.ConnectTimeout,
		cfg.Watch.Timeout, cfg.Watch.RetryDelay,
		cfg.Hub.AuthTimeout, cfg.Hub.IdleTimeout, cfg.Hub.PingPeriod, cfg.Hub.WriteTimeout,
		cfg.Relay.RequestTimeout, cfg.Relay.ReplyTimeout, cfg.Relay.RetryDelay,
		cfg.Relay.TickInterval, cfg.Relay.StatusInterval,
	} {
		if d < 0 {
			return errors.NotValidf("negative duration %s", d)
		}
	}
	seen := make(map[string]bool)
	for _, job := range cfg.Relay.Snapshots {
		if err := job.Validate(); err != nil {
			return errors.Trace(err)
		}
		if seen[job.Name] {
			return errors.NotValidf("duplicate snapshot job %q", job.Name)
		}
		seen[job.Name] = true
	}
	return nil
}

// RelayEnabled reports whether a bus is configured.
func (cfg Config) RelayEnabled() bool {
	return cfg.NATS.URL != ""
}
