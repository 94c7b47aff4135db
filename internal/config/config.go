// Package config loads kmux.yml, the top-level file that wires a
// subscription, the revoke grace window, and the process's control-plane
// ports into a runnable Multiplexer.
package config

import (
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// SupportedSchema is the only schema_version this loader accepts.
const SupportedSchema = "v1"

type SubscriptionConfig struct {
	Kind    string   `koanf:"kind"` // "topics" or "pattern"
	Topics  []string `koanf:"topics"`
	Pattern string   `koanf:"pattern"`
}

type App struct {
	SchemaVersion      string             `koanf:"schema_version"`
	Subscription       SubscriptionConfig `koanf:"subscription"`
	WaitClosePartition time.Duration      `koanf:"wait_close_partition"`
	GRPCPort           int                `koanf:"grpc_port"`
	MetricsPort        int                `koanf:"metrics_port"`
	KafkaConfigPath    string             `koanf:"kafka_config"`
	LogLevel           string             `koanf:"log_level"`
	LogJSON            bool               `koanf:"log_json"`
}

// Load merges kmux.yml (if present) with env-vars (prefix `KMUX__`,
// delimiter `__`), env taking precedence, and validates schema_version.
func Load(path string) (App, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return App{}, errors.Annotatef(err, "config: load %s", path)
		}
	}
	_ = k.Load(env.Provider("KMUX__", "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "KMUX__"))
	}), nil)

	var cfg App
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, errors.Annotate(err, "config: unmarshal")
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SupportedSchema
	}
	if cfg.SchemaVersion != SupportedSchema {
		return cfg, errors.Errorf("config: schema_version %q not supported (want %q)", cfg.SchemaVersion, SupportedSchema)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(c *App) {
	if c.WaitClosePartition == 0 {
		c.WaitClosePartition = 30 * time.Second
	}
	if c.GRPCPort == 0 {
		c.GRPCPort = 7070
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 9100
	}
	if c.Subscription.Kind == "" {
		c.Subscription.Kind = "topics"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the config in isolation, without connecting to Kafka:
// the backing implementation of `kmux validate`.
func (c App) Validate() error {
	switch c.Subscription.Kind {
	case "topics":
		if len(c.Subscription.Topics) == 0 {
			return errors.NotValidf("subscription: empty topic list")
		}
	case "pattern":
		if c.Subscription.Pattern == "" {
			return errors.NotValidf("subscription: empty pattern")
		}
	default:
		return errors.NotValidf("subscription.kind %q", c.Subscription.Kind)
	}
	if c.WaitClosePartition <= 0 {
		return errors.NotValidf("non-positive wait_close_partition")
	}
	if c.GRPCPort <= 0 || c.GRPCPort > 65535 {
		return errors.NotValidf("grpc_port %d", c.GRPCPort)
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return errors.NotValidf("metrics_port %d", c.MetricsPort)
	}
	return nil
}
