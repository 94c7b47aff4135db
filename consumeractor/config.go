package consumeractor

import (
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/juju/errors"
)

// Config is opaque to the multiplexer; it is passed through to the actor's
// Sarama client construction.
type Config struct {
	Brokers     []string      `koanf:"brokers"`
	GroupID     string        `koanf:"group_id"`
	Version     string        `koanf:"version"`
	StartFrom   string        `koanf:"start_from"` // oldest|newest
	DialTimeout time.Duration `koanf:"dial_timeout"`
	TLSEn       bool          `koanf:"tls_enabled"`
	SASLUser    string        `koanf:"sasl_user"`
	SASLPass    string        `koanf:"sasl_pass"`
}

// LoadConfig merges YAML (if present) with env-vars (prefix
// `KMUX_KAFKA__`, delimiter `__`), env taking precedence.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, errors.Annotatef(err, "consumeractor: load %s", path)
		}
	}
	_ = k.Load(env.Provider("KMUX_KAFKA__", "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "KMUX_KAFKA__"))
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, errors.Annotate(err, "consumeractor: unmarshal config")
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.Version == "" {
		c.Version = "3.6.0"
	}
	if c.StartFrom == "" {
		c.StartFrom = "newest"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 30 * time.Second
	}
}

func (c Config) buildSaramaConfig() (*sarama.Config, error) {
	ver, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, errors.Annotatef(err, "consumeractor: parse kafka version %q", c.Version)
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = true
	sc.Consumer.Offsets.AutoCommit.Interval = time.Second

	switch c.StartFrom {
	case "oldest":
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	if c.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if c.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = c.SASLUser
		sc.Net.SASL.Password = c.SASLPass
	}
	return sc, nil
}
