package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/glimte/durable-consumer/internal/rabbitmq"
)

// EnvPrefix prefixes every environment override, e.g. CONSUMER_BROKER__HOST
const EnvPrefix = "CONSUMER_"

// LegacyHostVar is the host variable the deployment scripts already export
const LegacyHostVar = "RABBITMQ_HOST"

type Config struct {
	Broker struct {
		URL            string        `koanf:"url"`
		Host           string        `koanf:"host"`
		Port           int           `koanf:"port"`
		Username       string        `koanf:"username"`
		Password       string        `koanf:"password"`
		VHost          string        `koanf:"vhost"`
		ConnectionName string        `koanf:"connection_name"`
		Heartbeat      time.Duration `koanf:"heartbeat"`
		ConnectTimeout time.Duration `koanf:"connect_timeout"`
	} `koanf:"broker"`

	Consumer struct {
		Queue             string        `koanf:"queue"`
		Handler           string        `koanf:"handler"`
		Tag               string        `koanf:"tag"`
		AckMode           string        `koanf:"ack_mode"`
		UnclassifiedDelay time.Duration `koanf:"unclassified_delay"`
		SettleDelay       time.Duration `koanf:"settle_delay"`
	} `koanf:"consumer"`

	Log struct {
		Level      string `koanf:"level"`
		Format     string `koanf:"format"`
		File       string `koanf:"file"`
		MaxSizeMB  int    `koanf:"max_size_mb"`
		MaxBackups int    `koanf:"max_backups"`
		MaxAgeDays int    `koanf:"max_age_days"`
	} `koanf:"log"`
}

// Options selects the optional sources layered over the defaults
type Options struct {
	// File is a YAML config file; empty means none
	File string
	// EnvFile is a dotenv file loaded into the process environment; a missing
	// file is ignored
	EnvFile string
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"broker.host":                 "localhost",
		"broker.port":                 5672,
		"broker.username":             "guest",
		"broker.password":             "guest",
		"broker.vhost":                "/",
		"broker.connection_name":      "durable-consumer",
		"broker.heartbeat":            "10s",
		"broker.connect_timeout":      "30s",
		"consumer.handler":            "orders",
		"consumer.ack_mode":           "always",
		"consumer.unclassified_delay": "5s",
		"consumer.settle_delay":       "5s",
		"log.level":                   "info",
		"log.format":                  "json",
		"log.file":                    "logs/consumer.log",
		"log.max_size_mb":             10,
		"log.max_backups":             5,
		"log.max_age_days":            30,
	}
}

// Load layers defaults, the optional YAML file and the environment, in that order
func Load(opts Options) (Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if opts.File != "" {
		if err := k.Load(file.Provider(opts.File), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", opts.File, err)
		}
	}

	if host := os.Getenv(LegacyHostVar); host != "" {
		if err := k.Set("broker.host", host); err != nil {
			return Config{}, fmt.Errorf("legacy host: %w", err)
		}
	}

	// CONSUMER_BROKER__HOST -> broker.host
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ReplaceAll(s, "__", ".")
		return strings.ToLower(s)
	}), nil); err != nil {
		return Config{}, fmt.Errorf("env overlay: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Broker.URL == "" && c.Broker.Host == "" {
		return fmt.Errorf("broker.url or broker.host required")
	}
	if c.Broker.URL == "" && (c.Broker.Port <= 0 || c.Broker.Port > 65535) {
		return fmt.Errorf("broker.port out of range: %d", c.Broker.Port)
	}
	if _, err := c.AckStrategy(); err != nil {
		return err
	}
	if c.Consumer.UnclassifiedDelay < 0 {
		return fmt.Errorf("consumer.unclassified_delay must not be negative")
	}
	if c.Consumer.SettleDelay < 0 {
		return fmt.Errorf("consumer.settle_delay must not be negative")
	}
	return nil
}

// BrokerURL returns broker.url when set, otherwise an AMQP URL built from the
// host, port, credentials and vhost.
func (c Config) BrokerURL() string {
	if c.Broker.URL != "" {
		return c.Broker.URL
	}

	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.Broker.Username, c.Broker.Password),
		Host:   net.JoinHostPort(c.Broker.Host, strconv.Itoa(c.Broker.Port)),
		Path:   "/",
	}
	if c.Broker.VHost != "" && c.Broker.VHost != "/" {
		u.Path = "/" + c.Broker.VHost
	}
	return u.String()
}

// AckStrategy parses consumer.ack_mode
func (c Config) AckStrategy() (rabbitmq.AcknowledgmentStrategy, error) {
	return rabbitmq.ParseAcknowledgmentStrategy(c.Consumer.AckMode)
}
