// Package config loads process configuration from defaults, an optional
// config file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Broker drivers
const (
	DriverRabbitMQ = "rabbitmq"
	DriverNATS     = "nats"
)

// DefaultRabbitMQURL is used when RABBITMQ_URL is unset
const DefaultRabbitMQURL = "amqp://rabbitmq:5672"

// ErrInvalidConfig is wrapped by every Validate failure
var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	Broker   BrokerConfig   `mapstructure:"broker"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Producer ProducerConfig `mapstructure:"producer"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	Connect  ConnectConfig  `mapstructure:"connect"`
	Log      LogConfig      `mapstructure:"log"`
	HTTP     HTTPConfig     `mapstructure:"http"`
}

type BrokerConfig struct {
	Driver string `mapstructure:"driver"`
}

type RabbitMQConfig struct {
	URL            string        `mapstructure:"url"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	Confirms       bool          `mapstructure:"confirms"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
}

type NATSConfig struct {
	URL        string `mapstructure:"url"`
	QueueGroup string `mapstructure:"queue_group"`
}

type ProducerConfig struct {
	Addr           string        `mapstructure:"addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type ConsumerConfig struct {
	Addr             string `mapstructure:"addr"`
	ReplyOnUnmatched bool   `mapstructure:"reply_on_unmatched"`
	// HandlerTimeout bounds each handler invocation; zero disables it
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
}

// ConnectConfig governs retries of the initial broker connection
type ConnectConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Backoff  time.Duration `mapstructure:"backoff"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	CORSOrigins []string `mapstructure:"cors_origins"`
}

var defaults = map[string]any{
	"broker.driver":               DriverRabbitMQ,
	"rabbitmq.url":                DefaultRabbitMQURL,
	"rabbitmq.reconnect_delay":    "5s",
	"rabbitmq.max_reconnects":     -1,
	"rabbitmq.confirms":           false,
	"rabbitmq.confirm_timeout":    "5s",
	"nats.url":                    "nats://nats:4222",
	"nats.queue_group":            "mmate-rpc",
	"producer.addr":               ":3000",
	"producer.request_timeout":    "30s",
	"consumer.addr":               ":3001",
	"consumer.reply_on_unmatched": false,
	"consumer.handler_timeout":    "0s",
	"connect.attempts":            5,
	"connect.backoff":             "1s",
	"log.level":                   "info",
	"log.format":                  "text",
	"http.cors_origins":           []string{"*"},
}

// Load reads configuration. A non-empty file is read with viper and may be
// any format viper understands; environment variables such as RABBITMQ_URL
// override both the file and the defaults.
func Load(file string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// Validate rejects configurations the services cannot run with
func (c *Config) Validate() error {
	var errs []error

	switch c.Broker.Driver {
	case DriverRabbitMQ:
		if c.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("rabbitmq.url is empty"))
		}
	case DriverNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker driver %q", c.Broker.Driver))
	}

	if c.Producer.RequestTimeout <= 0 {
		errs = append(errs, errors.New("producer.request_timeout must be positive"))
	}
	if c.RabbitMQ.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("rabbitmq.reconnect_delay must be positive"))
	}
	if c.RabbitMQ.Confirms && c.RabbitMQ.ConfirmTimeout <= 0 {
		errs = append(errs, errors.New("rabbitmq.confirm_timeout must be positive when confirms are enabled"))
	}
	if c.Consumer.HandlerTimeout < 0 {
		errs = append(errs, errors.New("consumer.handler_timeout must not be negative"))
	}
	if c.Connect.Attempts < 1 {
		errs = append(errs, errors.New("connect.attempts must be at least 1"))
	}
	if c.Connect.Backoff <= 0 {
		errs = append(errs, errors.New("connect.backoff must be positive"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// BrokerURL returns the URL of the selected driver
func (c *Config) BrokerURL() string {
	if c.Broker.Driver == DriverNATS {
		return c.NATS.URL
	}
	return c.RabbitMQ.URL
}
