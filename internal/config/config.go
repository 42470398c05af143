package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. CALLSTATE_ENGINE_HOST.
const EnvPrefix = "CALLSTATE_"

type Config struct {
	Engine  EngineConfig  `yaml:"engine" envPrefix:"ENGINE_"`
	Account AccountConfig `yaml:"account" envPrefix:"ACCOUNT_"`
	Store   StoreConfig   `yaml:"store" envPrefix:"STORE_"`
	MQTT    MQTTConfig    `yaml:"mqtt" envPrefix:"MQTT_"`
	HTTP    HTTPConfig    `yaml:"http" envPrefix:"HTTP_"`
	Calls   CallsConfig   `yaml:"calls" envPrefix:"CALLS_"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
}

// EngineConfig locates baresip's ctrl_tcp socket.
type EngineConfig struct {
	Host           string        `yaml:"host" env:"HOST"`
	Port           int           `yaml:"port" env:"PORT"`
	CommandTimeout time.Duration `yaml:"command_timeout" env:"COMMAND_TIMEOUT"`
	// ReconnectDelay spaces attempts to restore a lost connection; 0
	// disables them.
	ReconnectDelay time.Duration `yaml:"reconnect_delay" env:"RECONNECT_DELAY"`
}

// AccountConfig seeds the settings used when no settings were saved yet.
type AccountConfig struct {
	Server      string `yaml:"server" env:"SERVER"`
	WSURL       string `yaml:"ws_url" env:"WS_URL"`
	Username    string `yaml:"username" env:"USERNAME"`
	Password    string `yaml:"password" env:"PASSWORD"`
	DisplayName string `yaml:"display_name" env:"DISPLAY_NAME"`
	AutoConnect bool   `yaml:"auto_connect" env:"AUTO_CONNECT"`
}

type StoreConfig struct {
	Backend string      `yaml:"backend" env:"BACKEND"`
	Redis   RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" env:"ENABLED"`
	Broker      string `yaml:"broker" env:"BROKER"`
	ClientID    string `yaml:"client_id" env:"CLIENT_ID"`
	TopicPrefix string `yaml:"topic_prefix" env:"TOPIC_PREFIX"`
	// UniqueClientID appends a random suffix so several instances can
	// share one broker.
	UniqueClientID bool `yaml:"unique_client_id" env:"UNIQUE_CLIENT_ID"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen" env:"LISTEN"`
}

type CallsConfig struct {
	HangupTimeout   time.Duration `yaml:"hangup_timeout" env:"HANGUP_TIMEOUT"`
	RedeliveryDelay time.Duration `yaml:"redelivery_delay" env:"REDELIVERY_DELAY"`
}

type LogConfig struct {
	Level       string `yaml:"level" env:"LEVEL"`
	Development bool   `yaml:"development" env:"DEVELOPMENT"`
}

func (c *EngineConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

func defaults() *Config {
	return &Config{
		Engine: EngineConfig{
			Host:           "127.0.0.1",
			Port:           4444,
			CommandTimeout: 2 * time.Second,
			ReconnectDelay: 5 * time.Second,
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "callstate",
			},
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "callstate",
			TopicPrefix: "callstate",
		},
		HTTP: HTTPConfig{Listen: ":8088"},
		Calls: CallsConfig{
			HangupTimeout:   5 * time.Second,
			RedeliveryDelay: 500 * time.Millisecond,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// CALLSTATE_* environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Engine.Host == "" {
		return fmt.Errorf("engine.host is required")
	}
	if c.Engine.Port < 1 || c.Engine.Port > 65535 {
		return fmt.Errorf("engine.port must be between 1 and 65535, got %d", c.Engine.Port)
	}
	if c.Engine.CommandTimeout <= 0 {
		return fmt.Errorf("engine.command_timeout must be positive, got %s", c.Engine.CommandTimeout)
	}
	if c.Engine.ReconnectDelay < 0 {
		return fmt.Errorf("engine.reconnect_delay must not be negative, got %s", c.Engine.ReconnectDelay)
	}
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required")
		}
	default:
		return fmt.Errorf("store.backend must be memory or redis, got %q", c.Store.Backend)
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id is required")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix is required")
		}
	}
	if c.HTTP.Listen == "" {
		return fmt.Errorf("http.listen is required")
	}
	if c.Calls.HangupTimeout <= 0 {
		return fmt.Errorf("calls.hangup_timeout must be positive, got %s", c.Calls.HangupTimeout)
	}
	if c.Calls.RedeliveryDelay < 0 {
		return fmt.Errorf("calls.redelivery_delay must not be negative, got %s", c.Calls.RedeliveryDelay)
	}
	if c.Account.AutoConnect && (c.Account.Server == "" || c.Account.Username == "" || c.Account.Password == "") {
		return fmt.Errorf("account.server, account.username and account.password are required with auto_connect")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	return nil
}
