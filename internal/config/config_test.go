package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
engine:
  host: 192.168.1.200
  port: 4444
  command_timeout: 3s
account:
  server: pbx.example.com
  username: "1000"
  password: s3cret
  auto_connect: true
store:
  backend: redis
  redis:
    addr: redis:6379
    db: 2
mqtt:
  enabled: true
  broker: tcp://localhost:1883
  client_id: test
  topic_prefix: phone
calls:
  hangup_timeout: 4s
  redelivery_delay: 250ms
log:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.Addr() != "192.168.1.200:4444" {
		t.Errorf("expected addr=192.168.1.200:4444, got %s", cfg.Engine.Addr())
	}
	if cfg.Engine.CommandTimeout != 3*time.Second {
		t.Errorf("expected command_timeout=3s, got %s", cfg.Engine.CommandTimeout)
	}
	if cfg.Store.Backend != "redis" || cfg.Store.Redis.Addr != "redis:6379" || cfg.Store.Redis.DB != 2 {
		t.Errorf("unexpected store config %+v", cfg.Store)
	}
	if cfg.Store.Redis.Prefix != "callstate" {
		t.Errorf("expected default redis prefix, got %q", cfg.Store.Redis.Prefix)
	}
	if cfg.MQTT.TopicPrefix != "phone" {
		t.Errorf("expected topic_prefix=phone, got %s", cfg.MQTT.TopicPrefix)
	}
	if cfg.Calls.HangupTimeout != 4*time.Second || cfg.Calls.RedeliveryDelay != 250*time.Millisecond {
		t.Errorf("unexpected calls config %+v", cfg.Calls)
	}
	if !cfg.Account.AutoConnect || cfg.Account.Username != "1000" {
		t.Errorf("unexpected account config %+v", cfg.Account)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.Host != "127.0.0.1" {
		t.Errorf("expected default host=127.0.0.1, got %s", cfg.Engine.Host)
	}
	if cfg.Engine.Port != 4444 {
		t.Errorf("expected default port=4444, got %d", cfg.Engine.Port)
	}
	if cfg.Engine.ReconnectDelay != 5*time.Second {
		t.Errorf("expected default reconnect_delay=5s, got %s", cfg.Engine.ReconnectDelay)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("expected default backend=memory, got %s", cfg.Store.Backend)
	}
	if cfg.MQTT.Enabled {
		t.Error("expected mqtt disabled by default")
	}
	if cfg.HTTP.Listen != ":8088" {
		t.Errorf("expected default listen=:8088, got %s", cfg.HTTP.Listen)
	}
	if cfg.Calls.HangupTimeout != 5*time.Second {
		t.Errorf("expected default hangup_timeout=5s, got %s", cfg.Calls.HangupTimeout)
	}
	if cfg.Calls.RedeliveryDelay != 500*time.Millisecond {
		t.Errorf("expected default redelivery_delay=500ms, got %s", cfg.Calls.RedeliveryDelay)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected default level=info, got %s", cfg.Log.Level)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.Port != 4444 {
		t.Errorf("expected defaults without a file, got port %d", cfg.Engine.Port)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CALLSTATE_ENGINE_HOST", "baresip")
	t.Setenv("CALLSTATE_STORE_BACKEND", "redis")
	t.Setenv("CALLSTATE_STORE_REDIS_ADDR", "cache:6380")
	t.Setenv("CALLSTATE_CALLS_HANGUP_TIMEOUT", "7s")
	t.Setenv("CALLSTATE_MQTT_ENABLED", "true")

	path := writeConfig(t, `
engine:
  host: 10.0.0.5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.Host != "baresip" {
		t.Errorf("expected env to win over file, got host=%s", cfg.Engine.Host)
	}
	if cfg.Store.Backend != "redis" || cfg.Store.Redis.Addr != "cache:6380" {
		t.Errorf("unexpected store config %+v", cfg.Store)
	}
	if cfg.Calls.HangupTimeout != 7*time.Second {
		t.Errorf("expected hangup_timeout=7s, got %s", cfg.Calls.HangupTimeout)
	}
	if !cfg.MQTT.Enabled {
		t.Error("expected mqtt enabled from env")
	}
	if cfg.Engine.Port != 4444 {
		t.Errorf("unset env must keep defaults, got port %d", cfg.Engine.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, `{{{invalid`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		config string
		errMsg string
	}{
		{"empty host", `
engine:
  host: ""
`, "engine.host is required"},
		{"port zero", `
engine:
  port: 0
`, "engine.port must be between 1 and 65535, got 0"},
		{"port too high", `
engine:
  port: 70000
`, "engine.port must be between 1 and 65535, got 70000"},
		{"negative reconnect delay", `
engine:
  reconnect_delay: -5s
`, "engine.reconnect_delay must not be negative, got -5s"},
		{"unknown backend", `
store:
  backend: etcd
`, `store.backend must be memory or redis, got "etcd"`},
		{"redis without addr", `
store:
  backend: redis
  redis:
    addr: ""
`, "store.redis.addr is required"},
		{"empty broker", `
mqtt:
  enabled: true
  broker: ""
`, "mqtt.broker is required"},
		{"empty client_id", `
mqtt:
  enabled: true
  client_id: ""
`, "mqtt.client_id is required"},
		{"empty topic_prefix", `
mqtt:
  enabled: true
  topic_prefix: ""
`, "mqtt.topic_prefix is required"},
		{"disabled mqtt is not validated", `
mqtt:
  broker: ""
http:
  listen: ""
`, "http.listen is required"},
		{"zero hangup timeout", `
calls:
  hangup_timeout: 0s
`, "calls.hangup_timeout must be positive, got 0s"},
		{"negative redelivery", `
calls:
  redelivery_delay: -1s
`, "calls.redelivery_delay must not be negative, got -1s"},
		{"auto connect without credentials", `
account:
  server: pbx.example.com
  auto_connect: true
`, "account.server, account.username and account.password are required with auto_connect"},
		{"bad log level", `
log:
  level: verbose
`, `log.level must be one of debug, info, warn, error, got "verbose"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.config)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected error %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}
