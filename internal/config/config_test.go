package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "rrcore.yaml")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return p
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfgPath := writeTempConfig(t, `mqtt:
  host: test-broker
  port: 8883
`)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.KeepAliveSecs != 30 {
		t.Fatalf("expected default keepalive 30, got %d", cfg.MQTT.KeepAliveSecs)
	}
	if cfg.MQTT.Host != "test-broker" || cfg.MQTT.Port != 8883 {
		t.Fatalf("unexpected mqtt host/port: %+v", cfg.MQTT)
	}
	if cfg.Local.V1Port != 58867 {
		t.Fatalf("expected default v1 port 58867, got %d", cfg.Local.V1Port)
	}
	if cfg.NetworkInfoTTL().Hours() != 12 {
		t.Fatalf("expected default ttl 12h, got %v", cfg.NetworkInfoTTL())
	}
}

func TestLoadConfig_ParseAll(t *testing.T) {
	cfgPath := writeTempConfig(t, `mqtt:
  host: a
  port: 1111
  keepalive_secs: 17
retry:
  initial_backoff_ms: 5000
  max_backoff_ms: 60000
  multiplier: 2.0
timeouts:
  rpc_ms: 2000
cache:
  backend: sqlite
  path: /tmp/foo.db
log:
  level: debug
`)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.KeepAliveSecs != 17 || cfg.Retry.InitialBackoffMs != 5000 || cfg.Cache.Backend != "sqlite" {
		t.Fatalf("unexpected parsed values: %+v", cfg)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Host != "mqtt.roborock.com" {
		t.Fatalf("expected default host, got %q", cfg.MQTT.Host)
	}
}
