// Package config loads the daemon's YAML configuration, following the
// teacher's parse-then-apply-defaults style.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is loaded from YAML. Defaults are applied in code after parsing,
// exactly as the teacher's loadConfig does.
type Config struct {
	MQTT struct {
		Host         string `yaml:"host"`
		Port         int    `yaml:"port"`
		ClientPrefix string `yaml:"client_prefix"`
		KeepAliveSecs int   `yaml:"keepalive_secs"`
	} `yaml:"mqtt"`

	Local struct {
		V1Port int `yaml:"v1_port"`
	} `yaml:"local"`

	Retry struct {
		InitialBackoffMs int `yaml:"initial_backoff_ms"`
		MaxBackoffMs     int `yaml:"max_backoff_ms"`
		Multiplier       float64 `yaml:"multiplier"`
	} `yaml:"retry"`

	Timeouts struct {
		RPCMs          int `yaml:"rpc_ms"`
		HandshakeMs    int `yaml:"handshake_ms"`
		ConnectMs      int `yaml:"connect_ms"`
		KeepAliveMs    int `yaml:"keepalive_ms"`
		NetworkInfoTTLHours int `yaml:"network_info_ttl_hours"`
	} `yaml:"timeouts"`

	Cache struct {
		Backend string `yaml:"backend"` // "file" | "sqlite"
		Path    string `yaml:"path"`
	} `yaml:"cache"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv("RRCORE_CONFIG")
	}
	if path == "" {
		path = "configs/rrcore.yaml"
	}
	var c Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyDefaults(&c)
			return c, nil
		}
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, err
	}
	applyDefaults(&c)
	return c, nil
}

func applyDefaults(c *Config) {
	if c.MQTT.Host == "" {
		c.MQTT.Host = "mqtt.roborock.com"
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 8883
	}
	if c.MQTT.ClientPrefix == "" {
		c.MQTT.ClientPrefix = "rrcore"
	}
	if c.MQTT.KeepAliveSecs == 0 {
		c.MQTT.KeepAliveSecs = 30
	}
	if c.Local.V1Port == 0 {
		c.Local.V1Port = 58867
	}
	if c.Retry.InitialBackoffMs == 0 {
		c.Retry.InitialBackoffMs = 10_000
	}
	if c.Retry.MaxBackoffMs == 0 {
		c.Retry.MaxBackoffMs = 30 * 60 * 1000
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 1.5
	}
	if c.Timeouts.RPCMs == 0 {
		c.Timeouts.RPCMs = 10_000
	}
	if c.Timeouts.HandshakeMs == 0 {
		c.Timeouts.HandshakeMs = 10_000
	}
	if c.Timeouts.ConnectMs == 0 {
		c.Timeouts.ConnectMs = 15_000
	}
	if c.Timeouts.KeepAliveMs == 0 {
		c.Timeouts.KeepAliveMs = 10_000
	}
	if c.Timeouts.NetworkInfoTTLHours == 0 {
		c.Timeouts.NetworkInfoTTLHours = 12
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "file"
	}
	if c.Cache.Path == "" {
		c.Cache.Path = "rrcore-cache.bin"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c Config) InitialBackoff() time.Duration {
	return time.Duration(c.Retry.InitialBackoffMs) * time.Millisecond
}

func (c Config) MaxBackoff() time.Duration {
	return time.Duration(c.Retry.MaxBackoffMs) * time.Millisecond
}

func (c Config) RPCTimeout() time.Duration {
	return time.Duration(c.Timeouts.RPCMs) * time.Millisecond
}

func (c Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Timeouts.HandshakeMs) * time.Millisecond
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Timeouts.ConnectMs) * time.Millisecond
}

func (c Config) KeepAliveInterval() time.Duration {
	return time.Duration(c.Timeouts.KeepAliveMs) * time.Millisecond
}

func (c Config) NetworkInfoTTL() time.Duration {
	return time.Duration(c.Timeouts.NetworkInfoTTLHours) * time.Hour
}
