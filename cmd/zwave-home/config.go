package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"zwave-go-home/internal/bootstrap"
	"zwave-go-home/internal/controller"
	"zwave-go-home/internal/security"
)

type Config struct {
	Serial struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"serial"`
	// Security holds the network keys as 32 hex digits each. A class
	// without a key is never granted.
	Security struct {
		S0Legacy          string `yaml:"s0_legacy"`
		S2Unauthenticated string `yaml:"s2_unauthenticated"`
		S2Authenticated   string `yaml:"s2_authenticated"`
		S2AccessControl   string `yaml:"s2_access_control"`
	} `yaml:"security"`
	Timeouts struct {
		bootstrap.Timeouts `yaml:",inline"`
		S0                 time.Duration `yaml:"s0"`
		ProxyInitiate      time.Duration `yaml:"proxy_initiate"`
	} `yaml:"timeouts"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		ClientID        string `yaml:"client_id"`
		TopicPrefix     string `yaml:"topic_prefix"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir       string `yaml:"scripts_dir"`
	PolicyScript     string `yaml:"policy_script"`
	ProvisioningFile string `yaml:"provisioning_file"`
}

func (c *Config) validate() error {
	if c.Serial.Port == "" {
		return fmt.Errorf("serial.port is required")
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be positive, got %d", c.Serial.Baud)
	}
	if _, err := c.networkKeys(); err != nil {
		return err
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// networkKeys decodes the configured keys. Empty entries are skipped.
func (c *Config) networkKeys() (map[security.Class][]byte, error) {
	keys := make(map[security.Class][]byte)
	for _, k := range []struct {
		name  string
		class security.Class
		value string
	}{
		{"s0_legacy", security.ClassS0Legacy, c.Security.S0Legacy},
		{"s2_unauthenticated", security.ClassS2Unauthenticated, c.Security.S2Unauthenticated},
		{"s2_authenticated", security.ClassS2Authenticated, c.Security.S2Authenticated},
		{"s2_access_control", security.ClassS2AccessControl, c.Security.S2AccessControl},
	} {
		v := strings.TrimPrefix(strings.TrimSpace(k.value), "0x")
		if v == "" {
			continue
		}
		b, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("security.%s: %w", k.name, err)
		}
		if len(b) != security.KeySize {
			return nil, fmt.Errorf("security.%s: want %d bytes, got %d", k.name, security.KeySize, len(b))
		}
		keys[k.class] = b
	}
	return keys, nil
}

func (c *Config) keyStore() (*security.KeyStore, error) {
	keys, err := c.networkKeys()
	if err != nil {
		return nil, err
	}
	ks := security.NewKeyStore()
	for class, key := range keys {
		if err := ks.SetNetworkKey(class, key); err != nil {
			return nil, fmt.Errorf("install %s key: %w", class, err)
		}
	}
	return ks, nil
}

func (c *Config) controllerConfig() controller.Config {
	return controller.Config{
		Timeouts:      c.Timeouts.Timeouts,
		S0Timeout:     c.Timeouts.S0,
		ProxyInitiate: c.Timeouts.ProxyInitiate,
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	cfg.Timeouts.Timeouts = bootstrap.DefaultTimeouts()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 115200
	}
	if cfg.Timeouts.S0 == 0 {
		cfg.Timeouts.S0 = bootstrap.DefaultS0Timeout
	}
	if cfg.Timeouts.ProxyInitiate == 0 {
		cfg.Timeouts.ProxyInitiate = 10 * time.Second
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "zwave-home.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.ProvisioningFile == "" {
		cfg.ProvisioningFile = "provisioning.yaml"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "zwave"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
