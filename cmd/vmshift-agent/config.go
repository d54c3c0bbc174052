package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the agent's YAML configuration file.
type Config struct {
	// BindAddr serves the migration and task endpoints.
	BindAddr string `yaml:"bindAddr"`
	// MetricsAddr serves prometheus metrics and health.
	MetricsAddr string `yaml:"metricsAddr"`
	// AdvertiseAddr is the address peer agents dial for migration streams.
	AdvertiseAddr string `yaml:"advertiseAddr"`

	Qemu QemuConfig `yaml:"qemu"`

	// Peers maps node names to agent base URLs, e.g.
	// "node-b": "http://10.0.0.7:9400".
	Peers map[string]string `yaml:"peers"`

	// MigrationTimeoutSeconds bounds a perform phase when the request does
	// not carry its own budget.
	MigrationTimeoutSeconds int `yaml:"migrationTimeoutSeconds"`
	// PollIntervalSeconds is the perform-phase status poll cadence.
	PollIntervalSeconds int `yaml:"pollIntervalSeconds"`
}

type QemuConfig struct {
	Binary    string   `yaml:"binary"`
	SocketDir string   `yaml:"socketDir"`
	ExtraArgs []string `yaml:"extraArgs"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:    ":9400",
		MetricsAddr: ":9401",
		Qemu: QemuConfig{
			Binary:    "qemu-system-x86_64",
			SocketDir: "/run/vmshift",
		},
	}
}

func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("bindAddr must be set")
	}
	if c.AdvertiseAddr == "" {
		return fmt.Errorf("advertiseAddr must be set")
	}
	if c.Qemu.Binary == "" {
		return fmt.Errorf("qemu.binary must be set")
	}
	if c.Qemu.SocketDir == "" {
		return fmt.Errorf("qemu.socketDir must be set")
	}
	return nil
}
