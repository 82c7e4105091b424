// Package config loads the persistent node configuration: the node
// identifier, the UDP port and the bootstrap addresses. Values from the JSON
// file can be overridden through the environment or a .env file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/opd-ai/supernet/dht"
	"github.com/sirupsen/logrus"
)

// Environment variables consulted by ApplyEnv.
const (
	EnvPort      = "SUPERNET_PORT"
	EnvBootstrap = "SUPERNET_BOOTSTRAP"
	EnvLogLevel  = "SUPERNET_LOG_LEVEL"
)

// Config is the on-disk node configuration.
type Config struct {
	// ID is the hex encoded node identifier.
	ID string `json:"id"`
	// Port is the UDP port to listen on. Zero selects the default range.
	Port uint16 `json:"port,omitempty"`
	// Bootstrap lists host:port addresses used to join the network.
	Bootstrap []string `json:"bootstrap,omitempty"`

	// LogLevel is only set from the environment.
	LogLevel string `json:"-"`
}

// DefaultPath returns ~/.supernet/config.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".supernet", "config.json"), nil
}

// Load reads the configuration at path. When the file does not exist a
// configuration with a fresh random identifier is generated and written
// there.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return generate(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if _, err := cfg.NodeID(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Load",
		"path":      path,
		"bootstrap": len(cfg.Bootstrap),
	}).Debug("Configuration loaded")
	return cfg, nil
}

func generate(path string) (*Config, error) {
	id, err := dht.RandomID()
	if err != nil {
		return nil, err
	}

	cfg := &Config{ID: id.String()}
	if err := cfg.Save(path); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "generate",
		"path":     path,
		"id":       cfg.ID,
	}).Info("Generated new node identity")
	return cfg, nil
}

// Save writes the configuration as indented JSON, creating the parent
// directory if needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// NodeID decodes the configured identifier.
func (c *Config) NodeID() (dht.ID, error) {
	return dht.ParseID(c.ID)
}

// ApplyEnv loads envFile into the process environment when it exists, then
// overrides the port, bootstrap list and log level from the SUPERNET_*
// variables. Variables already set in the environment take precedence over
// the file. An empty envFile only consults the environment.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if v := strings.TrimSpace(os.Getenv(EnvPort)); v != "" {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("%s=%q: %w", EnvPort, v, err)
		}
		c.Port = uint16(port)
	}

	if v := strings.TrimSpace(os.Getenv(EnvBootstrap)); v != "" {
		var addresses []string
		for _, addr := range strings.Split(v, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				addresses = append(addresses, addr)
			}
		}
		c.Bootstrap = addresses
	}

	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.LogLevel = v
	}

	return nil
}
