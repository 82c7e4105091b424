package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/supernet/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCLIFlags(t *testing.T) {
	cli, err := parseCLIFlags([]string{"-port", "4000", "-bootstrap", "10.0.0.1:1", "-no-stun", "-log-level", "debug"})
	require.NoError(t, err)

	assert.Equal(t, uint(4000), cli.port)
	assert.Equal(t, "10.0.0.1:1", cli.bootstrap)
	assert.True(t, cli.disableSTUN)
	assert.Equal(t, "debug", cli.logLevel)
	assert.Equal(t, 30*time.Second, cli.statusInterval)
	assert.NotNil(t, cli.usage)

	_, err = parseCLIFlags([]string{"-unknown"})
	assert.Error(t, err)
}

func TestValidateCLIConfig(t *testing.T) {
	valid := &CLIConfig{logFormat: "text", statusInterval: time.Second}
	assert.NoError(t, validateCLIConfig(valid))

	tests := []struct {
		name string
		cfg  *CLIConfig
	}{
		{"port too large", &CLIConfig{port: 70000, logFormat: "text", statusInterval: time.Second}},
		{"bad format", &CLIConfig{logFormat: "xml", statusInterval: time.Second}},
		{"zero interval", &CLIConfig{logFormat: "json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, validateCLIConfig(tt.cfg))
		})
	}
}

func TestSetupLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())
	defer logrus.SetFormatter(logrus.StandardLogger().Formatter)

	require.NoError(t, setupLogging("trace", "json"))
	assert.Equal(t, logrus.TraceLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)

	assert.Error(t, setupLogging("loud", "text"))
}

func TestLoadNodeConfigOverrides(t *testing.T) {
	t.Setenv(config.EnvPort, "")
	t.Setenv(config.EnvBootstrap, "")
	t.Setenv(config.EnvLogLevel, "")
	os.Unsetenv(config.EnvPort)
	os.Unsetenv(config.EnvBootstrap)
	os.Unsetenv(config.EnvLogLevel)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, (&config.Config{
		ID:        "00112233445566778899AABBCCDDEEFF00112233",
		Port:      1000,
		Bootstrap: []string{"10.0.0.1:1"},
	}).Save(path))

	cli := &CLIConfig{
		configPath: path,
		envFile:    filepath.Join(dir, "missing.env"),
		port:       2000,
		bootstrap:  "10.0.0.2:2, 10.0.0.3:3",
		logLevel:   "warn",
	}
	cfg, err := loadNodeConfig(cli)
	require.NoError(t, err)

	assert.Equal(t, uint16(2000), cfg.Port)
	assert.Equal(t, []string{"10.0.0.2:2", "10.0.0.3:3"}, cfg.Bootstrap)
	assert.Equal(t, "warn", cfg.LogLevel)

	options, err := createNodeOptions(cfg, &CLIConfig{disableSTUN: true}, nil)
	require.NoError(t, err)
	require.NotNil(t, options.ID)
	assert.Equal(t, "00112233445566778899AABBCCDDEEFF00112233", options.ID.String())
	assert.Equal(t, uint16(2000), options.StartPort)
	assert.Equal(t, uint16(2000), options.EndPort)
	assert.False(t, options.STUNEnabled)
}
