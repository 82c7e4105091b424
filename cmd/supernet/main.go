// Package main runs a supernet node from the persistent configuration in
// ~/.supernet/config.json.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opd-ai/supernet"
	"github.com/opd-ai/supernet/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// CLI configuration
type CLIConfig struct {
	configPath     string
	envFile        string
	port           uint
	bootstrap      string
	logLevel       string
	logFormat      string
	metricsAddr    string
	disableSTUN    bool
	statusInterval time.Duration
	help           bool
	usage          func()
}

// parseCLIFlags parses command-line flags and returns the configuration.
func parseCLIFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet("supernet", flag.ContinueOnError)

	fs.StringVar(&cfg.configPath, "config", "", "Config file path (default: ~/.supernet/config.json)")
	fs.StringVar(&cfg.envFile, "env", ".env", "Environment file with SUPERNET_* overrides")
	fs.UintVar(&cfg.port, "port", 0, "UDP port, overrides the config file")
	fs.StringVar(&cfg.bootstrap, "bootstrap", "", "Comma separated host:port bootstrap addresses")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format (text, json)")
	fs.StringVar(&cfg.metricsAddr, "metrics", "", "Serve Prometheus metrics on this address, e.g. :9100")
	fs.BoolVar(&cfg.disableSTUN, "no-stun", false, "Skip STUN external address discovery")
	fs.DurationVar(&cfg.statusInterval, "status-interval", 30*time.Second, "Interval between routing table status lines")
	fs.BoolVar(&cfg.help, "help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.usage = fs.PrintDefaults
	return cfg, nil
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(cfg *CLIConfig) error {
	if cfg.port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", cfg.port)
	}
	if cfg.logFormat != "text" && cfg.logFormat != "json" {
		return fmt.Errorf("unknown log format %q", cfg.logFormat)
	}
	if cfg.statusInterval <= 0 {
		return errors.New("status interval must be positive")
	}
	return nil
}

// setupLogging configures the global logrus logger.
func setupLogging(level, format string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(parsed)

	if format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// loadNodeConfig reads the config file and applies environment and flag
// overrides, in that order.
func loadNodeConfig(cli *CLIConfig) (*config.Config, error) {
	path := cli.configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(cli.envFile); err != nil {
		return nil, err
	}

	if cli.port != 0 {
		cfg.Port = uint16(cli.port)
	}
	if cli.bootstrap != "" {
		cfg.Bootstrap = nil
		for _, addr := range strings.Split(cli.bootstrap, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.Bootstrap = append(cfg.Bootstrap, addr)
			}
		}
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = cli.logLevel
	}
	return cfg, nil
}

// createNodeOptions converts the node configuration to supernet options.
func createNodeOptions(cfg *config.Config, cli *CLIConfig, reg prometheus.Registerer) (*supernet.Options, error) {
	id, err := cfg.NodeID()
	if err != nil {
		return nil, err
	}

	options := supernet.NewOptions()
	options.ID = &id
	options.STUNEnabled = !cli.disableSTUN
	options.Registerer = reg
	if cfg.Port != 0 {
		options.StartPort = cfg.Port
		options.EndPort = cfg.Port
	}
	return options, nil
}

// serveMetrics exposes reg over HTTP until ctx ends.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "serveMetrics",
			"addr":     addr,
		}).Info("Serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "serveMetrics",
				"error":    err.Error(),
			}).Error("Metrics server failed")
		}
	}()
}

func run(ctx context.Context, cli *CLIConfig) error {
	cfg, err := loadNodeConfig(cli)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	if err := setupLogging(cfg.LogLevel, cli.logFormat); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	options, err := createNodeOptions(cfg, cli, reg)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	node, err := supernet.New(options)
	if err != nil {
		return err
	}
	defer node.Stop()

	node.OnReceive(func(payload []byte) {
		logrus.WithFields(logrus.Fields{
			"function": "OnReceive",
			"size":     len(payload),
		}).Info("Payload delivered")
	})

	if err := node.Start(); err != nil {
		return err
	}
	if cli.metricsAddr != "" {
		serveMetrics(ctx, cli.metricsAddr, reg)
	}

	if len(cfg.Bootstrap) > 0 {
		if err := node.Bootstrap(cfg.Bootstrap...); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"error":    err.Error(),
			}).Warn("Bootstrap failed, waiting for inbound peers")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "run",
		"id":         node.ID().String(),
		"local_addr": node.LocalAddr().String(),
	}).Info("Node running")

	ticker := time.NewTicker(cli.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fields := logrus.Fields{
				"function": "run",
				"peers":    node.Table().Size(),
				"buckets":  len(node.Table().NonEmptyBuckets()),
			}
			if addr, ok := node.ExternalAddress(); ok {
				fields["external"] = addr.String()
			}
			logrus.WithFields(fields).Info("Routing table status")
		}
	}
}

// main is the entry point for the supernet node.
func main() {
	cli, err := parseCLIFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}
	if cli.help {
		fmt.Printf("Usage: %s [options]\n", os.Args[0])
		cli.usage()
		os.Exit(0)
	}
	if err := validateCLIConfig(cli); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cli); err != nil {
		fmt.Fprintf(os.Stderr, "supernet: %v\n", err)
		os.Exit(1)
	}
}
