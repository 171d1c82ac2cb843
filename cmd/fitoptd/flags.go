package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

// layerFlag collects repeated --config values; later files override earlier ones
type layerFlag []string

func (l *layerFlag) String() string { return fmt.Sprint([]string(*l)) }

func (l *layerFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	var layers layerFlag
	fs.Var(&layers, "config", "Configuration file, repeatable; later files override earlier ones (env: FITOPT_CONFIG)")
	fs.Var(&layers, "c", "Shorthand for --config")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("FITOPT_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: FITOPT_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("FITOPT_LOG_FORMAT", "json"),
		"Log format: json, text (env: FITOPT_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("FITOPT_DEBUG", false),
		"Enable debug mode (env: FITOPT_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("FITOPT_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: FITOPT_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.ConfigPaths = layers
	if len(cfg.ConfigPaths) == 0 {
		if path := os.Getenv("FITOPT_CONFIG"); path != "" {
			cfg.ConfigPaths = []string{path}
		}
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	for _, path := range cfg.ConfigPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - fitness app data optimization daemon

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run on the built-in defaults with in-memory backends
  %s

  # Layer a site file over a base file
  %s --config=base.yaml --config=site.yaml

  # Run with debug logging
  %s --log-level=debug --log-format=text

  # Override settings through the environment
  export FITOPT_POSTGRES_DSN=postgres://fit@localhost/fit
  export FITOPT_NATS_URL=nats://localhost:4222
  %s

  # Validate configuration only
  %s --config=site.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
