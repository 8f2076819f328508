package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"
)

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

// cliConfig holds user-supplied flag values prior to translation into
// server.Config, so main.go can validate and map them in one place.
type cliConfig struct {
	listenAddr        string
	logLevel          string
	requestTimeout    time.Duration
	keepAliveTimeout  time.Duration
	maxHeaderCount    int
	requestBufMaxSize int
	showVersion       bool
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("evhttpd", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	fs.StringVar(&cfg.listenAddr, "listen", ":8080", "TCP listen address (e.g. :8080 or 0.0.0.0:8080)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.requestTimeout, "request-timeout", 20*time.Second, "Idle timeout while reading a request")
	fs.DurationVar(&cfg.keepAliveTimeout, "keepalive-timeout", 120*time.Second, "Idle timeout between keep-alive requests")
	fs.IntVar(&cfg.maxHeaderCount, "max-header-count", 127, "Maximum header count per request")
	fs.IntVar(&cfg.requestBufMaxSize, "request-buf-max-size", 8*1024*1024, "Maximum per-connection request buffer size, in bytes")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}
	if cfg.maxHeaderCount <= 0 {
		return nil, errors.New("max-header-count must be positive")
	}

	return cfg, nil
}
