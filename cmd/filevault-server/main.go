// Command filevault-server serves a vault over HTTP.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/kilupskalvis/filevault/internal/config"
	"github.com/kilupskalvis/filevault/internal/server"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvConfig), "Config file or .filevault directory")
	listen := flag.String("listen", "", "Listen address (overrides server.listen)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (json, text)")
	flag.Parse()

	// Bootstrap logger until the config says otherwise.
	logger := server.NewLogger(os.Stdout, "info", "json")

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.Discover()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if err := config.Validate(cfg); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger = server.NewLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		stop()
		os.Exit(1)
	}
}
