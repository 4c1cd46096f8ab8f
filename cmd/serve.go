package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"airelay/internal/catalog"
	"airelay/internal/config"
	"airelay/internal/dispatch"
	"airelay/internal/logging"
	"airelay/internal/provider"
	providerfactory "airelay/internal/provider/factory"
	"airelay/internal/server"
)

const serveUsage = `Usage:
  airelay serve [--config <path>] [--port <port>]

Flags:
  --config string   Path to YAML configuration file; without it the built-in
                    defaults overlaid with AIRELAY_* environment variables apply
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	logger, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	logger.Info("configuration loaded",
		"providers", len(cfg.Providers),
		"default_model", cfg.Gateway.DefaultModel,
		"catalog_ttl", cfg.Gateway.CatalogTTL(),
	)

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProviders(cfg, registry); err != nil {
		return err
	}

	cat := catalog.New(registry, cfg.Gateway.CatalogTTL())
	dispatcher := dispatch.New(registry, cfg.Gateway)

	srv, err := server.New(cfg, dispatcher, cat)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
