package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/northvale/mesh/internal/app"
	"github.com/northvale/mesh/internal/config"
	"github.com/northvale/mesh/internal/gateway"
	"github.com/northvale/mesh/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mesh gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// A production box carries no .env file.
	_ = godotenv.Load()

	cfg, err := config.NewLoader().LoadGateway(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Logging.Options())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logger.Info("starting gateway",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("env", cfg.Server.Env),
		zap.String("facilitator", cfg.Facilitator.BaseURL),
	)

	gw, err := gateway.New(*cfg, logger)
	if err != nil {
		logger.Error("gateway init failed", zap.Error(err))
		os.Exit(1)
	}

	srv, err := app.NewServer(app.ServerOptions{
		Server:  cfg.Server,
		Admin:   cfg.Admin,
		Log:     logger,
		Handler: gw.Handler(),
		Metrics: gw.Collector(),
	})
	if err != nil {
		logger.Error("server init failed", zap.Error(err))
		os.Exit(1)
	}
	gw.Attach(srv)

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}
