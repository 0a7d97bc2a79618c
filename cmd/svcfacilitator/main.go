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
	"github.com/northvale/mesh/internal/facilitator"
	"github.com/northvale/mesh/internal/logging"
	"github.com/northvale/mesh/internal/s2s"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/svcfacilitator.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mesh svcfacilitator %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// A production box carries no .env file.
	_ = godotenv.Load()

	cfg, err := config.NewLoader().LoadFacilitator(*configPath)
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

	logger.Info("starting svcfacilitator",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("env", cfg.Server.Env),
		zap.String("store", cfg.Store.Type),
	)

	verifier, err := s2s.NewVerifier(cfg.S2S, logger)
	if err != nil {
		logger.Error("verifier init failed", zap.Error(err))
		os.Exit(1)
	}

	fac, err := facilitator.New(*cfg, logger)
	if err != nil {
		logger.Error("facilitator init failed", zap.Error(err))
		os.Exit(1)
	}

	a, err := app.New(app.Options{
		Service:      cfg.Server.Slug,
		Version:      cfg.Server.Version,
		Log:          logger,
		Limits:       cfg.Limits,
		Verifier:     verifier,
		Metrics:      fac.Collector(),
		HealthDetail: fac.HealthDetail,
	})
	if err != nil {
		logger.Error("app init failed", zap.Error(err))
		os.Exit(1)
	}
	fac.Routes(a)

	srv, err := app.NewServer(app.ServerOptions{
		Server:  cfg.Server,
		Admin:   cfg.Admin,
		Log:     logger,
		Handler: a.Handler(),
		Metrics: fac.Collector(),
	})
	if err != nil {
		logger.Error("server init failed", zap.Error(err))
		os.Exit(1)
	}
	fac.Attach(srv)

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}
