package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ematrader/config"
	"ematrader/internal/trader/app"
	"ematrader/logger"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: config.yaml in ../config, ./config or .)")
	flag.Parse()

	// viper config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// prod secrets live in SSM
	if cfg.Environment == "prod" {
		store, err := config.NewParameterStore(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to create parameter store client:", err)
			os.Exit(1)
		}
		if err := cfg.ResolveSecrets(ctx, store); err != nil {
			fmt.Fprintln(os.Stderr, "failed to resolve secrets:", err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	if err := app.Run(ctx, cfg, log); err != nil {
		log.Error("trader failed", zap.Error(err), zap.Bool("fatal", app.IsFatal(err)))
		_ = log.Sync()
		stop()
		os.Exit(1)
	}
}
