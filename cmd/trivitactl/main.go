package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/SerpentheDeceiver/TriVita-Backend/internal/config"
	"github.com/SerpentheDeceiver/TriVita-Backend/internal/observ"
)

var CLI struct {
	Version  kong.VersionFlag
	LogLevel string `help:"Log level." default:"warn" env:"LOG_LEVEL"`

	Seed      SeedCmd      `cmd:"" help:"Seed slots for every enabled user, or one user."`
	Sweep     SweepCmd     `cmd:"" help:"Run one sweep tick now."`
	Status    StatusCmd    `cmd:"" help:"Show a user's slot timeline for a day."`
	Resolve   ResolveCmd   `cmd:"" help:"Apply a quick action to a slot."`
	VapidKeys VapidKeysCmd `cmd:"" name:"vapid-keys" help:"Generate a VAPID key pair for Web Push."`
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("trivitactl"),
		kong.Description("Admin tool for the TriVita reminder scheduler"),
		kong.UsageOnError(),
		kong.Vars{"version": "v0.1.0"},
	)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, err := observ.NewLogger(cfg.Env, CLI.LogLevel, cfg.LogFile)
	if err != nil {
		logger = zap.NewNop()
	}
	defer func() { _ = logger.Sync() }()

	appCtx := newContext(cfg, logger, os.Stdout)
	defer appCtx.Close()

	if err := kctx.Run(appCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
