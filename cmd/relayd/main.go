package main

import (
	"log"

	"github.com/joho/godotenv"

	"relayd/internal/app"
	"relayd/pkg/config"
	"relayd/pkg/logger"
	"relayd/pkg/shutdown"
)

// build metadata - set via ldflags during build/release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load(".env")

	flags := config.ParseConfigFlags()
	cfgPath := config.ResolveConfigPath(flags.Config, flags.Set["config"])

	eff, err := config.LoadEffective(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Explicitly set flags win over env/config for addr and db path.
	if flags.Set["addr"] {
		eff.Addr = flags.Addr
	}
	if flags.Set["db"] {
		eff.Config.Server.DBPath = flags.DB
		eff.DBPath = flags.DB
	}
	if flags.Set["addr"] || flags.Set["db"] {
		eff.Source = "flags"
	}

	logger.Init(eff.Config.Logging.Level)

	ctx, cancel := shutdown.Context()
	defer cancel()

	a, err := app.New(eff, version, commit, buildDate)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
