package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/dialtone-app/dialtone/internal/auth"
	"github.com/dialtone-app/dialtone/internal/bridge"
	"github.com/dialtone-app/dialtone/internal/config"
	"github.com/dialtone-app/dialtone/internal/hub"
	"github.com/dialtone-app/dialtone/internal/logging"
)

var (
	cfgPath = flag.String("config", "config.json", "Path to the config file (created if missing)")
	addr    = flag.String("addr", "", "Listen address, overrides server.addr from the config")
	version = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("dialtone-server v%s\n", appVersion)
		return
	}

	cfg, created, err := config.Ensure(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON, Out: os.Stderr})
	if created {
		log.Info().Str("path", *cfgPath).Msg("created default config")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	secret := cfg.Server.SessionSecret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn().Msg("server.session_secret not set, sessions will not survive a restart")
	}
	sessions, err := auth.NewManager(secret, cfg.Server.SessionTTL())
	if err != nil {
		log.Fatal().Err(err).Msg("session manager")
	}

	if cfg.Server.ProviderUser == "" || cfg.Server.ProviderPass == "" {
		log.Warn().Msg("provider credentials not set, call control will fail upstream")
	}
	provider := bridge.NewProvider(cfg.Server.ProviderURL, cfg.Server.ProviderUser, cfg.Server.ProviderPass, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := hub.New(log, hub.Options{
		SweepInterval: cfg.Server.SweepInterval(),
		StaleAfter:    cfg.Server.StaleAfter(),
		SyncInterval:  cfg.Server.SyncInterval(),
	})
	go h.Run(ctx)

	srv := hub.NewServer(log, h, cfg.Server.Addr)
	bridge.NewRoutes(log, provider, sessions).Register(srv.Engine())

	log.Info().Str("addr", cfg.Server.Addr).Msg("dialtone server starting")
	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
