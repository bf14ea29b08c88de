package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dialtone-app/dialtone/internal/bridge"
	"github.com/dialtone-app/dialtone/internal/config"
	"github.com/dialtone-app/dialtone/internal/logging"
	"github.com/dialtone-app/dialtone/internal/phone"
	"github.com/dialtone-app/dialtone/internal/sip"
	"github.com/dialtone-app/dialtone/internal/util"
)

var (
	dir     = flag.String("dir", ".", "Phone directory holding config and state")
	cfgName = flag.String("config", "config.json", "Config file name inside the phone directory")
	version = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("dialtone v%s\n", appVersion)
		return
	}

	cfgPath := util.ResolvePath(*dir, *cfgName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON, Out: os.Stderr})
	if created {
		log.Info().Str("path", cfgPath).Msg("created default config, fill in phone.identity and restart")
		return
	}
	if cfg.Phone.Identity == "" {
		log.Fatal().Str("path", cfgPath).Msg("phone.identity is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ua sip.UserAgent
	switch cfg.Phone.Driver {
	case "loopback":
		ua = sip.NewLoopback()
	default:
		log.Fatal().Str("driver", cfg.Phone.Driver).Msg("unknown sip driver")
	}

	client, err := bridge.NewClient(cfg.Phone.ServerURL)
	if err != nil {
		log.Fatal().Err(err).Msg("bridge client")
	}
	login := func(c config.Config) {
		loginCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.Login(loginCtx, c.Phone.Identity, c.Phone.Password); err != nil {
			log.Warn().Err(err).Msg("server login failed, call control unavailable")
		}
	}
	login(cfg)
	defer func() {
		logoutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = client.Logout(logoutCtx)
	}()

	link := phone.NewHubLink(log, cfg.Phone.HubURL, cfg.Phone.Identity)
	go func() { _ = link.Run(ctx) }()

	p := phone.New(log, phone.Config{
		Identity:          cfg.Phone.Identity,
		VirtualNumber:     cfg.Phone.VirtualNumber,
		Domain:            cfg.Phone.Domain,
		ReconcileInterval: cfg.Phone.ReconcileInterval(),
		HeartbeatInterval: cfg.Phone.HeartbeatInterval(),
		TransferTimeout:   cfg.Phone.TransferTimeout(),
	}, ua, link, client, nil)

	// Credential edits take effect without a restart; identity changes
	// still need one.
	err = config.Watch(ctx, log, cfgPath, func(next config.Config) {
		if next.Phone.Identity != cfg.Phone.Identity {
			log.Warn().Msg("phone.identity changed, restart to apply")
			return
		}
		if next.Phone.Password != cfg.Phone.Password {
			cfg.Phone.Password = next.Phone.Password
			login(next)
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("config watcher unavailable")
	}

	go logStatus(log, p)

	log.Info().Str("identity", cfg.Phone.Identity).Str("hub", cfg.Phone.HubURL).Msg("dialtone starting")
	if err := p.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("phone exited")
	}
}

// logStatus mirrors status changes into the log, which is the whole UI of the
// headless daemon.
func logStatus(log zerolog.Logger, p *phone.Phone) {
	ch, cancel := p.Subscribe()
	defer cancel()

	var last string
	for st := range ch {
		if st.Display == last {
			continue
		}
		last = st.Display
		log.Info().
			Str("status", st.Display).
			Bool("in_call", st.IsInCall).
			Str("peer", st.PeerNumber).
			Msg("phone")
	}
}
