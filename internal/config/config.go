package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dialtone-app/dialtone/internal/util"
)

type Config struct {
	Server Server `json:"server"`
	Phone  Phone  `json:"phone"`
	Log    Log    `json:"log"`
}

type Server struct {
	// Addr is the listen address for the signaling server.
	Addr string `json:"addr"`

	// Provider API endpoint and credentials. The credentials can also be
	// supplied via ELKS_API_USERNAME / ELKS_API_PASSWORD, which win over
	// the file.
	ProviderURL  string `json:"provider_url"`
	ProviderUser string `json:"provider_user"`
	ProviderPass string `json:"provider_pass"`

	// SessionSecret signs login cookies. DIALTONE_SESSION_SECRET wins
	// over the file.
	SessionSecret string `json:"session_secret"`
	SessionTTLMin int    `json:"session_ttl_minutes"`

	// Presence registry timing.
	SweepSec      int `json:"sweep_seconds"`
	StaleAfterSec int `json:"stale_after_seconds"`
	SyncSec       int `json:"sync_seconds"`
}

type Phone struct {
	// Identity is the SIP address-of-record, e.g. "4600123456@voip.46elks.com".
	Identity string `json:"identity"`
	Password string `json:"password"`

	// VirtualNumber is the provider number of the WebRTC leg, normally
	// the extension part of Identity.
	VirtualNumber string `json:"virtual_number"`
	Domain        string `json:"domain"`

	// ServerURL is the signaling server's HTTP base; HubURL its
	// websocket endpoint.
	ServerURL string `json:"server_url"`
	HubURL    string `json:"hub_url"`

	// Driver selects the SIP stack backend. Only "loopback" ships.
	Driver string `json:"driver"`

	ReconcileSec       int `json:"reconcile_seconds"`
	HeartbeatSec       int `json:"heartbeat_seconds"`
	TransferTimeoutSec int `json:"transfer_timeout_seconds"`
}

type Log struct {
	Level string `json:"level"`
	JSON  bool   `json:"json"`
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:          ":3000",
			ProviderURL:   "https://api.46elks.com",
			SessionTTLMin: 720,
			SweepSec:      30,
			StaleAfterSec: 90,
			SyncSec:       300,
		},
		Phone: Phone{
			Domain:             "voip.46elks.com",
			ServerURL:          "http://127.0.0.1:3000",
			HubURL:             "ws://127.0.0.1:3000/ws",
			Driver:             "loopback",
			ReconcileSec:       10,
			HeartbeatSec:       30,
			TransferTimeoutSec: 10,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Server
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if err := validateHTTPURL(c.Server.ProviderURL); err != nil {
		return fmt.Errorf("server.provider_url: %w", err)
	}
	if c.Server.SessionTTLMin <= 0 {
		return errors.New("server.session_ttl_minutes must be > 0")
	}
	if c.Server.SweepSec <= 0 {
		return errors.New("server.sweep_seconds must be > 0")
	}
	if c.Server.StaleAfterSec <= 0 {
		return errors.New("server.stale_after_seconds must be > 0")
	}
	if c.Server.SweepSec >= c.Server.StaleAfterSec {
		return errors.New("server.sweep_seconds must be < server.stale_after_seconds")
	}
	if c.Server.SyncSec <= 0 {
		return errors.New("server.sync_seconds must be > 0")
	}

	// Phone
	if err := validateHTTPURL(c.Phone.ServerURL); err != nil {
		return fmt.Errorf("phone.server_url: %w", err)
	}
	if err := validateWSURL(c.Phone.HubURL); err != nil {
		return fmt.Errorf("phone.hub_url: %w", err)
	}
	if c.Phone.Driver != "loopback" {
		return fmt.Errorf("phone.driver %q is not supported", c.Phone.Driver)
	}
	if c.Phone.ReconcileSec <= 0 {
		return errors.New("phone.reconcile_seconds must be > 0")
	}
	if c.Phone.HeartbeatSec <= 0 {
		return errors.New("phone.heartbeat_seconds must be > 0")
	}
	if c.Phone.TransferTimeoutSec <= 0 {
		return errors.New("phone.transfer_timeout_seconds must be > 0")
	}
	if id := strings.TrimSpace(c.Phone.Identity); id != "" && !strings.Contains(id, "@") {
		return errors.New("phone.identity must be user@domain")
	}

	// Log
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not valid", c.Log.Level)
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// Duration accessors; the file stores plain seconds/minutes.

func (s Server) SessionTTL() time.Duration    { return time.Duration(s.SessionTTLMin) * time.Minute }
func (s Server) SweepInterval() time.Duration { return time.Duration(s.SweepSec) * time.Second }
func (s Server) StaleAfter() time.Duration    { return time.Duration(s.StaleAfterSec) * time.Second }
func (s Server) SyncInterval() time.Duration  { return time.Duration(s.SyncSec) * time.Second }

func (p Phone) ReconcileInterval() time.Duration { return time.Duration(p.ReconcileSec) * time.Second }
func (p Phone) HeartbeatInterval() time.Duration { return time.Duration(p.HeartbeatSec) * time.Second }
func (p Phone) TransferTimeout() time.Duration {
	return time.Duration(p.TransferTimeoutSec) * time.Second
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnv lets deployment environments inject secrets without writing them
// to disk.
func (c *Config) applyEnv() {
	if v := os.Getenv("ELKS_API_USERNAME"); v != "" {
		c.Server.ProviderUser = v
	}
	if v := os.Getenv("ELKS_API_PASSWORD"); v != "" {
		c.Server.ProviderPass = v
	}
	if v := os.Getenv("DIALTONE_SESSION_SECRET"); v != "" {
		c.Server.SessionSecret = v
	}
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
