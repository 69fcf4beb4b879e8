// Package config manages pnet daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete configuration shared by switchd, vnicd, and
// wand. Each daemon reads only the sections it needs, following the same
// single-Config-many-consumers shape the BFD daemon used for its gRPC,
// metrics, and session sections.
type Config struct {
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Switch  SwitchConfig  `koanf:"switch"`
	VNIC    VNICConfig    `koanf:"vnic"`
	WAN     WANConfig     `koanf:"wan"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// SwitchConfig configures a switchd instance: one broadcast LAN segment
// that relays frames between attached VNIC and WAN-gateway sessions.
type SwitchConfig struct {
	// ListenAddr is the switch's TCP listener address, where sessions
	// attach and SPMP requests are answered (e.g., ":7000").
	ListenAddr string `koanf:"listen_addr"`

	// LossRate drives the switch's unreliable-medium simulation. When
	// above 0, one bit is flipped in each 1/LossRate-byte window of every
	// forwarded frame; frames are corrupted, not dropped.
	LossRate float64 `koanf:"loss_rate"`
}

// VNICConfig configures a vnicd instance: the per-host virtual NIC that
// multiplexes logical connections over a single overlay address.
type VNICConfig struct {
	// ListenAddr is the application control listener address, which
	// accepts VNICSocketOpen and related requests (e.g., ":7100").
	ListenAddr string `koanf:"listen_addr"`

	// SwitchAddr is the address of the switchd this VNIC attaches to.
	SwitchAddr string `koanf:"switch_addr"`

	// Address is the overlay address this VNIC announces on its switch.
	Address string `koanf:"address"`

	// PromiscuityLevel is the initial wildcard-matching depth the VNIC
	// registers with: 0 is the exact address, 4 is fully wildcarded.
	PromiscuityLevel uint8 `koanf:"promiscuity_level"`
}

// WANConfig configures a wand instance: the inter-switch router that
// computes all-pairs shortest paths across declared prefix adjacencies.
type WANConfig struct {
	// ListenAddr is the SPMP control listener address (e.g., ":7200").
	ListenAddr string `koanf:"listen_addr"`

	// Links enumerates this router's directly-connected switch prefixes.
	Links []WANLinkConfig `koanf:"links"`

	// Dampen configures suppression of repeated flap-warning log lines
	// for links that go up and down repeatedly.
	Dampen DampenConfig `koanf:"dampen"`
}

// WANLinkConfig declares one LAN switch prefix this wand instance
// hosts, the peer prefix it is directly connected to, and that
// DirectLink's simulated loss rate. ListenAddr is where VNICs and
// switchd-less devices on that prefix's LAN attach directly; wand
// hosts one switchnet.Switch per distinct Prefix appearing across
// Links, wired together with DirectLinks per the declared adjacencies.
type WANLinkConfig struct {
	// Prefix is this router's own switch prefix for this link.
	Prefix int `koanf:"prefix"`

	// Peer is the adjacent switch prefix reachable across this link.
	Peer int `koanf:"peer"`

	// LossRate is the DirectLink's simulated frame loss probability, in [0,1].
	LossRate float64 `koanf:"loss_rate"`

	// ListenAddr is the LAN-facing TCP listener for Prefix's switch.
	ListenAddr string `koanf:"listen_addr"`
}

// DampenConfig tunes the exponential-decay log-suppression penalty applied
// to a flapping link. See internal/wan/dampen.go.
type DampenConfig struct {
	SuppressThreshold float64 `koanf:"suppress_threshold"`
	ReuseThreshold    float64 `koanf:"reuse_threshold"`
	MaxSuppressTime   string  `koanf:"max_suppress_time"`
	HalfLife          string  `koanf:"half_life"`
	PenaltyPerEvent   float64 `koanf:"penalty_per_event"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Switch: SwitchConfig{
			ListenAddr: ":7000",
			LossRate:   0,
		},
		VNIC: VNICConfig{
			ListenAddr:       ":7100",
			PromiscuityLevel: 0,
		},
		WAN: WANConfig{
			ListenAddr: ":7200",
			Dampen: DampenConfig{
				SuppressThreshold: 3.0,
				ReuseThreshold:    1.0,
				MaxSuppressTime:   "1h",
				HalfLife:          "15m",
				PenaltyPerEvent:   1.0,
			},
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for pnet configuration.
// Variables are named PNET_<section>_<key>, e.g., PNET_SWITCH_LISTEN_ADDR.
const envPrefix = "PNET_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (PNET_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	PNET_METRICS_ADDR       -> metrics.addr
//	PNET_METRICS_PATH       -> metrics.path
//	PNET_LOG_LEVEL          -> log.level
//	PNET_LOG_FORMAT         -> log.format
//	PNET_SWITCH_LISTEN_ADDR -> switch.listen_addr
//	PNET_SWITCH_LOSS_RATE   -> switch.loss_rate
//	PNET_VNIC_LISTEN_ADDR   -> vnic.listen_addr
//	PNET_VNIC_SWITCH_ADDR   -> vnic.switch_addr
//	PNET_VNIC_ADDRESS       -> vnic.address
//	PNET_WAN_LISTEN_ADDR    -> wan.listen_addr
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// PNET_SWITCH_LISTEN_ADDR -> switch.listen_addr (strip prefix, lowercase, first _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms PNET_SWITCH_LISTEN_ADDR -> switch.listen_addr.
// Strips the PNET_ prefix, lowercases, and replaces only the first _
// (the section separator) with ., so multi-word keys like listen_addr
// keep their underscores.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"metrics.addr":               defaults.Metrics.Addr,
		"metrics.path":               defaults.Metrics.Path,
		"log.level":                  defaults.Log.Level,
		"log.format":                 defaults.Log.Format,
		"switch.listen_addr":         defaults.Switch.ListenAddr,
		"switch.loss_rate":           defaults.Switch.LossRate,
		"vnic.listen_addr":           defaults.VNIC.ListenAddr,
		"vnic.switch_addr":           defaults.VNIC.SwitchAddr,
		"vnic.address":               defaults.VNIC.Address,
		"vnic.promiscuity_level":     defaults.VNIC.PromiscuityLevel,
		"wan.listen_addr":            defaults.WAN.ListenAddr,
		"wan.dampen.suppress_threshold": defaults.WAN.Dampen.SuppressThreshold,
		"wan.dampen.reuse_threshold":    defaults.WAN.Dampen.ReuseThreshold,
		"wan.dampen.max_suppress_time":  defaults.WAN.Dampen.MaxSuppressTime,
		"wan.dampen.half_life":          defaults.WAN.Dampen.HalfLife,
		"wan.dampen.penalty_per_event":  defaults.WAN.Dampen.PenaltyPerEvent,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptySwitchListenAddr indicates the switch listen address is empty.
	ErrEmptySwitchListenAddr = errors.New("switch.listen_addr must not be empty")

	// ErrInvalidLossRate indicates a loss rate is outside [0,1].
	ErrInvalidLossRate = errors.New("loss_rate must be within [0,1]")

	// ErrEmptyVNICListenAddr indicates the VNIC listen address is empty.
	ErrEmptyVNICListenAddr = errors.New("vnic.listen_addr must not be empty")

	// ErrInvalidPromiscuityLevel indicates a promiscuity level outside 0-4.
	ErrInvalidPromiscuityLevel = errors.New("vnic.promiscuity_level must be within [0,4]")

	// ErrEmptyWANListenAddr indicates the WAN listen address is empty.
	ErrEmptyWANListenAddr = errors.New("wan.listen_addr must not be empty")

	// ErrDuplicateWANLinkPeer indicates two WAN links declare the same peer prefix.
	ErrDuplicateWANLinkPeer = errors.New("duplicate wan link peer")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Switch.ListenAddr == "" {
		return ErrEmptySwitchListenAddr
	}

	if cfg.Switch.LossRate < 0 || cfg.Switch.LossRate > 1 {
		return fmt.Errorf("switch.loss_rate: %w", ErrInvalidLossRate)
	}

	if cfg.VNIC.ListenAddr == "" {
		return ErrEmptyVNICListenAddr
	}

	if cfg.VNIC.PromiscuityLevel > 4 {
		return ErrInvalidPromiscuityLevel
	}

	if cfg.WAN.ListenAddr == "" {
		return ErrEmptyWANListenAddr
	}

	if err := validateWANLinks(cfg.WAN.Links); err != nil {
		return err
	}

	return nil
}

// validateWANLinks checks each declared link for a valid loss rate and
// rejects duplicate peer prefixes.
func validateWANLinks(links []WANLinkConfig) error {
	seen := make(map[int]struct{}, len(links))

	for i, link := range links {
		if link.LossRate < 0 || link.LossRate > 1 {
			return fmt.Errorf("wan.links[%d]: %w", i, ErrInvalidLossRate)
		}

		if _, dup := seen[link.Peer]; dup {
			return fmt.Errorf("wan.links[%d] peer %d: %w", i, link.Peer, ErrDuplicateWANLinkPeer)
		}
		seen[link.Peer] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
