package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanpair"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "LANPAIR_DATA_DIR"
	// DefaultDiscoveryPort is the UDP discovery and HTTP relay port.
	DefaultDiscoveryPort = 55055
	// DefaultDiscoveryTimeoutSeconds bounds the discovery race and the rendezvous window.
	DefaultDiscoveryTimeoutSeconds = 30
	// DefaultProbeTimeoutSeconds is the first announcer probe timeout.
	DefaultProbeTimeoutSeconds = 3
	// MaxProbeTimeoutSeconds caps every announcer probe.
	MaxProbeTimeoutSeconds = 10
	// DefaultSettleDelayMillis gives the master's relay time to come up before the peer fetches.
	DefaultSettleDelayMillis = 2000
	// DefaultRelayGraceMillis delays relay shutdown so in-flight requests complete.
	DefaultRelayGraceMillis = 2000
	// DefaultCeremonyTimeoutSeconds bounds one external ceremony run.
	DefaultCeremonyTimeoutSeconds = 300
	// DefaultHistoryRetentionDays controls attempt journal pruning.
	DefaultHistoryRetentionDays = 90
	// NetworkMainnet and NetworkTestnet select co-signing address validation.
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID                string `json:"device_id"`
	DeviceName              string `json:"device_name"`
	DiscoveryPort           int    `json:"discovery_port"`
	DiscoveryTimeoutSeconds int    `json:"discovery_timeout_seconds"`
	ProbeTimeoutSeconds     int    `json:"probe_timeout_seconds"`
	SettleDelayMillis       int    `json:"settle_delay_millis"`
	RelayGraceMillis        int    `json:"relay_grace_millis"`
	CeremonyTimeoutSeconds  int    `json:"ceremony_timeout_seconds"`
	PinnedPeerIP            string `json:"pinned_peer_ip"`
	BitcoinNetwork          string `json:"bitcoin_network"`
	KeysharePath            string `json:"keyshare_path"`
	CeremonyCommand         string `json:"ceremony_command"`
	LogLevel                string `json:"log_level"`
	HistoryRetentionDays    int    `json:"history_retention_days"`
}

// DiscoveryTimeout returns the discovery deadline.
func (c *DeviceConfig) DiscoveryTimeout() time.Duration {
	return time.Duration(c.DiscoveryTimeoutSeconds) * time.Second
}

// ProbeTimeout returns the first announcer probe timeout.
func (c *DeviceConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// SettleDelay returns the peer's wait before fetching the rendezvous payload.
func (c *DeviceConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMillis) * time.Millisecond
}

// RelayGrace returns the delay before the master stops its relay.
func (c *DeviceConfig) RelayGrace() time.Duration {
	return time.Duration(c.RelayGraceMillis) * time.Millisecond
}

// CeremonyTimeout returns the bound on one ceremony run.
func (c *DeviceConfig) CeremonyTimeout() time.Duration {
	return time.Duration(c.CeremonyTimeoutSeconds) * time.Second
}

// HistoryRetention returns how long journaled attempts are kept.
func (c *DeviceConfig) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANPAIR_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keyshares"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{
		SettleDelayMillis: DefaultSettleDelayMillis,
		RelayGraceMillis:  DefaultRelayGraceMillis,
	}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "LAN Pair Device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	setInt := func(field *int, ok func(int) bool, fallback int) {
		if !ok(*field) {
			*field = fallback
			updated = true
		}
	}
	positive := func(v int) bool { return v > 0 }

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if strings.TrimSpace(cfg.DeviceName) == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	setInt(&cfg.DiscoveryPort, func(v int) bool { return v > 0 && v <= 65535 }, DefaultDiscoveryPort)
	setInt(&cfg.DiscoveryTimeoutSeconds, positive, DefaultDiscoveryTimeoutSeconds)
	setInt(&cfg.ProbeTimeoutSeconds, func(v int) bool { return v > 0 && v <= MaxProbeTimeoutSeconds }, DefaultProbeTimeoutSeconds)
	setInt(&cfg.SettleDelayMillis, func(v int) bool { return v >= 0 }, DefaultSettleDelayMillis)
	setInt(&cfg.RelayGraceMillis, func(v int) bool { return v >= 0 }, DefaultRelayGraceMillis)
	setInt(&cfg.CeremonyTimeoutSeconds, positive, DefaultCeremonyTimeoutSeconds)
	setInt(&cfg.HistoryRetentionDays, positive, DefaultHistoryRetentionDays)

	if cfg.PinnedPeerIP != "" {
		if ip := net.ParseIP(cfg.PinnedPeerIP); ip == nil || ip.To4() == nil {
			cfg.PinnedPeerIP = ""
			updated = true
		}
	}

	if network := normalizeNetwork(cfg.BitcoinNetwork); network != cfg.BitcoinNetwork {
		cfg.BitcoinNetwork = network
		updated = true
	}

	if cfg.KeysharePath == "" {
		cfg.KeysharePath = filepath.Join(dataDir, "keyshares", "keyshare.json")
		updated = true
	}

	if level := strings.ToUpper(strings.TrimSpace(cfg.LogLevel)); level == "" {
		cfg.LogLevel = "INFO"
		updated = true
	}

	return updated
}

func normalizeNetwork(network string) string {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case NetworkTestnet, "testnet3":
		return NetworkTestnet
	default:
		return NetworkMainnet
	}
}
