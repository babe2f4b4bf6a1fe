// Package config loads and persists the JSON configuration consumed by the
// backup server and client binaries.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "backup-engine"
	// DefaultListenAddr is the server listen address when no override exists.
	DefaultListenAddr = ":1256"
	// serverConfigFileName is the persisted server configuration file.
	serverConfigFileName = "server.json"
	// clientConfigFileName is the persisted client configuration file.
	clientConfigFileName = "client.json"
)

// Version policy modes.
const (
	PolicyModeExact     = "exact"
	PolicyModeRange     = "range"
	PolicyModeAllowList = "allowlist"
)

// VersionPolicyConfig selects how the server judges a client's protocol
// version: exact match, inclusive range, or explicit allow-list.
type VersionPolicyConfig struct {
	Mode    string  `json:"mode"`
	Exact   uint8   `json:"exact,omitempty"`
	Min     uint8   `json:"min,omitempty"`
	Max     uint8   `json:"max,omitempty"`
	Allowed []uint8 `json:"allowed,omitempty"`
}

// ServerConfig contains persistent server settings.
type ServerConfig struct {
	ListenAddr string `json:"listen_addr"`
	StorageDir string `json:"storage_dir"`

	MaxClients int `json:"max_clients"`

	PoolSize       int `json:"pool_size"`
	PoolMaxAgeSec  int `json:"pool_max_age_sec"`
	EmergencyConns int `json:"emergency_conns"`

	SessionTimeoutSec     int `json:"session_timeout_sec"`
	PartialTimeoutSec     int `json:"partial_timeout_sec"`
	MaintenanceEverySec   int `json:"maintenance_every_sec"`
	ReadWriteTimeoutSec   int `json:"read_write_timeout_sec"`
	MetricsRetentionHours int `json:"metrics_retention_hours"`

	VersionPolicy VersionPolicyConfig `json:"version_policy"`

	Announce bool `json:"announce"`
}

// ClientConfig contains persistent client settings.
type ClientConfig struct {
	ServerAddr string `json:"server_addr"`
	Name       string `json:"name"`

	PrivateKeyPath string `json:"private_key_path"`
	IdentityPath   string `json:"identity_path"`

	ConnectRetries    int `json:"connect_retries"`
	ConnectDelaySec   int `json:"connect_delay_sec"`
	RequestTimeoutSec int `json:"request_timeout_sec"`
	ChunkSize         int `json:"chunk_size"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If BACKUP_ENGINE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("BACKUP_ENGINE_DATA_DIR"); override != "" {
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

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "files"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// DefaultServerConfig returns a server configuration with every field set.
func DefaultServerConfig(dataDir string) ServerConfig {
	return ServerConfig{
		ListenAddr:            DefaultListenAddr,
		StorageDir:            filepath.Join(dataDir, "files"),
		MaxClients:            64,
		PoolSize:              4,
		PoolMaxAgeSec:         1800,
		EmergencyConns:        2,
		SessionTimeoutSec:     1800,
		PartialTimeoutSec:     600,
		MaintenanceEverySec:   60,
		ReadWriteTimeoutSec:   30,
		MetricsRetentionHours: 24 * 7,
		VersionPolicy: VersionPolicyConfig{
			Mode: PolicyModeRange,
			Min:  1,
			Max:  1,
		},
		Announce: false,
	}
}

// DefaultClientConfig returns a client configuration with every field set.
func DefaultClientConfig(dataDir string) ClientConfig {
	return ClientConfig{
		ServerAddr:        "127.0.0.1:1256",
		PrivateKeyPath:    filepath.Join(dataDir, "keys", "client.pem"),
		IdentityPath:      filepath.Join(dataDir, "identity"),
		ConnectRetries:    3,
		ConnectDelaySec:   2,
		RequestTimeoutSec: 30,
		ChunkSize:         256 * 1024,
	}
}

// Validate checks server configuration invariants.
func (c ServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.StorageDir == "" {
		return errors.New("storage_dir is required")
	}
	if c.MaxClients <= 0 {
		return errors.New("max_clients must be positive")
	}
	if c.PoolSize <= 0 {
		return errors.New("pool_size must be positive")
	}
	if c.EmergencyConns < 0 {
		return errors.New("emergency_conns must not be negative")
	}
	if err := c.VersionPolicy.Validate(); err != nil {
		return err
	}
	return nil
}

// Validate checks version policy configuration invariants.
func (p VersionPolicyConfig) Validate() error {
	switch p.Mode {
	case PolicyModeExact:
		return nil
	case PolicyModeRange:
		if p.Min > p.Max {
			return fmt.Errorf("version_policy: min %d exceeds max %d", p.Min, p.Max)
		}
		return nil
	case PolicyModeAllowList:
		if len(p.Allowed) == 0 {
			return errors.New("version_policy: allowlist is empty")
		}
		return nil
	default:
		return fmt.Errorf("version_policy: unknown mode %q", p.Mode)
	}
}

// Validate checks client configuration invariants.
func (c ClientConfig) Validate() error {
	if c.ServerAddr == "" {
		return errors.New("server_addr is required")
	}
	if c.Name == "" {
		return errors.New("name is required")
	}
	if c.ChunkSize <= 0 {
		return errors.New("chunk_size must be positive")
	}
	return nil
}

// SessionTimeout returns the session idle timeout as a duration.
func (c ServerConfig) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSec) * time.Second
}

// PartialTimeout returns the partial-transfer timeout as a duration.
func (c ServerConfig) PartialTimeout() time.Duration {
	return time.Duration(c.PartialTimeoutSec) * time.Second
}

// MaintenanceInterval returns the maintenance loop period as a duration.
func (c ServerConfig) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceEverySec) * time.Second
}

// LoadServerConfig reads server.json from dataDir, creating it with
// defaults on first run.
func LoadServerConfig(dataDir string) (ServerConfig, error) {
	path := filepath.Join(dataDir, serverConfigFileName)

	cfg := DefaultServerConfig(dataDir)
	loaded, err := loadJSON(path, &cfg)
	if err != nil {
		return ServerConfig{}, err
	}
	if !loaded {
		if err := SaveServerConfig(dataDir, cfg); err != nil {
			return ServerConfig{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid server config: %w", err)
	}
	return cfg, nil
}

// SaveServerConfig writes server.json under dataDir.
func SaveServerConfig(dataDir string, cfg ServerConfig) error {
	return saveJSON(filepath.Join(dataDir, serverConfigFileName), cfg)
}

// LoadClientConfig reads client.json from dataDir, creating it with
// defaults on first run. The caller fills Name before Validate.
func LoadClientConfig(dataDir string) (ClientConfig, error) {
	path := filepath.Join(dataDir, clientConfigFileName)

	cfg := DefaultClientConfig(dataDir)
	loaded, err := loadJSON(path, &cfg)
	if err != nil {
		return ClientConfig{}, err
	}
	if !loaded {
		if err := SaveClientConfig(dataDir, cfg); err != nil {
			return ClientConfig{}, err
		}
	}

	return cfg, nil
}

// SaveClientConfig writes client.json under dataDir.
func SaveClientConfig(dataDir string, cfg ClientConfig) error {
	return saveJSON(filepath.Join(dataDir, clientConfigFileName), cfg)
}

func loadJSON(path string, out any) (bool, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("parse config %q: %w", path, err)
	}
	return true, nil
}

func saveJSON(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.WriteFile(path, append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config %q: %w", path, err)
	}
	return nil
}
