// Package config handles the user's persistent configuration file and its
// environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/docker/go-units"
)

// Config holds the user's persistent configuration preferences.
type Config struct {
	ServerURL         string `json:"server_url,omitempty"`         // Backend base URL
	ChunkSize         string `json:"chunk_size,omitempty"`         // Upload range size, e.g. "5MiB"
	UploadConcurrency int    `json:"upload_concurrency,omitempty"` // Parallel upload ranges
	PollTimeoutSec    int    `json:"poll_timeout_sec,omitempty"`   // Wall-clock job deadline
	WatchDir          string `json:"watch_dir,omitempty"`          // Drop folder for auto-ingestion
	DataDir           string `json:"data_dir,omitempty"`           // Override for cache/index location
}

// Manager handles loading and saving the configuration.
type Manager struct {
	configDir string
}

// NewManager creates a new configuration manager.
func NewManager() (*Manager, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config dir: %w", err)
	}
	return &Manager{configDir: filepath.Join(configDir, "ragline")}, nil
}

// GetConfigPath returns the absolute path to the config.json file.
func (m *Manager) GetConfigPath() string {
	return filepath.Join(m.configDir, "config.json")
}

// Load reads the configuration from disk and applies environment overrides.
// If the file does not exist, defaults plus overrides are returned.
func (m *Manager) Load() (*Config, error) {
	path := m.GetConfigPath()

	cfg := &Config{}
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config json: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv lets RAGLINE_* variables override the file. The composition root
// loads .env first, so both real environment and dotenv entries land here.
func (c *Config) applyEnv() {
	if v := os.Getenv("RAGLINE_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("RAGLINE_CHUNK_SIZE"); v != "" {
		c.ChunkSize = v
	}
	if v := os.Getenv("RAGLINE_UPLOAD_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.UploadConcurrency = n
		}
	}
	if v := os.Getenv("RAGLINE_POLL_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PollTimeoutSec = n
		}
	}
	if v := os.Getenv("RAGLINE_WATCH_DIR"); v != "" {
		c.WatchDir = v
	}
	if v := os.Getenv("RAGLINE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

// Save writes the configuration to disk with restricted permissions (0600).
func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(m.configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.GetConfigPath(), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Exists checks if the configuration file has been created.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.GetConfigPath())
	return !os.IsNotExist(err)
}

// ServerURLOrDefault falls back to the local development server.
func (c *Config) ServerURLOrDefault() string {
	if c.ServerURL != "" {
		return c.ServerURL
	}
	return "http://localhost:8000"
}

// ChunkSizeBytes parses the human-readable chunk size. Invalid or absent
// values fall back to zero, letting the uploader apply its own default.
func (c *Config) ChunkSizeBytes() int64 {
	if c.ChunkSize == "" {
		return 0
	}
	n, err := units.RAMInBytes(c.ChunkSize)
	if err != nil {
		return 0
	}
	return n
}

// DataDirOrDefault resolves where the cache database and search index live.
func (c *Config) DataDirOrDefault() (string, error) {
	if c.DataDir != "" {
		return c.DataDir, nil
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user cache dir: %w", err)
	}
	return filepath.Join(cacheDir, "ragline"), nil
}
