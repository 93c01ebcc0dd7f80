// Package config loads the messagemart configuration from its YAML file
// and fills in platform defaults for anything unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config represents the messagemart configuration. Loaded once in the
// command layer and passed by value into the pipeline; nothing reads it
// through a package global.
type Config struct {
	Source    SourceConfig   `yaml:"source"`
	Target    TargetConfig   `yaml:"target"`
	Snapshots SnapshotConfig `yaml:"snapshots"`
	API       APIConfig      `yaml:"api"`
}

// SourceConfig locates the read-only inputs.
type SourceConfig struct {
	MessagesPath string `yaml:"messages_path"`
	ContactsPath string `yaml:"contacts_path"`
}

// TargetConfig locates the analytical database.
type TargetConfig struct {
	Path string `yaml:"path"`
}

// SnapshotConfig controls source snapshotting.
type SnapshotConfig struct {
	Dir        string `yaml:"dir"`
	MaxAgeDays int    `yaml:"max_age_days"`
	KeepCount  int    `yaml:"keep_count"`
}

// APIConfig controls the read-only HTTP server.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("MESSAGEMART_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "messagemart"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("MESSAGEMART_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "MessageMart"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "messagemart"), nil
	}

	return filepath.Join(home, ".local", "share", "messagemart"), nil
}

// DefaultMessagesPath returns the standard macOS location of the message
// store. On other platforms the path must be configured explicitly.
func DefaultMessagesPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "Library", "Messages", "chat.db")
}

// DiscoverContactsPath finds the newest AddressBook source database under
// the standard macOS contacts directory. Returns empty when none exists.
func DiscoverContactsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	sourcesDir := filepath.Join(home, "Library", "Application Support", "AddressBook", "Sources")
	entries, err := os.ReadDir(sourcesDir)
	if err != nil {
		return ""
	}

	var candidates []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		matches, err := filepath.Glob(filepath.Join(sourcesDir, entry.Name(), "AddressBook-v*.abcddb"))
		if err != nil {
			continue
		}
		candidates = append(candidates, matches...)
	}
	if len(candidates) == 0 {
		return ""
	}

	sort.Slice(candidates, func(i, j int) bool {
		fi, errI := os.Stat(candidates[i])
		fj, errJ := os.Stat(candidates[j])
		if errI != nil || errJ != nil {
			return candidates[i] < candidates[j]
		}
		return fi.ModTime().After(fj.ModTime())
	})
	return candidates[0]
}

// Load reads the config file, applies environment overrides, and fills in
// defaults. A missing config file yields a fully-defaulted Config.
func Load() (Config, error) {
	var cfg Config

	configDir, err := GetConfigDir()
	if err != nil {
		return cfg, err
	}
	configPath := filepath.Join(configDir, "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := applyDefaults(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MESSAGEMART_MESSAGES_PATH"); v != "" {
		cfg.Source.MessagesPath = v
	}
	if v := os.Getenv("MESSAGEMART_CONTACTS_PATH"); v != "" {
		cfg.Source.ContactsPath = v
	}
	if v := os.Getenv("MESSAGEMART_TARGET_PATH"); v != "" {
		cfg.Target.Path = v
	}
	if v := os.Getenv("MESSAGEMART_SNAPSHOT_DIR"); v != "" {
		cfg.Snapshots.Dir = v
	}
	if v := os.Getenv("MESSAGEMART_SNAPSHOT_MAX_AGE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Snapshots.MaxAgeDays = n
		}
	}
	if v := os.Getenv("MESSAGEMART_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
}

func applyDefaults(cfg *Config) error {
	if cfg.Source.MessagesPath == "" {
		cfg.Source.MessagesPath = DefaultMessagesPath()
	}
	if cfg.Source.ContactsPath == "" {
		cfg.Source.ContactsPath = DiscoverContactsPath()
	}
	if cfg.Target.Path == "" || cfg.Snapshots.Dir == "" {
		dataDir, err := GetDataDir()
		if err != nil {
			return err
		}
		if cfg.Target.Path == "" {
			cfg.Target.Path = filepath.Join(dataDir, "messagemart.db")
		}
		if cfg.Snapshots.Dir == "" {
			cfg.Snapshots.Dir = filepath.Join(dataDir, "snapshots")
		}
	}
	if cfg.Snapshots.MaxAgeDays <= 0 {
		cfg.Snapshots.MaxAgeDays = 7
	}
	if cfg.Snapshots.KeepCount <= 0 {
		cfg.Snapshots.KeepCount = 3
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = "127.0.0.1:8765"
	}
	return nil
}

// Save writes the config to the config file.
func (c Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
