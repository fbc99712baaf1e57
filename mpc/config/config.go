package config

import (
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	configSubdir   = "config"
	configFileName = "mpcrelay_config.json"

	// DefaultHomeDirName is created under the user's home directory.
	DefaultHomeDirName = ".mpcrelay"
)

//go:embed default_config.json
var defaultConfigJSON []byte

func validateConfig(cfg *Config) error {
	// Validate log level
	if cfg.LogLevel < 0 || cfg.LogLevel > 5 {
		return fmt.Errorf("log level must be between 0 and 5")
	}

	// Validate log format
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	// Set defaults for log rotation
	if cfg.LogMaxSizeMB == 0 {
		cfg.LogMaxSizeMB = 100
	}
	if cfg.LogMaxBackups == 0 {
		cfg.LogMaxBackups = 3
	}
	if cfg.LogMaxAgeDays == 0 {
		cfg.LogMaxAgeDays = 28
	}

	if cfg.KeypairFile == "" {
		cfg.KeypairFile = "keypair.json"
	}

	// Set defaults for the relay server
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:8008"
	}
	if cfg.SessionTimeoutSeconds == 0 {
		cfg.SessionTimeoutSeconds = 300
	}
	if cfg.CheckIntervalSeconds == 0 {
		cfg.CheckIntervalSeconds = 15
	}
	if cfg.RetentionSeconds == 0 {
		cfg.RetentionSeconds = 3600
	}
	if cfg.SessionTimeoutSeconds < 0 || cfg.CheckIntervalSeconds < 0 || cfg.RetentionSeconds < 0 {
		return fmt.Errorf("session timings must not be negative")
	}

	// Set defaults for the client
	if cfg.ServerURL == "" {
		cfg.ServerURL = "ws://127.0.0.1:8008"
	}
	if cfg.RequestTimeoutSeconds == 0 {
		cfg.RequestTimeoutSeconds = 30
	}
	if cfg.RequestTimeoutSeconds < 0 {
		return fmt.Errorf("request timeout must not be negative")
	}
	if cfg.ConnectRetries == 0 {
		cfg.ConnectRetries = 3
	}

	if cfg.ServerPublicKey != "" {
		key, err := hex.DecodeString(cfg.ServerPublicKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("server public key must be 32 hex encoded bytes")
		}
	}

	if cfg.KeyshareDir == "" {
		cfg.KeyshareDir = cfg.NodeHome
	}

	return nil
}

// Validate applies defaults and checks the config.
func (c *Config) Validate() error {
	return validateConfig(c)
}

// KeypairPath resolves KeypairFile against NodeHome.
func (c *Config) KeypairPath() string {
	if filepath.IsAbs(c.KeypairFile) || c.NodeHome == "" {
		return c.KeypairFile
	}
	return filepath.Join(c.NodeHome, c.KeypairFile)
}

// DefaultHome returns ~/.mpcrelay, or a relative .mpcrelay when the user home
// cannot be resolved.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultHomeDirName
	}
	return filepath.Join(home, DefaultHomeDirName)
}

// Path returns the config file location under basePath.
func Path(basePath string) string {
	return filepath.Join(basePath, configSubdir, configFileName)
}

// Save writes the given config to <basePath>/config/mpcrelay_config.json.
func Save(cfg *Config, basePath string) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	configDir := filepath.Join(basePath, configSubdir)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(configDir, configFileName)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads the config from <basePath>/config/mpcrelay_config.json and
// applies defaults.
func Load(basePath string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(Path(basePath)))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.NodeHome == "" {
		cfg.NodeHome = basePath
	}
	if err := validateConfig(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDefaultConfig loads the default configuration from embedded JSON
func LoadDefaultConfig() (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfigJSON, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal default config: %w", err)
	}
	return &cfg, nil
}
