package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfig(t *testing.T) {
	testCases := []struct {
		name        string
		config      *Config
		expectError bool
		errorMsg    string
		validate    func(t *testing.T, cfg *Config)
	}{
		{
			name: "Valid config with all fields",
			config: &Config{
				LogLevel:              2,
				LogFormat:             "json",
				ListenAddr:            "127.0.0.1:9000",
				SessionTimeoutSeconds: 60,
				CheckIntervalSeconds:  5,
				RetentionSeconds:      120,
				ServerURL:             "ws://relay:9000",
				RequestTimeoutSeconds: 10,
				ServerPublicKey:       "0102030405060708091011121314151617181920212223242526272829303132",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
				assert.Equal(t, time.Minute, cfg.SessionTimeout())
				assert.Equal(t, 5*time.Second, cfg.CheckInterval())
				assert.Equal(t, 2*time.Minute, cfg.Retention())
				assert.Equal(t, 10*time.Second, cfg.RequestTimeout())
			},
		},
		{
			name: "Defaults applied to empty fields",
			config: &Config{
				LogLevel:  1,
				LogFormat: "console",
				NodeHome:  "/tmp/relay",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "0.0.0.0:8008", cfg.ListenAddr)
				assert.Equal(t, 5*time.Minute, cfg.SessionTimeout())
				assert.Equal(t, 15*time.Second, cfg.CheckInterval())
				assert.Equal(t, time.Hour, cfg.Retention())
				assert.Equal(t, "ws://127.0.0.1:8008", cfg.ServerURL)
				assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
				assert.Equal(t, 3, cfg.ConnectRetries)
				assert.Equal(t, 100, cfg.LogMaxSizeMB)
				assert.Equal(t, "keypair.json", cfg.KeypairFile)
				assert.Equal(t, "/tmp/relay", cfg.KeyshareDir)
				assert.Equal(t, filepath.Join("/tmp/relay", "keypair.json"), cfg.KeypairPath())
			},
		},
		{
			name: "Invalid log level (negative)",
			config: &Config{
				LogLevel:  -1,
				LogFormat: "json",
			},
			expectError: true,
			errorMsg:    "log level must be between 0 and 5",
		},
		{
			name: "Invalid log level (too high)",
			config: &Config{
				LogLevel:  6,
				LogFormat: "json",
			},
			expectError: true,
			errorMsg:    "log level must be between 0 and 5",
		},
		{
			name: "Invalid log format",
			config: &Config{
				LogLevel:  1,
				LogFormat: "xml",
			},
			expectError: true,
			errorMsg:    "log format must be 'json' or 'console'",
		},
		{
			name: "Negative session timeout",
			config: &Config{
				LogFormat:             "json",
				SessionTimeoutSeconds: -1,
			},
			expectError: true,
			errorMsg:    "session timings must not be negative",
		},
		{
			name: "Short server public key",
			config: &Config{
				LogFormat:       "json",
				ServerPublicKey: "abcd",
			},
			expectError: true,
			errorMsg:    "server public key must be 32 hex encoded bytes",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateConfig(tc.config)
			if tc.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errorMsg)
				return
			}
			require.NoError(t, err)
			if tc.validate != nil {
				tc.validate(t, tc.config)
			}
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	t.Run("Save and load valid config", func(t *testing.T) {
		dir := t.TempDir()
		cfg := &Config{
			LogLevel:         0,
			LogFormat:        "json",
			ListenAddr:       ":9100",
			KeysharePassword: "secret",
		}
		require.NoError(t, Save(cfg, dir))
		assert.FileExists(t, filepath.Join(dir, configSubdir, configFileName))

		loaded, err := Load(dir)
		require.NoError(t, err)
		assert.Equal(t, ":9100", loaded.ListenAddr)
		assert.Equal(t, "secret", loaded.KeysharePassword)
		assert.Equal(t, dir, loaded.NodeHome)
		assert.Equal(t, 300, loaded.SessionTimeoutSeconds)
	})

	t.Run("Save invalid config", func(t *testing.T) {
		err := Save(&Config{LogLevel: 9, LogFormat: "json"}, t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid config")
	})

	t.Run("Load from non-existent file", func(t *testing.T) {
		_, err := Load(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})

	t.Run("Load invalid JSON", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, configSubdir), 0o750))
		require.NoError(t, os.WriteFile(filepath.Join(dir, configSubdir, configFileName), []byte("{"), 0o600))
		_, err := Load(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to unmarshal config")
	})
}

func TestLoadDefaultConfig(t *testing.T) {
	cfg, err := LoadDefaultConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, "0.0.0.0:8008", cfg.ListenAddr)
	assert.Equal(t, 300, cfg.SessionTimeoutSeconds)
	assert.Equal(t, "ws://127.0.0.1:8008", cfg.ServerURL)
}
