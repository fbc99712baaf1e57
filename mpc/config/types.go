package config

import "time"

type Config struct {
	// Log Config
	LogLevel      int    `json:"log_level"`        // e.g., 0 = debug, 1 = info, etc.
	LogFormat     string `json:"log_format"`       // "json" or "console"
	LogSampler    bool   `json:"log_sampler"`      // if true, samples logs (1 in 5)
	LogFile       string `json:"log_file"`         // optional rotating log file
	LogMaxSizeMB  int    `json:"log_max_size_mb"`  // rotate after this many megabytes (default: 100)
	LogMaxBackups int    `json:"log_max_backups"`  // rotated files kept (default: 3)
	LogMaxAgeDays int    `json:"log_max_age_days"` // days rotated files are kept (default: 28)

	// Node Config
	NodeHome    string `json:"node_home"`    // Home directory (default: ~/.mpcrelay)
	KeypairFile string `json:"keypair_file"` // Noise identity, relative to NodeHome (default: keypair.json)

	// Relay server configuration
	ListenAddr            string `json:"listen_addr"`             // (default: 0.0.0.0:8008)
	SessionTimeoutSeconds int    `json:"session_timeout_seconds"` // join timeout (default: 300)
	CheckIntervalSeconds  int    `json:"check_interval_seconds"`  // timeout sweep interval (default: 15)
	RetentionSeconds      int    `json:"retention_seconds"`       // keep closed sessions for (default: 3600)
	SessionDBDir          string `json:"session_db_dir"`          // empty disables the session store

	// Client configuration
	ServerURL             string `json:"server_url"`              // (default: ws://127.0.0.1:8008)
	ServerPublicKey       string `json:"server_public_key"`       // hex Curve25519 key of the relay
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"` // (default: 30)
	ConnectRetries        int    `json:"connect_retries"`         // (default: 3)

	// Key share storage
	KeyshareDir      string `json:"keyshare_dir"`      // keyshares live under <keyshare_dir>/keyshares (default: node_home)
	KeysharePassword string `json:"keyshare_password"` // encryption password for stored key shares
}

// SessionTimeout is the join timeout applied by the relay.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSeconds) * time.Second
}

// CheckInterval is how often the relay sweeps for timed out sessions.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// Retention is how long closed sessions are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

// RequestTimeout bounds every client request to the relay.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}
