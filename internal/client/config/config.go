package config

import "time"

// Config holds runtime settings for the sync client.
//
// Fields:
//   - ServerURL: websocket endpoint of the chat server.
//   - DatabaseDSN: path of the local SQLite database file.
//   - PingInterval / PongTimeout: liveness probe cadence and deadline.
//   - BackoffBase / BackoffMax: reconnect delay progression bounds.
//   - ReconnectMaxAttempts: give-up ceiling for one reconnect episode.
//   - CacheTTL: staleness window of chat-list and last-message snapshots.
type Config struct {
	ServerURL            string
	DatabaseDSN          string
	PingInterval         time.Duration
	PongTimeout          time.Duration
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	ReconnectMaxAttempts int
	CacheTTL             time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerURL = "ws://127.0.0.1:8080/sync"
	c.DatabaseDSN = "matesync.db"
	c.PingInterval = 30 * time.Second
	c.PongTimeout = 10 * time.Second
	c.BackoffBase = 1 * time.Second
	c.BackoffMax = 30 * time.Second
	c.ReconnectMaxAttempts = 10
	c.CacheTTL = 5 * time.Minute
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
