package config

import (
	"encoding/json"
	"os"

	"github.com/glowingkitty/matesync/internal/flagx"
	"github.com/glowingkitty/matesync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so JSON can specify intervals either as strings like "30s"
// or as integer nanoseconds.
type JsonConfig struct {
	ServerURL            string         `json:"server_url"`
	DatabaseDSN          string         `json:"database_dsn"`
	PingInterval         timex.Duration `json:"ping_interval"`
	PongTimeout          timex.Duration `json:"pong_timeout"`
	BackoffBase          timex.Duration `json:"backoff_base"`
	BackoffMax           timex.Duration `json:"backoff_max"`
	ReconnectMaxAttempts int            `json:"reconnect_max_attempts"`
	CacheTTL             timex.Duration `json:"cache_ttl"`
}

// parseJson overlays cfg with values loaded from the JSON file named by the
// -c or -config flags. Absent file path means no JSON is loaded; zero-valued
// JSON fields keep the value cfg already has.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.ServerURL != "" {
		cfg.ServerURL = jc.ServerURL
	}
	if jc.DatabaseDSN != "" {
		cfg.DatabaseDSN = jc.DatabaseDSN
	}
	if jc.PingInterval.Duration > 0 {
		cfg.PingInterval = jc.PingInterval.Duration
	}
	if jc.PongTimeout.Duration > 0 {
		cfg.PongTimeout = jc.PongTimeout.Duration
	}
	if jc.BackoffBase.Duration > 0 {
		cfg.BackoffBase = jc.BackoffBase.Duration
	}
	if jc.BackoffMax.Duration > 0 {
		cfg.BackoffMax = jc.BackoffMax.Duration
	}
	if jc.ReconnectMaxAttempts > 0 {
		cfg.ReconnectMaxAttempts = jc.ReconnectMaxAttempts
	}
	if jc.CacheTTL.Duration > 0 {
		cfg.CacheTTL = jc.CacheTTL.Duration
	}
}
