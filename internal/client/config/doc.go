// Package config loads runtime configuration for the sync client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via flags: -c or -config.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// Supported flags
//
//	-a string   websocket URL of the chat server
//	-d string   path of the local database file
//	-r int      reconnect attempt ceiling
//
// # JSON schema
//
// The JSON loader uses timex.Duration for intervals, so values can be either
// strings like "30s" or integer nanoseconds:
//
//	{
//	  "server_url": "wss://chat.example.org/sync",
//	  "database_dsn": "matesync.db",
//	  "ping_interval": "30s",
//	  "pong_timeout": "10s",
//	  "backoff_base": "1s",
//	  "backoff_max": "30s",
//	  "reconnect_max_attempts": 10,
//	  "cache_ttl": "5m"
//	}
//
// Note: This package does not read environment variables directly; use the
// JSON file or flags to configure values.
package config
