package config

import (
	"flag"
	"os"

	"github.com/glowingkitty/matesync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   websocket URL of the chat server (default from Config)
//	-d string   path of the local database file (default from Config)
//	-r int      reconnect attempt ceiling (default from Config)
//
// Note: The function filters os.Args to only include the flags it knows
// about, using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-r"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerURL, "a", cfg.ServerURL, "websocket URL of the chat server")
	fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "path of the local database file")
	fs.IntVar(&cfg.ReconnectMaxAttempts, "r", cfg.ReconnectMaxAttempts, "reconnect attempt ceiling")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
