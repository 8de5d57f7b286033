package config

import (
	"flag"
	"os"
	"time"

	"github.com/jbcrane13/CrabyFace-sub003/internal/engine"
	"github.com/jbcrane13/CrabyFace-sub003/internal/flagx"
	"github.com/jbcrane13/CrabyFace-sub003/internal/resolve"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   SQLite DSN of the local database (default from Config)
//	-s string   cron schedule for background sync, empty disables it
//	-dir string sync direction: bidirectional, upload or download
//	-r string   conflict resolution strategy
//	-b int      records per push batch
//	-t int      remote call timeout in seconds
//	-l string   log level: debug, info, warn, error
//
// Note: The function filters os.Args to only include the flags it knows
// about, using flagx.FilterArgs, to avoid interference with other
// components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-s", "-dir", "-r", "-b", "-t", "-l"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "SQLite DSN of the local database")
	fs.StringVar(&cfg.Schedule, "s", cfg.Schedule, "cron schedule for background sync")
	direction := fs.String("dir", string(cfg.Direction), "sync direction")
	strategy := fs.String("r", string(cfg.Strategy), "conflict resolution strategy")
	fs.IntVar(&cfg.BatchSize, "b", cfg.BatchSize, "records per push batch")
	timeout := fs.Int("t", int(cfg.Timeout.Seconds()), "remote call timeout (in seconds)")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	d, err := engine.ParseDirection(*direction)
	if err != nil {
		panic(err)
	}
	cfg.Direction = d

	s, err := resolve.ParseStrategy(*strategy)
	if err != nil {
		panic(err)
	}
	cfg.Strategy = s

	cfg.Timeout = time.Duration(*timeout) * time.Second
}
