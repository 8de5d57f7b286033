package config

import (
	"time"

	"github.com/jbcrane13/CrabyFace-sub003/internal/engine"
	"github.com/jbcrane13/CrabyFace-sub003/internal/resolve"
)

// Config holds runtime settings for the sync daemon.
//
// Fields:
//   - DatabaseDSN: SQLite DSN of the on-device database.
//   - Schedule: cron spec for background sync ("@every 5m"); empty disables
//     scheduled syncs.
//   - Direction: which way cycles move data (bidirectional, upload, download).
//   - Strategy: conflict resolution strategy applied by background cycles.
//   - BatchSize: records per push batch.
//   - RetryAttempts: transient-failure retries per remote call.
//   - Timeout: per remote call timeout.
//   - LogLevel: minimum level emitted (debug, info, warn, error).
type Config struct {
	DatabaseDSN   string
	Schedule      string
	Direction     engine.Direction
	Strategy      resolve.Strategy
	BatchSize     int
	RetryAttempts int
	Timeout       time.Duration
	LogLevel      string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DatabaseDSN = "crabyface.db"
	c.Schedule = "@every 5m"
	c.Direction = engine.DirectionBidirectional
	c.Strategy = resolve.MostRecent
	c.BatchSize = 50
	c.RetryAttempts = 3
	c.Timeout = 30 * time.Second
	c.LogLevel = "info"
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
