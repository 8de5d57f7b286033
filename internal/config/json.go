package config

import (
	"encoding/json"
	"os"

	"github.com/jbcrane13/CrabyFace-sub003/internal/engine"
	"github.com/jbcrane13/CrabyFace-sub003/internal/flagx"
	"github.com/jbcrane13/CrabyFace-sub003/internal/resolve"
	"github.com/jbcrane13/CrabyFace-sub003/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so JSON can specify the timeout either as a string like
// "30s" or as integer nanoseconds.
type JsonConfig struct {
	DatabaseDSN   string         `json:"database_dsn"`
	Schedule      string         `json:"schedule"`
	Direction     string         `json:"direction"`
	Strategy      string         `json:"strategy"`
	BatchSize     int            `json:"batch_size"`
	RetryAttempts *int           `json:"retry_attempts"`
	Timeout       timex.Duration `json:"timeout"`
	LogLevel      string         `json:"log_level"`
}

// parseJson overlays cfg with values loaded from a JSON file. The file path
// comes from the -c/-config flags via flagx.JsonConfigFlags; when no path is
// given the function returns without touching cfg. Fields absent from the
// JSON keep their current values. Panics on read or unmarshal errors.
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

	if jc.DatabaseDSN != "" {
		cfg.DatabaseDSN = jc.DatabaseDSN
	}
	if jc.Schedule != "" {
		cfg.Schedule = jc.Schedule
	}
	if jc.Direction != "" {
		d, err := engine.ParseDirection(jc.Direction)
		if err != nil {
			panic(err)
		}
		cfg.Direction = d
	}
	if jc.Strategy != "" {
		s, err := resolve.ParseStrategy(jc.Strategy)
		if err != nil {
			panic(err)
		}
		cfg.Strategy = s
	}
	if jc.BatchSize > 0 {
		cfg.BatchSize = jc.BatchSize
	}
	if jc.RetryAttempts != nil {
		cfg.RetryAttempts = *jc.RetryAttempts
	}
	if jc.Timeout.Duration > 0 {
		cfg.Timeout = jc.Timeout.Duration
	}
	if jc.LogLevel != "" {
		cfg.LogLevel = jc.LogLevel
	}
}
