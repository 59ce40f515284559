// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables,
// with CLI flag overrides.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/durationpb"
)

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with BREAKWATER_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
//
// Optional environment variables:
//   - MYSQL_DSN or BREAKWATER_DATA_DATABASE_SOURCE: MySQL DSN for the
//     transition audit sink (empty disables persistence)
//   - BREAKWATER_DATA_REDIS_ADDR: shared-state Redis address
//
// Parameters:
//   - configPath: Path to the configuration file (empty uses defaults only)
//
// Returns:
//   - *Bootstrap: Loaded configuration
//   - error: Configuration loading or validation error
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Enable environment variable support with BREAKWATER_ prefix
	v.SetEnvPrefix("BREAKWATER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow direct environment variable names for operational compatibility
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "BREAKWATER_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "BREAKWATER_DATA_REDIS_ADDR")

	// Load configuration file
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// If config file is specified but not found, return error
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	// Parse configuration into Bootstrap structure
	bc := &Bootstrap{
		Server: &Server{
			Http: &Server_HTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: durationpb.New(v.GetDuration("server.http.timeout")),
			},
		},
		Data: &Data{
			Database: &Data_Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Data_Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				ReadTimeout:  durationpb.New(v.GetDuration("data.redis.read_timeout")),
				WriteTimeout: durationpb.New(v.GetDuration("data.redis.write_timeout")),
			},
		},
		Resilience: &Resilience{
			Breaker: &Resilience_Breaker{
				WindowSize:       v.GetInt32("resilience.breaker.window_size"),
				MinVolume:        v.GetInt32("resilience.breaker.min_volume"),
				FailureThreshold: v.GetFloat64("resilience.breaker.failure_threshold"),
				OpenDuration:     durationpb.New(v.GetDuration("resilience.breaker.open_duration")),
				ProbeCount:       v.GetInt32("resilience.breaker.probe_count"),
			},
			Bulkhead: &Resilience_Bulkhead{
				MaxConcurrency: v.GetInt32("resilience.bulkhead.max_concurrency"),
				MaxQueue:       v.GetInt32("resilience.bulkhead.max_queue"),
				QueueWait:      durationpb.New(v.GetDuration("resilience.bulkhead.queue_wait")),
			},
			Sync: &Resilience_Sync{
				Interval:        durationpb.New(v.GetDuration("resilience.sync.interval")),
				OpTimeout:       durationpb.New(v.GetDuration("resilience.sync.op_timeout")),
				RecordTtl:       durationpb.New(v.GetDuration("resilience.sync.record_ttl")),
				PreferOpenOnTie: v.GetBool("resilience.sync.prefer_open_on_tie"),
			},
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	// Validate field consistency
	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 30*time.Second)

	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	// Note: data.database.source (MYSQL_DSN) is optional; empty disables
	// the transition audit sink.

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// Circuit breaker defaults
	v.SetDefault("resilience.breaker.window_size", 20)
	v.SetDefault("resilience.breaker.min_volume", 10)
	v.SetDefault("resilience.breaker.failure_threshold", 0.5)
	v.SetDefault("resilience.breaker.open_duration", 30*time.Second)
	v.SetDefault("resilience.breaker.probe_count", 3)

	// Bulkhead defaults
	v.SetDefault("resilience.bulkhead.max_concurrency", 10)
	v.SetDefault("resilience.bulkhead.max_queue", 20)
	v.SetDefault("resilience.bulkhead.queue_wait", 2*time.Second)

	// State synchronization defaults
	v.SetDefault("resilience.sync.interval", 5*time.Second)
	v.SetDefault("resilience.sync.op_timeout", 300*time.Millisecond)
	v.SetDefault("resilience.sync.record_ttl", 2*time.Minute)
	v.SetDefault("resilience.sync.prefer_open_on_tie", true)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that all configuration fields are present and consistent.
// It returns an error listing all invalid fields.
func Validate(bc *Bootstrap) error {
	var invalid []string

	if bc.Resilience == nil || bc.Resilience.Breaker == nil {
		invalid = append(invalid, "resilience.breaker (missing)")
	} else {
		b := bc.Resilience.Breaker
		if b.FailureThreshold <= 0 || b.FailureThreshold > 1 {
			invalid = append(invalid, "resilience.breaker.failure_threshold (must be in (0, 1])")
		}
		if b.MinVolume <= 0 {
			invalid = append(invalid, "resilience.breaker.min_volume (must be > 0)")
		}
		if b.WindowSize < b.MinVolume {
			invalid = append(invalid, "resilience.breaker.window_size (must be >= min_volume)")
		}
		if b.ProbeCount <= 0 {
			invalid = append(invalid, "resilience.breaker.probe_count (must be > 0)")
		}
		if b.OpenDuration.AsDuration() <= 0 {
			invalid = append(invalid, "resilience.breaker.open_duration (must be > 0)")
		}
	}

	if bc.Resilience == nil || bc.Resilience.Bulkhead == nil {
		invalid = append(invalid, "resilience.bulkhead (missing)")
	} else {
		bh := bc.Resilience.Bulkhead
		if bh.MaxConcurrency <= 0 {
			invalid = append(invalid, "resilience.bulkhead.max_concurrency (must be > 0)")
		}
		if bh.MaxQueue < 0 {
			invalid = append(invalid, "resilience.bulkhead.max_queue (must be >= 0)")
		}
	}

	if bc.Resilience == nil || bc.Resilience.Sync == nil {
		invalid = append(invalid, "resilience.sync (missing)")
	} else {
		s := bc.Resilience.Sync
		if s.Interval.AsDuration() <= 0 {
			invalid = append(invalid, "resilience.sync.interval (must be > 0)")
		}
		if s.OpTimeout.AsDuration() <= 0 {
			invalid = append(invalid, "resilience.sync.op_timeout (must be > 0)")
		}
		if s.RecordTtl.AsDuration() <= 0 {
			invalid = append(invalid, "resilience.sync.record_ttl (must be > 0)")
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid configuration fields: %s", strings.Join(invalid, ", "))
	}

	return nil
}
