// Package profiling starts optional continuous profiling.
package profiling

import (
	"fmt"

	"github.com/grafana/pyroscope-go"
	"github.com/rs/zerolog"
)

// Config selects the Pyroscope server and tags.
type Config struct {
	Enabled         bool              `mapstructure:"enabled"`
	ServerAddress   string            `mapstructure:"server_address"`
	ApplicationName string            `mapstructure:"application_name"`
	Tags            map[string]string `mapstructure:"tags"`
}

// Start begins profiling and returns the function that stops it. When
// profiling is disabled the stop function does nothing.
func Start(cfg Config, logger zerolog.Logger) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}
	if cfg.ServerAddress == "" {
		return nil, fmt.Errorf("profiling.server_address is required")
	}
	name := cfg.ApplicationName
	if name == "" {
		name = "trustgate"
	}
	logger = logger.With().Str("component", "profiling").Logger()

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: name,
		ServerAddress:   cfg.ServerAddress,
		Tags:            cfg.Tags,
		Logger:          zerologAdapter{logger},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start pyroscope: %w", err)
	}
	logger.Info().Str("server", cfg.ServerAddress).Str("application", name).Msg("profiling started")
	return func() {
		if err := profiler.Stop(); err != nil {
			logger.Warn().Err(err).Msg("stop profiler")
		}
	}, nil
}

// zerologAdapter satisfies pyroscope.Logger.
type zerologAdapter struct {
	logger zerolog.Logger
}

func (z zerologAdapter) Infof(format string, args ...interface{}) {
	z.logger.Debug().Msgf(format, args...)
}

func (z zerologAdapter) Debugf(format string, args ...interface{}) {
	z.logger.Trace().Msgf(format, args...)
}

func (z zerologAdapter) Errorf(format string, args ...interface{}) {
	z.logger.Error().Msgf(format, args...)
}
