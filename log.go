package docmap

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// NewLogger builds a zap logger. Format "json" selects the production
// encoder, anything else the development console encoder.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	if strings.EqualFold(cfg.Format, "json") {
		config = zap.NewProductionConfig()
	}

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, fmt.Errorf("%w: log level %q", ErrInvalidArgument, cfg.Level)
		}
		config.Level = level
	}

	return config.Build()
}
