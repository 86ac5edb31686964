package cachesweep

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	Production bool   `yaml:"production"`
}

// NewLogger builds the process logger. Production selects JSON output;
// otherwise logs are human-readable console lines. An empty File logs to
// stderr.
func NewLogger(c LogConfig) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if c.Level != "" {
		var err error
		if lvl, err = zapcore.ParseLevel(c.Level); err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
	}

	var zc zap.Config
	if c.Production {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.Development = false
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.DisableStacktrace = true
	if c.File != "" {
		zc.OutputPaths = []string{c.File}
	}
	return zc.Build()
}
