package logger

import (
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	// Level specifies the minimum logging level.
	Level zapcore.Level `mapstructure:"level"`

	// Development enables development mode with console encoding and
	// human-readable timestamps. In production mode JSON encoding is used.
	Development bool `mapstructure:"development"`

	// OutputPaths is a list of URLs or file paths to write logging output to.
	// If empty, defaults to stderr.
	OutputPaths []string `mapstructure:"outputPaths"`

	// StacktraceLevel sets the minimum level at which stacktraces are captured.
	StacktraceLevel zapcore.Level `mapstructure:"stacktraceLevel"`
}

func newConfig(v *viper.Viper) (Config, error) {
	sub := v.Sub("logger")
	if sub == nil {
		return Config{
			Level:           zapcore.InfoLevel,
			StacktraceLevel: zapcore.ErrorLevel,
		}, nil
	}

	var rawCfg struct {
		Level           string   `mapstructure:"level"`
		Development     bool     `mapstructure:"development"`
		OutputPaths     []string `mapstructure:"outputPaths"`
		StacktraceLevel string   `mapstructure:"stacktraceLevel"`
	}
	if err := sub.Unmarshal(&rawCfg); err != nil {
		return Config{}, fmt.Errorf("failed to load logger config: %w", err)
	}

	level := zapcore.InfoLevel
	if rawCfg.Level != "" {
		parsed, err := zapcore.ParseLevel(rawCfg.Level)
		if err != nil {
			return Config{}, fmt.Errorf("invalid log level '%s': %w", rawCfg.Level, err)
		}
		level = parsed
	}

	stacktraceLevel := zapcore.ErrorLevel
	if rawCfg.StacktraceLevel != "" {
		parsed, err := zapcore.ParseLevel(rawCfg.StacktraceLevel)
		if err != nil {
			return Config{}, fmt.Errorf("invalid stacktrace level '%s': %w", rawCfg.StacktraceLevel, err)
		}
		stacktraceLevel = parsed
	}

	return Config{
		Level:           level,
		Development:     rawCfg.Development,
		OutputPaths:     rawCfg.OutputPaths,
		StacktraceLevel: stacktraceLevel,
	}, nil
}
