package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns the process logger. LOG_FORMAT=json selects the JSON handler.
func NewLogger(cfg *Config) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg *Config, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true, Level: slog.LevelInfo}
	var handler slog.Handler = slog.NewTextHandler(out, opts)
	if cfg != nil {
		if level, err := parseLevel(cfg.LogLevel); err == nil {
			opts.Level = level
		}
		if cfg.LogFormat == "json" {
			handler = slog.NewJSONHandler(out, opts)
		}
	}
	logger := slog.New(handler)
	if cfg != nil && cfg.AppEnv != "" {
		logger = logger.With(slog.String("env", cfg.AppEnv))
	}
	return logger
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(raw) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q", raw)
	}
	return level, nil
}
