// Package logging initializes the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Config controls logger initialization.
type Config struct {
	Format    string // "json", "console", or "auto"
	Level     string // "debug", "info", "warn", "error"
	Component string // optional component name
}

// Setup configures the global logger. Safe to call once at process start.
func Setup(cfg Config) {
	zerolog.TimeFieldFormat = time.RFC3339

	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	var w io.Writer = os.Stderr
	if useConsole(cfg.Format) {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(w).With().Timestamp()
	if cfg.Component != "" {
		logger = logger.Str("component", cfg.Component)
	}
	log.Logger = logger.Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func useConsole(format string) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console":
		return true
	case "json":
		return false
	default:
		return term.IsTerminal(int(os.Stderr.Fd()))
	}
}
