// Package logger builds the proxy's single log/slog.Logger. The logger
// value is constructed once at startup and passed down explicitly through
// every component that needs it (internal/engine attaches a "client"
// field per connection, internal/pool logs "upstream"); nothing in
// this module reads or writes logging state through a context value or
// other ambient mechanism.
//
// Grounded on thushan-olla/internal/logger/logger.go's slog+lumberjack
// setup, minus its pterm/bubbletea TUI theming, which has no place in a
// headless daemon.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/WhileEndless/go-reverseproxy/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds a slog.Logger from cfg. The returned close func flushes and
// closes any file output; callers should defer it.
func New(cfg config.Logging) (*slog.Logger, func() error, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	writers := []io.Writer{os.Stdout}
	closeFile := func() error { return nil }

	if cfg.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		writers = append(writers, rotator)
		closeFile = rotator.Close
	}

	w := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler), closeFile, nil
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}
