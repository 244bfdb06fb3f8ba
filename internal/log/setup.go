package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options mirror the logging section of the engine config.
type Options struct {
	Level     string
	File      string
	MaxSizeMB int
	MaxFiles  int
}

// New builds the engine logger: text output to stderr or a rotating file,
// with sensitive attributes redacted. The returned closer is non-nil only
// when a file writer was opened.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var writer io.Writer = os.Stderr
	var closer io.Closer
	if opts.File != "" {
		rotating, err := newRotatingWriter(opts)
		if err != nil {
			return nil, nil, err
		}
		writer = rotating
		closer = rotating
	}

	handler := slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level})
	return slog.New(NewRedactingHandler(handler)), closer, nil
}

// newRotatingWriter opens the size-capped log file, creating its directory
// if needed.
func newRotatingWriter(opts Options) (*lumberjack.Logger, error) {
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxFiles := opts.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 5
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    maxSize,
		MaxBackups: maxFiles,
		Compress:   false,
	}, nil
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", raw)
	}
}
