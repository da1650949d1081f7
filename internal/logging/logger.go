package logging

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"proofreel/internal/config"
)

// Options describes logger construction parameters.
type Options struct {
	Level  string
	Format string
	// File, when set, receives a copy of every record.
	File   string
	Stderr io.Writer
}

// New constructs a slog logger using the provided options.
func New(opts Options) (*slog.Logger, error) {
	levelVar := new(slog.LevelVar)
	levelVar.Set(parseLevel(opts.Level))

	out := opts.Stderr
	if out == nil {
		out = os.Stderr
	}
	if path := strings.TrimSpace(opts.File); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o664)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		out = io.MultiWriter(out, f)
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     levelVar,
		AddSource: levelVar.Level() <= slog.LevelDebug,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				attr.Key = "ts"
				if attr.Value.Kind() == slog.KindTime {
					attr.Value = slog.StringValue(attr.Value.Time().UTC().Format(time.RFC3339))
				}
			case slog.LevelKey:
				attr.Value = slog.StringValue(strings.ToLower(attr.Value.String()))
			case slog.SourceKey:
				if src, ok := attr.Value.Any().(*slog.Source); ok && src != nil {
					attr.Value = slog.StringValue(fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
				}
			}
			return attr
		},
	}

	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "json":
		return slog.New(slog.NewJSONHandler(out, handlerOpts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(out, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}
}

// NewFromConfig creates a logger from the log section of cfg. A relative log
// file is resolved against stateDir.
func NewFromConfig(cfg *config.Config, stateDir string) (*slog.Logger, error) {
	if cfg == nil {
		return New(Options{Level: "info"})
	}
	file := cfg.Log.File
	if file != "" && !filepath.IsAbs(file) {
		file = filepath.Join(stateDir, file)
	}
	return New(Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: file})
}

// NewNop returns a logger that discards everything.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// StdLogger adapts logger for APIs that want a *log.Logger.
func StdLogger(logger *slog.Logger, level slog.Level) *log.Logger {
	if logger == nil {
		logger = NewNop()
	}
	return slog.NewLogLogger(logger.Handler(), level)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
