package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"keypanel/backend/internal/config"
)

// Cleanup closes the log file, if one was opened.
type Cleanup func() error

// New builds the process logger. Output goes to stdout and, when cfg.File is
// set, is tee'd into that file.
func New(cfg config.LoggingConfig) (*slog.Logger, Cleanup, error) {
	return newWithWriter(cfg, os.Stdout)
}

func newWithWriter(cfg config.LoggingConfig, out io.Writer) (*slog.Logger, Cleanup, error) {
	handlerOptions := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: true,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if isSecretAttr(a.Key) {
				return slog.String(a.Key, "[redacted]")
			}
			return a
		},
	}

	writers := []io.Writer{out}
	var file *os.File
	if cfg.File != "" {
		dir := filepath.Dir(cfg.File)
		if dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, err
			}
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		file = f
		writers = append(writers, file)
	}

	multi := io.MultiWriter(writers...)
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(multi, handlerOptions)
	default:
		handler = slog.NewTextHandler(multi, handlerOptions)
	}

	logger := slog.New(handler)
	cleanup := func() error {
		if file != nil {
			return file.Close()
		}
		return nil
	}
	return logger, cleanup, nil
}

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDefault returns logger, or slog.Default when it is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// isSecretAttr keeps api keys and tokens out of log output.
func isSecretAttr(key string) bool {
	switch strings.ToLower(key) {
	case "api_key", "apikey", "token", "password", "key_value", "authorization":
		return true
	default:
		return false
	}
}

// parseLevel parses level.
func parseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
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
