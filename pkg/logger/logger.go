// Package logger builds the process-wide slog logger and relays child
// process output into it.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	charmLog "github.com/charmbracelet/log"

	"extbridge/pkg/config"
)

const (
	formatText = "text"
	formatJSON = "json"

	envLogFormat    = "EXTBRIDGE_LOG_FORMAT"
	envLogLevel     = "EXTBRIDGE_LOG_LEVEL"
	envLogAddSource = "EXTBRIDGE_LOG_ADD_SOURCE"
)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// settings is LoggingConfig after environment overrides and defaults.
type settings struct {
	format    string
	level     slog.Level
	addSource bool
}

// New builds the process logger writing to stderr, leaving stdout free for
// the UI channel. EXTBRIDGE_LOG_* variables take precedence over cfg.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	s, err := resolveSettings(cfg)
	if err != nil {
		return nil, err
	}

	if s.format == formatJSON {
		return slog.New(&entryHandler{
			level:     s.level,
			addSource: s.addSource,
			writer:    writer,
			mu:        &sync.Mutex{},
		}), nil
	}

	pretty := charmLog.NewWithOptions(writer, charmLog.Options{
		Level:           charmLevel(s.level),
		ReportTimestamp: true,
		ReportCaller:    s.addSource,
		Formatter:       charmLog.TextFormatter,
	})
	return slog.New(pretty), nil
}

func resolveSettings(cfg config.LoggingConfig) (settings, error) {
	format := strings.ToLower(override(envLogFormat, cfg.Format))
	switch format {
	case "":
		format = formatText
	case formatText, formatJSON:
	default:
		return settings{}, fmt.Errorf("unsupported log format %q", format)
	}

	levelText := strings.ToLower(override(envLogLevel, cfg.Level))
	if levelText == "" {
		levelText = "info"
	}
	level, ok := levels[levelText]
	if !ok {
		return settings{}, fmt.Errorf("unsupported log level %q", levelText)
	}

	addSource := cfg.AddSource
	if value := strings.TrimSpace(os.Getenv(envLogAddSource)); value != "" {
		addSource = parseBool(value)
	}

	return settings{format: format, level: level, addSource: addSource}, nil
}

// override returns the trimmed env value when set, otherwise fallback.
func override(env string, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(env)); value != "" {
		return value
	}
	return strings.TrimSpace(fallback)
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

func parseBool(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
