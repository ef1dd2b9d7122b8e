package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Graylog2/go-gelf/gelf"
)

// osStdout is swapped out by tests that capture console output.
var osStdout io.Writer = os.Stdout

// SlogManager manages slog-based logging with optional GELF shipping.
type SlogManager struct {
	logger *slog.Logger

	// Graylog writer for closing
	gelfWriter *gelf.Writer
}

// NewSlogManager creates a new slog-based logging manager.
func NewSlogManager() *SlogManager {
	return &SlogManager{}
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup initializes the logging system with file and optional GELF output.
// An empty gelfAddr disables Graylog shipping.
func (m *SlogManager) Setup(file io.Writer, level string, gelfAddr string) error {
	lvl := parseLevel(level)

	// Common handler options with RFC3339 time formatting
	handlerOpts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
				}
			}
			return a
		},
	}

	// Build list of handlers
	var handlers []slog.Handler

	if file != nil {
		handlers = append(handlers, slog.NewTextHandler(file, handlerOpts))
	} else {
		// Console handler when no log file is configured
		handlers = append(handlers, slog.NewTextHandler(osStdout, handlerOpts))
	}

	// Graylog handler. Each JSON record becomes one GELF message.
	if gelfAddr != "" {
		w, err := gelf.NewWriter(gelfAddr)
		if err != nil {
			return err
		}
		m.gelfWriter = w
		handlers = append(handlers, slog.NewJSONHandler(w, handlerOpts))
	}

	// Combine all handlers
	tee := NewTeeHandler(handlers...)

	m.logger = slog.New(tee)
	m.logger.Info("Logging initialized", "level", level)
	return nil
}

// Logger returns the configured slog.Logger.
func (m *SlogManager) Logger() *slog.Logger {
	if m.logger == nil {
		// Return a default logger if Setup hasn't been called
		return slog.Default()
	}
	return m.logger
}

// Close shuts down the GELF connection if one was opened.
func (m *SlogManager) Close() error {
	if m.gelfWriter != nil {
		return m.gelfWriter.Close()
	}
	return nil
}

// WriteLog writes a log entry tagged with the originating function name.
// Used by the request and session trace paths.
func (m *SlogManager) WriteLog(functionName, data, level string) {
	if m.logger == nil {
		return
	}

	lvl := parseLevel(level)

	switch lvl {
	case slog.LevelDebug:
		m.logger.Debug(data, "function", functionName)
	case slog.LevelInfo:
		m.logger.Info(data, "function", functionName)
	case slog.LevelWarn:
		m.logger.Warn(data, "function", functionName)
	case slog.LevelError:
		m.logger.Error(data, "function", functionName)
	default:
		m.logger.Info(data, "function", functionName)
	}
}
