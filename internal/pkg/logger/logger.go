package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"muse-ai-pipeline/internal/config"
)

// Fields is structured log metadata attached to a single entry.
type Fields map[string]interface{}

// Logger wraps logrus with the pipeline's logging conventions: structured
// fields everywhere, service/agent/workflow helpers for the hot paths.
type Logger struct {
	entry *logrus.Entry
}

func New(cfg config.LogConfig) (*Logger, error) {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q failed: %w", cfg.Level, err)
	}
	base.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "text", "console":
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	}

	output, err := resolveOutput(cfg)
	if err != nil {
		return nil, err
	}
	base.SetOutput(output)

	return &Logger{entry: logrus.NewEntry(base)}, nil
}

// NewNop returns a logger that discards everything. Used by tests.
func NewNop() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &Logger{entry: logrus.NewEntry(base)}
}

func resolveOutput(cfg config.LogConfig) (io.Writer, error) {
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		dir := filepath.Dir(cfg.Output)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory %s failed: %w", dir, err)
		}
		return &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}, nil
	}
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(sweep(keysAndValues)).Debug(msg)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(sweep(keysAndValues)).Info(msg)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(sweep(keysAndValues)).Warn(msg)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(sweep(keysAndValues)).Error(msg)
}

func (l *Logger) Fatal(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(sweep(keysAndValues)).Fatal(msg)
}

// LogService records one call into an infrastructure dependency.
func (l *Logger) LogService(service, operation string, duration time.Duration, fields Fields, err error) {
	entry := l.entry.WithFields(logrus.Fields{
		"service":     service,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})
	if len(fields) > 0 {
		entry = entry.WithFields(logrus.Fields(fields))
	}

	if err != nil {
		entry.WithError(err).Error("service call failed")
		return
	}
	entry.Debug("service call completed")
}

// LogAgent records one remote agent invocation within a workflow.
func (l *Logger) LogAgent(sessionID, agentID, operation string, duration time.Duration, fields Fields, err error) {
	entry := l.entry.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"agent_id":    agentID,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})
	if len(fields) > 0 {
		entry = entry.WithFields(logrus.Fields(fields))
	}

	if err != nil {
		entry.WithError(err).Error("agent invocation failed")
		return
	}
	entry.Info("agent invocation completed")
}

// LogWorkflow records a workflow lifecycle event.
func (l *Logger) LogWorkflow(sessionID, event string, duration time.Duration, err error) {
	entry := l.entry.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"event":       event,
		"duration_ms": duration.Milliseconds(),
	})

	if err != nil {
		entry.WithError(err).Error("workflow event")
		return
	}
	entry.Info("workflow event")
}

// sweep converts variadic key-value pairs into logrus fields. Odd trailing
// values are kept under "extra" rather than dropped.
func sweep(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keysAndValues[i])
		}
		fields[key] = keysAndValues[i+1]
	}
	if len(keysAndValues)%2 == 1 {
		fields["extra"] = keysAndValues[len(keysAndValues)-1]
	}
	return fields
}
