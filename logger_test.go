package mqttsession

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func init() {
	color.NoColor = true
}

func TestLogLevel(t *testing.T) {
	t.Run("string representation", func(t *testing.T) {
		assert.Equal(t, "DEBUG", LogLevelDebug.String())
		assert.Equal(t, "INFO", LogLevelInfo.String())
		assert.Equal(t, "WARN", LogLevelWarn.String())
		assert.Equal(t, "ERROR", LogLevelError.String())
		assert.Equal(t, "NONE", LogLevelNone.String())
		assert.Equal(t, "UNKNOWN", LogLevel(99).String())
	})

	t.Run("parse", func(t *testing.T) {
		tests := []struct {
			in   string
			want LogLevel
		}{
			{"debug", LogLevelDebug},
			{"info", LogLevelInfo},
			{"warning", LogLevelWarn},
			{"ERROR", LogLevelError},
			{"off", LogLevelNone},
			{"bogus", LogLevelInfo},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.want, ParseLogLevel(tt.in), tt.in)
		}
	})
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()

	t.Run("with fields returns same logger", func(t *testing.T) {
		assert.Equal(t, logger, logger.WithFields(LogFields{"key": "value"}))
	})

	t.Run("level operations", func(t *testing.T) {
		assert.Equal(t, LogLevelNone, logger.Level())

		logger.SetLevel(LogLevelDebug)
		assert.Equal(t, LogLevelDebug, logger.Level())
	})
}

func TestStdLogger(t *testing.T) {
	t.Run("debug level logs all", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewStdLogger(buf, LogLevelDebug)

		logger.Debug("debug message", nil)
		logger.Info("info message", nil)
		logger.Warn("warn message", nil)
		logger.Error("error message", nil)

		output := buf.String()
		assert.Contains(t, output, "[DEBUG] debug message")
		assert.Contains(t, output, "[INFO] info message")
		assert.Contains(t, output, "[WARN] warn message")
		assert.Contains(t, output, "[ERROR] error message")
	})

	t.Run("warn level skips debug and info", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewStdLogger(buf, LogLevelWarn)

		logger.Debug("debug message", nil)
		logger.Info("info message", nil)
		logger.Warn("warn message", nil)

		output := buf.String()
		assert.NotContains(t, output, "debug message")
		assert.NotContains(t, output, "info message")
		assert.Contains(t, output, "warn message")
	})

	t.Run("none level logs nothing", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewStdLogger(buf, LogLevelNone)

		logger.Error("error message", nil)

		assert.Empty(t, buf.String())
	})

	t.Run("with fields preserves parent fields", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewStdLogger(buf, LogLevelDebug)

		parent := logger.WithFields(LogFields{LogFieldHandle: "tcp://b:1883:c:app"})
		child := parent.WithFields(LogFields{LogFieldTopic: "a/b"})

		child.Info("message", LogFields{LogFieldQoS: 1})

		output := buf.String()
		assert.Contains(t, output, "handle")
		assert.Contains(t, output, "tcp://b:1883:c:app")
		assert.Contains(t, output, "a/b")
		assert.Contains(t, output, "qos")
	})

	t.Run("nil writer defaults to stderr", func(t *testing.T) {
		logger := NewStdLogger(nil, LogLevelDebug)
		assert.NotNil(t, logger.logger)
	})
}

func TestSlogLogger(t *testing.T) {
	t.Run("respects level", func(t *testing.T) {
		buf := &bytes.Buffer{}
		base := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		logger := NewSlogLogger(base, LogLevelWarn)

		logger.Info("hidden", nil)
		logger.Warn("shown", LogFields{LogFieldTopic: "t"})

		output := buf.String()
		assert.NotContains(t, output, "hidden")
		assert.Contains(t, output, "shown")
		assert.Contains(t, output, "topic=t")
	})

	t.Run("level round trip", func(t *testing.T) {
		logger := NewSlogLogger(nil, LogLevelInfo)
		assert.Equal(t, LogLevelInfo, logger.Level())

		for _, l := range []LogLevel{LogLevelDebug, LogLevelWarn, LogLevelError, LogLevelNone} {
			logger.SetLevel(l)
			assert.Equal(t, l, logger.Level())
		}
	})

	t.Run("with fields", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewSlogLogger(slog.New(slog.NewTextHandler(buf, nil)), LogLevelInfo)

		logger.WithFields(LogFields{LogFieldClientID: "c1"}).Info("connected", nil)

		assert.Contains(t, buf.String(), "client_id=c1")
	})
}

func TestLoggerInterface(t *testing.T) {
	var _ Logger = NewNoOpLogger()
	var _ Logger = NewStdLogger(nil, LogLevelDebug)
	var _ Logger = NewSlogLogger(nil, LogLevelDebug)
}

func BenchmarkStdLoggerWithFields(b *testing.B) {
	buf := &bytes.Buffer{}
	logger := NewStdLogger(buf, LogLevelDebug)
	fields := LogFields{"key": "value", "count": 42}

	b.ReportAllocs()

	for b.Loop() {
		logger.Info("test message", fields)
	}
}

func TestLoggerConnectionLifecycle(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewStdLogger(buf, LogLevelDebug)

	connLogger := logger.WithFields(LogFields{
		LogFieldClientID:  "client-123",
		LogFieldServerURI: "tcp://localhost:1883",
	})

	connLogger.Info("connecting", nil)
	connLogger.Debug("message arrived", LogFields{LogFieldTopic: "sensors/1"})
	connLogger.Warn("connection lost", LogFields{LogFieldError: "eof"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[0], "connecting")
	assert.Contains(t, lines[1], "message arrived")
	assert.Contains(t, lines[2], "connection lost")
}
