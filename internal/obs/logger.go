package obs

import (
	"go.uber.org/zap"
)

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is a minimal logging interface for observability.
type Logger interface {
	Logf(level Level, format string, args ...interface{})
}

// NopLogger discards all logs.
type NopLogger struct{}

func (NopLogger) Logf(level Level, format string, args ...interface{}) {}

// ZapLogger adapts a zap logger.
type ZapLogger struct {
	L   *zap.SugaredLogger
	Min Level
}

// NewZapLogger wraps l. A nil l yields a no-op logger.
func NewZapLogger(l *zap.Logger) ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return ZapLogger{L: l.Sugar()}
}

func (z ZapLogger) Logf(level Level, format string, args ...interface{}) {
	if z.L == nil || level < z.Min {
		return
	}
	switch level {
	case Debug:
		z.L.Debugf(format, args...)
	case Info:
		z.L.Infof(format, args...)
	case Warn:
		z.L.Warnf(format, args...)
	default:
		z.L.Errorf(format, args...)
	}
}

// Named returns a logger scoped under name.
func (z ZapLogger) Named(name string) Logger {
	if z.L == nil {
		return z
	}
	return ZapLogger{L: z.L.Named(name), Min: z.Min}
}

// Named scopes l under name when the implementation supports it.
func Named(l Logger, name string) Logger {
	if l == nil {
		return NopLogger{}
	}
	if n, ok := l.(interface{ Named(string) Logger }); ok {
		return n.Named(name)
	}
	return l
}
