package portal

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// Logger is the structured logging surface used by every component.
// keysAndValues alternate between string keys and arbitrary values.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return nopLogger{} }

type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger adapts a zap logger.
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return zapLogger{s: l.Sugar()}
}

func (z zapLogger) Debug(msg string, kv ...any) { z.s.Debugw(msg, kv...) }
func (z zapLogger) Info(msg string, kv ...any)  { z.s.Infow(msg, kv...) }
func (z zapLogger) Warn(msg string, kv ...any)  { z.s.Warnw(msg, kv...) }
func (z zapLogger) Error(msg string, kv ...any) { z.s.Errorw(msg, kv...) }

type zerologLogger struct {
	l zerolog.Logger
}

// NewZerologLogger adapts a zerolog logger.
func NewZerologLogger(l zerolog.Logger) Logger {
	return zerologLogger{l: l}
}

func (z zerologLogger) Debug(msg string, kv ...any) { z.l.Debug().Fields(kvMap(kv)).Msg(msg) }
func (z zerologLogger) Info(msg string, kv ...any)  { z.l.Info().Fields(kvMap(kv)).Msg(msg) }
func (z zerologLogger) Warn(msg string, kv ...any)  { z.l.Warn().Fields(kvMap(kv)).Msg(msg) }
func (z zerologLogger) Error(msg string, kv ...any) { z.l.Error().Fields(kvMap(kv)).Msg(msg) }

type logrusLogger struct {
	l logrus.FieldLogger
}

// NewLogrusLogger adapts a logrus logger or entry.
func NewLogrusLogger(l logrus.FieldLogger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return logrusLogger{l: l}
}

func (r logrusLogger) Debug(msg string, kv ...any) { r.l.WithFields(kvMap(kv)).Debug(msg) }
func (r logrusLogger) Info(msg string, kv ...any)  { r.l.WithFields(kvMap(kv)).Info(msg) }
func (r logrusLogger) Warn(msg string, kv ...any)  { r.l.WithFields(kvMap(kv)).Warn(msg) }
func (r logrusLogger) Error(msg string, kv ...any) { r.l.WithFields(kvMap(kv)).Error(msg) }

// kvMap folds alternating key/value pairs into a map. A trailing key without
// a value is kept under "!BADKEY" like zap does.
func kvMap(kv []any) map[string]any {
	m := make(map[string]any, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		if i+1 >= len(kv) {
			m["!BADKEY"] = kv[i]
			break
		}
		m[key] = kv[i+1]
	}
	return m
}
