package logging

import (
	"github.com/sirupsen/logrus"
)

// LeveledLogger adapts a logrus entry to the key/value logger interface
// expected by go-retryablehttp.
type LeveledLogger struct {
	entry *logrus.Entry
}

// Leveled wraps entry. A nil entry falls back to the global logger.
func Leveled(entry *logrus.Entry) *LeveledLogger {
	if entry == nil {
		entry = logrus.NewEntry(Log)
	}
	return &LeveledLogger{entry: entry}
}

func (l *LeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Error(msg)
}

func (l *LeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Info(msg)
}

func (l *LeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Debug(msg)
}

func (l *LeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Warn(msg)
}

func (l *LeveledLogger) with(kv []interface{}) *logrus.Entry {
	if len(kv) == 0 {
		return l.entry
	}
	fields := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return l.entry.WithFields(fields)
}
