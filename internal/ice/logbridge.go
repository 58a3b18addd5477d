package ice

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// NewLoggerFactory bridges pion's leveled loggers onto slog so the media
// stack shares the process log sink and level.
func NewLoggerFactory(log *slog.Logger) logging.LoggerFactory {
	return &slogLoggerFactory{log: log}
}

type slogLoggerFactory struct {
	log *slog.Logger
}

func (f *slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{log: f.log.With("scope", scope)}
}

type slogLeveledLogger struct {
	log *slog.Logger
}

func (l *slogLeveledLogger) Trace(msg string) { l.log.Debug(msg) }
func (l *slogLeveledLogger) Tracef(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Debug(msg string) { l.log.Debug(msg) }
func (l *slogLeveledLogger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Info(msg string) { l.log.Info(msg) }
func (l *slogLeveledLogger) Infof(format string, args ...any) {
	l.log.Info(fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Warn(msg string) { l.log.Warn(msg) }
func (l *slogLeveledLogger) Warnf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Error(msg string) { l.log.Error(msg) }
func (l *slogLeveledLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...))
}
