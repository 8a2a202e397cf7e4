package log

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// LogrusLogger is a leveled logging engine that formats and emits entries through logrus.
type LogrusLogger struct {
	level   Level
	backend *logrus.Logger
}

// NewConsoleLogger creates a logger limited to the specified level that writes to standard output.
func NewConsoleLogger(level Level) Logger {
	return NewLogrusLogger(level, os.Stdout)
}

// NewFileLogger creates a logger that writes both to standard output and to the file at the
// specified path. The file is created if it does not exist and is appended to otherwise; it stays
// open for the lifetime of the process.
func NewFileLogger(level Level, path string) (Logger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("log: error opening log file: path=%s err=%v", path, err)
	}

	return NewLogrusLogger(level, io.MultiWriter(os.Stdout, file)), nil
}

// NewLogrusLogger creates a logger limited to the specified level that writes to out. Only log
// messages that are at least as severe as the specified level are emitted.
func NewLogrusLogger(level Level, out io.Writer) Logger {
	backend := logrus.New()
	backend.SetOutput(out)
	backend.SetLevel(level.logrus())
	backend.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	return &LogrusLogger{level: level, backend: backend}
}

// Debug logs a debug message, if permitted by the current level.
func (l *LogrusLogger) Debug(format string, v ...interface{}) {
	l.backend.Debugf(format, v...)
}

// Info logs an informational message, if permitted by the current level.
func (l *LogrusLogger) Info(format string, v ...interface{}) {
	l.backend.Infof(format, v...)
}

// Warn logs a warning message, if permitted by the current level.
func (l *LogrusLogger) Warn(format string, v ...interface{}) {
	l.backend.Warnf(format, v...)
}

// Error logs an error message, if permitted by the current level.
func (l *LogrusLogger) Error(format string, v ...interface{}) {
	l.backend.Errorf(format, v...)
}

// Level reads the current logging level.
func (l *LogrusLogger) Level() Level {
	return l.level
}
