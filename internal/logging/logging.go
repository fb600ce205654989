// Package logging configures logrus for a process that owns the terminal.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup points the standard logger at path with the given level. An empty
// path discards all log output, since the TUI draws on stdout and stderr.
// The returned closer releases the log file.
func Setup(level, path string) (io.Closer, error) {
	lvl := logrus.InfoLevel
	if level != "" {
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("logging level: %w", err)
		}
		lvl = parsed
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})

	if path == "" {
		logrus.SetOutput(io.Discard)
		return nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logrus.SetOutput(f)
	return f, nil
}

// LogError logs err with the caller's location and the chain of wrapped
// errors. callerSkip 0 reports the function calling LogError.
func LogError(err error, msg string, callerSkip int, fields ...logrus.Fields) {
	entry := logrus.NewEntry(logrus.StandardLogger())
	if pc, file, line, ok := runtime.Caller(callerSkip + 1); ok {
		entry = entry.WithFields(logrus.Fields{
			"_file":     filepath.Base(file),
			"_function": runtime.FuncForPC(pc).Name(),
			"_line":     line,
		})
	}

	depth := 0
	for inner := errors.Unwrap(err); inner != nil; inner = errors.Unwrap(inner) {
		entry = entry.WithField(fmt.Sprintf("errInfo_%d", depth), inner.Error())
		depth++
	}
	if err != nil {
		entry = entry.WithField("errType", fmt.Sprintf("%T", err)).WithError(err)
	}
	for _, f := range fields {
		entry = entry.WithFields(f)
	}
	entry.Error(msg)
}
