package utils

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

const logTimestampFormat = "2006-01-02T15:04:05.000Z07:00"

var (
	loggerMu sync.Mutex
	logger   *logrus.Logger
)

// InitLogger configures the process-wide logger from the logging
// config values. Calling it again replaces the previous logger;
// components that already hold a reference keep the old one.
func InitLogger(level, format, output, file string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("unknown log level %q: %w", level, err)
	}

	l := logrus.New()
	l.SetLevel(lvl)
	l.SetFormatter(newFormatter(format))

	if output == "file" && file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", file, err)
		}
		l.SetOutput(f)
	} else {
		l.SetOutput(os.Stdout)
	}

	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
	return nil
}

// newFormatter maps the configured format name to a logrus formatter.
// Structured JSON is the default; "text" is for local runs.
func newFormatter(format string) logrus.Formatter {
	if format == "text" {
		return &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: logTimestampFormat,
		}
	}
	return &logrus.JSONFormatter{TimestampFormat: logTimestampFormat}
}

// GetLogger returns the process-wide logger, building an info-level
// JSON logger when InitLogger has not run yet.
func GetLogger() *logrus.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.InfoLevel)
		l.SetFormatter(newFormatter("json"))
		l.SetOutput(os.Stdout)
		logger = l
	}
	return logger
}
