package log

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	if err := SetLevel(os.Getenv("LOG_LEVEL")); err != nil {
		logger.SetLevel(logrus.InfoLevel)
	}
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// SetLevel changes the level of the shared logger. An empty level means INFO.
func SetLevel(level string) error {
	switch strings.ToUpper(level) {
	case "", "INFO":
		logger.SetLevel(logrus.InfoLevel)
	case "DEBUG":
		logger.SetLevel(logrus.DebugLevel)
	case "WARN":
		logger.SetLevel(logrus.WarnLevel)
	case "ERROR":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		return errors.Errorf("unknown log level %q", level)
	}
	return nil
}

// SetFormat switches between the default text output and JSON lines.
func SetFormat(format string) error {
	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q", format)
	}
	return nil
}

// SetOutput redirects the shared logger, e.g. to stderr while the CLI
// renders progress on stdout.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	return logger
}
