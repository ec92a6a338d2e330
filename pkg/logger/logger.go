package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Setup configures the process-wide logrus logger from the environment.
// LOG_LEVEL selects the level (default info), LOG_FORMAT=json switches to
// JSON output for log aggregation.
func Setup() *logrus.Logger {
	logger := logrus.StandardLogger()

	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if os.Getenv("LOG_FORMAT") == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	}

	logger.SetOutput(os.Stdout)

	return logger
}

// Component returns an entry tagged with the originating component name.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
