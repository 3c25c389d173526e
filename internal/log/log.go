package log

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		SetLevel(level)
	}
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// SetLevel accepts DEBUG, INFO, WARN or ERROR in any case. Unknown levels
// leave the current one in place and report false.
func SetLevel(level string) bool {
	switch strings.ToUpper(level) {
	case "DEBUG":
		logger.SetLevel(logrus.DebugLevel)
	case "INFO":
		logger.SetLevel(logrus.InfoLevel)
	case "WARN", "WARNING":
		logger.SetLevel(logrus.WarnLevel)
	case "ERROR":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		return false
	}
	return true
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	return logger
}
