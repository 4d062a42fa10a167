package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// configureLogger builds the logger for a command run from the persistent
// --log-level flag. With the flag unset the logger stays effectively silent
// (panic level) so lifecycle logs do not interleave with command output.
func configureLogger(cmd *cobra.Command) (*logrus.Logger, error) {
	level := logrus.PanicLevel

	levelStr, _ := cmd.Flags().GetString("log-level")
	switch levelStr {
	case "":
	case "debug":
		level = logrus.DebugLevel
	case "info":
		level = logrus.InfoLevel
	case "warn":
		level = logrus.WarnLevel
	case "error":
		level = logrus.ErrorLevel
	default:
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", levelStr)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}
