package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// configureLogger builds the command's logger from the --log-level and
// --log-format flags. Without --log-level the logger is essentially
// silent so command output stays clean for piping.
func configureLogger(cmd *cobra.Command) (*logrus.Logger, error) {
	level := logrus.PanicLevel

	if s, _ := cmd.Flags().GetString("log-level"); s != "" {
		parsed, err := logrus.ParseLevel(s)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s)
		}
		level = parsed
	}

	logger := logrus.New()
	logger.SetLevel(level)

	switch format, _ := cmd.Flags().GetString("log-format"); format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		return nil, fmt.Errorf("invalid log format: %s (must be text or json)", format)
	}
	return logger, nil
}
