package main

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flagCmd(level, format string) *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Flags().String("log-level", level, "")
	cmd.Flags().String("log-format", format, "")
	return cmd
}

func TestConfigureLogger(t *testing.T) {
	// GOAL: Verify logger construction from the shared flags: silent
	// without a level, JSON on request, and clean errors on bad input.

	tests := []struct {
		name      string
		level     string
		format    string
		wantLevel logrus.Level
		wantJSON  bool
		wantErr   bool
	}{
		{name: "silent default", format: "text", wantLevel: logrus.PanicLevel},
		{name: "debug text", level: "debug", format: "text", wantLevel: logrus.DebugLevel},
		{name: "json format", level: "info", format: "json", wantLevel: logrus.InfoLevel, wantJSON: true},
		{name: "bad level", level: "chatty", format: "text", wantErr: true},
		{name: "bad format", level: "info", format: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := configureLogger(flagCmd(tt.level, tt.format))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLevel, logger.GetLevel())
			if tt.wantJSON {
				assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
			} else {
				assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	versionCmd.Run(cmd, nil)
	assert.Contains(t, out.String(), "gattctl dev")
}
