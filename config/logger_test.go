package config

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name          string
		cfg           LoggerConfig
		levelOverride string
		check         func(c *require.Assertions, out string)
	}{
		{
			name: "json format drops records below the level",
			cfg:  LoggerConfig{Level: "warn", Format: LogFormatJSON},
			check: func(c *require.Assertions, out string) {
				lines := strings.Split(strings.TrimSpace(out), "\n")
				c.Len(lines, 1)

				var record map[string]any
				c.NoError(json.Unmarshal([]byte(lines[0]), &record))
				c.Equal("warn", record["level"])
				c.Equal("endpoint demoted", record["message"])
				c.Equal("https://mainnet.provider-one.org", record["endpoint_addr"])
				c.NotEmpty(record["time"])
			},
		},
		{
			name:          "level override wins over the configured level",
			cfg:           LoggerConfig{Level: "error", Format: LogFormatJSON},
			levelOverride: "info",
			check: func(c *require.Assertions, out string) {
				c.Len(strings.Split(strings.TrimSpace(out), "\n"), 2)
			},
		},
		{
			name: "console format is not JSON",
			cfg:  LoggerConfig{Level: "info", Format: LogFormatConsole},
			check: func(c *require.Assertions, out string) {
				c.Contains(out, "endpoint demoted")
				c.Contains(out, "endpoint_addr=")
				c.False(json.Valid([]byte(strings.Split(out, "\n")[0])))
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := require.New(t)

			var buf bytes.Buffer
			logger := test.cfg.NewLogger(&buf, test.levelOverride)
			logger.Debug().Msg("probing endpoints")
			logger.Info().Msg("active endpoint selected")
			logger.Warn().Str("endpoint_addr", "https://mainnet.provider-one.org").Msg("endpoint demoted")

			test.check(c, buf.String())
		})
	}
}
