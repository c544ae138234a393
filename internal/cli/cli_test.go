package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	var out bytes.Buffer
	cfg, exit, err := Parse(nil, &out)
	require.NoError(t, err)
	assert.False(t, exit)
	assert.Empty(t, cfg.ConfigPath)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestParse_ConfigPath(t *testing.T) {
	testCases := []struct {
		name string
		args []string
	}{
		{"long flag", []string{"--config", "host.hcl"}},
		{"short flag", []string{"-c", "host.hcl"}},
		{"positional", []string{"host.hcl"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			cfg, exit, err := Parse(tc.args, &out)
			require.NoError(t, err)
			assert.False(t, exit)
			assert.Equal(t, "host.hcl", cfg.ConfigPath)
		})
	}
}

func TestParse_LogOptions(t *testing.T) {
	var out bytes.Buffer
	cfg, _, err := Parse([]string{"--log-format", "JSON", "--log-level", "DEBUG"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestParse_InvalidOptions(t *testing.T) {
	var out bytes.Buffer

	_, _, err := Parse([]string{"--log-format", "xml"}, &out)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)

	_, _, err = Parse([]string{"--log-level", "loud"}, &out)
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
}

func TestParse_Help(t *testing.T) {
	var out bytes.Buffer
	cfg, exit, err := Parse([]string{"--help"}, &out)
	require.NoError(t, err)
	assert.True(t, exit)
	assert.Nil(t, cfg)
	assert.Contains(t, out.String(), "modhost")
}
