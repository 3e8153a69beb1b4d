package logging

import (
	"bytes"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]log.Level{
		"debug":   log.DebugLevel,
		" WARN ":  log.WarnLevel,
		"warning": log.WarnLevel,
		"error":   log.ErrorLevel,
		"":        log.InfoLevel,
		"verbose": log.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "%q", in)
	}
}

func TestNewLoggerWithWriter(t *testing.T) {
	t.Setenv(EnvLevel, "debug")
	t.Setenv(EnvPrefix, "test ")

	var buf bytes.Buffer
	lg := NewLoggerWithWriter(&buf)
	defer lg.Close()

	lg.Debug("patched", "addr", "0x10")
	out := buf.String()
	assert.Contains(t, out, "test")
	assert.Contains(t, out, "patched")
	assert.Contains(t, out, "addr=0x10")
	assert.True(t, IsDebug())
}

func TestDefaultLevelDropsDebug(t *testing.T) {
	t.Setenv(EnvLevel, "")
	var buf bytes.Buffer
	lg := NewLoggerWithWriter(&buf)
	lg.Debug("hidden")
	lg.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.False(t, IsDebug())
}
