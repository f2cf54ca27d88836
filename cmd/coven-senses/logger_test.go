// ABOUTME: Tests for the root logger: level parsing, JSON output and the color handler format.

package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/2389/coven-senses/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.Debug("hidden")
	logger.Info("hello", "agent_id", "brain")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"hello"`)
	assert.Contains(t, out, `"agent_id":"brain"`)
}

func TestColorHandler_Format(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug"}, &buf)

	logger.With("component", "node").WithGroup("peer").Warn("dropped", "id", "ear", slog.Group("addr", "port", 8012))

	line := strings.TrimSpace(buf.String())
	assert.Contains(t, line, "WRN dropped")
	assert.Contains(t, line, " component=node")
	assert.Contains(t, line, " peer.id=ear")
	assert.Contains(t, line, " peer.addr.port=8012")
}

func TestColorHandler_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn"}, &buf)

	logger.Info("quiet")
	assert.Empty(t, buf.String())

	logger.Error("loud")
	assert.Contains(t, buf.String(), "loud")
}
