package config //nolint:testpackage

import (
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/alecthomas/kong"
)

type overlayTestConfig struct {
	Bind  string `hcl:"bind" default:"127.0.0.1:9080"`
	Level string `hcl:"level" default:"info"`
}

func newParsedOverlayTestConfig(t *testing.T) *overlayTestConfig {
	t.Helper()
	cli := new(overlayTestConfig)
	_, err := kong.New(cli, kong.Exit(func(int) {}))
	assert.NoError(t, err)
	return cli
}

func TestOverlayAppliesFileValueOverDefault(t *testing.T) {
	cli := newParsedOverlayTestConfig(t)
	assert.Equal(t, "127.0.0.1:9080", cli.Bind)

	err := Overlay(cli, strings.NewReader(`bind = "0.0.0.0:8080"`))
	assert.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cli.Bind)
	assert.Equal(t, "info", cli.Level)
}

func TestOverlayDoesNotClobberExplicitValue(t *testing.T) {
	cli := newParsedOverlayTestConfig(t)
	cli.Level = "debug" // simulates a CLI flag or env var set before Overlay runs

	err := Overlay(cli, strings.NewReader(`level = "warn"`))
	assert.NoError(t, err)
	assert.Equal(t, "debug", cli.Level)
}
