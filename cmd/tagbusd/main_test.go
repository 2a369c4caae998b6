package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rbaliyan/tagbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		ok     bool
		tag    tagbus.Tag
		scope  tagbus.Scope
		params map[string]string
	}{
		{name: "blank", line: "   ", ok: false},
		{name: "comment", line: "# hello", ok: false},
		{name: "bare at", line: "@", ok: false},
		{name: "global", line: "gameplay.bosskilled", ok: true, tag: "gameplay.bosskilled", scope: tagbus.ScopeGlobal},
		{
			name:   "local with params",
			line:   "@ui.click button=start x=3",
			ok:     true,
			tag:    "ui.click",
			scope:  tagbus.ScopeLocal,
			params: map[string]string{"button": "start", "x": "3"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, ok := parseLine(tt.line)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.tag, env.Tag())
			assert.Equal(t, tt.scope, env.Scope())
			for k, v := range tt.params {
				assert.Equal(t, v, env.Get(k, ""))
			}
		})
	}
}

func TestRunStandalone(t *testing.T) {
	var stdout, stderr bytes.Buffer
	stdin := strings.NewReader("gameplay.levelup level=3\n@ui.click\n\n")

	code := run(context.Background(), []string{"--log-level", "error"}, stdin, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	assert.Equal(t, "[global] gameplay.levelup level=3\n[local] ui.click\n", stdout.String())
}

func TestRunFlagErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
	}{
		{"unknown flag", []string{"--bogus"}, 2},
		{"bad role", []string{"--role", "spectator"}, 2},
		{"bad log level", []string{"--log-level", "loud"}, 2},
		{"listen needs host", []string{"--listen", ":0"}, 1},
		{"connect needs client", []string{"--role", "host", "--connect", "ws://x"}, 1},
		{"two transports", []string{"--role", "client", "--connect", "ws://x", "--nats", "nats://x"}, 1},
		{"bad codec", []string{"--codec", "xml"}, 1},
		{"missing config", []string{"--config", "/nonexistent/tagbus.yaml"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), tt.args, strings.NewReader(""), &stdout, &stderr)
			assert.Equal(t, tt.code, code, stderr.String())
		})
	}
}

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, run(context.Background(), []string{"--version"}, strings.NewReader(""), &stdout, &stderr))
	assert.Contains(t, stdout.String(), "tagbusd dev")
}
