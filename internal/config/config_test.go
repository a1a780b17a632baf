package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shellhost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	t.Setenv("SHELL", "")
	c := Default()

	assert.Equal(t, "127.0.0.1:7681", c.Listen)
	assert.Equal(t, "/bin/sh", c.Shell)
	assert.Equal(t, 80, c.Cols)
	assert.Equal(t, 24, c.Rows)
	assert.Equal(t, "pid", c.IDScheme)
	assert.Equal(t, 4096, c.ReadBuffer)
	assert.Equal(t, 64*1024, c.Scrollback)
	assert.NoError(t, c.Validate())
}

func TestDefaultShellFromEnv(t *testing.T) {
	t.Setenv("SHELL", "/usr/bin/fish")
	assert.Equal(t, "/usr/bin/fish", Default().Shell)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
listen: 0.0.0.0:9000
id_scheme: sequence
record_dir: /var/lib/shellhost/casts
max_sessions: 4
allowed_origins:
  - http://localhost:5173
verbose: true
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", c.Listen)
	assert.Equal(t, "sequence", c.IDScheme)
	assert.Equal(t, "/var/lib/shellhost/casts", c.RecordDir)
	assert.Equal(t, 4, c.MaxSessions)
	assert.Equal(t, []string{"http://localhost:5173"}, c.AllowedOrigins)
	assert.True(t, c.Verbose)
	assert.Equal(t, path, c.ConfigFile)

	// untouched keys keep their defaults
	assert.Equal(t, 4096, c.ReadBuffer)
	assert.Equal(t, 80, c.Cols)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "listen: [unclosed"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "lisen: typo\n"))
	assert.Error(t, err, "unknown keys must be rejected")
}

func TestLoadEmptyFile(t *testing.T) {
	c, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default().Listen, c.Listen)
}

func TestFilePath(t *testing.T) {
	t.Setenv(EnvConfigFile, "/etc/shellhost.yaml")

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"serve"}, "/etc/shellhost.yaml"},
		{[]string{"serve", "--config", "a.yaml"}, "a.yaml"},
		{[]string{"serve", "--config=b.yaml", "-v"}, "b.yaml"},
		{[]string{"serve", "-c", "c.yaml"}, "c.yaml"},
		{[]string{"serve", "-c=d.yaml"}, "d.yaml"},
		{[]string{"serve", "--", "--config", "e.yaml"}, "/etc/shellhost.yaml"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FilePath(tt.args), "%v", tt.args)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"id scheme", func(c *Config) { c.IDScheme = "uuid" }},
		{"listen", func(c *Config) { c.Listen = "" }},
		{"negative cols", func(c *Config) { c.Cols = -1 }},
		{"huge rows", func(c *Config) { c.Rows = 70000 }},
		{"read buffer", func(c *Config) { c.ReadBuffer = 0 }},
		{"scrollback", func(c *Config) { c.Scrollback = -5 }},
		{"max sessions", func(c *Config) { c.MaxSessions = -1 }},
		{"verbose and quiet", func(c *Config) { c.Verbose, c.Quiet = true, true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, false, true).Info("hidden")
	assert.Empty(t, buf.String())

	NewLogger(&buf, false, false).Info("shell opened")
	assert.Contains(t, buf.String(), "shell opened")

	buf.Reset()
	NewLogger(&buf, true, false).Info("shell released")
	assert.Contains(t, buf.String(), "shell released")
}
