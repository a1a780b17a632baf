// Package config loads the shellhost configuration.
//
// Values come from three layers: built-in defaults, an optional YAML
// file, then environment variables and command line flags parsed by
// github.com/jpillora/opts over the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jpillora/jplog"
	"gopkg.in/yaml.v3"
)

// EnvConfigFile names the YAML file when --config is not given.
const EnvConfigFile = "SHELLHOST_CONFIG"

// Config is the configuration of the serve command.
type Config struct {
	ConfigFile string `yaml:"-" opts:"name=config,short=c,help=YAML config file (env SHELLHOST_CONFIG)"`

	Listen         string   `yaml:"listen" opts:"short=l,env=SHELLHOST_LISTEN,help=address the HTTP server listens on"`
	Shell          string   `yaml:"shell" opts:"help=shell spawned when a caller names none (defaults to $SHELL then /bin/sh)"`
	Dir            string   `yaml:"dir" opts:"name=workdir,help=working directory for spawned shells"`
	Cols           int      `yaml:"cols" opts:"help=columns used when a caller passes 0"`
	Rows           int      `yaml:"rows" opts:"help=rows used when a caller passes 0"`
	IDScheme       string   `yaml:"id_scheme" opts:"name=id-scheme,help=session ids: pid or sequence"`
	ReadBuffer     int      `yaml:"read_buffer" opts:"name=read-buffer,help=bytes per read from a shell"`
	Scrollback     int      `yaml:"scrollback" opts:"help=bytes of output kept per shell for replay"`
	RecordDir      string   `yaml:"record_dir" opts:"name=record-dir,env=SHELLHOST_RECORD_DIR,help=write asciinema casts here (empty disables)"`
	DB             string   `yaml:"db" opts:"env=SHELLHOST_DB,help=SQLite history database (empty disables)"`
	MaxSessions    int      `yaml:"max_sessions" opts:"name=max-sessions,help=concurrent shell limit (0 is unlimited)"`
	AllowedOrigins []string `yaml:"allowed_origins" opts:"name=allowed-origin,help=websocket origin to accept (repeatable; * accepts all)"`
	Verbose        bool     `yaml:"verbose" opts:"short=v,help=verbose logs"`
	Quiet          bool     `yaml:"quiet" opts:"short=q,help=no logs"`
}

// Default returns the built-in configuration.
func Default() Config {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return Config{
		Listen:     "127.0.0.1:7681",
		Shell:      shell,
		Cols:       80,
		Rows:       24,
		IDScheme:   "pid",
		ReadBuffer: 4096,
		Scrollback: 64 * 1024,
	}
}

// Load returns the defaults overlaid with the YAML file at path. An
// empty path returns the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("failed to read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return c, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	c.ConfigFile = path
	return c, nil
}

// FilePath finds the config file named on the command line, before
// flags are parsed, falling back to SHELLHOST_CONFIG.
func FilePath(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return os.Getenv(EnvConfigFile)
		case arg == "--config" || arg == "-c":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(arg, "--config="):
			return strings.TrimPrefix(arg, "--config=")
		case strings.HasPrefix(arg, "-c="):
			return strings.TrimPrefix(arg, "-c=")
		}
	}
	return os.Getenv(EnvConfigFile)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.IDScheme {
	case "", "pid", "sequence":
	default:
		return fmt.Errorf("invalid id_scheme %q: want pid or sequence", c.IDScheme)
	}
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.Cols < 0 || c.Cols > 0xffff || c.Rows < 0 || c.Rows > 0xffff {
		return fmt.Errorf("invalid default size %dx%d", c.Cols, c.Rows)
	}
	if c.ReadBuffer < 1 {
		return fmt.Errorf("read_buffer must be at least 1, got %d", c.ReadBuffer)
	}
	if c.Scrollback < 0 {
		return fmt.Errorf("scrollback must not be negative, got %d", c.Scrollback)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("max_sessions must not be negative, got %d", c.MaxSessions)
	}
	if c.Verbose && c.Quiet {
		return errors.New("verbose and quiet are mutually exclusive")
	}
	return nil
}

// Logger builds the process logger.
func (c *Config) Logger() *slog.Logger {
	return NewLogger(os.Stdout, c.Verbose, c.Quiet)
}

// NewLogger returns a jplog-backed logger writing to w, or a discarding
// logger when quiet is set.
func NewLogger(w io.Writer, verbose, quiet bool) *slog.Logger {
	if quiet {
		return slog.New(slog.DiscardHandler)
	}
	h := jplog.Handler(w)
	if verbose {
		h = h.Verbose()
	}
	return slog.New(h)
}
