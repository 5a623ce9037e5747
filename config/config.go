// Package config defines the runtime configuration for ztelnet and the
// loaders that fill it from a file, the environment, and CLI flags.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	ncerr "ztelnet/internal/errors"
	"ztelnet/util"
)

// Config holds every tuneable for a single ztelnet session.
type Config struct {
	// ── Connection ───────────────────────────────────────────────────
	Host            string `toml:"host" yaml:"host"`
	Port            string `toml:"port" yaml:"port"` // connect before the script when set
	TimeoutSeconds  int    `toml:"connect_timeout" yaml:"connect_timeout"`
	ConnectAttempts int    `toml:"connect_attempts" yaml:"connect_attempts"`

	// ── Script & output ──────────────────────────────────────────────
	Script      string `toml:"script" yaml:"script"` // "-" reads stdin
	Log         string `toml:"log" yaml:"log"`       // transcript file, appended
	Interactive bool   `toml:"interactive" yaml:"interactive"`
	LocalEcho   bool   `toml:"local_echo" yaml:"local_echo"`
	Stats       bool   `toml:"stats" yaml:"stats"`
	Verbose     int    `toml:"verbose" yaml:"verbose"`

	// ── SSH jump host ────────────────────────────────────────────────
	Tunnel TunnelConfig `toml:"tunnel" yaml:"tunnel"`

	// ── Engine ───────────────────────────────────────────────────────
	Options Options `toml:"options" yaml:"options"`
}

// TunnelConfig describes the optional SSH gateway that connections are
// forwarded through.
type TunnelConfig struct {
	Spec          string `toml:"spec" yaml:"spec"` // [user@]host[:port]
	KeyPath       string `toml:"key" yaml:"key"`
	PromptPass    bool   `toml:"password" yaml:"password"`
	UseAgent      bool   `toml:"agent" yaml:"agent"`
	StrictHostKey bool   `toml:"strict_host_key" yaml:"strict_host_key"`
	KnownHosts    string `toml:"known_hosts" yaml:"known_hosts"`

	// Filled by Resolve from Spec.
	User string `toml:"-" yaml:"-"`
	Host string `toml:"-" yaml:"-"`
	Port int    `toml:"-" yaml:"-"`
}

// Enabled reports whether a jump host is configured.
func (t TunnelConfig) Enabled() bool { return t.Host != "" }

// Timeout returns the connection setup timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AutoConnect reports whether the engine should connect before the
// first script line.
func (c *Config) AutoConnect() bool {
	return c.Host != "" && c.Port != ""
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:@]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	return user, host, port, nil
}

// Resolve parses the tunnel spec, if any, into its parts.
func (c *Config) Resolve() error {
	if c.Tunnel.Spec == "" {
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.Tunnel.Spec)
	if err != nil {
		return &ncerr.ConfigError{Field: "tunnel", Value: c.Tunnel.Spec, Message: err.Error()}
	}
	c.Tunnel.User, c.Tunnel.Host, c.Tunnel.Port = user, host, port
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Port != "" {
		if c.Host == "" {
			return &ncerr.ConfigError{Field: "host", Message: "required when a port is given"}
		}
		if _, err := util.ParsePort(c.Port); err != nil {
			return &ncerr.ConfigError{
				Field:   "port",
				Value:   c.Port,
				Message: err.Error(),
				Hint:    "the port is the second positional argument",
			}
		}
	}

	if c.Script == "-" && c.Interactive {
		return &ncerr.ConfigError{
			Field:   "script",
			Value:   c.Script,
			Message: "reading the script from stdin conflicts with the interactive console",
		}
	}
	if c.Script == "" && !c.Interactive && !c.AutoConnect() {
		return &ncerr.ConfigError{
			Field:   "script",
			Message: "nothing to do",
			Hint:    "give a script, a host and port, or --interactive",
		}
	}

	if c.TimeoutSeconds < 0 {
		return &ncerr.ConfigError{Field: "timeout", Value: c.TimeoutSeconds, Message: "must not be negative"}
	}
	if c.ConnectAttempts < 1 {
		return &ncerr.ConfigError{Field: "retries", Value: c.ConnectAttempts, Message: "at least one attempt is required"}
	}
	if c.Options.InterActionDelay < 0 {
		return &ncerr.ConfigError{Field: OptInterActionDelay, Value: c.Options.InterActionDelay, Message: "must not be negative"}
	}

	if c.Tunnel.Spec != "" && c.Tunnel.Host == "" {
		return &ncerr.ConfigError{Field: "tunnel", Value: c.Tunnel.Spec, Message: "tunnel host is required"}
	}
	return nil
}
