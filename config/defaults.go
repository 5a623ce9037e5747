package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultTLSPort is the only port on which connections are wrapped
	// in TLS.
	DefaultTLSPort = 443

	// DefaultSSHPort is the standard SSH port for the jump host.
	DefaultSSHPort = 22

	// DefaultConnTimeout bounds the TCP/TLS/SSH connection setup.  It
	// never applies to a receive wait.
	DefaultConnTimeout = 30 * time.Second

	// DefaultConnectAttempts is how many times the connect action dials
	// before giving up.  One means no retry.
	DefaultConnectAttempts = 1

	// DefaultRetryDelay is the first backoff step between connect
	// attempts.
	DefaultRetryDelay = 500 * time.Millisecond

	// DefaultMailboxSize is the capacity of the channel carrying reader
	// events to the engine loop.
	DefaultMailboxSize = 64

	// DefaultHistorySize caps the interactive console history.
	DefaultHistorySize = 500

	// EnvPrefix is shared by every environment variable ztelnet reads.
	EnvPrefix = "ZTELNET_"
)

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		TimeoutSeconds:  int(DefaultConnTimeout / time.Second),
		ConnectAttempts: DefaultConnectAttempts,
		Options:         DefaultOptions(),
	}
}

// DefaultOptions returns the engine options used when neither the
// environment nor a config file says otherwise.
func DefaultOptions() Options {
	return Options{AutoCRLF: true}
}
