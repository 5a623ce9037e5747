// Package errors provides domain-specific error types for ztelnet.
//
// The taxonomy follows how the engine reacts: a *UsageError aborts the
// current script line, a *NetworkError is logged and the script goes
// on, and a *ConfigError stops the program before anything connects.
package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNotConnected     = errors.New("not connected")
	ErrReceivePending   = errors.New("a previous receive has not completed")
	ErrUnknownAction    = errors.New("unknown action")
	ErrNoChallenge      = errors.New("no challenge in last receive match")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrHostKeyMismatch  = errors.New("host key mismatch")
	ErrValidationFailed = errors.New("validation failed")
)

// ── Structured error types ───────────────────────────────────────────

// UsageError reports a script line that cannot be executed as written:
// unknown action, wrong argument shape, overlapping receive.
type UsageError struct {
	Action   string
	Message  string
	Expected int // expected argument count, -1 when not applicable
	Given    int
	Err      error
}

func (e *UsageError) Error() string {
	var b strings.Builder
	b.WriteString(e.Action)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Expected >= 0 {
		fmt.Fprintf(&b, " (expected %d, given %d)", e.Expected, e.Given)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *UsageError) Unwrap() error { return e.Err }

// Usage builds a UsageError without argument counts.
func Usage(action, format string, args ...any) *UsageError {
	return &UsageError{Action: action, Message: fmt.Sprintf(format, args...), Expected: -1}
}

// ArgCount builds a UsageError for a wrong number of arguments.
func ArgCount(action string, expected, given int, what string) *UsageError {
	return &UsageError{Action: action, Message: what, Expected: expected, Given: given}
}

// IsUsage reports whether err is (or wraps) a *UsageError.
func IsUsage(err error) bool {
	var ue *UsageError
	return errors.As(err, &ue)
}

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // "dial", "handshake", "write", "read"
	Addr      string
	Err       error
	Retryable bool
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents a failure while talking to the SSH jump host.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey", "dial"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string
	Value   any
	Message string
	Hint    string
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: %s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, detecting retryability from err.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	// A server that is still starting refuses or drops connections.
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// ── Re-exports ───────────────────────────────────────────────────────

// As is [errors.As].
func As(err error, target any) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
