// Package matcher buffers received text and matches it against the
// single pattern a script is currently waiting for.
package matcher

import (
	"regexp"
	"strings"

	"ztelnet/config"
	ncerr "ztelnet/internal/errors"
)

// Matcher holds unmatched incoming text and at most one pending
// pattern.  It is not safe for concurrent use; the engine loop owns it.
type Matcher struct {
	buf     strings.Builder
	pending *regexp.Regexp
	last    string
	hasLast bool
}

// New returns an empty Matcher.
func New() *Matcher { return &Matcher{} }

// Append adds received text to the buffer.  It reports true when nobody
// is waiting, or when the pending pattern now matches; in the latter
// case the match is recorded and the buffer is cut after it.
func (m *Matcher) Append(text string) bool {
	m.buf.WriteString(text)
	if m.pending == nil {
		return true
	}
	return m.consume()
}

// TrySetPending installs re as the pattern to wait for and forgets the
// previous match.  immediate is true when the buffer already satisfies
// it.
func (m *Matcher) TrySetPending(re *regexp.Regexp) (immediate bool, err error) {
	if m.pending != nil {
		return false, ncerr.ErrReceivePending
	}
	m.pending = re
	m.last, m.hasLast = "", false
	return m.consume(), nil
}

// consume looks for the leftmost match of the pending pattern.
func (m *Matcher) consume() bool {
	text := m.buf.String()
	loc := m.pending.FindStringIndex(text)
	if loc == nil {
		return false
	}
	m.last, m.hasLast = text[loc[0]:loc[1]], true
	rest := text[loc[1]:]
	m.buf.Reset()
	m.buf.WriteString(rest)
	m.pending = nil
	return true
}

// Clear drops the pending pattern and everything buffered.  The last
// match survives so it can still be validated after a disconnect.
func (m *Matcher) Clear() {
	m.pending = nil
	m.buf.Reset()
}

// LastMatch returns the text matched by the most recent receive.
func (m *Matcher) LastMatch() (string, bool) { return m.last, m.hasLast }

// Pending reports whether a pattern is waiting for input.
func (m *Matcher) Pending() bool { return m.pending != nil }

// Buffered returns the unmatched text.
func (m *Matcher) Buffered() string { return m.buf.String() }

// CompileReceive turns the argument of a receive line into a pattern.
// The CRLF placeholder becomes a literal CRLF, and with AutoCRLF on a
// pattern that does not already expect a line end gets one appended.
func CompileReceive(text string, opts config.Options) (*regexp.Regexp, error) {
	if opts.CRLFReplace != "" {
		text = strings.ReplaceAll(text, opts.CRLFReplace, "\r\n")
	}
	if opts.AutoCRLF && !strings.Contains(text, "\r\n") && !strings.Contains(text, `\r\n`) {
		text += "\r\n"
	}
	re, err := regexp.Compile(text)
	if err != nil {
		return nil, ncerr.Usage("receive", "bad pattern %q: %v", text, err)
	}
	return re, nil
}
