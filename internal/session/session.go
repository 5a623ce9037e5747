// Package session records what happens on a connection.
//
// Every line ends up in up to two places: the console, which shows the
// conversation the way a terminal would, and an optional transcript
// file, which tags each record with its direction so the run can be
// reviewed afterwards.
package session

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transcript prefixes.
const (
	PrefixSent     = "S: "
	PrefixReceived = "R: "
	PrefixStatus   = "########## "
)

// Options configures a Session.  Zero values are usable: no console, no
// transcript, a random ID, and the wall clock.
type Options struct {
	Console    io.Writer
	Transcript io.Writer
	LocalEcho  bool
	ID         uuid.UUID
	Now        func() time.Time
}

// Session is the log sink for one run.  It is safe for concurrent use.
type Session struct {
	ID        uuid.UUID
	LocalEcho bool

	mu         sync.Mutex
	console    io.Writer
	transcript io.Writer
	closer     io.Closer
	now        func() time.Time
}

// New returns a Session writing to the given sinks.
func New(opts Options) *Session {
	s := &Session{
		ID:         opts.ID,
		LocalEcho:  opts.LocalEcho,
		console:    opts.Console,
		transcript: opts.Transcript,
		now:        opts.Now,
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.console == nil {
		s.console = io.Discard
	}
	return s
}

// Open is New with the transcript appended to the file at path.  The
// file is closed by Close.
func Open(path string, opts Options) (*Session, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening transcript: %w", err)
	}
	opts.Transcript = f
	s := New(opts)
	s.closer = f
	return s, nil
}

// Begin writes the transcript header naming the session and script.
func (s *Session) Begin(script string) {
	if script == "" {
		script = "-"
	}
	s.write(nil, fmt.Sprintf("%sSession %s (%s) started %s\r\n",
		PrefixStatus, s.ID, script, s.now().Format(time.RFC3339)))
}

// Outgoing records text sent to the peer.  The console only sees it
// with local echo on.
func (s *Session) Outgoing(text string) {
	var console *string
	if s.LocalEcho {
		console = &text
	}
	s.write(console, PrefixSent+text)
}

// Note shows an informational message on the console when local echo
// is on.  It is not part of the transcript.
func (s *Session) Note(text string) {
	if s.LocalEcho {
		s.write(&text, "")
	}
}

// Incoming records text received from the peer.
func (s *Session) Incoming(text string) {
	s.write(&text, PrefixReceived+text)
}

// Status records an out-of-band event such as a connect or disconnect.
func (s *Session) Status(format string, args ...any) {
	line := PrefixStatus + fmt.Sprintf(format, args...) + "\r\n"
	s.write(&line, line)
}

// Echo writes script-generated text to both sinks verbatim.
func (s *Session) Echo(text string) {
	s.write(&text, text)
}

// Verdict records the outcome of a validation.
func (s *Session) Verdict(ok bool, script, reason string) {
	var line string
	if ok {
		line = fmt.Sprintf(">> OK (%s)\r\n", script)
	} else {
		line = fmt.Sprintf(">> FAILURE (%s)%s\r\n", script, reason)
	}
	s.write(&line, line)
}

// Close closes the transcript file if Open created it.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer, s.transcript = nil, nil
	return err
}

// write sends console (when non-nil) and record (when non-empty) to
// their sinks.  Sink errors are dropped; logging never stops a script.
func (s *Session) write(console *string, record string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if console != nil {
		io.WriteString(s.console, *console) //nolint:errcheck
	}
	if record != "" && s.transcript != nil {
		io.WriteString(s.transcript, record) //nolint:errcheck
	}
}
