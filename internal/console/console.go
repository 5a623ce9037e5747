// Package console reads lines typed by the user and hands them to the
// engine.  On a terminal it uses readline editing and history; when
// stdin is piped it falls back to plain line reading.
package console

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ergochat/readline"
	"golang.org/x/term"

	"ztelnet/config"
	"ztelnet/internal/engine"
	"ztelnet/util"
)

// HistoryFileName is created in the home directory.
const HistoryFileName = ".ztelnet_history"

// Submitter accepts console lines.  *engine.Engine implements it.
type Submitter interface {
	Submit(ctx context.Context, line string) error
}

// Console is a line source: readline on a TTY, a scanner otherwise.
type Console struct {
	rl      *readline.Instance
	scanner *bufio.Scanner
	prompt  string
	logger  *util.Logger
}

// New returns a console reading stdin.  Readline is used only when stdin
// is a terminal; if it cannot be set up the console degrades to plain
// reading.
func New(prompt string, logger *util.Logger) *Console {
	logger = logger.With("console")
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return FromReader(os.Stdin, logger)
	}

	history := ""
	if home, err := os.UserHomeDir(); err == nil {
		history = filepath.Join(home, HistoryFileName)
	}
	rl, err := readline.NewFromConfig(&readline.Config{
		HistoryFile:            history,
		HistoryLimit:           config.DefaultHistorySize,
		DisableAutoSaveHistory: true,
		Prompt:                 prompt,
	})
	if err != nil {
		logger.Warn("readline unavailable (%v), using plain input", err)
		return FromReader(os.Stdin, logger)
	}
	return &Console{rl: rl, prompt: prompt, logger: logger}
}

// FromReader returns a console that reads lines from r without editing.
func FromReader(r io.Reader, logger *util.Logger) *Console {
	return &Console{scanner: bufio.NewScanner(r), logger: logger}
}

// Interactive reports whether readline editing is active.
func (c *Console) Interactive() bool { return c.rl != nil }

// ReadLine returns the next line.  End of input and Ctrl-C both yield
// io.EOF.
func (c *Console) ReadLine() (string, error) {
	if c.rl == nil {
		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return strings.TrimSuffix(c.scanner.Text(), "\r"), nil
	}

	line, err := c.rl.Readline()
	if err != nil {
		if errors.Is(err, readline.ErrInterrupt) {
			return "", io.EOF
		}
		return "", err
	}
	if strings.TrimSpace(line) != "" {
		c.rl.SaveToHistory(line) //nolint:errcheck
	}
	return line, nil
}

// Run feeds lines to s until input ends, s stops accepting, or ctx is
// done.  End of input asks the engine to quit.
func (c *Console) Run(ctx context.Context, s Submitter) error {
	for {
		line, err := c.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("reading input: %v", err)
			}
			return c.submit(ctx, s, "/quit")
		}
		if err := c.submit(ctx, s, line); err != nil {
			return err
		}
	}
}

func (c *Console) submit(ctx context.Context, s Submitter, line string) error {
	err := s.Submit(ctx, line)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrTerminated), errors.Is(err, context.Canceled):
		return nil
	}
	return err
}

// Close releases the terminal and writes the history file.
func (c *Console) Close() error {
	if c.rl == nil {
		return nil
	}
	err := c.rl.Close()
	c.rl = nil
	return err
}
