// Package cmd wires up the CLI flags and runs a ztelnet session.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"ztelnet/config"
	"ztelnet/internal/console"
	"ztelnet/internal/engine"
	ncerr "ztelnet/internal/errors"
	"ztelnet/internal/metrics"
	"ztelnet/internal/retry"
	"ztelnet/internal/session"
	"ztelnet/internal/transport"
	"ztelnet/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X ztelnet/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// stdio bundles the process streams so tests can substitute them.
type stdio struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

// Execute parses args and runs a session.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, stdio{in: os.Stdin, out: os.Stdout, err: os.Stderr})
}

// flagValues holds what was typed on the command line.  Only flags the
// user actually set are applied over the file and environment layers.
type flagValues struct {
	configPath  string
	script      string
	log         string
	interactive bool
	localEcho   bool
	options     []string
	timeout     int
	retries     int
	stats       bool
	verbose     int

	tunnel        string
	sshKey        string
	sshPassword   bool
	sshAgent      bool
	strictHostKey bool
	knownHosts    string

	dryRun      bool
	showVersion bool
	showHelp    bool
}

func newFlagSet(fv *flagValues, errOut io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("ztelnet", flag.ContinueOnError)
	fs.SetOutput(errOut)

	// ── script & output ──────────────────────────────────────────
	fs.StringVarP(&fv.script, "script", "s", "", "Script to run (- reads stdin)")
	fs.StringVarP(&fv.log, "log", "L", "", "Append a transcript to this file")
	fs.StringVarP(&fv.configPath, "config", "c", "", "Config file (.toml, .yaml)")
	fs.BoolVarP(&fv.interactive, "interactive", "i", false, "Read commands from the console after the script")
	fs.BoolVarP(&fv.localEcho, "local-echo", "e", false, "Show sent text on the console")
	fs.StringArrayVarP(&fv.options, "option", "o", nil, "Set an engine option NAME=VALUE (repeatable)")

	// ── connection ───────────────────────────────────────────────
	fs.IntVarP(&fv.timeout, "timeout", "w", 0, "Connect timeout in seconds (0 = none)")
	fs.IntVar(&fv.retries, "retries", config.DefaultConnectAttempts, "Connect attempts before giving up")

	// ── SSH jump host ────────────────────────────────────────────
	fs.StringVarP(&fv.tunnel, "tunnel", "T", "", "Connect through SSH jump host [user@]host[:port]")
	fs.StringVar(&fv.sshKey, "ssh-key", "", "SSH private key file")
	fs.BoolVar(&fv.sshPassword, "ssh-password", false, "Prompt for SSH password")
	fs.BoolVar(&fv.sshAgent, "ssh-agent", false, "Use SSH agent")
	fs.BoolVar(&fv.strictHostKey, "strict-hostkey", false, "Verify SSH host keys")
	fs.StringVar(&fv.knownHosts, "known-hosts", "", "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	fs.BoolVar(&fv.stats, "stats", false, "Print session statistics as JSON on exit")
	fs.CountVarP(&fv.verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&fv.dryRun, "dry-run", false, "Print the effective configuration and exit")

	fs.BoolVar(&fv.showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&fv.showHelp, "help", "h", false, "Show this help")
	return fs
}

func execute(ctx context.Context, args []string, std stdio) error {
	var fv flagValues
	fs := newFlagSet(&fv, std.err)
	fs.Usage = func() { printUsage(fs, std.err) }

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fv.showHelp || len(args) == 0 {
		printUsage(fs, std.err)
		return nil
	}
	if fv.showVersion {
		fmt.Fprintf(std.out, "ztelnet %s\n", version)
		return nil
	}

	cfg, ignored, err := buildConfig(fs, &fv)
	if err != nil {
		return err
	}
	if fv.dryRun {
		enc := yaml.NewEncoder(std.out)
		err := enc.Encode(cfg)
		return errors.Join(err, enc.Close())
	}

	logger := util.NewLogger(cfg.Verbose)
	logger.SetOutput(std.err)
	for _, name := range ignored {
		logger.Warn("ignoring unparseable %s", name)
	}
	return run(ctx, cfg, logger, std)
}

// buildConfig layers defaults, the config file, the environment, and
// the flags the user set, then validates the result.
func buildConfig(fs *flag.FlagSet, fv *flagValues) (*config.Config, []string, error) {
	cfg := config.Default()

	if fv.configPath != "" {
		if err := config.LoadFile(fv.configPath, cfg); err != nil {
			return nil, nil, err
		}
	}
	ignored := config.LoadFromEnv(cfg)

	if err := parsePositional(cfg, fs.Args()); err != nil {
		return nil, nil, err
	}

	set := fs.Changed
	if set("script") {
		cfg.Script = fv.script
	}
	if set("log") {
		cfg.Log = fv.log
	}
	if set("interactive") {
		cfg.Interactive = fv.interactive
	}
	if set("local-echo") {
		cfg.LocalEcho = fv.localEcho
	}
	if set("timeout") {
		cfg.TimeoutSeconds = fv.timeout
	}
	if set("retries") {
		cfg.ConnectAttempts = fv.retries
	}
	if set("stats") {
		cfg.Stats = fv.stats
	}
	if set("verbose") {
		cfg.Verbose = fv.verbose
	}
	if set("tunnel") {
		cfg.Tunnel.Spec = fv.tunnel
	}
	if set("ssh-key") {
		cfg.Tunnel.KeyPath = fv.sshKey
	}
	if set("ssh-password") {
		cfg.Tunnel.PromptPass = fv.sshPassword
	}
	if set("ssh-agent") {
		cfg.Tunnel.UseAgent = fv.sshAgent
	}
	if set("strict-hostkey") {
		cfg.Tunnel.StrictHostKey = fv.strictHostKey
	}
	if set("known-hosts") {
		cfg.Tunnel.KnownHosts = fv.knownHosts
	}
	for _, kv := range fv.options {
		if err := applyOption(&cfg.Options, kv); err != nil {
			return nil, nil, err
		}
	}

	if err := cfg.Resolve(); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, ignored, nil
}

// parsePositional accepts "host" or "host port".  A host alone is only
// remembered; the connection is opened when a port is also known.
func parsePositional(cfg *config.Config, rest []string) error {
	switch len(rest) {
	case 0:
	case 1:
		cfg.Host = rest[0]
	case 2:
		cfg.Host, cfg.Port = rest[0], rest[1]
	default:
		return &ncerr.ConfigError{
			Field:   "arguments",
			Value:   rest[2],
			Message: "don't know what to do with this argument",
			Hint:    "usage: ztelnet [options] [host [port]]",
		}
	}
	return nil
}

func applyOption(opts *config.Options, kv string) error {
	name, value, ok := strings.Cut(kv, "=")
	if !ok {
		return &ncerr.ConfigError{Field: "option", Value: kv, Message: "expected NAME=VALUE"}
	}
	known, err := opts.Set(name, value)
	if err != nil {
		return &ncerr.ConfigError{Field: name, Value: value, Message: err.Error()}
	}
	if !known {
		return &ncerr.ConfigError{Field: "option", Value: name, Message: "unknown option", Hint: optionHint()}
	}
	return nil
}

func optionHint() string {
	return "one of " + strings.Join(config.OptionNames, ", ")
}

// run builds the components and drives the engine until it stops.
func run(ctx context.Context, cfg *config.Config, logger *util.Logger, std stdio) error {
	m := metrics.New()

	var dialer transport.Dialer = &transport.TCPDialer{Timeout: cfg.Timeout()}
	if cfg.Tunnel.Enabled() {
		dialer = transport.NewSSHDialer(transport.SSHConfig{
			User:          cfg.Tunnel.User,
			Host:          cfg.Tunnel.Host,
			Port:          cfg.Tunnel.Port,
			KeyPath:       cfg.Tunnel.KeyPath,
			PromptPass:    cfg.Tunnel.PromptPass,
			UseAgent:      cfg.Tunnel.UseAgent,
			StrictHostKey: cfg.Tunnel.StrictHostKey,
			KnownHosts:    cfg.Tunnel.KnownHosts,
			Timeout:       cfg.Timeout(),
		}, logger)
	}

	events := make(chan transport.Event, config.DefaultMailboxSize)
	ch := transport.NewChannel(dialer, events, config.DefaultTLSPort, logger, m)
	defer func() {
		if err := ch.Close(); err != nil {
			logger.Debug("closing connection: %v", err)
		}
	}()

	sess, err := openSession(cfg, std.out)
	if err != nil {
		return err
	}
	defer sess.Close()
	logger.Verbose("session %s", sess.ID)

	eng := engine.New(engine.Params{
		Link:      ch,
		Events:    events,
		Options:   cfg.Options,
		Session:   sess,
		Logger:    logger,
		Metrics:   m,
		Retry:     retry.ForConnect(cfg.ConnectAttempts, config.DefaultRetryDelay),
		Host:      cfg.Host,
		Port:      cfg.Port,
		KeepAlive: cfg.Interactive,
	})

	if cfg.Script != "" {
		r, name, closer, err := openScript(cfg.Script, std.in)
		if err != nil {
			return err
		}
		defer closer.Close()
		eng.Load(name, r)
	}

	if cfg.Script == "" || cfg.Interactive {
		con := newConsole(std.in, logger)
		defer con.Close()
		go func() {
			if err := con.Run(ctx, eng); err != nil {
				logger.Warn("console: %v", err)
			}
		}()
	}

	err = eng.Run(ctx)
	if cfg.Stats {
		fmt.Fprintln(std.err, m.Snapshot().JSON())
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err == nil {
		if n := m.ValidationFailures(); n > 0 {
			return fmt.Errorf("%w: %d check(s) did not pass", ncerr.ErrValidationFailed, n)
		}
	}
	return err
}

func openSession(cfg *config.Config, out io.Writer) (*session.Session, error) {
	opts := session.Options{Console: out, LocalEcho: cfg.LocalEcho}
	if cfg.Log == "" {
		return session.New(opts), nil
	}
	return session.Open(cfg.Log, opts)
}

// openScript returns the script reader and the name used for verdicts
// and %ZTELNET_SCRIPT_NAME%.
func openScript(path string, stdin io.Reader) (io.Reader, string, io.Closer, error) {
	if path == "-" {
		return stdin, "stdin", io.NopCloser(nil), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, "", nil, fmt.Errorf("opening script: %w", err)
	}
	return f, path, f, nil
}

// newConsole uses readline only for the real terminal.
func newConsole(in io.Reader, logger *util.Logger) *console.Console {
	if in == os.Stdin {
		return console.New("", logger)
	}
	return console.FromReader(in, logger)
}

func printUsage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, `ztelnet – scripted protocol automation client v%s

Drives a line-oriented TCP conversation (SMTP, POP3, IMAP, HTTP, ...)
from a script of send / receive / validate steps.

Usage:
  ztelnet [options] [host [port]]

Options:
`, version)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Script actions:
  connect HOST PORT     disconnect          quit
  send TEXT             receive REGEX       sendfile PATH
  delay MS              echo TEXT           setoption NAME = VALUE
  authlogin USER PASS   validate receive REGEX | validate connection up|down

Exit status is non-zero when a script line fails or a validate reports
FAILURE.

Examples:
  ztelnet -s smtp.zt -L run.log              Run a script, keep a transcript
  ztelnet mail.example.com 25                Talk to a server by hand
  ztelnet -T admin@bastion -s pop3.zt        Run through an SSH jump host
  ztelnet -o ZTELNET_AUTO_CRLF=n -s raw.zt   Override an engine option
`)
}
