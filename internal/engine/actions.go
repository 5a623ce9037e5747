package engine

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ztelnet/internal/action"
	"ztelnet/internal/authlogin"
	ncerr "ztelnet/internal/errors"
	"ztelnet/internal/matcher"
	"ztelnet/internal/retry"
	"ztelnet/internal/transport"
	"ztelnet/util"
)

// actions builds the action table.  Patterns are applied to the text
// after the action name.
func (e *Engine) actions() *action.Registry {
	r := action.NewRegistry()
	r.MustRegister("quit", e.actQuit, `^\s*`)
	r.MustRegister("connect", e.actConnect, `^\s*(\S+)\s+(\S+)`)
	r.MustRegister("disconnect", e.actDisconnect, "")
	r.MustRegister("send", e.actSend, `^\s*(.*)`)
	r.MustRegister("receive", e.actReceive, `^\s*(.*)`)
	r.MustRegister("setoption", e.actSetOption, `^\s*(\w+)\s*=\s*(.*?)\s*$`)
	r.MustRegister("delay", e.actDelay, `^\s*(\d+)`)
	r.MustRegister("authlogin", e.actAuthLogin, `^\s*(\S+)\s+(\S+)`)
	r.MustRegister("validate", e.actValidate, `^\s*(\w+)\s+(.*)`)
	r.MustRegister("echo", e.actEcho, `^\s*(.*)`)
	r.MustRegister("sendfile", e.actSendFile, `^\s*(.+?)\s*$`)
	r.MustRegister("help", e.actHelp, `^\s*(\w*)`)
	return r
}

func (e *Engine) actQuit([]string) (bool, error) {
	e.logger.Verbose("quit")
	e.goingDown = true
	e.matcher.Clear()
	if err := e.link.Disconnect(); err != nil {
		e.logger.Debug("disconnect: %v", err)
	}
	e.terminate()
	return false, nil
}

func (e *Engine) actConnect(args []string) (bool, error) {
	e.connect(args[0], args[1])
	return true, nil
}

// connect opens host:port.  Failures are reported in the log and leave
// the engine disconnected; they never stop the script.
func (e *Engine) connect(host, port string) {
	target := host + ":" + port
	if _, err := util.ParsePort(port); err != nil {
		e.log.Status("Connect to %s failed: %v", target, err)
		e.metrics.RecordError(err.Error())
		return
	}
	// Anything still buffered belongs to the old connection.
	e.matcher.Clear()

	b := *e.retry
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		e.logger.Warn("connect to %s failed (attempt %d): %v; retrying in %v", target, attempt, err, wait.Round(time.Millisecond))
	}
	err := b.Do(e.ctx, func(int) error {
		err := e.link.Connect(e.ctx, host, port)
		if err != nil && (e.ctx.Err() != nil || !ncerr.IsRetryable(err)) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		e.log.Status("Connect to %s failed: %v", target, err)
		e.metrics.RecordError(err.Error())
		return
	}
	e.log.Status("Connected: %s", target)
}

func (e *Engine) actDisconnect([]string) (bool, error) {
	return e.disconnect(), nil
}

// disconnect drops the connection and any pending receive.  It returns
// false when exit-on-disconnect turned it into a quit.
func (e *Engine) disconnect() bool {
	if e.matcher.Pending() {
		e.logger.Verbose("abandoning pending receive")
	}
	e.matcher.Clear()
	if err := e.link.Disconnect(); err != nil {
		e.logger.Warn("disconnect: %v", err)
	}
	if e.opts.ExitOnDisconnect && !e.goingDown {
		e.actQuit(nil) //nolint:errcheck
		return false
	}
	return true
}

func (e *Engine) actSend(args []string) (bool, error) {
	text, err := cook("send", args, e.opts)
	if err != nil {
		return false, err
	}
	e.log.Outgoing(text)
	e.transmit(transport.EncodeASCII(text))
	return true, nil
}

// transmit writes p, reporting failures in the log.  It returns false
// if nothing could be sent.
func (e *Engine) transmit(p []byte) bool {
	err := e.link.Send(p)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ncerr.ErrNotConnected):
		e.log.Status("Send failed: no connection")
	default:
		e.log.Status("Send failed: %v", err)
	}
	e.metrics.RecordError(err.Error())
	return false
}

func (e *Engine) actReceive(args []string) (bool, error) {
	if len(args) != 1 {
		return false, ncerr.ArgCount("receive", 1, len(args), "expects the pattern to wait for")
	}
	if !e.link.Connected() {
		e.log.Status("Receive ignored because there's no connection")
		return true, nil
	}
	re, err := matcher.CompileReceive(args[0], e.opts)
	if err != nil {
		return false, err
	}
	immediate, err := e.matcher.TrySetPending(re)
	if err != nil {
		return false, &ncerr.UsageError{Action: "receive", Message: "cannot wait for " + strconv.Quote(re.String()), Expected: -1, Err: err}
	}
	if immediate {
		return true, nil
	}
	e.logger.Debug("waiting for %q", re.String())
	e.suspend(WaitingForPattern)
	return false, nil
}

func (e *Engine) actSetOption(args []string) (bool, error) {
	name, value := args[0], args[1]
	known, err := e.opts.Set(name, value)
	if err != nil {
		return false, ncerr.Usage("setoption", "%v", err)
	}
	if !known {
		e.logger.Debug("setoption: ignoring unknown option %q", name)
		return true, nil
	}
	e.logger.Verbose("option %s = %q", name, value)
	return true, nil
}

func (e *Engine) actDelay(args []string) (bool, error) {
	ms, err := strconv.Atoi(args[0])
	if err != nil {
		return false, ncerr.Usage("delay", "bad duration %q: %v", args[0], err)
	}
	e.arm(time.Duration(ms) * time.Millisecond)
	e.suspend(WaitingForTimer)
	return false, nil
}

func (e *Engine) actAuthLogin(args []string) (bool, error) {
	user, pass := args[0], args[1]
	last, _ := e.matcher.LastMatch()
	challenge, ok := authlogin.ExtractChallenge(last)
	if !ok {
		e.log.Status("AuthLogin skipped: %v", ncerr.ErrNoChallenge)
		return true, nil
	}
	resp := authlogin.ComputeAuthLoginResponse(challenge, user, pass)
	if !e.opts.AutoCRLF {
		resp += "\r\n"
	}
	return e.actSend([]string{resp})
}

func (e *Engine) actValidate(args []string) (bool, error) {
	verb, expect := args[0], args[1]
	var (
		valid  bool
		reason string
	)
	switch verb {
	case "receive":
		last, _ := e.matcher.LastMatch()
		if last == "" {
			reason = "[No active receive match was found]"
			break
		}
		re, err := regexp.Compile(expect)
		if err != nil {
			return false, ncerr.Usage("validate", "bad pattern %q: %v", expect, err)
		}
		valid = re.MatchString(last)
		if !valid {
			reason = fmt.Sprintf("[Last receive match: [%s]; Validation regex: [%s]", last, expect)
		}
	case "connection":
		state := "down"
		if e.link.Connected() {
			state = "up"
		}
		valid = strings.TrimSpace(expect) == state
	default:
		return false, ncerr.Usage("validate", "supports only 'receive' or 'connection', given %q", verb)
	}

	e.metrics.Validation(valid)
	e.log.Verdict(valid, e.scriptName(), reason)
	return true, nil
}

func (e *Engine) scriptName() string {
	if e.script != nil {
		return e.script.name
	}
	return ""
}

func (e *Engine) actEcho(args []string) (bool, error) {
	text, err := cook("echo", args, e.opts)
	if err != nil {
		return false, err
	}
	e.log.Echo(text)
	return true, nil
}

var errNoConnection = errors.New("no connection")

func (e *Engine) actSendFile(args []string) (bool, error) {
	path := args[0]
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("sendfile: %w", err)
	}
	defer f.Close()

	e.log.Note(">>> Sending file " + path + " to the other side")
	err = util.StreamChunks(f, func(chunk []byte) error {
		e.log.Outgoing(string(chunk))
		if !e.transmit(chunk) {
			return errNoConnection
		}
		return nil
	})
	if err != nil && !errors.Is(err, errNoConnection) {
		return false, fmt.Errorf("sendfile %s: %w", path, err)
	}
	e.log.Note(">>> Completed sending file")
	return true, nil
}

func (e *Engine) actHelp(args []string) (bool, error) {
	if len(args) == 0 || args[0] == "" {
		e.log.Status("Actions: %s", strings.Join(e.registry.Names(), ", "))
		return true, nil
	}
	d, ok := e.registry.Lookup(args[0])
	if !ok {
		return false, &ncerr.UsageError{Action: "help", Message: "no action " + strconv.Quote(args[0]), Expected: -1, Err: ncerr.ErrUnknownAction}
	}
	if d.Pattern == nil {
		e.log.Status("%s takes no arguments", d.Name)
		return true, nil
	}
	e.log.Status("%s takes %d argument(s) matching %s", d.Name, d.Pattern.NumSubexp(), d.Pattern.String())
	return true, nil
}
