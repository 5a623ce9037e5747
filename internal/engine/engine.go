// Package engine runs automation scripts against a connection.
//
// The Engine owns everything a script can touch (options, the receive
// matcher, the delay timer, the script cursor) and mutates it from a
// single goroutine: Run.  The transport's reader goroutine, timers, and
// the interactive console only ever talk to it through channels.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"ztelnet/config"
	"ztelnet/internal/action"
	ncerr "ztelnet/internal/errors"
	"ztelnet/internal/matcher"
	"ztelnet/internal/metrics"
	"ztelnet/internal/retry"
	"ztelnet/internal/session"
	"ztelnet/internal/transport"
	"ztelnet/util"
)

// State is where the engine is in the script.
type State int

const (
	// Idle: no script is running.
	Idle State = iota
	// Running: lines are being dispatched.
	Running
	// WaitingForPattern: a receive is waiting for matching input.
	WaitingForPattern
	// WaitingForTimer: a delay (or the inter-action pause) is pending.
	WaitingForTimer
	// Terminated: quit, end of script, or a fatal line error.
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case WaitingForPattern:
		return "waiting-for-pattern"
	case WaitingForTimer:
		return "waiting-for-timer"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrTerminated is returned by Submit once the engine has stopped.
var ErrTerminated = errors.New("engine terminated")

// Link is the connection the engine drives.  *transport.Channel
// implements it.
type Link interface {
	Connect(ctx context.Context, host, port string) error
	Send(p []byte) error
	Disconnect() error
	Connected() bool
	// Generation numbers connections so events from a replaced
	// connection can be dropped.
	Generation() uint64
}

// Params wires an Engine to its collaborators.
type Params struct {
	Link    Link
	Events  <-chan transport.Event
	Options config.Options
	Session *session.Session
	Logger  *util.Logger
	Metrics *metrics.Collector

	// Retry is the policy for the connect action.  Nil means one attempt.
	Retry *retry.Backoff

	// Host and Port, when both set, are connected to before the first
	// script line.
	Host, Port string

	// KeepAlive leaves the engine idle at the end of the script instead
	// of terminating, for interactive use.
	KeepAlive bool

	// LookupEnv resolves %NAME% references.  Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Engine interprets scripts.  Create with New, attach a script with
// Load, and drive with Run.
type Engine struct {
	link      Link
	events    <-chan transport.Event
	opts      config.Options
	log       *session.Session
	logger    *util.Logger
	metrics   *metrics.Collector
	retry     *retry.Backoff
	host      string
	port      string
	keepAlive bool
	lookupEnv func(string) (string, bool)

	registry *action.Registry
	matcher  *matcher.Matcher
	script   *cursor

	state     State
	goingDown bool
	paced     bool // the inter-action pause for the next line is over
	fatal     error

	ctx    context.Context
	timer  *time.Timer
	timerC <-chan time.Time

	submit chan string
	done   chan struct{}
}

// New returns an idle Engine with the standard actions registered.
func New(p Params) *Engine {
	if p.Logger == nil {
		p.Logger = util.NewLogger(0)
	}
	e := &Engine{
		link:      p.Link,
		events:    p.Events,
		opts:      p.Options,
		log:       p.Session,
		logger:    p.Logger.With("engine"),
		metrics:   p.Metrics,
		retry:     p.Retry,
		host:      p.Host,
		port:      p.Port,
		keepAlive: p.KeepAlive,
		lookupEnv: p.LookupEnv,
		matcher:   matcher.New(),
		submit:    make(chan string),
		done:      make(chan struct{}),
		ctx:       context.Background(),
	}
	if e.log == nil {
		e.log = session.New(session.Options{})
	}
	if e.retry == nil {
		e.retry = retry.ForConnect(1, 0)
	}
	if e.lookupEnv == nil {
		e.lookupEnv = os.LookupEnv
	}
	e.registry = e.actions()
	return e
}

// Load attaches a script.  name is used in verdict lines and for
// %ZTELNET_SCRIPT_NAME%.
func (e *Engine) Load(name string, r io.Reader) {
	e.script = newCursor(name, r)
}

// State reports the current state.  Only meaningful from the goroutine
// running the engine or after Run has returned.
func (e *Engine) State() State { return e.state }

// Options returns the current option values.
func (e *Engine) Options() config.Options { return e.opts }

// Registry exposes the action table, e.g. for console completion.
func (e *Engine) Registry() *action.Registry { return e.registry }

// Done is closed when Run returns.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Submit hands a console line to the engine.  Lines starting with "/"
// run an action ("/disconnect"); anything else is sent to the peer as
// the send action would.  Submit blocks until the engine picks the line
// up.
func (e *Engine) Submit(ctx context.Context, line string) error {
	select {
	case e.submit <- line:
		return nil
	case <-e.done:
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the script and serves events until the engine
// terminates or ctx is cancelled.  A line that fails with a usage or
// resource error stops the script; that error is returned.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	defer e.stopTimer()

	e.ctx = ctx
	e.start()

	for e.state != Terminated {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case ev := <-e.events:
			e.handleEvent(ev)
		case <-e.timerC:
			e.onTimer()
		case line := <-e.submit:
			e.onSubmit(line)
		}
	}
	e.shutdown()
	return e.fatal
}

// start performs the auto-connect and dispatches the first lines.
func (e *Engine) start() {
	if e.script != nil {
		e.log.Begin(e.script.name)
	} else {
		e.log.Begin("")
	}
	if e.host != "" && e.port != "" {
		e.connect(e.host, e.port)
	}
	if e.script == nil {
		e.state = Idle
		return
	}
	e.state = Running
	e.advance()
}

// advance dispatches script lines until one suspends or the script
// ends.
func (e *Engine) advance() {
	for e.state == Running {
		if e.script == nil {
			e.state = Idle
			return
		}
		if d := e.opts.Delay(); d > 0 && !e.paced {
			e.paced = true
			e.arm(d)
			e.state = WaitingForTimer
			return
		}
		e.paced = false

		line, ok := e.script.next()
		if !ok {
			if err := e.script.err; err != nil {
				e.fail(fmt.Errorf("reading %s: %w", e.script.name, err))
				return
			}
			e.endOfScript()
			return
		}
		e.execLine(line)
	}
}

func (e *Engine) execLine(line string) {
	if e.opts.ExpandEnv {
		line = e.expand(line)
	}
	if !action.IsNoop(line) {
		e.logger.Debug("%s:%d: %s", e.script.name, e.script.line, line)
		e.metrics.ActionInvoked()
	}
	if _, err := e.registry.Invoke(line); err != nil {
		e.fail(e.lineError(err))
	}
}

func (e *Engine) lineError(err error) error {
	var ue *ncerr.UsageError
	if errors.As(err, &ue) && ue.Expected >= 0 {
		e.logger.Error("%s:%d: %s expects %d argument(s), given %d",
			e.script.name, e.script.line, ue.Action, ue.Expected, ue.Given)
	}
	return fmt.Errorf("%s:%d: %w", e.script.name, e.script.line, err)
}

// fail stops the script with err.
func (e *Engine) fail(err error) {
	e.logger.Error("%v", err)
	e.metrics.RecordError(err.Error())
	e.fatal = err
	e.terminate()
}

func (e *Engine) endOfScript() {
	e.logger.Verbose("end of script %s", e.script.name)
	if e.keepAlive {
		e.script = nil
		e.state = Idle
		return
	}
	e.terminate()
}

// resume continues the script after a suspension.
func (e *Engine) resume() {
	e.state = Running
	e.advance()
}

// suspend parks the engine in st.  Actions typed at the console while
// a script is already parked leave the script's state alone.
func (e *Engine) suspend(st State) {
	if e.state == Running || e.state == Idle {
		e.state = st
	}
}

func (e *Engine) terminate() {
	e.goingDown = true
	e.state = Terminated
}

// shutdown releases the connection once the loop is done.
func (e *Engine) shutdown() {
	e.goingDown = true
	e.state = Terminated
	e.matcher.Clear()
	if err := e.link.Disconnect(); err != nil {
		e.logger.Debug("disconnect on shutdown: %v", err)
	}
}

// ── event handling ───────────────────────────────────────────────────

func (e *Engine) handleEvent(ev transport.Event) {
	if ev.Conn != e.link.Generation() {
		e.logger.Debug("dropping %s event from stale connection %d", ev.Kind, ev.Conn)
		return
	}
	switch ev.Kind {
	case transport.EventData:
		e.onData(ev.Text)
	case transport.EventClosed:
		e.onPeerClosed(ev.Reason)
	}
}

func (e *Engine) onData(text string) {
	e.log.Incoming(text)
	if e.matcher.Append(text) && e.state == WaitingForPattern {
		e.resume()
	}
}

func (e *Engine) onPeerClosed(reason string) {
	e.log.Status("Disconnected: %s", reason)
	e.disconnect()
	if e.state == WaitingForPattern {
		e.resume()
	}
}

func (e *Engine) onTimer() {
	e.timerC = nil
	if e.state == WaitingForTimer {
		e.resume()
	}
}

func (e *Engine) onSubmit(line string) {
	if len(line) > 0 && line[0] == '/' {
		if _, err := e.registry.Invoke(line[1:]); err != nil {
			e.logger.Error("%v", err)
			e.metrics.RecordError(err.Error())
		}
		return
	}
	if _, err := e.actSend([]string{line}); err != nil {
		e.logger.Error("%v", err)
	}
}

// ── timer ────────────────────────────────────────────────────────────

func (e *Engine) arm(d time.Duration) {
	e.stopTimer()
	e.timer = time.NewTimer(d)
	e.timerC = e.timer.C
}

func (e *Engine) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerC = nil
}
