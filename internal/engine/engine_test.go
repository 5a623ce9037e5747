package engine

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ztelnet/config"
	ncerr "ztelnet/internal/errors"
	"ztelnet/internal/metrics"
	"ztelnet/internal/retry"
	"ztelnet/internal/session"
	"ztelnet/internal/transport"
	"ztelnet/util"
)

// fakeLink records what the engine does to the connection.
type fakeLink struct {
	connected   bool
	gen         uint64
	sent        []string
	connects    []string
	disconnects int
	connectErr  error
	dials       int
}

func (l *fakeLink) Connect(_ context.Context, host, port string) error {
	l.dials++
	if l.connectErr != nil {
		return l.connectErr
	}
	l.connected = true
	l.gen++
	l.connects = append(l.connects, host+":"+port)
	return nil
}

func (l *fakeLink) Send(p []byte) error {
	if !l.connected {
		return ncerr.ErrNotConnected
	}
	l.sent = append(l.sent, string(p))
	return nil
}

func (l *fakeLink) Disconnect() error {
	l.disconnects++
	l.connected = false
	return nil
}

func (l *fakeLink) Connected() bool    { return l.connected }
func (l *fakeLink) Generation() uint64 { return l.gen }

type harness struct {
	e          *Engine
	link       *fakeLink
	console    *bytes.Buffer
	transcript *bytes.Buffer
	logs       *bytes.Buffer
	metrics    *metrics.Collector
}

type setup struct {
	script    string
	name      string
	opts      *config.Options
	host      string
	port      string
	keepAlive bool
	env       map[string]string
	retry     *retry.Backoff
	logLevel  *int
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	h := &harness{
		link:       &fakeLink{},
		console:    &bytes.Buffer{},
		transcript: &bytes.Buffer{},
		logs:       &bytes.Buffer{},
		metrics:    metrics.New(),
	}
	opts := config.DefaultOptions()
	if s.opts != nil {
		opts = *s.opts
	}
	level := 3
	if s.logLevel != nil {
		level = *s.logLevel
	}
	logger := util.NewLogger(level)
	logger.SetTimestamps(false)
	logger.SetOutput(h.logs)

	h.e = New(Params{
		Link:    h.link,
		Events:  make(chan transport.Event),
		Options: opts,
		Session: session.New(session.Options{
			Console:    h.console,
			Transcript: h.transcript,
			ID:         uuid.MustParse("6f1c8a52-3b7e-4c2d-9a10-5e8f7b6d4c3a"),
			Now:        func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) },
		}),
		Logger:    logger,
		Metrics:   h.metrics,
		Retry:     s.retry,
		Host:      s.host,
		Port:      s.port,
		KeepAlive: s.keepAlive,
		LookupEnv: func(k string) (string, bool) {
			v, ok := s.env[k]
			return v, ok
		},
	})
	if s.script != "" {
		name := s.name
		if name == "" {
			name = "test.zt"
		}
		h.e.Load(name, strings.NewReader(s.script))
	}
	t.Cleanup(h.e.stopTimer)
	h.e.start()
	return h
}

func (h *harness) data(text string) {
	h.e.handleEvent(transport.Event{Kind: transport.EventData, Conn: h.link.gen, Text: text})
}

func (h *harness) closed(reason string) {
	h.e.handleEvent(transport.Event{Kind: transport.EventClosed, Conn: h.link.gen, Reason: reason})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "waiting-for-pattern", WaitingForPattern.String())
	assert.Equal(t, "terminated", Terminated.String())
	assert.Equal(t, "State(42)", State(42).String())
}

func TestSendReceiveFlow(t *testing.T) {
	h := newHarness(t, setup{script: "connect mx 25\nreceive 220.*\nsend EHLO x\nreceive 250.*\nquit\nsend never\n"})

	assert.Equal(t, WaitingForPattern, h.e.State())
	assert.Equal(t, []string{"mx:25"}, h.link.connects)
	assert.Empty(t, h.link.sent)

	h.data("220 hello\r\n")
	assert.Equal(t, []string{"EHLO x\r\n"}, h.link.sent)
	assert.Equal(t, WaitingForPattern, h.e.State())

	h.data("250 ok\r\n")
	assert.Equal(t, Terminated, h.e.State())
	assert.Len(t, h.link.sent, 1)
	assert.False(t, h.link.connected)
	assert.NoError(t, h.e.fatal)
}

func TestReceiveSpansDeliveries(t *testing.T) {
	h := newHarness(t, setup{script: "connect h 1\nreceive READY\necho go\n"})

	h.data("REA")
	assert.Equal(t, WaitingForPattern, h.e.State())
	h.data("DY\r\n")

	assert.Equal(t, Terminated, h.e.State())
	last, _ := h.e.matcher.LastMatch()
	assert.Equal(t, "READY\r\n", last)
	assert.Empty(t, h.e.matcher.Buffered())
	assert.Contains(t, h.transcript.String(), "go\r\n")
}

func TestReceiveSatisfiedFromBuffer(t *testing.T) {
	h := newHarness(t, setup{script: "connect h 1\ndelay 10\nreceive 220\necho matched\n"})
	assert.Equal(t, WaitingForTimer, h.e.State())

	// Data during a delay is buffered but does not advance the script.
	h.data("220\r\n")
	assert.Equal(t, WaitingForTimer, h.e.State())

	h.e.onTimer()
	assert.Equal(t, Terminated, h.e.State())
	assert.Contains(t, h.console.String(), "matched\r\n")
}

func TestUnknownActionStopsScript(t *testing.T) {
	h := newHarness(t, setup{script: "connect h 1\nsend a\nbogusAction arg\nsend b\n"})

	assert.Equal(t, Terminated, h.e.State())
	assert.Equal(t, []string{"a\r\n"}, h.link.sent)
	require.Error(t, h.e.fatal)
	assert.ErrorIs(t, h.e.fatal, ncerr.ErrUnknownAction)
	assert.True(t, ncerr.IsUsage(h.e.fatal))
	assert.Contains(t, h.e.fatal.Error(), "test.zt:3")
	assert.Equal(t, 3, h.e.script.line)
}

func TestArgumentShapeErrorIsLogged(t *testing.T) {
	h := newHarness(t, setup{script: "connect onlyhost\n"})

	assert.Equal(t, Terminated, h.e.State())
	assert.True(t, ncerr.IsUsage(h.e.fatal))
	assert.Contains(t, h.logs.String(), "connect expects 2 argument(s), given 1")
}

func TestCommentsAndBlankLines(t *testing.T) {
	h := newHarness(t, setup{script: "# header\r\n\r\n   \r\nfoo# also a comment\r\necho hi\r\n"})
	assert.Equal(t, Terminated, h.e.State())
	assert.NoError(t, h.e.fatal)
	assert.Equal(t, "hi\r\n", h.console.String())
	assert.Equal(t, int64(1), h.metrics.Snapshot().Actions)
}

func TestDisconnectCancelsWait(t *testing.T) {
	h := newHarness(t, setup{host: "h", port: "1"})
	require.Equal(t, Idle, h.e.State())

	h.e.onSubmit("/receive foo")
	assert.Equal(t, WaitingForPattern, h.e.State())
	h.data("partial")
	assert.Equal(t, "partial", h.e.matcher.Buffered())

	h.e.onSubmit("/disconnect")
	assert.False(t, h.e.matcher.Pending())
	assert.Empty(t, h.e.matcher.Buffered())
	assert.False(t, h.link.connected)

	// The abandoned wait is not resumed by itself.
	assert.Equal(t, WaitingForPattern, h.e.State())

	h.e.onSubmit("/connect h 1")
	h.e.onSubmit("/receive bar")
	assert.True(t, h.e.matcher.Pending())
	h.data("bar\r\n")
	assert.Equal(t, Idle, h.e.State())
}

func TestPeerCloseResumesScript(t *testing.T) {
	h := newHarness(t, setup{script: "connect h 1\nreceive never\necho after\nvalidate connection down\n"})
	require.Equal(t, WaitingForPattern, h.e.State())

	h.closed(transport.ReasonPeerShutdown)

	assert.Equal(t, Terminated, h.e.State())
	assert.NoError(t, h.e.fatal)
	out := h.transcript.String()
	assert.Contains(t, out, "########## Disconnected: Peer gracefully shutdown\r\n")
	assert.Contains(t, out, "after\r\n")
	assert.Contains(t, out, ">> OK (test.zt)\r\n")
}

func TestExitOnDisconnect(t *testing.T) {
	opts := config.DefaultOptions()
	opts.ExitOnDisconnect = true
	h := newHarness(t, setup{opts: &opts, script: "connect h 1\ndisconnect\necho never\n"})

	assert.Equal(t, Terminated, h.e.State())
	assert.NoError(t, h.e.fatal)
	assert.NotContains(t, h.console.String(), "never")
}

func TestExitOnDisconnectByPeer(t *testing.T) {
	opts := config.DefaultOptions()
	opts.ExitOnDisconnect = true
	h := newHarness(t, setup{opts: &opts, script: "connect h 1\nreceive x\necho never\n"})

	h.closed(transport.ReasonBroken + ": reset")
	assert.Equal(t, Terminated, h.e.State())
	assert.NotContains(t, h.console.String(), "never")
}

func TestStaleEventsAreDropped(t *testing.T) {
	h := newHarness(t, setup{script: "connect h 1\nreceive ok\necho done\n"})
	before := h.console.String()

	h.e.handleEvent(transport.Event{Kind: transport.EventData, Conn: h.link.gen + 7, Text: "ok\r\n"})
	h.e.handleEvent(transport.Event{Kind: transport.EventClosed, Conn: 0, Reason: "old"})

	assert.Equal(t, WaitingForPattern, h.e.State())
	assert.Equal(t, before, h.console.String())
	assert.True(t, h.link.connected)
}

func TestDelayAction(t *testing.T) {
	h := newHarness(t, setup{script: "delay 5\necho x\n"})
	assert.Equal(t, WaitingForTimer, h.e.State())
	assert.NotNil(t, h.e.timerC)
	assert.Empty(t, h.console.String())

	h.e.onTimer()
	assert.Equal(t, Terminated, h.e.State())
	assert.Equal(t, "x\r\n", h.console.String())
}

func TestInterActionDelay(t *testing.T) {
	opts := config.DefaultOptions()
	opts.InterActionDelay = 10
	h := newHarness(t, setup{opts: &opts, script: "echo a\necho b\n"})

	assert.Equal(t, WaitingForTimer, h.e.State())
	assert.Empty(t, h.console.String())

	h.e.onTimer()
	assert.Equal(t, "a\r\n", h.console.String())
	assert.Equal(t, WaitingForTimer, h.e.State())

	h.e.onTimer()
	assert.Equal(t, "a\r\nb\r\n", h.console.String())

	h.e.onTimer()
	assert.Equal(t, Terminated, h.e.State())
}

func TestSetOptionAffectsLaterLines(t *testing.T) {
	h := newHarness(t, setup{script: strings.Join([]string{
		"connect h 1",
		"setoption ZTELNET_AUTO_CRLF = n",
		"send A",
		"setoption ZTELNET_CRLF_REPLACE_IN_SCRIPT=<CR>",
		"setoption ZTELNET_EMPTY_REPLACE_IN_SCRIPT = <E>",
		"send B<CR>C<E>",
		"setoption NOT_AN_OPTION = 1",
		"send D",
	}, "\n")})

	assert.Equal(t, Terminated, h.e.State())
	assert.NoError(t, h.e.fatal)
	assert.Equal(t, []string{"A", "B\r\nC", "D"}, h.link.sent)
	assert.False(t, h.e.Options().AutoCRLF)
}

func TestSetOptionBadValue(t *testing.T) {
	h := newHarness(t, setup{script: "setoption ZTELNET_INTER_ACTION_DELAY = soon\n"})
	assert.True(t, ncerr.IsUsage(h.e.fatal))
}

func TestCook(t *testing.T) {
	tests := []struct {
		name string
		args []string
		opts config.Options
		want string
	}{
		{"auto crlf", []string{"A", "B"}, config.Options{AutoCRLF: true, CRLFReplace: "<CR>"}, "AB\r\n"},
		{"placeholder without auto", []string{"A", "B<CR>"}, config.Options{CRLFReplace: "<CR>"}, "AB\r\n"},
		{"placeholder and auto", []string{"A", "B<CR>"}, config.Options{AutoCRLF: true, CRLFReplace: "<CR>"}, "AB\r\n\r\n"},
		{"empty placeholder", []string{"<E>"}, config.Options{AutoCRLF: true, EmptyReplace: "<E>"}, "\r\n"},
		{"plain", []string{"QUIT"}, config.Options{}, "QUIT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cook("send", tt.args, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := cook("send", nil, config.Options{})
	var ue *ncerr.UsageError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 1, ue.Expected)
	assert.Equal(t, 0, ue.Given)
}

func TestExpansion(t *testing.T) {
	opts := config.DefaultOptions()
	opts.ExpandEnv = true
	h := newHarness(t, setup{
		opts:   &opts,
		name:   "run.zt",
		env:    map[string]string{"MAIL_USER": "tim"},
		script: "echo %MAIL_USER% %ZTELNET_SCRIPT_NAME% %UNSET% 100%\n",
	})
	assert.Equal(t, "tim run.zt %UNSET% 100%\r\n", h.console.String())

	h = newHarness(t, setup{name: "run.zt", env: map[string]string{"MAIL_USER": "tim"}, script: "echo %MAIL_USER%\n"})
	assert.Equal(t, "%MAIL_USER%\r\n", h.console.String(), "expansion is off by default")
}

func TestValidate(t *testing.T) {
	h := newHarness(t, setup{script: strings.Join([]string{
		"validate receive .*",
		"connect h 1",
		"receive 235 .*",
		"validate receive ^235",
		"validate receive ^535",
		"validate connection up",
		"validate connection down",
	}, "\n")})
	h.data("235 ok\r\n")

	assert.Equal(t, Terminated, h.e.State())
	assert.NoError(t, h.e.fatal)
	assert.Equal(t, strings.Join([]string{
		">> FAILURE (test.zt)[No active receive match was found]",
		"########## Connected: h:1",
		"235 ok",
		">> OK (test.zt)",
		">> FAILURE (test.zt)[Last receive match: [235 ok\r\n]; Validation regex: [^535]",
		">> OK (test.zt)",
		">> FAILURE (test.zt)",
		"",
	}, "\r\n"), h.console.String())
	assert.Equal(t, int64(3), h.metrics.ValidationFailures())
}

func TestValidateUnknownVerb(t *testing.T) {
	h := newHarness(t, setup{script: "validate banner up\n"})
	assert.True(t, ncerr.IsUsage(h.e.fatal))
}

func TestAuthLogin(t *testing.T) {
	for _, auto := range []bool{true, false} {
		opts := config.DefaultOptions()
		opts.AutoCRLF = auto
		h := newHarness(t, setup{opts: &opts, script: "connect h 1\nreceive 334 .*\\r\\n\nauthlogin tim tanstaaftanstaaf\n"})
		h.data("334 PDE4OTYuNjk3MTcwOTUyQHBvc3RvZmZpY2UucmVzdG9uLm1jaS5uZXQ+\r\n")

		require.NoError(t, h.e.fatal)
		assert.Equal(t, []string{"dGltIFLb+vuUmhe266KT37Zt2gI=\r\n"}, h.link.sent, "auto crlf %v", auto)
	}
}

func TestAuthLoginWithoutChallenge(t *testing.T) {
	h := newHarness(t, setup{script: "connect h 1\nauthlogin tim secret\necho next\n"})
	assert.NoError(t, h.e.fatal)
	assert.Empty(t, h.link.sent)
	assert.Contains(t, h.transcript.String(), "########## AuthLogin skipped: no challenge in last receive match\r\n")
	assert.Contains(t, h.transcript.String(), "next\r\n")
}

func TestNoConnection(t *testing.T) {
	h := newHarness(t, setup{script: "send HELO\nreceive 250\necho still running\n"})

	assert.Equal(t, Terminated, h.e.State())
	assert.NoError(t, h.e.fatal)
	assert.Equal(t, strings.Join([]string{
		"S: HELO",
		"########## Send failed: no connection",
		"########## Receive ignored because there's no connection",
		"still running",
		"",
	}, "\r\n"), h.transcript.String()[strings.Index(h.transcript.String(), "\n")+1:])
}

func TestConnectFailureContinues(t *testing.T) {
	h := newHarness(t, setup{script: "connect h 25\nconnect h 99999\necho on\n"})
	h.link.connectErr = errors.New("refused")

	// The first connect ran during start with no error configured.
	assert.Equal(t, Terminated, h.e.State())
	assert.Contains(t, h.transcript.String(), "########## Connected: h:25\r\n")
	assert.Contains(t, h.transcript.String(), "########## Connect to h:99999 failed: port 99999 out of range 1-65535\r\n")
	assert.Contains(t, h.transcript.String(), "on\r\n")

	h2 := newHarness(t, setup{})
	h2.link.connectErr = errors.New("refused")
	h2.e.onSubmit("/connect h 25")
	assert.Contains(t, h2.transcript.String(), "########## Connect to h:25 failed: refused\r\n")
	assert.Equal(t, int64(1), h2.metrics.Snapshot().ErrorsTotal)
}

func TestConnectRetriesOnlyTransientErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		dials int
	}{
		{"refused", ncerr.Wrap("dial", "h:25", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}), 4},
		{"timeout", ncerr.Wrap("dial", "h:25", &net.DNSError{Err: "timeout", IsTimeout: true}), 4},
		{"unknown host", ncerr.Wrap("dial", "h:25", &net.DNSError{Err: "no such host", Name: "h", IsNotFound: true}), 1},
		{"ssh auth", ncerr.WrapSSH("auth", "jump", 22, ncerr.ErrAuthFailed), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, setup{retry: retry.ForConnect(4, time.Millisecond)})
			h.link.connectErr = tt.err
			h.e.onSubmit("/connect h 25")

			assert.Equal(t, tt.dials, h.link.dials)
			assert.Contains(t, h.transcript.String(), "########## Connect to h:25 failed: ")
			assert.False(t, h.link.connected)
		})
	}
}

func TestHelpAtDefaultVerbosity(t *testing.T) {
	quiet := 0
	h := newHarness(t, setup{logLevel: &quiet})
	h.e.onSubmit("/help")

	assert.Empty(t, h.logs.String())
	assert.Equal(t, "########## Actions: authlogin, connect, delay, disconnect, echo, help, quit, receive, send, sendfile, setoption, validate\r\n", h.console.String())
	assert.Contains(t, h.transcript.String(), "########## Actions: ")

	h.e.onSubmit("/help delay")
	h.e.onSubmit("/help disconnect")
	h.e.onSubmit("/help nosuch")
	assert.Contains(t, h.console.String(), "########## delay takes 1 argument(s) matching ^\\s*(\\d+)\r\n")
	assert.Contains(t, h.console.String(), "########## disconnect takes no arguments\r\n")
	assert.Contains(t, h.logs.String(), "[ERR] engine: help: no action \"nosuch\"")
}

func TestSendFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "body.eml")
	body := bytes.Repeat([]byte("0123456789"), 250)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	h := newHarness(t, setup{script: "connect h 1\nsendfile " + path + "  \necho sent\n"})
	require.NoError(t, h.e.fatal)
	require.Len(t, h.link.sent, 3)
	assert.Len(t, h.link.sent[0], 1024)
	assert.Len(t, h.link.sent[1], 1024)
	assert.Len(t, h.link.sent[2], 452)
	assert.Equal(t, string(body), strings.Join(h.link.sent, ""))

	h = newHarness(t, setup{script: "sendfile " + filepath.Join(dir, "missing") + "\necho unreachable\n"})
	require.Error(t, h.e.fatal)
	assert.ErrorIs(t, h.e.fatal, os.ErrNotExist)
	assert.NotContains(t, h.console.String(), "unreachable")
}

func TestSendFileLocalEcho(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("DATA\r\n"), 0o600))

	h := newHarness(t, setup{})
	h.e.log.LocalEcho = true
	h.e.onSubmit("/connect h 1")
	h.e.onSubmit("/sendfile " + path)

	assert.Contains(t, h.console.String(), ">>> Sending file "+path+" to the other side"+"DATA\r\n"+">>> Completed sending file")
}

func TestConsoleLines(t *testing.T) {
	h := newHarness(t, setup{host: "h", port: "23"})
	require.Equal(t, Idle, h.e.State())

	h.e.onSubmit("USER joe")
	h.e.onSubmit("/bogus")
	h.e.onSubmit("/help")
	h.e.onSubmit("/receive OK")
	h.e.onSubmit("/receive again")

	assert.Equal(t, []string{"USER joe\r\n"}, h.link.sent)
	assert.Contains(t, h.logs.String(), "unknown action")
	assert.Contains(t, h.console.String(), "########## Actions: authlogin, connect, delay, disconnect, echo, help, quit, receive, send, sendfile, setoption, validate\r\n")
	assert.Contains(t, h.logs.String(), ncerr.ErrReceivePending.Error())
	assert.Equal(t, WaitingForPattern, h.e.State())
	assert.NoError(t, h.e.fatal)

	h.e.onSubmit("/quit")
	assert.Equal(t, Terminated, h.e.State())
}

func TestKeepAlive(t *testing.T) {
	h := newHarness(t, setup{keepAlive: true, script: "echo one\n"})
	assert.Equal(t, Idle, h.e.State())
	assert.Nil(t, h.e.script)
}

func TestReadErrorStopsScript(t *testing.T) {
	h := &harness{link: &fakeLink{}}
	logger := util.NewLogger(0)
	logger.SetOutput(&bytes.Buffer{})
	h.e = New(Params{Link: h.link, Logger: logger})
	h.e.Load("broken.zt", errReader{})
	h.e.start()

	assert.Equal(t, Terminated, h.e.State())
	assert.ErrorContains(t, h.e.fatal, "reading broken.zt")
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }
