package engine

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ztelnet/config"
	"ztelnet/internal/session"
	"ztelnet/internal/transport"
	"ztelnet/util"
)

const smtpAuthScript = `# CRAM-MD5 login against an SMTP server
connect mail.example.com 25
receive 220 .*
send EHLO client.example.com
receive 250 .*
send AUTH CRAM-MD5
receive 334 .*
authlogin tim tanstaaftanstaaf
receive 235 .*
validate receive ^235
echo done with %ZTELNET_SCRIPT_NAME%
send QUIT
receive 221 .*
validate connection up
quit
`

func TestSMTPAuthTranscript(t *testing.T) {
	opts := config.DefaultOptions()
	opts.ExpandEnv = true
	h := newHarness(t, setup{opts: &opts, name: "smtp-auth.zt", script: smtpAuthScript})

	for _, reply := range []string{
		"220 mail.example.com ESMTP\r\n",
		"250-mail.example.com\r\n250 AUTH CRAM-MD5\r\n",
		"334 PDE4OTYuNjk3MTcwOTUyQHBvc3RvZmZpY2UucmVzdG9uLm1jaS5uZXQ+\r\n",
		"235 Authentication successful\r\n",
		"221 Bye\r\n",
	} {
		require.Equal(t, WaitingForPattern, h.e.State(), "before %q", reply)
		h.data(reply)
	}

	require.Equal(t, Terminated, h.e.State())
	require.NoError(t, h.e.fatal)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "smtp_auth_transcript", h.transcript.Bytes())
}

// pop3Server plays the server side of a short POP3 dialog and reports
// every command it received.
func pop3Server(t *testing.T) (host, port string, got <-chan []string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	out := make(chan []string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var cmds []string
		defer func() { out <- cmds }()

		r := bufio.NewReader(conn)
		conn.Write([]byte("+OK POP3 ready\r\n")) //nolint:errcheck
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.TrimRight(line, "\r\n")
			cmds = append(cmds, cmd)
			if cmd == "QUIT" {
				conn.Write([]byte("+OK bye\r\n")) //nolint:errcheck
				return
			}
			conn.Write([]byte("+OK\r\n")) //nolint:errcheck
		}
	}()

	host, port, err = net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	return host, port, out
}

func TestRunAgainstServer(t *testing.T) {
	host, port, got := pop3Server(t)

	events := make(chan transport.Event, 16)
	logger := util.NewLogger(0)
	logger.SetOutput(&bytes.Buffer{})
	ch := transport.NewChannel(&transport.TCPDialer{Timeout: time.Second}, events, config.DefaultTLSPort, logger, nil)
	defer ch.Close()

	var transcript bytes.Buffer
	e := New(Params{
		Link:    ch,
		Events:  events,
		Options: config.DefaultOptions(),
		Session: session.New(session.Options{Transcript: &transcript, ID: uuid.New()}),
		Logger:  logger,
		Host:    host,
		Port:    port,
	})
	e.Load("pop3.zt", strings.NewReader(strings.Join([]string{
		`receive \+OK POP3.*`,
		"send USER joe",
		`receive \+OK`,
		"send PASS secret",
		`receive \+OK`,
		"send QUIT",
		`receive \+OK bye`,
		"validate receive bye",
	}, "\n")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))
	assert.Equal(t, Terminated, e.State())

	select {
	case cmds := <-got:
		assert.Equal(t, []string{"USER joe", "PASS secret", "QUIT"}, cmds)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not finish")
	}
	assert.Contains(t, transcript.String(), ">> OK (pop3.zt)\r\n")
	assert.Contains(t, transcript.String(), "S: PASS secret\r\n")

	err := e.Submit(context.Background(), "late")
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestRunStopsOnCancel(t *testing.T) {
	logger := util.NewLogger(0)
	link := &fakeLink{}
	e := New(Params{Link: link, Events: make(chan transport.Event), Logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()

	require.NoError(t, e.Submit(ctx, "/help"))
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 1, link.disconnects)
}
