package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"

	ncerr "ztelnet/internal/errors"
	"ztelnet/internal/metrics"
	"ztelnet/util"
)

// Close reasons reported in EventClosed.
const (
	ReasonPeerShutdown = "Peer gracefully shutdown"
	ReasonBroken       = "Connection broke"
)

// Channel is the session's one connection.  Connect, Send, and
// Disconnect may be called from any goroutine; received data and
// connection loss are posted to the events mailbox by a reader
// goroutine, one per connection.
type Channel struct {
	dialer  Dialer
	events  chan<- Event
	logger  *util.Logger
	metrics *metrics.Collector
	tlsPort int

	mu        sync.Mutex
	conn      net.Conn
	addr      string
	gen       uint64
	connected bool
	done      chan struct{}
	readers   sync.WaitGroup
}

// NewChannel returns a disconnected Channel.  tlsPort names the port
// that gets a TLS layer; 0 disables TLS entirely.
func NewChannel(d Dialer, events chan<- Event, tlsPort int, logger *util.Logger, m *metrics.Collector) *Channel {
	return &Channel{
		dialer:  d,
		events:  events,
		tlsPort: tlsPort,
		logger:  logger.With("transport"),
		metrics: m,
	}
}

// Connect opens a stream to host:port, replacing any live connection.
//
// On the TLS port the stream is wrapped in TLS without verifying the
// server certificate.  This is deliberate: the tool is pointed at test
// endpoints that commonly use self-signed certificates.
func (c *Channel) Connect(ctx context.Context, host, port string) error {
	p, err := util.ParsePort(port)
	if err != nil {
		return err
	}
	c.Disconnect() //nolint:errcheck

	addr := util.FormatAddr(host, p)
	c.logger.Verbose("connecting to %s", addr)

	conn, err := c.dialer.Dial(ctx, "tcp", addr)
	if err != nil {
		return ncerr.Wrap("dial", addr, err)
	}

	if c.tlsPort != 0 && p == c.tlsPort {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: true, //nolint:gosec // see doc comment
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return ncerr.Wrap("handshake", addr, err)
		}
		c.logger.Debug("TLS established with %s (%s)", addr, tls.VersionName(tlsConn.ConnectionState().Version))
		conn = tlsConn
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	done := make(chan struct{})
	c.conn, c.addr, c.done, c.connected = conn, addr, done, true
	c.readers.Add(1)
	c.mu.Unlock()

	c.metrics.ConnectionOpened()
	go c.readLoop(conn, gen, done)
	return nil
}

// Generation returns the number of the current (or last) connection,
// matching Event.Conn.
func (c *Channel) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Connected reports whether a connection is up.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send writes p synchronously.  Writes are not serialized against the
// reader, which only touches the other direction of the stream.
func (c *Channel) Send(p []byte) error {
	c.mu.Lock()
	conn, addr, up := c.conn, c.addr, c.connected
	c.mu.Unlock()

	if conn == nil || !up {
		return ncerr.ErrNotConnected
	}
	n, err := conn.Write(p)
	c.metrics.BytesSent(int64(n))
	if err != nil {
		return ncerr.Wrap("write", addr, err)
	}
	return nil
}

// Disconnect closes the current connection.  The reader notices the
// closed stream and exits without posting EventClosed.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	conn, addr, done, wasUp := c.conn, c.addr, c.done, c.connected
	c.conn, c.done, c.connected = nil, nil, false
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	close(done)
	if wasUp {
		c.metrics.ConnectionClosed()
	}
	if err := conn.Close(); err != nil && !util.IsHarmless(err) {
		return ncerr.Wrap("close", addr, err)
	}
	return nil
}

// Close disconnects, waits for the reader to exit, and releases the
// dialer.
func (c *Channel) Close() error {
	err := c.Disconnect()
	c.readers.Wait()
	return errors.Join(err, c.dialer.Close())
}

func (c *Channel) readLoop(conn net.Conn, gen uint64, done <-chan struct{}) {
	defer c.readers.Done()

	buf := util.GetChunk()
	defer util.PutChunk(buf)

	for {
		n, err := conn.Read(*buf)
		if n > 0 {
			c.metrics.BytesReceived(int64(n))
			ev := Event{Kind: EventData, Conn: gen, Text: DecodeASCII((*buf)[:n])}
			if !c.post(ev, done) {
				return
			}
		}
		if err == nil {
			continue
		}

		if !c.lost(gen) {
			c.logger.Debug("reader %d done after local disconnect: %v", gen, err)
			return
		}
		reason := ReasonPeerShutdown
		if !errors.Is(err, io.EOF) {
			reason = ReasonBroken + ": " + err.Error()
		}
		c.logger.Verbose("connection %d closed: %s", gen, reason)
		c.post(Event{Kind: EventClosed, Conn: gen, Reason: reason}, done)
		return
	}
}

// lost marks connection gen as down.  It returns false when the
// connection had already been taken down locally.
func (c *Channel) lost(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || !c.connected {
		return false
	}
	c.connected = false
	c.metrics.ConnectionClosed()
	return true
}

// post delivers ev unless the connection is disconnected first.
func (c *Channel) post(ev Event, done <-chan struct{}) bool {
	select {
	case c.events <- ev:
		return true
	case <-done:
		return false
	}
}
