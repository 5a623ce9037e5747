// Package transport owns the single byte-stream connection of a
// session.  A Dialer decides how the TCP stream is reached (directly or
// through an SSH jump host); a Channel layers TLS on top when needed,
// runs the background reader, and delivers what it reads as Events on
// a mailbox channel.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH session).  Stateless dialers return nil.
	Close() error
}

// EventKind tells data deliveries apart from connection loss.
type EventKind int

const (
	// EventData carries received text.
	EventData EventKind = iota
	// EventClosed reports that the peer closed or the stream broke.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

// Event is what the reader posts to the mailbox.  Conn identifies the
// connection that produced it so events from a connection that has
// since been replaced can be told apart.
type Event struct {
	Kind   EventKind
	Conn   uint64
	Text   string // EventData
	Reason string // EventClosed
}
