package util

import (
	"errors"
	"io"
	"net"
)

// StreamChunks reads r in ChunkSize pieces and hands each non-empty
// piece to fn.  The slice passed to fn is only valid for the duration of
// the call.  Reading stops at EOF, on a read error, or when fn fails.
func StreamChunks(r io.Reader, fn func(chunk []byte) error) error {
	buf := GetChunk()
	defer PutChunk(buf)

	for {
		n, err := io.ReadFull(r, *buf)
		if n > 0 {
			if ferr := fn((*buf)[:n]); ferr != nil {
				return ferr
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		default:
			return err
		}
	}
}

// IsHarmless returns true for errors that are expected while a
// connection is being torn down.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
