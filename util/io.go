package util

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// DefaultBufSize is the standard buffer size for network I/O (32 KiB).
const DefaultBufSize = 32 * 1024

// ReadAll drains r into a byte slice using a pooled copy buffer.
func ReadAll(r io.Reader) ([]byte, error) {
	buf := GetBuf()
	defer PutBuf(buf)

	var out []byte
	for {
		n, err := r.Read(*buf)
		out = append(out, (*buf)[:n]...)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}

// CloseWrite half-closes the send direction of conn when the transport
// supports it, so the peer sees EOF while unread data can still drain.
func CloseWrite(conn net.Conn) error {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// IsHarmless returns true for errors that are expected when a peer goes
// away or a connection is torn down on purpose.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}
