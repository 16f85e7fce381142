package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"ctrlport/util"
)

const (
	// lingerTimeout and lingerBytes bound the drain after the final
	// response.
	lingerTimeout = 500 * time.Millisecond
	lingerBytes   = 1 << 20
)

// connSession serves the requests of one accepted connection in order.
type connSession struct {
	id     string
	conn   net.Conn
	l      *Listener
	ctx    context.Context
	cancel context.CancelFunc

	aborted atomic.Bool
}

func newConnSession(id string, conn net.Conn, l *Listener) *connSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &connSession{id: id, conn: conn, l: l, ctx: ctx, cancel: cancel}
}

// abort closes the connection from outside the session.
func (s *connSession) abort() {
	s.aborted.Store(true)
	s.cancel()
	s.conn.Close()
}

// run loops read → dispatch → write until the client goes away or
// stops asking for keep-alive, then closes the connection.
func (s *connSession) run() SessionInfo {
	start := time.Now()
	info := SessionInfo{ID: s.id, Remote: s.conn.RemoteAddr().String()}
	defer s.cancel()

	br := bufio.NewReaderSize(s.conn, util.DefaultBufSize)
	bw := bufio.NewWriterSize(s.conn, util.DefaultBufSize)

	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			switch {
			case s.aborted.Load():
				info.Reason = ReasonAborted
			case util.IsHarmless(err):
				// EOF between requests, or a reset from a client that
				// went away.
				info.Reason = ReasonPeerClosed
			default:
				info.Reason = ReasonReadFailed
				info.Err = err
			}
			break
		}
		req.RemoteAddr = info.Remote
		req = req.WithContext(s.ctx)

		body := s.l.dispatcher.HandleRoute(req)
		io.Copy(io.Discard, req.Body) //nolint:errcheck
		req.Body.Close()

		keepAlive := !req.Close
		if err := s.writeResponse(bw, req, body, keepAlive); err != nil {
			if s.aborted.Load() {
				info.Reason = ReasonAborted
			} else {
				info.Reason = ReasonWriteFailed
				info.Err = err
			}
			break
		}
		info.Requests++
		s.l.metrics.RequestServed()
		s.l.metrics.BytesSent(int64(len(body)))
		s.l.logger.Debug("%s %s %s -> %d bytes", s.id, req.Method, req.URL.Path, len(body))

		if !keepAlive {
			info.Reason = ReasonNoKeepAlive
			break
		}
	}

	s.finish(br)
	info.Duration = time.Since(start)
	return info
}

// finish half-closes the connection, then reads off whatever the peer
// still had in flight before closing.  Closing with unread data makes
// the kernel answer with a reset, which can destroy the last response
// before the peer reads it.
func (s *connSession) finish(br *bufio.Reader) {
	if s.aborted.Load() {
		s.conn.Close()
		return
	}
	util.CloseWrite(s.conn) //nolint:errcheck
	s.conn.SetReadDeadline(time.Now().Add(lingerTimeout)) //nolint:errcheck
	io.Copy(io.Discard, io.LimitReader(br, lingerBytes))   //nolint:errcheck
	s.conn.Close()
}

// writeResponse writes the fixed-shape response: always 200 with a
// JSON body, mirroring the request's protocol version and keep-alive.
func (s *connSession) writeResponse(w *bufio.Writer, req *http.Request, body string, keepAlive bool) error {
	resp := &http.Response{
		StatusCode:    http.StatusOK,
		ProtoMajor:    req.ProtoMajor,
		ProtoMinor:    req.ProtoMinor,
		Header:        make(http.Header),
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(strings.NewReader(body)),
		Close:         !keepAlive,
		Request:       req,
	}
	resp.Header.Set("Content-Type", "application/json")
	resp.Header.Set("Server", s.l.serverName)
	if keepAlive {
		resp.Header.Set("Connection", "keep-alive")
	} else {
		resp.Header.Set("Connection", "close")
	}

	if err := resp.Write(w); err != nil {
		return err
	}
	return w.Flush()
}
