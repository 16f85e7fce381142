package server

import (
	"net/http"
	"time"

	"ctrlport/util"
)

// Dispatcher produces the JSON body for a request.  A single Dispatcher
// serves every connection, so it must be safe for concurrent use.
type Dispatcher interface {
	HandleRoute(req *http.Request) string
}

// DispatcherFunc adapts a function to [Dispatcher].
type DispatcherFunc func(req *http.Request) string

func (f DispatcherFunc) HandleRoute(req *http.Request) string { return f(req) }

// Reason says why a connection session ended.
type Reason int

const (
	ReasonPeerClosed  Reason = iota // client closed between requests
	ReasonReadFailed                // malformed request or broken read
	ReasonWriteFailed               // response could not be delivered
	ReasonNoKeepAlive               // client did not ask to keep the connection
	ReasonAborted                   // closed by a forced shutdown
)

func (r Reason) String() string {
	switch r {
	case ReasonPeerClosed:
		return "peer-closed"
	case ReasonReadFailed:
		return "read-failed"
	case ReasonWriteFailed:
		return "write-failed"
	case ReasonNoKeepAlive:
		return "no-keep-alive"
	case ReasonAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// SessionInfo is the outcome of one connection session.
type SessionInfo struct {
	ID       string
	Remote   string
	Requests int
	Reason   Reason
	Err      error // set for ReasonReadFailed and ReasonWriteFailed
	Duration time.Duration
}

// Observer is told about every session that ends.  It is called from
// the session's goroutine.
type Observer interface {
	SessionEnded(info SessionInfo)
}

// ObserverFunc adapts a function to [Observer].
type ObserverFunc func(info SessionInfo)

func (f ObserverFunc) SessionEnded(info SessionInfo) { f(info) }

// logObserver is the default Observer.
type logObserver struct {
	logger *util.Logger
}

// NewLogObserver returns an Observer that logs each session outcome.
func NewLogObserver(logger *util.Logger) Observer {
	return logObserver{logger: logger}
}

func (o logObserver) SessionEnded(info SessionInfo) {
	switch info.Reason {
	case ReasonReadFailed, ReasonWriteFailed:
		o.logger.Warn("session %s (%s): %s after %d requests: %v",
			info.ID, info.Remote, info.Reason, info.Requests, info.Err)
	default:
		o.logger.Verbose("session %s (%s): %s after %d requests in %s",
			info.ID, info.Remote, info.Reason, info.Requests, info.Duration.Round(time.Millisecond))
	}
}
