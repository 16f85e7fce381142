// Package server accepts HTTP connections and feeds every request on
// them to a single [Dispatcher].
//
// The request loop is written out explicitly instead of using
// net/http.Server: each connection is one session that reads a
// request, dispatches it, writes the response and repeats for as long
// as the client keeps the connection alive.  Sessions report how they
// ended to an [Observer].
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"ctrlport/config"
	ncerr "ctrlport/internal/errors"
	"ctrlport/internal/metrics"
	"ctrlport/util"
)

// State is the lifecycle state of a [Listener].
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Options customise a Listener.  Zero values pick the defaults.
type Options struct {
	Scheduler  Scheduler // default NewGoScheduler()
	Observer   Observer  // default NewLogObserver(Logger)
	Logger     *util.Logger
	Metrics    *metrics.Collector
	ServerName string // Server header; default config.DefaultServerName
}

// Listener accepts connections on one TCP address and runs a session
// per connection.
type Listener struct {
	dispatcher Dispatcher
	sched      Scheduler
	observer   Observer
	logger     *util.Logger
	metrics    *metrics.Collector
	serverName string

	mu         sync.Mutex // guards the lifecycle fields below
	state      State
	ln         net.Listener
	acceptDone chan struct{}
	cancel     context.CancelFunc

	stopping atomic.Bool

	connMu   sync.Mutex
	sessions map[*connSession]struct{}
	wg       sync.WaitGroup
}

// New creates an idle Listener serving d.
func New(d Dispatcher, opts Options) *Listener {
	logger := opts.Logger
	if logger == nil {
		logger = util.NewLogger(0)
	}
	logger = logger.Named("server")

	l := &Listener{
		dispatcher: d,
		sched:      opts.Scheduler,
		observer:   opts.Observer,
		logger:     logger,
		metrics:    opts.Metrics,
		serverName: opts.ServerName,
		acceptDone: make(chan struct{}),
		sessions:   make(map[*connSession]struct{}),
	}
	close(l.acceptDone)
	if l.sched == nil {
		l.sched = NewGoScheduler()
	}
	if l.observer == nil {
		l.observer = NewLogObserver(logger)
	}
	if l.serverName == "" {
		l.serverName = config.DefaultServerName
	}
	return l
}

// Start binds address:port and begins accepting.  An empty address
// binds all interfaces; port 0 picks an ephemeral port (see [Listener.Addr]).
// It fails with ErrAlreadyStarted unless the listener is idle.  A bind
// failure leaves the listener idle.
func (l *Listener) Start(address string, port int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateIdle {
		return ncerr.ErrAlreadyStarted
	}
	l.state = StateStarting

	addr, err := util.ParseAddress(address, port)
	if err != nil {
		l.state = StateIdle
		return ncerr.Wrap("bind", util.FormatAddr(address, port), err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		l.state = StateIdle
		return ncerr.Wrap("bind", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.stopping.Store(false)
	l.ln = ln
	l.cancel = cancel
	l.acceptDone = make(chan struct{})
	l.state = StateRunning

	l.logger.Info("listening on %s", ln.Addr())
	go l.acceptLoop(ctx, ln, l.acceptDone)
	return nil
}

// Stop closes the acceptor and waits for the accept loop to exit.
// Sessions already running are left alone; use [Listener.Shutdown] to
// wait for them.  Stop on a listener that is not running returns
// ErrNotStarted.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.state != StateRunning {
		l.mu.Unlock()
		return ncerr.ErrNotStarted
	}
	l.state = StateStopping
	l.stopping.Store(true)
	ln, done := l.ln, l.acceptDone
	l.cancel()
	ln.Close()
	l.mu.Unlock()

	<-done

	l.mu.Lock()
	l.ln = nil
	l.state = StateIdle
	l.mu.Unlock()

	l.logger.Verbose("stopped accepting on %s", ln.Addr())
	return nil
}

// Shutdown stops accepting and waits for running sessions to finish.
// When ctx ends first the remaining connections are closed and their
// sessions end with ReasonAborted; ctx's error is returned.
func (l *Listener) Shutdown(ctx context.Context) error {
	if err := l.Stop(); err != nil && !errors.Is(err, ncerr.ErrNotStarted) {
		return err
	}

	drained := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
	}

	l.connMu.Lock()
	n := len(l.sessions)
	for s := range l.sessions {
		s.abort()
	}
	l.connMu.Unlock()
	l.logger.Warn("grace period over, aborted %d sessions", n)

	<-drained
	return ctx.Err()
}

// Addr returns the bound address, or nil when not running.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Done is closed when the current accept loop exits, whether through
// Stop or an accept failure.  It is already closed while idle.
func (l *Listener) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acceptDone
}

// ActiveSessions returns the number of running sessions.
func (l *Listener) ActiveSessions() int {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	return len(l.sessions)
}

// ── accept loop ──────────────────────────────────────────────────────

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener, done chan struct{}) {
	defer close(done)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.stopping.Load() {
				return
			}
			// Any other accept failure ends this listener.
			l.logger.Error("accept on %s: %v", ln.Addr(), err)
			l.metrics.RecordError(err.Error())
			ln.Close()
			l.abandon(ln)
			return
		}

		l.metrics.ConnectionOpened()
		s := newConnSession(uuid.NewString(), conn, l)
		l.track(s)
		l.logger.Debug("connection %s from %s", s.id, conn.RemoteAddr())

		if err := l.sched.Go(ctx, func() { l.serve(s) }); err != nil {
			// Stopped while waiting for a free slot.
			conn.Close()
			l.untrack(s)
			l.metrics.ConnectionClosed(ReasonAborted.String())
			return
		}
	}
}

// abandon returns the listener to idle after the accept loop died on
// its own.
func (l *Listener) abandon(ln net.Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == ln && l.state == StateRunning {
		l.cancel()
		l.ln = nil
		l.state = StateIdle
	}
}

func (l *Listener) serve(s *connSession) {
	defer l.untrack(s)
	info := s.run()
	l.metrics.ConnectionClosed(info.Reason.String())
	l.observer.SessionEnded(info)
}

func (l *Listener) track(s *connSession) {
	l.connMu.Lock()
	l.sessions[s] = struct{}{}
	l.connMu.Unlock()
	l.wg.Add(1)
}

func (l *Listener) untrack(s *connSession) {
	l.connMu.Lock()
	delete(l.sessions, s)
	l.connMu.Unlock()
	l.wg.Done()
}
