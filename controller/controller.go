// Package controller runs commands against a controlled target and
// retrieves their output, either inline through the command's own pipe
// or out-of-band through a control socket bound on an ephemeral port.
// It also opens long-lived interactive sessions.
//
// Each transport is one implementation of [Controller]:
//
//	Local  – commands run through the local shell
//	SSH    – commands run on a remote host over an SSH bridge
//
// The variant is chosen once at construction (see [New]); callers only
// ever see the interface.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"golang.org/x/crypto/ssh"

	"ctrlport/config"
	ncerr "ctrlport/internal/errors"
	"ctrlport/internal/metrics"
	"ctrlport/util"
)

// waitDelay bounds how long a killed command may keep its output pipes
// open before Wait gives up on it.
const waitDelay = 500 * time.Millisecond

// Invocation describes one command execution.  Exactly one of
// PipeOutput and SocketOutput is filled, chosen by DeliverViaSocket;
// the other is left empty.
type Invocation struct {
	Command          string
	DeliverViaSocket bool
	Timeout          time.Duration // zero uses the controller default

	PipeOutput   string // out: stdout of the command (pipe delivery)
	SocketOutput string // out: bytes received on the control socket
}

// Controller is the capability surface of a controlled target.
//
// All methods are safe for concurrent use.  Socket-delivered executions
// are serialized because they share the single control socket.
type Controller interface {
	// Name identifies the target, e.g. "local" or "ssh://user@host:22".
	Name() string

	// SupportsSocket reports whether socket delivery is available.
	// Callers check it before setting Invocation.DeliverViaSocket.
	SupportsSocket() bool

	// Execute runs inv.Command and fills the output field selected by
	// inv.DeliverViaSocket.  Socket delivery without support or without
	// a bound socket fails before the command is started.  A command
	// that exits successfully without connecting to the socket fails
	// shortly after with ErrNoDelivery rather than waiting out its
	// timeout.  When the timeout expires the command is killed, its
	// partial output is discarded and the returned error wraps
	// ErrTimeout.
	Execute(ctx context.Context, inv *Invocation) error

	// CreateSocket binds the control socket at localAddress on an
	// ephemeral port and returns that port.  Calling it while bound
	// replaces the existing binding; if the new bind fails the old one
	// stays in place.
	CreateSocket(localAddress string) (int, error)

	// CloseSocket releases the control socket.  It is safe to call
	// without a binding and never fails.
	CloseSocket()

	// OpenSession starts command as a long-lived interactive session.
	// The caller owns the returned Session and must Close it.
	OpenSession(ctx context.Context, command string) (Session, error)

	// Close releases the control socket and any transport resources.
	Close() error
}

// Session is one open interactive command context.
type Session interface {
	// Write sends data to the running command.  After the first
	// failure the session is unusable and every Write returns an
	// error wrapping ErrSessionClosed.
	Write(data []byte) error

	// Read returns buffered output immediately, or waits up to timeout
	// for output to arrive and returns whatever came (possibly nothing).
	// It returns at once when the command has exited and nothing is
	// left to read.
	Read(timeout time.Duration) []byte

	// ReadUntil collects output until delim is seen and returns it up
	// to and including delim.  On timeout it returns what accumulated
	// along with an error wrapping ErrTimeout.
	ReadUntil(delim []byte, timeout time.Duration) ([]byte, error)

	// Done is closed once the command has exited.
	Done() <-chan struct{}

	// Close terminates the command.  It is idempotent.
	Close() error
}

// New builds the Controller selected by cfg.Target.  The SSH variant is
// connected before it is returned.
func New(ctx context.Context, cfg *config.Config, logger *util.Logger, m *metrics.Collector) (Controller, error) {
	switch cfg.Target {
	case config.TargetSSH:
		c := NewSSH(&SSHConfig{
			User:           cfg.SSHUser,
			Host:           cfg.SSHHost,
			Port:           cfg.SSHPort,
			KeyPath:        cfg.SSHKeyPath,
			Password:       cfg.SSHPassword,
			PromptPass:     cfg.PromptPassword,
			UseAgent:       cfg.UseSSHAgent,
			StrictHostKey:  cfg.StrictHostKey,
			KnownHosts:     cfg.KnownHostsPath,
			CommandTimeout: cfg.CommandTimeout,
			PTY:            cfg.PTY,
			DisableSocket:  cfg.DisableSocket,
		}, logger, m)
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	case config.TargetLocal, "":
		return NewLocal(&LocalConfig{
			Shell:          cfg.Shell,
			PTY:            cfg.PTY,
			DisableSocket:  cfg.DisableSocket,
			CommandTimeout: cfg.CommandTimeout,
		}, logger, m), nil
	default:
		return nil, &ncerr.ConfigError{Field: "target", Value: cfg.Target, Message: "unknown target"}
	}
}

// ── shared execution helpers ─────────────────────────────────────────

// runFunc starts a command and returns its stdout once it exits.
type runFunc func(ctx context.Context, command string) ([]byte, error)

// execute implements the Execute contract on top of a transport's
// runFunc.  port is nil when no control socket is bound.
func execute(ctx context.Context, inv *Invocation, supportsSocket bool, port *controlPort,
	defaultTimeout time.Duration, run runFunc, m *metrics.Collector) error {
	if inv == nil {
		return fmt.Errorf("execute: nil invocation")
	}
	inv.PipeOutput, inv.SocketOutput = "", ""

	if inv.DeliverViaSocket {
		if !supportsSocket {
			return ncerr.Command(inv.Command, ncerr.ErrSocketUnsupported)
		}
		if port == nil {
			return ncerr.Command(inv.Command, ncerr.ErrNoSocket)
		}
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if timeout <= 0 {
		timeout = config.DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m.CommandRun()

	var (
		out []byte
		err error
	)
	if inv.DeliverViaSocket {
		out, err = port.receiveWhile(ctx, func(ctx context.Context) error {
			_, err := run(ctx, inv.Command)
			return err
		})
	} else {
		out, err = run(ctx, inv.Command)
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		m.CommandTimedOut()
		return ncerr.Command(inv.Command, ncerr.ErrTimeout)
	}

	if inv.DeliverViaSocket {
		inv.SocketOutput = string(out)
	} else {
		inv.PipeOutput = string(out)
	}
	if err != nil {
		m.RecordError(err.Error())
		return commandError(inv.Command, err)
	}
	return nil
}

// commandError attaches the exit status, when there is one, to err.
func commandError(command string, err error) error {
	var ce *ncerr.CommandError
	if errors.As(err, &ce) {
		return err
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() >= 0 {
		return &ncerr.CommandError{Command: command, ExitCode: ee.ExitCode(), Err: err}
	}
	var se *ssh.ExitError
	if errors.As(err, &se) {
		return &ncerr.CommandError{Command: command, ExitCode: se.ExitStatus(), Err: err}
	}
	return ncerr.Command(command, err)
}
