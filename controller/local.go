package controller

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"

	"ctrlport/config"
	ncerr "ctrlport/internal/errors"
	"ctrlport/internal/metrics"
	"ctrlport/util"
)

// LocalConfig configures a [Local] controller.
type LocalConfig struct {
	Shell          string // empty picks the platform shell
	PTY            bool   // interactive sessions on a pseudo-terminal
	DisableSocket  bool
	CommandTimeout time.Duration
}

// Local runs commands through the shell of the machine it lives on.
type Local struct {
	config  *LocalConfig
	logger  *util.Logger
	metrics *metrics.Collector

	mu   sync.Mutex
	port *controlPort
}

// NewLocal creates a local controller.  It holds no resources until
// [Local.CreateSocket] or [Local.OpenSession] is called.
func NewLocal(cfg *LocalConfig, logger *util.Logger, m *metrics.Collector) *Local {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = config.DefaultCommandTimeout
	}
	return &Local{config: cfg, logger: logger.Named("local"), metrics: m}
}

func (l *Local) Name() string { return config.TargetLocal }

func (l *Local) SupportsSocket() bool { return !l.config.DisableSocket }

func (l *Local) Execute(ctx context.Context, inv *Invocation) error {
	l.mu.Lock()
	port := l.port
	l.mu.Unlock()

	return execute(ctx, inv, l.SupportsSocket(), port, l.config.CommandTimeout, l.run, l.metrics)
}

// run executes command and returns its stdout.  Cancelling ctx kills
// the command's whole process group.
func (l *Local) run(ctx context.Context, command string) ([]byte, error) {
	cmd := l.shellCommand(ctx, command)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	l.logger.Debug("exec: %s", command)
	err := cmd.Run()
	l.metrics.BytesReceived(int64(stdout.Len()))
	if err != nil && stderr.Len() > 0 {
		msg := strings.TrimSpace(stderr.String())
		l.logger.Verbose("exec %q: %v: %s", command, err, msg)
		err = fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.Bytes(), err
}

func (l *Local) shellCommand(ctx context.Context, command string) *exec.Cmd {
	shell, flag := l.shell()
	return exec.CommandContext(ctx, shell, flag, command)
}

func (l *Local) shell() (string, string) {
	shell, flag := defaultShell()
	if l.config.Shell != "" {
		shell = l.config.Shell
	}
	return shell, flag
}

// ── control socket ───────────────────────────────────────────────────

func (l *Local) CreateSocket(localAddress string) (int, error) {
	if !l.SupportsSocket() {
		return 0, ncerr.ErrSocketUnsupported
	}
	if localAddress == "" {
		localAddress = config.DefaultSocketAddress
	}

	addr := net.JoinHostPort(localAddress, "0")
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, ncerr.Wrap("bind", addr, err)
	}
	port := newControlPort(ln, l.logger)

	l.mu.Lock()
	old := l.port
	l.port = port
	l.mu.Unlock()

	if old != nil {
		old.close()
		l.logger.Verbose("control socket :%d replaced by :%d", old.port, port.port)
	} else {
		l.logger.Verbose("control socket bound on %s", ln.Addr())
	}
	return port.port, nil
}

func (l *Local) CloseSocket() {
	l.mu.Lock()
	port := l.port
	l.port = nil
	l.mu.Unlock()

	if port != nil {
		port.close()
		l.logger.Verbose("control socket :%d closed", port.port)
	}
}

// ── interactive sessions ─────────────────────────────────────────────

func (l *Local) OpenSession(ctx context.Context, command string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// The session outlives ctx, so the command is not bound to it.
	shell, flag := l.shell()
	cmd := exec.Command(shell, flag, command)
	out := newOutputBuffer(l.metrics)

	var (
		stdin io.WriteCloser
		err   error
	)
	if l.config.PTY {
		stdin, err = l.startPTY(cmd, out)
	} else {
		stdin, err = l.startPipes(cmd, out)
	}
	if err != nil {
		return nil, ncerr.Command(command, err)
	}

	l.metrics.SessionOpened()
	l.logger.Verbose("session started: %s (pid %d)", command, cmd.Process.Pid)

	return &shellSession{
		command: command,
		stdin:   stdin,
		out:     out,
		stop:    func() error { return stopProcess(cmd, out) },
		metrics: l.metrics,
	}, nil
}

func (l *Local) startPipes(cmd *exec.Cmd, out *outputBuffer) (io.WriteCloser, error) {
	setProcessGroup(cmd)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go func() {
		cmd.Wait()
		out.finish()
	}()
	return stdin, nil
}

func (l *Local) startPTY(cmd *exec.Cmd, out *outputBuffer) (io.WriteCloser, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	go func() {
		// Reads fail with EIO once the child side is gone.
		io.Copy(out, ptmx)
		cmd.Wait()
		ptmx.Close()
		out.finish()
	}()
	return ptmx, nil
}

// stopProcess kills a session's command unless it already exited and
// waits briefly for its output to be collected.
func stopProcess(cmd *exec.Cmd, out *outputBuffer) error {
	select {
	case <-out.done:
		return nil
	default:
	}
	killProcessGroup(cmd)

	select {
	case <-out.done:
	case <-time.After(2 * waitDelay):
	}
	return nil
}

func (l *Local) Close() error {
	l.CloseSocket()
	return nil
}
