package controller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"ctrlport/config"
	ncerr "ctrlport/internal/errors"
	"ctrlport/internal/metrics"
	"ctrlport/internal/retry"
	"ctrlport/util"
)

// SSHConfig holds everything needed to reach a remote target through
// an SSH bridge.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	Password      string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string

	ConnTimeout    time.Duration
	CommandTimeout time.Duration
	KeepAlive      time.Duration // request interval; negative disables
	PTY            bool // request a terminal for interactive sessions
	DisableSocket  bool

	// Backoff schedules connect retries; nil uses retry.DefaultBackoff.
	Backoff *retry.Backoff
	// Breaker guards channel opens; nil uses the retry defaults.
	Breaker *retry.CircuitBreakerConfig
}

// SSH runs commands on a remote host.  Each command gets its own SSH
// session channel on a single shared client connection; socket
// delivery uses a remote port forward bound on the target.
type SSH struct {
	config  *SSHConfig
	logger  *util.Logger
	metrics *metrics.Collector
	breaker *retry.CircuitBreaker

	mu     sync.RWMutex
	client *ssh.Client
	alive  bool

	portMu sync.Mutex
	port   *controlPort
}

// NewSSH creates an SSH controller that is ready to [SSH.Connect].
func NewSSH(cfg *SSHConfig, logger *util.Logger, m *metrics.Collector) *SSH {
	if cfg.Port == 0 {
		cfg.Port = config.DefaultSSHPort
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = config.DefaultConnTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = config.DefaultCommandTimeout
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = config.DefaultKeepAlive
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.DefaultBackoff()
	}
	if cfg.Breaker == nil {
		cfg.Breaker = retry.DefaultCircuitBreakerConfig()
	}

	s := &SSH{config: cfg, logger: logger.Named("ssh"), metrics: m}
	breakerCfg := *cfg.Breaker
	breakerCfg.OnStateChange = func(from, to retry.State) {
		s.logger.Warn("bridge %s: circuit %s -> %s", s.Name(), from, to)
	}
	s.breaker = retry.NewCircuitBreaker(&breakerCfg)
	return s
}

func (s *SSH) Name() string {
	return fmt.Sprintf("ssh://%s@%s:%d", s.config.User, s.config.Host, s.config.Port)
}

func (s *SSH) SupportsSocket() bool { return !s.config.DisableSocket }

// Connect dials the bridge and completes the handshake, retrying
// transient network failures.  Authentication and host-key failures
// are not retried.
func (s *SSH) Connect(ctx context.Context) error {
	auth, err := authMethods(s.config)
	if err != nil {
		return ncerr.WrapSSH("auth", s.config.Host, s.config.Port, err)
	}
	hostKey, err := hostKeyCallback(s.config)
	if err != nil {
		return ncerr.WrapSSH("hostkey", s.config.Host, s.config.Port, err)
	}
	clientCfg := &ssh.ClientConfig{
		User:            s.config.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         s.config.ConnTimeout,
	}

	backoff := *s.config.Backoff
	onRetry := backoff.OnRetry
	backoff.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("connect attempt %d failed: %v (retrying in %s)", attempt, err, wait.Round(time.Millisecond))
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	}

	var client *ssh.Client
	err = backoff.Do(ctx, func(int) error {
		c, err := s.dial(ctx, clientCfg)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		s.metrics.RecordError(err.Error())
		return err
	}

	s.mu.Lock()
	old := s.client
	s.client = client
	s.alive = true
	s.mu.Unlock()
	s.breaker.Reset()
	if old != nil {
		// Its remote forward dies with it.
		s.CloseSocket()
		old.Close()
	}

	s.logger.Info("connected to %s", s.Name())
	closed := make(chan struct{})
	go s.monitor(client, closed)
	if s.config.KeepAlive > 0 {
		go s.keepalive(client, closed)
	}
	return nil
}

func (s *SSH) dial(ctx context.Context, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	addr := util.FormatAddr(s.config.Host, s.config.Port)
	s.logger.Debug("dialing %s as %s", addr, s.config.User)

	dialCtx, cancel := context.WithTimeout(ctx, s.config.ConnTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, ncerr.Wrap("dial", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if isAuthFailure(err) {
			err = fmt.Errorf("%w: %w", ncerr.ErrAuthFailed, err)
		}
		// The TCP connection worked; another attempt meets the same
		// credentials and host key.
		return nil, retry.Permanent(ncerr.WrapSSH("handshake", s.config.Host, s.config.Port, err))
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// isAuthFailure recognises the client handshake error x/crypto/ssh
// returns once every auth method was refused.  It has no error type.
func isAuthFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "ssh: unable to authenticate")
}

// monitor blocks until the bridge connection drops, then marks the
// controller disconnected and releases the remote forward.
func (s *SSH) monitor(client *ssh.Client, closed chan struct{}) {
	err := client.Wait()
	close(closed)

	s.mu.Lock()
	current := s.client == client
	if current {
		s.alive = false
	}
	s.mu.Unlock()

	// A replaced connection leaves the forward of its successor alone.
	if current {
		s.CloseSocket()
	}
	if err != nil {
		s.logger.Verbose("bridge %s closed: %v", s.Name(), err)
	} else {
		s.logger.Verbose("bridge %s closed", s.Name())
	}
}

// keepalive pings the bridge periodically.  A connection that stops
// answering is closed so monitor can mark the controller disconnected.
func (s *SSH) keepalive(client *ssh.Client, closed <-chan struct{}) {
	ticker := time.NewTicker(s.config.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			reply := make(chan error, 1)
			go func() {
				_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
				reply <- err
			}()

			var err error
			select {
			case err = <-reply:
			case <-time.After(s.config.ConnTimeout):
				err = ncerr.ErrTimeout
			case <-closed:
				return
			}
			if err != nil {
				s.logger.Error("bridge %s keepalive failed: %v", s.Name(), err)
				s.metrics.RecordError(fmt.Sprintf("keepalive: %v", err))
				client.Close()
				return
			}
			s.logger.Debug("bridge %s keepalive ok", s.Name())
		}
	}
}

// IsAlive reports whether the bridge connection is up.
func (s *SSH) IsAlive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alive
}

func (s *SSH) connected() (*ssh.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.alive || s.client == nil {
		return nil, ncerr.ErrNotConnected
	}
	return s.client, nil
}

// newSession opens a session channel through the circuit breaker.
func (s *SSH) newSession() (*ssh.Session, error) {
	client, err := s.connected()
	if err != nil {
		return nil, err
	}
	var sess *ssh.Session
	err = s.breaker.Execute(func() error {
		var err error
		sess, err = client.NewSession()
		return err
	})
	if err != nil {
		return nil, ncerr.WrapSSH("session", s.config.Host, s.config.Port, err)
	}
	return sess, nil
}

func (s *SSH) Execute(ctx context.Context, inv *Invocation) error {
	s.portMu.Lock()
	port := s.port
	s.portMu.Unlock()

	return execute(ctx, inv, s.SupportsSocket(), port, s.config.CommandTimeout, s.run, s.metrics)
}

// run executes command in a fresh session channel.  When ctx ends
// first the remote command is sent SIGKILL and its channel closed.
func (s *SSH) run(ctx context.Context, command string) ([]byte, error) {
	sess, err := s.newSession()
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	s.logger.Debug("exec: %s", command)
	if err := sess.Start(command); err != nil {
		return nil, ncerr.WrapSSH("exec", s.config.Host, s.config.Port, err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		sess.Close()
		select {
		case <-done:
		case <-time.After(waitDelay):
		}
		return nil, ctx.Err()
	}

	s.metrics.BytesReceived(int64(stdout.Len()))
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		err = ncerr.WrapSSH("exec", s.config.Host, s.config.Port, err)
	}
	if err != nil && stderr.Len() > 0 {
		msg := strings.TrimSpace(stderr.String())
		s.logger.Verbose("exec %q: %v: %s", command, err, msg)
		err = fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.Bytes(), err
}

// ── control socket ───────────────────────────────────────────────────

// CreateSocket asks the bridge host to listen on localAddress with an
// ephemeral port.  localAddress is local to the target, which is where
// the commands that connect back run.
func (s *SSH) CreateSocket(localAddress string) (int, error) {
	if !s.SupportsSocket() {
		return 0, ncerr.ErrSocketUnsupported
	}
	client, err := s.connected()
	if err != nil {
		return 0, err
	}
	if localAddress == "" {
		localAddress = config.DefaultSocketAddress
	}

	addr := net.JoinHostPort(localAddress, "0")
	ln, err := client.Listen("tcp", addr)
	if err != nil {
		return 0, ncerr.WrapSSH("forward", s.config.Host, s.config.Port, err)
	}
	port := newControlPort(ln, s.logger)

	s.portMu.Lock()
	old := s.port
	s.port = port
	s.portMu.Unlock()

	if old != nil {
		old.close()
		s.logger.Verbose("remote control socket :%d replaced by :%d", old.port, port.port)
	} else {
		s.logger.Verbose("remote control socket bound on %s:%d", localAddress, port.port)
	}
	return port.port, nil
}

func (s *SSH) CloseSocket() {
	s.portMu.Lock()
	port := s.port
	s.port = nil
	s.portMu.Unlock()

	if port != nil {
		port.close()
		s.logger.Verbose("remote control socket :%d closed", port.port)
	}
}

// ── interactive sessions ─────────────────────────────────────────────

func (s *SSH) OpenSession(ctx context.Context, command string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, err := s.newSession()
	if err != nil {
		return nil, err
	}

	out := newOutputBuffer(s.metrics)
	sess.Stdout = out
	sess.Stderr = out

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, ncerr.Command(command, err)
	}
	if s.config.PTY {
		modes := ssh.TerminalModes{ssh.ECHO: 0}
		if err := sess.RequestPty("xterm", 40, 120, modes); err != nil {
			sess.Close()
			return nil, ncerr.WrapSSH("pty", s.config.Host, s.config.Port, err)
		}
	}
	if err := sess.Start(command); err != nil {
		sess.Close()
		return nil, ncerr.WrapSSH("exec", s.config.Host, s.config.Port, err)
	}
	go func() {
		sess.Wait()
		out.finish()
	}()

	s.metrics.SessionOpened()
	s.logger.Verbose("session started: %s", command)

	return &shellSession{
		command: command,
		stdin:   stdin,
		out:     out,
		stop: func() error {
			select {
			case <-out.done:
				return nil
			default:
			}
			sess.Signal(ssh.SIGKILL)
			sess.Close()
			select {
			case <-out.done:
			case <-time.After(2 * waitDelay):
			}
			return nil
		},
		metrics: s.metrics,
	}, nil
}

// Close releases the remote forward and the bridge connection.
func (s *SSH) Close() error {
	s.CloseSocket()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = false
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}
