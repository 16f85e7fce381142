//go:build !windows

package controller

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	ncerr "ctrlport/internal/errors"
	"ctrlport/internal/metrics"
	"ctrlport/internal/retry"
	"ctrlport/util"
)

const (
	testSSHUser     = "tester"
	testSSHPassword = "secret"
)

// ── in-process SSH server ────────────────────────────────────────────
//
// Just enough of a server for the controller: password auth, exec
// sessions through /bin/sh, signals and remote port forwarding.

type testSSHServer struct {
	host string
	port int
	key  ssh.Signer

	// refuseSessions makes the server reject every session channel.
	refuseSessions atomic.Bool
}

func startTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testSSHUser && string(pass) == testSSHPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	srv := &testSSHServer{host: "127.0.0.1", port: util.PortOf(ln.Addr()), key: signer}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serveConn(conn, cfg)
		}
	}()
	return srv
}

func (srv *testSSHServer) serveConn(nc net.Conn, cfg *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	defer conn.Close()

	go serveGlobalRequests(conn, reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		if srv.refuseSessions.Load() {
			nch.Reject(ssh.Prohibited, "sessions refused")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go serveTestSession(ch, chReqs)
	}
}

// serveGlobalRequests handles tcpip-forward by listening locally and
// opening a forwarded-tcpip channel per accepted connection.
func serveGlobalRequests(conn *ssh.ServerConn, reqs <-chan *ssh.Request) {
	var (
		mu        sync.Mutex
		listeners = make(map[string]net.Listener)
	)
	defer func() {
		mu.Lock()
		for _, ln := range listeners {
			ln.Close()
		}
		mu.Unlock()
	}()

	for req := range reqs {
		var fwd struct {
			Addr string
			Port uint32
		}
		switch req.Type {
		case "tcpip-forward":
			if err := ssh.Unmarshal(req.Payload, &fwd); err != nil {
				req.Reply(false, nil)
				continue
			}
			ln, err := net.Listen("tcp", net.JoinHostPort(fwd.Addr, strconv.Itoa(int(fwd.Port))))
			if err != nil {
				req.Reply(false, nil)
				continue
			}
			port := uint32(util.PortOf(ln.Addr()))
			mu.Lock()
			listeners[net.JoinHostPort(fwd.Addr, strconv.Itoa(int(port)))] = ln
			mu.Unlock()
			req.Reply(true, ssh.Marshal(struct{ Port uint32 }{port}))
			go forwardConnections(conn, ln, fwd.Addr, port)

		case "cancel-tcpip-forward":
			if err := ssh.Unmarshal(req.Payload, &fwd); err == nil {
				key := net.JoinHostPort(fwd.Addr, strconv.Itoa(int(fwd.Port)))
				mu.Lock()
				if ln, ok := listeners[key]; ok {
					ln.Close()
					delete(listeners, key)
				}
				mu.Unlock()
			}
			req.Reply(true, nil)

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func forwardConnections(conn *ssh.ServerConn, ln net.Listener, addr string, port uint32) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		origin := c.RemoteAddr().(*net.TCPAddr)
		payload := ssh.Marshal(struct {
			Addr       string
			Port       uint32
			OriginAddr string
			OriginPort uint32
		}{addr, port, origin.IP.String(), uint32(origin.Port)})

		ch, reqs, err := conn.OpenChannel("forwarded-tcpip", payload)
		if err != nil {
			c.Close()
			continue
		}
		go ssh.DiscardRequests(reqs)
		go func() {
			io.Copy(ch, c)
			ch.CloseWrite()
		}()
		go func() {
			io.Copy(c, ch)
			c.Close()
			ch.Close()
		}()
	}
}

func serveTestSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	var cmd *exec.Cmd
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			req.Reply(true, nil)
		case "exec":
			var payload struct{ Command string }
			if cmd != nil || ssh.Unmarshal(req.Payload, &payload) != nil {
				req.Reply(false, nil)
				continue
			}
			cmd = exec.Command("/bin/sh", "-c", payload.Command)
			setProcessGroup(cmd)
			cmd.Stdout = ch
			cmd.Stderr = ch.Stderr()
			cmd.WaitDelay = waitDelay
			stdin, _ := cmd.StdinPipe()
			if err := cmd.Start(); err != nil {
				req.Reply(false, nil)
				ch.Close()
				return
			}
			req.Reply(true, nil)

			go func() {
				io.Copy(stdin, ch)
				stdin.Close()
			}()
			go func(cmd *exec.Cmd) {
				cmd.Wait()
				status := cmd.ProcessState.ExitCode()
				if status < 0 {
					status = 137
				}
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
				ch.Close()
			}(cmd)
		case "signal":
			if cmd != nil {
				killProcessGroup(cmd)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func (s *testSSHServer) config() *SSHConfig {
	return &SSHConfig{
		User:        testSSHUser,
		Host:        s.host,
		Port:        s.port,
		Password:    testSSHPassword,
		ConnTimeout: 5 * time.Second,
		Backoff:     &retry.Backoff{InitialDelay: 10 * time.Millisecond, MaxAttempts: 2},
	}
}

func connectTestSSH(t *testing.T, cfg *SSHConfig) *SSH {
	t.Helper()
	c := NewSSH(cfg, util.NewLogger(0), metrics.New())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// ── tests ────────────────────────────────────────────────────────────

func TestSSH_ExecutePipe(t *testing.T) {
	srv := startTestSSHServer(t)
	c := connectTestSSH(t, srv.config())

	if want := fmt.Sprintf("ssh://%s@127.0.0.1:%d", testSSHUser, srv.port); c.Name() != want {
		t.Errorf("Name = %q, want %q", c.Name(), want)
	}

	inv := &Invocation{Command: "echo remote"}
	if err := c.Execute(context.Background(), inv); err != nil {
		t.Fatal(err)
	}
	if inv.PipeOutput != "remote\n" || inv.SocketOutput != "" {
		t.Errorf("outputs = %+v", inv)
	}
}

func TestSSH_ExecuteExitStatus(t *testing.T) {
	srv := startTestSSHServer(t)
	c := connectTestSSH(t, srv.config())

	inv := &Invocation{Command: "echo out; exit 4"}
	err := c.Execute(context.Background(), inv)
	var ce *ncerr.CommandError
	if !errors.As(err, &ce) || ce.ExitCode != 4 {
		t.Fatalf("err = %v, want CommandError with exit status 4", err)
	}
	if inv.PipeOutput != "out\n" {
		t.Errorf("PipeOutput = %q", inv.PipeOutput)
	}
}

func TestSSH_ExecuteTimeout(t *testing.T) {
	srv := startTestSSHServer(t)
	c := connectTestSSH(t, srv.config())

	inv := &Invocation{Command: "echo partial; sleep 5", Timeout: 200 * time.Millisecond}
	start := time.Now()
	err := c.Execute(context.Background(), inv)
	if !errors.Is(err, ncerr.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("Execute took %s", time.Since(start))
	}
	if inv.PipeOutput != "" || inv.SocketOutput != "" {
		t.Errorf("outputs should be empty after a timeout: %+v", inv)
	}

	// The bridge survives a killed command.
	inv = &Invocation{Command: "echo still here"}
	if err := c.Execute(context.Background(), inv); err != nil || inv.PipeOutput != "still here\n" {
		t.Fatalf("after timeout: %q, %v", inv.PipeOutput, err)
	}
}

func TestSSH_ExecuteSocket(t *testing.T) {
	srv := startTestSSHServer(t)
	c := connectTestSSH(t, srv.config())

	port, err := c.CreateSocket("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	inv := &Invocation{
		Command:          sendCommand(t, port, "via-bridge"),
		DeliverViaSocket: true,
		Timeout:          10 * time.Second,
	}
	if err := c.Execute(context.Background(), inv); err != nil {
		t.Fatal(err)
	}
	if inv.SocketOutput != "via-bridge" || inv.PipeOutput != "" {
		t.Errorf("outputs = %+v", inv)
	}

	c.CloseSocket()
	inv = &Invocation{Command: "true", DeliverViaSocket: true}
	if err := c.Execute(context.Background(), inv); !errors.Is(err, ncerr.ErrNoSocket) {
		t.Fatalf("err = %v, want ErrNoSocket", err)
	}
}

func TestSSH_SocketUnsupported(t *testing.T) {
	srv := startTestSSHServer(t)
	cfg := srv.config()
	cfg.DisableSocket = true
	c := connectTestSSH(t, cfg)

	if _, err := c.CreateSocket(""); !errors.Is(err, ncerr.ErrSocketUnsupported) {
		t.Fatalf("CreateSocket err = %v", err)
	}
	marker := filepath.Join(t.TempDir(), "ran")
	inv := &Invocation{Command: "touch " + marker, DeliverViaSocket: true}
	if err := c.Execute(context.Background(), inv); !errors.Is(err, ncerr.ErrSocketUnsupported) {
		t.Fatalf("Execute err = %v", err)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("command ran although socket delivery is unsupported")
	}
}

func TestSSH_Session(t *testing.T) {
	srv := startTestSSHServer(t)
	c := connectTestSSH(t, srv.config())

	sess, err := c.OpenSession(context.Background(), "cat")
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Write([]byte("over ssh\n")); err != nil {
		t.Fatal(err)
	}
	got, err := sess.ReadUntil([]byte("\n"), 3*time.Second)
	if err != nil || string(got) != "over ssh\n" {
		t.Fatalf("ReadUntil = %q, %v", got, err)
	}

	sess.Close()
	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session not done after Close")
	}
	if err := sess.Write([]byte("x")); !errors.Is(err, ncerr.ErrSessionClosed) {
		t.Fatalf("Write after Close = %v", err)
	}
}

func TestSSH_ConnectBadPassword(t *testing.T) {
	srv := startTestSSHServer(t)
	cfg := srv.config()
	cfg.Password = "wrong"

	var retries int
	cfg.Backoff.OnRetry = func(int, error, time.Duration) { retries++ }

	c := NewSSH(cfg, util.NewLogger(0), nil)
	err := c.Connect(context.Background())
	if !errors.Is(err, ncerr.ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	var se *ncerr.SSHError
	if !errors.As(err, &se) || se.Op != "handshake" {
		t.Errorf("err = %v, want an SSHError from the handshake", err)
	}
	if retries != 0 {
		t.Errorf("auth failure retried %d times", retries)
	}
}

// isAuthFailure depends on the wording of x/crypto's client error;
// this pins it against a real handshake.
func TestIsAuthFailure(t *testing.T) {
	srv := startTestSSHServer(t)
	conn, err := net.Dial("tcp", util.FormatAddr(srv.host, srv.port))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	_, _, _, err = ssh.NewClientConn(conn, "test", &ssh.ClientConfig{
		User:            testSSHUser,
		Auth:            []ssh.AuthMethod{ssh.Password("wrong")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
	})
	if err == nil {
		t.Fatal("handshake with a wrong password succeeded")
	}
	if !isAuthFailure(err) {
		t.Errorf("isAuthFailure(%q) = false", err)
	}
	if isAuthFailure(io.EOF) || isAuthFailure(nil) {
		t.Error("isAuthFailure matched an unrelated error")
	}
}

func TestSSH_ConnectHostKeyMismatch(t *testing.T) {
	srv := startTestSSHServer(t)

	_, other, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	otherKey, err := ssh.NewSignerFromKey(other)
	if err != nil {
		t.Fatal(err)
	}
	khPath := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(util.FormatAddr(srv.host, srv.port))}, otherKey.PublicKey())
	if err := os.WriteFile(khPath, []byte(line+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := srv.config()
	cfg.StrictHostKey = true
	cfg.KnownHosts = khPath
	err = NewSSH(cfg, util.NewLogger(0), nil).Connect(context.Background())
	if !errors.Is(err, ncerr.ErrHostKeyMismatch) {
		t.Fatalf("err = %v, want ErrHostKeyMismatch", err)
	}
}

func TestSSH_ConnectKnownHost(t *testing.T) {
	srv := startTestSSHServer(t)

	khPath := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(util.FormatAddr(srv.host, srv.port))}, srv.key.PublicKey())
	if err := os.WriteFile(khPath, []byte(line+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := srv.config()
	cfg.StrictHostKey = true
	cfg.KnownHosts = khPath
	connectTestSSH(t, cfg)
}

func TestSSH_ConnectRefusedRetries(t *testing.T) {
	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	var retries int
	cfg := &SSHConfig{
		User:     testSSHUser,
		Host:     "127.0.0.1",
		Port:     port,
		Password: testSSHPassword,
		Backoff:  &retry.Backoff{InitialDelay: 5 * time.Millisecond, MaxAttempts: 3},
	}
	c := NewSSH(cfg, util.NewLogger(0), nil)
	cfg.Backoff.OnRetry = func(int, error, time.Duration) { retries++ }

	err = c.Connect(context.Background())
	var ne *ncerr.NetworkError
	if !errors.As(err, &ne) || ne.Op != "dial" {
		t.Fatalf("err = %v, want a dial NetworkError", err)
	}
	if retries != 2 {
		t.Errorf("retries = %d, want 2", retries)
	}
}

func TestSSH_NotConnected(t *testing.T) {
	srv := startTestSSHServer(t)
	c := connectTestSSH(t, srv.config())
	c.Close()

	if c.IsAlive() {
		t.Error("IsAlive after Close")
	}
	err := c.Execute(context.Background(), &Invocation{Command: "true"})
	if !errors.Is(err, ncerr.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if _, err := c.OpenSession(context.Background(), "cat"); !errors.Is(err, ncerr.ErrNotConnected) {
		t.Fatalf("OpenSession err = %v, want ErrNotConnected", err)
	}
}

func TestSSH_KeepAlive(t *testing.T) {
	srv := startTestSSHServer(t)
	cfg := srv.config()
	cfg.KeepAlive = 20 * time.Millisecond
	c := connectTestSSH(t, cfg)

	// Rejected keep-alive requests still prove the bridge is up.
	time.Sleep(150 * time.Millisecond)
	if !c.IsAlive() {
		t.Fatal("bridge marked dead while the server answers")
	}
	inv := &Invocation{Command: "echo still here"}
	if err := c.Execute(context.Background(), inv); err != nil {
		t.Fatal(err)
	}
	if c.metrics.ErrorCount() != 0 {
		t.Errorf("errors recorded: %d", c.metrics.ErrorCount())
	}
}

func TestSSH_CircuitOpensOnRefusedSessions(t *testing.T) {
	srv := startTestSSHServer(t)
	cfg := srv.config()
	cfg.Breaker = &retry.CircuitBreakerConfig{Threshold: 2, Cooldown: time.Minute}
	c := connectTestSSH(t, cfg)

	srv.refuseSessions.Store(true)
	for i := 0; i < 2; i++ {
		err := c.Execute(context.Background(), &Invocation{Command: "true"})
		var se *ncerr.SSHError
		if !errors.As(err, &se) || se.Op != "session" {
			t.Fatalf("attempt %d: err = %v, want a session SSHError", i+1, err)
		}
		if errors.Is(err, ncerr.ErrCircuitOpen) {
			t.Fatalf("attempt %d: circuit open too early", i+1)
		}
	}

	// The channel is no longer even requested, so letting the server
	// accept again changes nothing until the cooldown ends.
	srv.refuseSessions.Store(false)
	err := c.Execute(context.Background(), &Invocation{Command: "true"})
	if !errors.Is(err, ncerr.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if _, err := c.OpenSession(context.Background(), "cat"); !errors.Is(err, ncerr.ErrCircuitOpen) {
		t.Fatalf("OpenSession err = %v, want ErrCircuitOpen", err)
	}

	// A fresh connect closes the circuit.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	inv := &Invocation{Command: "echo back"}
	if err := c.Execute(context.Background(), inv); err != nil || inv.PipeOutput != "back\n" {
		t.Fatalf("after reconnect: %q, %v", inv.PipeOutput, err)
	}
}
