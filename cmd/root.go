// Package cmd wires up the CLI flags and dispatches to the listener or
// a one-shot command execution.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"ctrlport/config"
	"ctrlport/controller"
	"ctrlport/internal/api"
	ncerr "ctrlport/internal/errors"
	"ctrlport/internal/metrics"
	"ctrlport/server"
	"ctrlport/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X ctrlport/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// portToken in an --exec command is replaced by the control socket port.
const portToken = "{port}"

// Execute parses args and runs the appropriate ctrlport mode.
func Execute(ctx context.Context, args []string) error {
	return run(ctx, args, os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg := config.Defaults()
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("ctrlport", flag.ContinueOnError)
	fs.SetOutput(stderr)

	// ── listener ─────────────────────────────────────────────────
	fs.StringVarP(&cfg.Address, "address", "a", cfg.Address, "Listen address")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "Listen port (0 picks an ephemeral port)")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "Concurrent connection limit (0 = unbounded)")
	fs.DurationVar(&cfg.GracePeriod, "grace", cfg.GracePeriod, "Shutdown drain period")

	// ── controller ───────────────────────────────────────────────
	fs.StringVar(&cfg.Target, "target", cfg.Target, "Controlled target: local or ssh")
	fs.StringVar(&cfg.Shell, "shell", cfg.Shell, "Local shell used to run commands")
	fs.BoolVar(&cfg.PTY, "pty", cfg.PTY, "Run interactive sessions on a pseudo-terminal")
	fs.BoolVar(&cfg.DisableSocket, "no-socket", cfg.DisableSocket, "Disable socket delivery")

	timeoutMS := int(cfg.CommandTimeout / time.Millisecond)
	fs.IntVar(&timeoutMS, "timeout-ms", timeoutMS, "Default command timeout in milliseconds")

	// ── SSH bridge ───────────────────────────────────────────────
	fs.StringVar(&cfg.SSHSpec, "ssh", cfg.SSHSpec, "SSH target [user@]host[:port] (implies --target ssh)")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.PromptPassword, "ssh-password", cfg.PromptPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── one-shot execution ───────────────────────────────────────
	fs.StringVarP(&cfg.Exec, "exec", "e", "", "Run one command, print its output and exit")
	fs.BoolVar(&cfg.Socket, "socket", false, "Deliver --exec output via the control socket ("+portToken+" expands to its port)")
	fs.StringVar(&cfg.SocketAddress, "socket-addr", cfg.SocketAddress, "Control socket bind address")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Validate configuration and exit")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(stderr, fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}
	if showHelp {
		printUsage(stderr, fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "ctrlport %s\n", version)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	cfg.CommandTimeout = time.Duration(timeoutMS) * time.Millisecond
	if cfg.SSHSpec != "" && !fs.Changed("target") {
		cfg.Target = config.TargetSSH
	}
	if err := cfg.ApplySSHSpec(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := util.NewLogger(cfg.Verbose)
	if cfg.DryRun {
		logger.Info("configuration ok (target %s, %s)", cfg.Target, modeName(cfg))
		return nil
	}

	m := metrics.New()
	ctrl, err := controller.New(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if cfg.Exec != "" {
		return runOnce(ctx, cfg, ctrl, stdout)
	}
	return serve(ctx, cfg, ctrl, logger, m, stdout)
}

// ── modes ────────────────────────────────────────────────────────────

// runOnce executes cfg.Exec and writes the delivered output.  Output
// captured before a failure is still written.
func runOnce(ctx context.Context, cfg *config.Config, ctrl controller.Controller, stdout io.Writer) error {
	inv := &controller.Invocation{Command: cfg.Exec, DeliverViaSocket: cfg.Socket}

	if cfg.Socket {
		if !ctrl.SupportsSocket() {
			return ncerr.Command(cfg.Exec, ncerr.ErrSocketUnsupported)
		}
		port, err := ctrl.CreateSocket(cfg.SocketAddress)
		if err != nil {
			return err
		}
		defer ctrl.CloseSocket()
		inv.Command = strings.ReplaceAll(cfg.Exec, portToken, strconv.Itoa(port))
	}

	err := ctrl.Execute(ctx, inv)
	io.WriteString(stdout, inv.PipeOutput+inv.SocketOutput) //nolint:errcheck
	return err
}

// serve runs the listener until ctx is cancelled or the accept loop
// dies, then drains sessions for the grace period.
func serve(ctx context.Context, cfg *config.Config, ctrl controller.Controller,
	logger *util.Logger, m *metrics.Collector, stdout io.Writer) error {
	router := api.NewRouter(ctrl, cfg.SocketAddress, logger, m)
	defer router.Close()

	opts := server.Options{
		Logger:     logger,
		Metrics:    m,
		ServerName: config.DefaultServerName + "/" + version,
	}
	if cfg.MaxSessions > 0 {
		opts.Scheduler = server.NewPoolScheduler(cfg.MaxSessions)
	}
	l := server.New(router, opts)

	if err := l.Start(cfg.Address, cfg.Port); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "ctrlport listening on %s (target %s)\n", l.Addr(), ctrl.Name())

	var stopped bool
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-l.Done():
		stopped = true
		logger.Error("listener stopped unexpectedly")
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod)
	defer cancel()
	if err := l.Shutdown(sctx); err != nil && !ncerr.Is(err, ncerr.ErrNotStarted) {
		logger.Warn("shutdown: %v", err)
	}
	logger.Verbose("%s", m.JSON())

	if stopped {
		return fmt.Errorf("listener on %s stopped accepting", cfg.Address)
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────

func modeName(cfg *config.Config) string {
	if cfg.Exec != "" {
		return "exec"
	}
	return fmt.Sprintf("serve on %s:%d", cfg.Address, cfg.Port)
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `ctrlport – command controller over HTTP v%s

Runs commands on the local host or over SSH and serves them through a
JSON API.

Usage:
  ctrlport [options] -p <port>                 Serve the API
  ctrlport [options] --exec <command>          Run one command and exit

Options:
`, version)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Examples:
  ctrlport -p 8080                                   Serve the local host
  ctrlport -p 8080 --ssh root@device.lan --pty       Serve a device over SSH
  ctrlport -e 'uname -a'                             One command, pipe output
  ctrlport -e 'date | nc 127.0.0.1 {port}' --socket  One command, socket output
`)
}
