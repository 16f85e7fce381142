// Package config defines the runtime configuration for ctrlport and
// provides helpers for parsing SSH target specifications.
package config

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	ncerr "ctrlport/internal/errors"
)

// Config holds every tuneable for one ctrlport process.
type Config struct {
	// ── Listener ─────────────────────────────────────────────────────
	Address     string
	Port        int
	MaxSessions int           // 0 = unbounded goroutine per connection
	GracePeriod time.Duration // shutdown drain before forced close

	// ── Controller ───────────────────────────────────────────────────
	Target         string // TargetLocal or TargetSSH
	Shell          string // local shell; empty picks /bin/sh or cmd.exe
	PTY            bool   // interactive sessions on a pseudo-terminal
	DisableSocket  bool   // advertise no socket delivery
	CommandTimeout time.Duration

	// ── SSH bridge ───────────────────────────────────────────────────
	SSHSpec        string // raw user@host[:port] from --ssh
	SSHUser        string
	SSHHost        string
	SSHPort        int
	SSHKeyPath     string
	SSHPassword    string // non-interactive password (env only)
	PromptPassword bool   // true → prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string

	// ── One-shot execution ───────────────────────────────────────────
	Exec          string // run this command and exit instead of serving
	Socket        bool   // deliver --exec output via the control socket
	SocketAddress string

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
	DryRun  bool
}

// Defaults returns a Config populated from defaults.go.
func Defaults() *Config {
	return &Config{
		Address:        DefaultAddress,
		GracePeriod:    DefaultGracePeriod,
		MaxSessions:    DefaultMaxSessions,
		Target:         TargetLocal,
		CommandTimeout: DefaultCommandTimeout,
		SSHPort:        DefaultSSHPort,
		SocketAddress:  DefaultSocketAddress,
	}
}

// ── Target-spec parser ───────────────────────────────────────────────

// targetRe matches [user@]host[:port].
var targetRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTargetSpec extracts user, host, and port from a string such as
// "shell@device.lan:2222".  Port defaults to 22.
func ParseTargetSpec(spec string) (user, host string, port int, err error) {
	m := targetRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid ssh target %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid ssh port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ApplySSHSpec parses SSHSpec (when set) into the SSH fields.
func (c *Config) ApplySSHSpec() error {
	if c.SSHSpec == "" {
		return nil
	}
	user, host, port, err := ParseTargetSpec(c.SSHSpec)
	if err != nil {
		return &ncerr.ConfigError{Field: "ssh", Value: c.SSHSpec, Message: err.Error()}
	}
	c.SSHUser, c.SSHHost, c.SSHPort = user, host, port
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.Target {
	case TargetLocal:
	case TargetSSH:
		if c.SSHHost == "" {
			return &ncerr.ConfigError{
				Field:   "ssh",
				Message: "required with --target ssh",
				Hint:    "pass --ssh user@host[:port]",
			}
		}
	default:
		return &ncerr.ConfigError{
			Field:   "target",
			Value:   c.Target,
			Message: "unknown target",
			Hint:    "use local or ssh",
		}
	}

	if c.Exec == "" {
		if c.Address != "" && net.ParseIP(c.Address) == nil {
			return &ncerr.ConfigError{Field: "address", Value: c.Address, Message: "not an IP address"}
		}
		if c.Port < 0 || c.Port > 65535 {
			return &ncerr.ConfigError{
				Field:   "port",
				Value:   c.Port,
				Message: "out of range 0-65535",
				Hint:    "use 0 for an ephemeral port",
			}
		}
	}

	if c.Socket && c.Exec == "" {
		return &ncerr.ConfigError{Field: "socket", Message: "only meaningful with --exec"}
	}
	if c.Socket && c.DisableSocket {
		return &ncerr.ConfigError{Field: "socket", Message: "--socket and --no-socket are mutually exclusive"}
	}
	if c.MaxSessions < 0 {
		return &ncerr.ConfigError{Field: "max-sessions", Value: c.MaxSessions, Message: "must not be negative"}
	}
	if c.CommandTimeout < 0 {
		return &ncerr.ConfigError{Field: "timeout", Value: c.CommandTimeout, Message: "must not be negative"}
	}
	return nil
}
