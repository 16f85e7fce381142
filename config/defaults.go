package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, environment variable loading and the controller
// and server constructors.

const (
	// DefaultAddress is the address the listener binds when none is given.
	DefaultAddress = "127.0.0.1"

	// DefaultSocketAddress is where socket-delivered output is received.
	DefaultSocketAddress = "127.0.0.1"

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultConnTimeout is the SSH connect and handshake timeout.
	DefaultConnTimeout = 30 * time.Second

	// DefaultKeepAlive is the SSH bridge keep-alive request interval.
	DefaultKeepAlive = 30 * time.Second

	// DefaultCommandTimeout bounds a command invocation that does not
	// carry its own timeout.
	DefaultCommandTimeout = 20 * time.Second

	// DefaultReadTimeout is how long an interactive read waits when the
	// caller does not say.
	DefaultReadTimeout = 1 * time.Second

	// DefaultGracePeriod is how long shutdown waits for in-flight
	// connection sessions before closing them.
	DefaultGracePeriod = 5 * time.Second

	// DefaultMaxSessions of 0 means one goroutine per connection with
	// no admission limit.
	DefaultMaxSessions = 0

	// DefaultServerName is sent in the Server header of every response.
	DefaultServerName = "ctrlport"
)

// Targets understood by controller.New.
const (
	TargetLocal = "local"
	TargetSSH   = "ssh"
)
