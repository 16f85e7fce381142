// Package metrics provides lightweight, lock-free counters for the
// listener and the controller.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one ctrlport process.
type Collector struct {
	connectionsActive atomic.Int64
	connectionsTotal  atomic.Int64
	requestsServed    atomic.Int64
	bytesIn           atomic.Int64
	bytesOut          atomic.Int64
	commandsRun       atomic.Int64
	commandTimeouts   atomic.Int64
	sessionsOpened    atomic.Int64
	errorsTotal       atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	endReasons   map[string]int64
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now(), endReasons: make(map[string]int64)}
}

// ── Connection metrics ───────────────────────────────────────────────

// ConnectionOpened increments both the active and total counters.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(1)
	c.connectionsTotal.Add(1)
}

// ConnectionClosed decrements the active counter and records why the
// connection's session ended.
func (c *Collector) ConnectionClosed(reason string) {
	if c == nil {
		return
	}
	c.connectionsActive.Add(-1)
	c.mu.Lock()
	c.endReasons[reason]++
	c.mu.Unlock()
}

// ActiveConnections returns the current number of open connections.
func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsActive.Load()
}

// TotalConnections returns the lifetime connection count.
func (c *Collector) TotalConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsTotal.Load()
}

// EndReason returns how many sessions ended for the given reason.
func (c *Collector) EndReason(reason string) int64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endReasons[reason]
}

// ── Request / I/O metrics ────────────────────────────────────────────

// RequestServed records one request/response exchange.
func (c *Collector) RequestServed() {
	if c == nil {
		return
	}
	c.requestsServed.Add(1)
}

// RequestsServed returns the total number of exchanges.
func (c *Collector) RequestsServed() int64 {
	if c == nil {
		return 0
	}
	return c.requestsServed.Load()
}

// BytesReceived records n bytes read from a peer or a command.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to a peer or a command.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Controller metrics ───────────────────────────────────────────────

// CommandRun records one command execution attempt.
func (c *Collector) CommandRun() {
	if c == nil {
		return
	}
	c.commandsRun.Add(1)
}

// CommandTimedOut records a command that exceeded its timeout.
func (c *Collector) CommandTimedOut() {
	if c == nil {
		return
	}
	c.commandTimeouts.Add(1)
}

// SessionOpened records a new interactive session.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsOpened.Add(1)
}

// CommandsRun returns the number of command executions.
func (c *Collector) CommandsRun() int64 {
	if c == nil {
		return 0
	}
	return c.commandsRun.Load()
}

// CommandTimeouts returns the number of timed-out commands.
func (c *Collector) CommandTimeouts() int64 {
	if c == nil {
		return 0
	}
	return c.commandTimeouts.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime            string           `json:"uptime"`
	ConnectionsActive int64            `json:"connections_active"`
	ConnectionsTotal  int64            `json:"connections_total"`
	RequestsServed    int64            `json:"requests_served"`
	BytesIn           int64            `json:"bytes_in"`
	BytesOut          int64            `json:"bytes_out"`
	CommandsRun       int64            `json:"commands_run"`
	CommandTimeouts   int64            `json:"command_timeouts"`
	SessionsOpened    int64            `json:"sessions_opened"`
	ErrorsTotal       int64            `json:"errors_total"`
	SessionEnds       map[string]int64 `json:"session_ends,omitempty"`
	LastError         string           `json:"last_error,omitempty"`
	LastErrorMessage  string           `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		ConnectionsActive: c.connectionsActive.Load(),
		ConnectionsTotal:  c.connectionsTotal.Load(),
		RequestsServed:    c.requestsServed.Load(),
		BytesIn:           c.bytesIn.Load(),
		BytesOut:          c.bytesOut.Load(),
		CommandsRun:       c.commandsRun.Load(),
		CommandTimeouts:   c.commandTimeouts.Load(),
		SessionsOpened:    c.sessionsOpened.Load(),
		ErrorsTotal:       c.errorsTotal.Load(),
	}
	if len(c.endReasons) > 0 {
		s.SessionEnds = make(map[string]int64, len(c.endReasons))
		for k, v := range c.endReasons {
			s.SessionEnds[k] = v
		}
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as a compact JSON string.
func (c *Collector) JSON() string {
	data, _ := json.Marshal(c.Snapshot())
	return string(data)
}
