package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the CTRLPORT_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  Call it BEFORE flag parsing
// so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CTRLPORT_ADDRESS"); v != "" {
		cfg.Address = v
	}
	if v := envInt("CTRLPORT_PORT"); v > 0 {
		cfg.Port = v
	}
	if v := envInt("CTRLPORT_MAX_SESSIONS"); v > 0 {
		cfg.MaxSessions = v
	}

	// Controller
	if v := os.Getenv("CTRLPORT_TARGET"); v != "" {
		cfg.Target = strings.ToLower(v)
	}
	if v := os.Getenv("CTRLPORT_SHELL"); v != "" {
		cfg.Shell = v
	}
	if envBool("CTRLPORT_PTY") {
		cfg.PTY = true
	}
	if v := envInt("CTRLPORT_TIMEOUT_MS"); v > 0 {
		cfg.CommandTimeout = time.Duration(v) * time.Millisecond
	}

	// SSH bridge
	if v := os.Getenv("CTRLPORT_SSH"); v != "" {
		cfg.SSHSpec = v
	}
	if v := os.Getenv("CTRLPORT_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if v := os.Getenv("CTRLPORT_SSH_PASSWORD"); v != "" {
		cfg.SSHPassword = v
	}
	if envBool("CTRLPORT_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("CTRLPORT_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("CTRLPORT_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Output
	if v := envInt("CTRLPORT_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}
