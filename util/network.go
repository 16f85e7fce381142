package util

import (
	"fmt"
	"net"
	"strconv"
)

// FormatAddr returns "host:port", bracketing IPv6 literals.
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ParseAddress validates that address is a numeric IP (or empty, meaning
// every interface) and port is within 0-65535, where 0 asks the kernel
// for an ephemeral port.
func ParseAddress(address string, port int) (string, error) {
	if address != "" && net.ParseIP(address) == nil {
		return "", fmt.Errorf("cannot parse %q as an IP address", address)
	}
	if port < 0 || port > 65535 {
		return "", fmt.Errorf("port %d out of range 0-65535", port)
	}
	return FormatAddr(address, port), nil
}

// PortOf returns the TCP port of addr, or 0 when addr is not a TCP
// address.
func PortOf(addr net.Addr) int {
	if ta, ok := addr.(*net.TCPAddr); ok {
		return ta.Port
	}
	if _, p, err := net.SplitHostPort(addr.String()); err == nil {
		n, _ := strconv.Atoi(p)
		return n
	}
	return 0
}

// FindFreePort returns an available TCP port on 127.0.0.1.
func FindFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
