package process

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Debug endpoint defaults.
const (
	DefaultDebugHost = "127.0.0.1"
	DefaultDebugPort = "9229"

	inspectFlag    = "--inspect"
	inspectBrkFlag = "--inspect-brk"
)

// DebugEndpoint is where the worker exposes its inspector.
type DebugEndpoint struct {
	Host string
	Port string

	// IsDefault is set when no inspector flag was given and Port was
	// allocated automatically.
	IsDefault bool
	// StopOnStart makes the worker wait for a debugger before running any
	// test code.
	StopOnStart bool
}

// Addr returns the host:port of the endpoint.
func (e DebugEndpoint) Addr() string {
	return net.JoinHostPort(e.Host, e.Port)
}

// Flag returns the inspector flag the worker is spawned with.
func (e DebugEndpoint) Flag() string {
	name := inspectFlag
	if e.StopOnStart {
		name = inspectBrkFlag
	}
	return name + "=" + e.Addr()
}

// IsInspectFlag reports whether flag enables the inspector.
func IsInspectFlag(flag string) bool {
	return strings.HasPrefix(flag, inspectFlag)
}

// ParseDebugEndpoint derives the debug endpoint from the engine flags. The
// last inspector flag wins. Without one, a free local port is allocated.
func ParseDebugEndpoint(flags []string) (DebugEndpoint, error) {
	ep := DebugEndpoint{Host: DefaultDebugHost}

	found := ""
	for _, f := range flags {
		if IsInspectFlag(f) {
			found = f
		}
	}
	if found == "" {
		port, err := freePort(ep.Host)
		if err != nil {
			return ep, err
		}
		ep.Port = port
		ep.IsDefault = true
		return ep, nil
	}

	name, value, _ := strings.Cut(found, "=")
	ep.StopOnStart = strings.Contains(name, "brk")
	ep.Host, ep.Port = parseHostPort(value)
	return ep, nil
}

// parseHostPort parses the [host][:port] suffix of an inspector flag. Either
// part may be omitted. If either part is malformed, both are the defaults.
func parseHostPort(value string) (host, port string) {
	host, port = DefaultDebugHost, DefaultDebugPort
	if value == "" {
		return host, port
	}

	i := strings.LastIndex(value, ":")
	if i < 0 {
		if isPort(value) {
			return host, value
		}
		if isHost(value) {
			return value, port
		}
		return host, port
	}

	h, p := strings.Trim(value[:i], "[]"), value[i+1:]
	if (h != "" && !isHost(h)) || (p != "" && !isPort(p)) {
		return host, port
	}
	if h != "" {
		host = h
	}
	if p != "" {
		port = p
	}
	return host, port
}

func isPort(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n >= 0 && n <= 65535 && !strings.HasPrefix(s, "+")
}

func isHost(s string) bool {
	if net.ParseIP(s) != nil {
		return true
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
		default:
			return false
		}
	}
	return s != ""
}

func freePort(host string) (string, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", fmt.Errorf("allocating a debug port: %w", err)
	}
	defer func() { _ = l.Close() }()
	_, port, err := net.SplitHostPort(l.Addr().String())
	return port, err
}
