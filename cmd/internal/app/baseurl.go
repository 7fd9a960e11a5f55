package app

import (
	"net"
	"strings"
)

// runtimeBaseURL converts a bind address into a URL a local client can dial.
// Wildcard binds (0.0.0.0, [::]) are rewritten to loopback.
func runtimeBaseURL(addr string) string {
	addr = strings.TrimSpace(addr)

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}

	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}

	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + port
}

// wsBaseURL converts an HTTP base URL (or bare host:port) to its websocket
// counterpart.
func wsBaseURL(base string) string {
	base = strings.TrimSpace(base)
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
		return base
	default:
		return "ws://" + base
	}
}
