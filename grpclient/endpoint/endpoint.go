// Package endpoint interprets client endpoint URLs into dialable addresses
// and TLS server names.
package endpoint

import (
	"net"
	"path"
	"strings"
)

// Interpret deduces the address gRPC should dial and the server name to use
// for TLS verification from a user-supplied endpoint string.
//
// Unix-socket endpoints ("unix://...", "unixs://...") keep the whole URL as
// the dial address; the server name is the socket's base name. For http/https
// URLs the scheme is stripped and the host part becomes the server name.
// Bare host:port strings pass through with the host as server name. Never
// panics, whatever the input.
func Interpret(ep string) (address string, serverName string) {
	if strings.HasPrefix(ep, "unix:") || strings.HasPrefix(ep, "unixs:") {
		rest := ep[strings.Index(ep, ":")+1:]
		return ep, path.Base(strings.TrimLeft(rest, "/"))
	}
	for _, scheme := range []string{"http://", "https://"} {
		if strings.HasPrefix(ep, scheme) {
			addr := strings.TrimPrefix(ep, scheme)
			return addr, hostOf(addr)
		}
	}
	return ep, hostOf(ep)
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
