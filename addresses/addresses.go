// Package addresses parses the server addresses accepted by the uda-auth
// client.
package addresses

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultPort is used when an address names no port.
const DefaultPort = 56000

// ServerAddress is a parsed server address.
type ServerAddress struct {
	HostPort   string // host:port to dial
	ServerName string // expected server certificate common name, if any
}

// ParseServerAddress parses addresses of the forms
//
//   - "host"
//   - "host:port"
//   - "<host:port?name=server.example.org>"
//
// Angle brackets are optional. The name parameter pins the server
// certificate common name; other query parameters are ignored. A missing
// port defaults to DefaultPort.
func ParseServerAddress(address string) (ServerAddress, error) {
	address = strings.TrimSpace(address)
	address = strings.TrimPrefix(address, "<")
	address = strings.TrimSuffix(address, ">")
	if address == "" {
		return ServerAddress{}, errors.New("addresses: empty address")
	}

	var out ServerAddress
	if idx := strings.Index(address, "?"); idx != -1 {
		for _, param := range strings.Split(address[idx+1:], "&") {
			if strings.HasPrefix(param, "name=") {
				out.ServerName = param[len("name="):]
			}
		}
		address = address[:idx]
	}
	if out.ServerName != "" && !IsValidServerName(out.ServerName) {
		return ServerAddress{}, errors.Errorf("addresses: invalid server name %q", out.ServerName)
	}

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		// No port, or a bare IPv6 literal.
		host = strings.Trim(address, "[]")
		port = strconv.Itoa(DefaultPort)
	}
	if host == "" {
		return ServerAddress{}, errors.Errorf("addresses: no host in %q", address)
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return ServerAddress{}, errors.Errorf("addresses: invalid port %q", port)
	}
	out.HostPort = net.JoinHostPort(host, port)
	return out, nil
}

// IsValidServerName reports whether name contains only alphanumeric
// characters, dots, dashes and underscores.
func IsValidServerName(name string) bool {
	if name == "" {
		return false
	}

	for _, r := range name {
		if (r < 'a' || r > 'z') &&
			(r < 'A' || r > 'Z') &&
			(r < '0' || r > '9') &&
			r != '.' && r != '-' && r != '_' {
			return false
		}
	}
	return true
}
