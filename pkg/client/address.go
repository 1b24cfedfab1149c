package client

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

const (
	DefaultTCPPort = "8123"
	DefaultSSHPort = "8124"
	DefaultWSPort  = "8125"
)

// Target is a parsed server address
type Target struct {
	Scheme string // tcp, ssh, ws or wss
	Host   string
	Port   string
	User   string // ssh only
}

// Address returns host:port
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, t.Port)
}

func (t Target) String() string {
	switch t.Scheme {
	case "tcp":
		return t.Address()
	case "ssh":
		if t.User != "" {
			return fmt.Sprintf("ssh://%s@%s", t.User, t.Address())
		}
	}
	return t.Scheme + "://" + t.Address()
}

// ParseAddress accepts host[:port] for plain TCP, or a URL with one of the
// schemes tcp, ssh, ws or wss. Missing ports get the scheme's default.
func ParseAddress(raw string) (Target, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Target{}, errors.New("server address is empty")
	}

	t := Target{Scheme: "tcp"}
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return Target{}, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		t.Scheme = strings.ToLower(u.Scheme)
		if u.User != nil {
			t.User = u.User.Username()
		}
		hostPort = u.Host
	}

	var defaultPort string
	switch t.Scheme {
	case "tcp":
		defaultPort = DefaultTCPPort
	case "ssh":
		defaultPort = DefaultSSHPort
		if t.User == "" {
			t.User = defaultSSHUser()
		}
	case "ws", "wss":
		defaultPort = DefaultWSPort
	default:
		return Target{}, fmt.Errorf("unsupported server scheme %q", t.Scheme)
	}

	host, port, err := splitHostPortWithDefault(hostPort, defaultPort)
	if err != nil {
		return Target{}, err
	}
	t.Host, t.Port = host, port
	return t, nil
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = strings.TrimSuffix(strings.TrimPrefix(hostPort, "["), "]")
		return host, defaultPort, nil
	}
	return "", "", err
}

func defaultSSHUser() string {
	for _, env := range []string{"CONCORD_SSH_USER", "USER", "USERNAME"} {
		if user := os.Getenv(env); user != "" {
			return user
		}
	}
	return "anonymous"
}
