package session

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	DefaultConsoleHost = "172.16.24.10"
	DefaultRCPort      = 8005
	DefaultHVPort      = 8006
)

var ErrInvalidEndpoint = errors.New("session: invalid endpoint")

// Endpoint is a tcp host:port pair. An empty or "*" host binds every interface.
type Endpoint struct {
	Host string
	Port int
}

// DefaultPort returns the deployment port for an agent class.
func DefaultPort(id Identity) (int, error) {
	switch id {
	case IdentityHV:
		return DefaultHVPort, nil
	case IdentityRC:
		return DefaultRCPort, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownIdentity, string(id))
	}
}

// BindEndpoint is the console-side endpoint for port on every interface.
func BindEndpoint(port int) Endpoint {
	return Endpoint{Host: "*", Port: port}
}

// ParseEndpoint accepts "tcp://host:port" or "host:port".
func ParseEndpoint(raw string) (Endpoint, error) {
	s := strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(s, "tcp://"); ok {
		s = rest
	} else if strings.Contains(s, "://") {
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidEndpoint, raw)
	}
	host, portText, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, raw, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("%w: port %q", ErrInvalidEndpoint, portText)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// Address is the net package form used for Listen and Dial.
func (e Endpoint) Address() string {
	host := e.Host
	if host == "*" {
		host = ""
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	host := e.Host
	if host == "" {
		host = "*"
	}
	return "tcp://" + net.JoinHostPort(host, strconv.Itoa(e.Port))
}
