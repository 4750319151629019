package zsock

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// Endpoint is a parsed transport://address string
type Endpoint struct {
	Transport string
	Address   string
}

// ParseEndpoint parses tcp://host:port and ipc://path endpoints. For tcp a
// host of "*" means all interfaces and a port of "*" means an ephemeral port.
func ParseEndpoint(raw string) (Endpoint, error) {
	transport, addr, ok := strings.Cut(raw, "://")
	if !ok || addr == "" {
		return Endpoint{}, &ConfigurationError{Field: "endpoint", Reason: fmt.Sprintf("malformed endpoint %q", raw)}
	}
	switch transport {
	case "tcp":
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return Endpoint{}, &ConfigurationError{Field: "endpoint", Reason: fmt.Sprintf("bad tcp address %q", addr), Err: err}
		}
		if host == "*" {
			host = ""
		}
		if port == "*" {
			port = "0"
		}
		return Endpoint{Transport: transport, Address: net.JoinHostPort(host, port)}, nil
	case "ipc":
		return Endpoint{Transport: transport, Address: addr}, nil
	default:
		return Endpoint{}, &ConfigurationError{Field: "endpoint", Reason: fmt.Sprintf("unsupported transport %q", transport)}
	}
}

func (e Endpoint) String() string {
	return e.Transport + "://" + e.Address
}

func (e Endpoint) network() string {
	if e.Transport == "ipc" {
		return "unix"
	}
	return "tcp"
}

func (e Endpoint) listen() (net.Listener, error) {
	return net.Listen(e.network(), e.Address)
}

func (e Endpoint) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, e.network(), e.Address)
}

// boundEndpoint renders the resolved address of a listener
func boundEndpoint(transport string, l net.Listener) string {
	return transport + "://" + l.Addr().String()
}
