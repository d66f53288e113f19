// Package discovery produces the endpoint list a client is configured with,
// from a connection string or from an etcd key prefix.
package discovery

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/couchbaselabs/gocbconnstr"
)

const (
	SchemeGrid    = "grid"
	SchemeGridTLS = "grids"
)

// ConnStrConfig is the client configuration carried by a connection string
// such as grid://node1,node2:10801?affinity_awareness=true.
type ConnStrConfig struct {
	Endpoints []string
	UseTLS    bool

	AffinityAwareness *bool
	ReconnectDisabled *bool
}

// ParseConnStr parses a grid connection string.  The port_range option
// widens every address into a range of that many ports.
func ParseConnStr(connStr string) (*ConnStrConfig, error) {
	cfg := &ConnStrConfig{}

	// the scheme is handled here so gocbconnstr only sees hosts and options
	if scheme, rest, ok := strings.Cut(connStr, "://"); ok {
		switch scheme {
		case SchemeGrid:
		case SchemeGridTLS:
			cfg.UseTLS = true
		default:
			return nil, fmt.Errorf("unsupported connection string scheme %q", scheme)
		}
		connStr = rest
	}

	spec, err := gocbconnstr.Parse(connStr)
	if err != nil {
		return nil, fmt.Errorf("invalid connection string: %w", err)
	}

	if spec.Bucket != "" {
		return nil, fmt.Errorf("connection string must not contain a path, found %q", spec.Bucket)
	}

	portRange := 1
	for key, values := range spec.Options {
		if len(values) == 0 {
			continue
		}
		value := values[len(values)-1]

		switch key {
		case "affinity_awareness":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("invalid affinity_awareness option: %w", err)
			}
			cfg.AffinityAwareness = &b
		case "reconnect_disabled":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("invalid reconnect_disabled option: %w", err)
			}
			cfg.ReconnectDisabled = &b
		case "port_range":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("invalid port_range option %q", value)
			}
			portRange = n
		default:
			return nil, fmt.Errorf("unknown connection string option %q", key)
		}
	}

	for _, addr := range spec.Addresses {
		cfg.Endpoints = append(cfg.Endpoints, formatEndpoint(addr.Host, addr.Port, portRange))
	}

	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("connection string %q names no hosts", connStr)
	}

	return cfg, nil
}

// defaultPort matches the client's default, needed to expand a port range
// for hosts without a port.
const defaultPort = 10800

func formatEndpoint(host string, port int, portRange int) string {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")

	if port <= 0 {
		if portRange == 1 {
			if strings.Contains(host, ":") {
				return "[" + host + "]"
			}
			return host
		}
		port = defaultPort
	}

	hostPort := net.JoinHostPort(host, strconv.Itoa(port))
	if portRange > 1 {
		return fmt.Sprintf("%s..%d", hostPort, port+portRange-1)
	}
	return hostPort
}
