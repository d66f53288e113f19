package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultPort is used for endpoints which do not name one.
const DefaultPort = 10800

// HostResolver resolves DNS names to addresses.  *net.Resolver satisfies it.
type HostResolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Endpoint is one concrete address of a cluster node.
type Endpoint struct {
	host string
	addr string

	conn atomic.Pointer[nodeConn]
}

// Addr returns the dialable host:port of the endpoint.
func (e *Endpoint) Addr() string {
	return e.addr
}

// Host returns the host as it was configured, before resolution.
func (e *Endpoint) Host() string {
	return e.host
}

func (e *Endpoint) String() string {
	return e.addr
}

// liveConn returns the connection attached to this endpoint if it is still
// open.
func (e *Endpoint) liveConn() *nodeConn {
	conn := e.conn.Load()
	if conn == nil || conn.isClosed() {
		return nil
	}
	return conn
}

func (e *Endpoint) attach(conn *nodeConn) {
	e.conn.Store(conn)
}

func (e *Endpoint) detach(conn *nodeConn) {
	e.conn.CompareAndSwap(conn, nil)
}

type endpointSpec struct {
	Host      string
	PortStart int
	PortEnd   int
}

// parseEndpoint accepts host, host:port, host:port..portEnd and the bracketed
// forms of IPv6 literals.
func parseEndpoint(s string) (endpointSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return endpointSpec{}, fmt.Errorf("%w: empty endpoint", ErrInvalidConfiguration)
	}

	var host, portPart string
	switch {
	case strings.HasPrefix(s, "["):
		closeIdx := strings.Index(s, "]")
		if closeIdx < 0 {
			return endpointSpec{}, fmt.Errorf("%w: unterminated IPv6 literal in %q", ErrInvalidConfiguration, s)
		}

		host = s[1:closeIdx]
		rest := s[closeIdx+1:]
		if rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return endpointSpec{}, fmt.Errorf("%w: unexpected %q after IPv6 literal", ErrInvalidConfiguration, rest)
			}
			portPart = rest[1:]
		}
	case strings.Count(s, ":") > 1:
		// bare IPv6 literal, which cannot carry a port
		host = s
	default:
		host, portPart, _ = strings.Cut(s, ":")
	}

	if host == "" {
		return endpointSpec{}, fmt.Errorf("%w: missing host in %q", ErrInvalidConfiguration, s)
	}

	spec := endpointSpec{
		Host:      host,
		PortStart: DefaultPort,
		PortEnd:   DefaultPort,
	}
	if portPart == "" {
		return spec, nil
	}

	startStr, endStr, isRange := strings.Cut(portPart, "..")

	start, err := parsePort(startStr)
	if err != nil {
		return endpointSpec{}, fmt.Errorf("%w: %q: %s", ErrInvalidConfiguration, s, err)
	}
	spec.PortStart = start
	spec.PortEnd = start

	if isRange {
		end, err := parsePort(endStr)
		if err != nil {
			return endpointSpec{}, fmt.Errorf("%w: %q: %s", ErrInvalidConfiguration, s, err)
		}
		if end < start {
			return endpointSpec{}, fmt.Errorf("%w: %q: port range end is before its start", ErrInvalidConfiguration, s)
		}
		spec.PortEnd = end
	}

	return spec, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

// resolveEndpoints expands the configured endpoint strings into one Endpoint
// per resolved address and port.  Hosts which fail to resolve are skipped.
func resolveEndpoints(
	ctx context.Context,
	resolver HostResolver,
	configured []string,
	logger *zap.Logger,
) ([]*Endpoint, error) {
	if len(configured) == 0 {
		return nil, ErrNoEndpoints
	}

	specs := make([]endpointSpec, 0, len(configured))
	for _, s := range configured {
		spec, err := parseEndpoint(s)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	var endpoints []*Endpoint
	seen := make(map[string]struct{})

	for _, spec := range specs {
		var ips []string
		if ip := net.ParseIP(spec.Host); ip != nil {
			ips = []string{ip.String()}
		} else {
			addrs, err := resolver.LookupIPAddr(ctx, spec.Host)
			if err != nil {
				logger.Warn("failed to resolve endpoint host",
					zap.String("host", spec.Host),
					zap.Error(err))
				continue
			}

			for _, addr := range addrs {
				ips = append(ips, addr.String())
			}
		}

		for _, ip := range ips {
			for port := spec.PortStart; port <= spec.PortEnd; port++ {
				addr := net.JoinHostPort(ip, strconv.Itoa(port))
				if _, ok := seen[addr]; ok {
					continue
				}
				seen[addr] = struct{}{}

				endpoints = append(endpoints, &Endpoint{
					host: spec.Host,
					addr: addr,
				})
			}
		}
	}

	if len(endpoints) == 0 {
		return nil, ErrNoResolvableEndpoints
	}

	return endpoints, nil
}
