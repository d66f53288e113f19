package client

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeResolver map[string][]string

func (r fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	ips, ok := r[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}

	addrs := make([]net.IPAddr, len(ips))
	for i, ip := range ips {
		addrs[i] = net.IPAddr{IP: net.ParseIP(ip)}
	}
	return addrs, nil
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in       string
		expected endpointSpec
	}{
		{"node1", endpointSpec{Host: "node1", PortStart: DefaultPort, PortEnd: DefaultPort}},
		{" node1:10801 ", endpointSpec{Host: "node1", PortStart: 10801, PortEnd: 10801}},
		{"10.0.0.1:10800..10802", endpointSpec{Host: "10.0.0.1", PortStart: 10800, PortEnd: 10802}},
		{"[::1]:10900", endpointSpec{Host: "::1", PortStart: 10900, PortEnd: 10900}},
		{"[::1]", endpointSpec{Host: "::1", PortStart: DefaultPort, PortEnd: DefaultPort}},
		{"fe80::1", endpointSpec{Host: "fe80::1", PortStart: DefaultPort, PortEnd: DefaultPort}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			spec, err := parseEndpoint(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, spec)
		})
	}
}

func TestParseEndpointInvalid(t *testing.T) {
	for _, in := range []string{
		"",
		":10800",
		"node1:abc",
		"node1:0",
		"node1:70000",
		"node1:10802..10800",
		"node1:10800..",
		"[::1",
		"[::1]10800",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := parseEndpoint(in)
			require.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}

func TestResolveEndpoints(t *testing.T) {
	resolver := fakeResolver{
		"node1": {"10.0.0.1", "10.0.0.2"},
		"node2": {"10.0.0.2"},
	}

	endpoints, err := resolveEndpoints(context.Background(), resolver, []string{
		"node1:10800..10801",
		"node2:10800",
		"192.168.1.5",
		"[::1]:10850",
		"missing-host",
	}, zap.NewNop())
	require.NoError(t, err)

	var addrs []string
	for _, endpoint := range endpoints {
		addrs = append(addrs, endpoint.Addr())
	}

	assert.Equal(t, []string{
		"10.0.0.1:10800",
		"10.0.0.1:10801",
		"10.0.0.2:10800",
		"10.0.0.2:10801",
		"192.168.1.5:10800",
		"[::1]:10850",
	}, addrs)

	assert.Equal(t, "node1", endpoints[0].Host())
	assert.Equal(t, "192.168.1.5", endpoints[4].Host())
}

func TestResolveEndpointsErrors(t *testing.T) {
	_, err := resolveEndpoints(context.Background(), fakeResolver{}, nil, zap.NewNop())
	require.ErrorIs(t, err, ErrNoEndpoints)
	require.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = resolveEndpoints(context.Background(), fakeResolver{}, []string{"missing"}, zap.NewNop())
	require.ErrorIs(t, err, ErrNoResolvableEndpoints)
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{})
	require.True(t, errors.Is(err, ErrNoEndpoints))

	_, err = New(Config{
		Endpoints: []string{"missing"},
		Resolver:  fakeResolver{},
	})
	require.ErrorIs(t, err, ErrNoResolvableEndpoints)

	_, err = New(Config{Endpoints: []string{"node1:badport"}})
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}
