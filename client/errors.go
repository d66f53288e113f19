package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/gridlink/common/gridproto"
	"go.uber.org/multierr"
)

var (
	ErrInvalidConfiguration  = errors.New("invalid client configuration")
	ErrNoEndpoints           = fmt.Errorf("%w: no endpoints configured", ErrInvalidConfiguration)
	ErrNoResolvableEndpoints = fmt.Errorf("%w: none of the configured endpoints could be resolved", ErrInvalidConfiguration)

	ErrDisposed             = errors.New("client has been closed")
	ErrReconnectDisabled    = errors.New("connection lost and automatic reconnect is disabled")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// ServerError is returned when a node answers a request with a non-success
// status.
type ServerError struct {
	Op      gridproto.OpCode
	Status  memd.StatusCode
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed with status 0x%04x", e.Op, uint16(e.Status))
	}
	return fmt.Sprintf("%s failed with status 0x%04x: %s", e.Op, uint16(e.Status), e.Message)
}

// ConnectError is returned when no endpoint accepted a connection.  It carries
// the failure of every endpoint that was tried, in the order they were tried.
type ConnectError struct {
	errs error
}

func (e *ConnectError) Errors() []error {
	return multierr.Errors(e.errs)
}

func (e *ConnectError) Unwrap() []error {
	return e.Errors()
}

func (e *ConnectError) Error() string {
	errs := e.Errors()
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("failed to connect to any of %d endpoints: [%s]",
		len(errs), strings.Join(msgs, "; "))
}
