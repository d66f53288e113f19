package webapi

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/couchbase/gridlink/client"
	"github.com/couchbase/gridlink/common/gridproto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStatus struct {
	remoteAddr net.Addr
	version    *gridproto.AffinityTopologyVersion
	pooled     []uuid.UUID
}

func (s *fakeStatus) RemoteAddr() net.Addr {
	return s.remoteAddr
}

func (s *fakeStatus) TopologyVersion() (gridproto.AffinityTopologyVersion, bool) {
	if s.version == nil {
		return gridproto.AffinityTopologyVersion{}, false
	}
	return *s.version, true
}

func (s *fakeStatus) PartitionSnapshot() *client.TopologyPartitionSnapshot {
	return nil
}

func (s *fakeStatus) PooledNodes() []uuid.UUID {
	return s.pooled
}

func serve(t *testing.T, srv *WebServer, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	status := &fakeStatus{}
	srv := NewWebServer(WebServerOptions{Status: status})

	rec := serve(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	status.remoteAddr = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 10800}
	rec = serve(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTopology(t *testing.T) {
	nodeID := uuid.New()
	srv := NewWebServer(WebServerOptions{Status: &fakeStatus{
		version: &gridproto.AffinityTopologyVersion{Major: 3, Minor: 1},
		pooled:  []uuid.UUID{nodeID},
	}})

	rec := serve(t, srv, http.MethodGet, "/topology", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out jsonTopology
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "3.1", out.LastKnownVersion)
	assert.Equal(t, "", out.SnapshotVersion)
	assert.Equal(t, []string{nodeID.String()}, out.PooledNodes)
	assert.Empty(t, out.Caches)
}

func TestLogLevel(t *testing.T) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	srv := NewWebServer(WebServerOptions{LogLevel: &level})

	rec := serve(t, srv, http.MethodPut, "/log-level", `{"level":"debug"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, zap.DebugLevel, level.Level())

	rec = serve(t, srv, http.MethodGet, "/log-level", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "debug")
}

func TestRoot(t *testing.T) {
	srv := NewWebServer(WebServerOptions{})

	rec := serve(t, srv, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gridlink")
}
