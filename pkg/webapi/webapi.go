// This file is to handle things such as metrics/health/topology, etc

package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/couchbase/gridlink/client"
	"github.com/couchbase/gridlink/common/gridproto"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// GridStatus is the view of a client the web api reports on.
type GridStatus interface {
	RemoteAddr() net.Addr
	TopologyVersion() (gridproto.AffinityTopologyVersion, bool)
	PartitionSnapshot() *client.TopologyPartitionSnapshot
	PooledNodes() []uuid.UUID
}

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
	Status        GridStatus
}

type WebServer struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	status        GridStatus
	httpServer    *http.Server
}

func NewWebServer(opts WebServerOptions) *WebServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebServer{
		logger:        logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
		status:        opts.Status,
	}
}

type jsonCachePartitions struct {
	CacheID    int32          `json:"cacheId"`
	Partitions int            `json:"partitions"`
	Unassigned int            `json:"unassigned"`
	Owners     map[string]int `json:"owners"`
}

type jsonTopology struct {
	LastKnownVersion string                `json:"lastKnownVersion,omitempty"`
	SnapshotVersion  string                `json:"snapshotVersion,omitempty"`
	PooledNodes      []string              `json:"pooledNodes"`
	Caches           []jsonCachePartitions `json:"caches"`
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(http.StatusOK)
	_, err := rw.Write([]byte("Welcome to the gridlink internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	if w.status == nil || w.status.RemoteAddr() == nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		_, _ = rw.Write([]byte("not connected"))
		return
	}

	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("ok"))
}

func (w *WebServer) buildTopology() *jsonTopology {
	out := &jsonTopology{
		PooledNodes: []string{},
		Caches:      []jsonCachePartitions{},
	}
	if w.status == nil {
		return out
	}

	if v, ok := w.status.TopologyVersion(); ok {
		out.LastKnownVersion = v.String()
	}

	for _, nodeID := range w.status.PooledNodes() {
		out.PooledNodes = append(out.PooledNodes, nodeID.String())
	}

	snap := w.status.PartitionSnapshot()
	if snap == nil {
		return out
	}
	out.SnapshotVersion = snap.Version().String()

	for _, cacheID := range snap.CacheIDs() {
		partitions, _ := snap.CachePartitions(cacheID)

		cache := jsonCachePartitions{
			CacheID:    cacheID,
			Partitions: partitions.PartitionCount(),
			Owners:     make(map[string]int),
		}
		for _, nodeID := range partitions.PartitionNodeIDs {
			if nodeID == uuid.Nil {
				cache.Unassigned++
				continue
			}
			cache.Owners[nodeID.String()]++
		}

		out.Caches = append(out.Caches, cache)
	}

	return out
}

func (w *WebServer) handleTopology(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)

	err := json.NewEncoder(rw).Encode(w.buildTopology())
	if err != nil {
		w.logger.Debug("failed to write topology response", zap.Error(err))
	}
}

// Handler returns the router serving every web api endpoint.
func (w *WebServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", w.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/topology", w.handleTopology).Methods(http.MethodGet)
	if w.logLevel != nil {
		r.Handle("/log-level", w.logLevel).Methods(http.MethodGet, http.MethodPut)
	}
	r.HandleFunc("/", w.handleRoot)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPut},
	})

	return c.Handler(r)
}

func (w *WebServer) ListenAndServe() error {
	w.httpServer = &http.Server{
		Handler:      w.Handler(),
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return w.httpServer.ListenAndServe()
}

func (w *WebServer) Shutdown(ctx context.Context) error {
	if w.httpServer == nil {
		return nil
	}
	return w.httpServer.Shutdown(ctx)
}

var globalWebLock sync.Mutex
var globalWebServer *WebServer = nil

func InitializeWebServer(opts WebServerOptions) *WebServer {
	globalWebLock.Lock()
	if globalWebServer != nil {
		globalWebLock.Unlock()
		return globalWebServer
	}

	globalWebServer = NewWebServer(opts)
	srv := globalWebServer
	globalWebLock.Unlock()

	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.logger.Error("Failed to listen and serve web server", zap.Error(err))
		}
	}()

	return srv
}
