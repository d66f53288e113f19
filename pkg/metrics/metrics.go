/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"sync"

	"github.com/couchbase/gridlink/utils/buildversion"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type GridMetrics struct {
	NewConnections     metric.Int64Counter
	ActiveConnections  metric.Int64UpDownCounter
	ConnectFailures    metric.Int64Counter
	Reconnects         metric.Int64Counter
	PartitionRefreshes metric.Int64Counter
	RefreshDuration    metric.Float64Histogram
	AffinityRoutes     metric.Int64Counter
	PooledNodes        metric.Int64Gauge
}

var (
	gridMetrics     *GridMetrics
	gridMetricsLock sync.Mutex
)

func GetGridMetrics() *GridMetrics {
	gridMetricsLock.Lock()

	if gridMetrics != nil {
		gridMetricsLock.Unlock()
		return gridMetrics
	}

	gridMetrics = newGridMetrics()

	gridMetricsLock.Unlock()
	return gridMetrics
}

var buildVersion string = buildversion.GetVersion("github.com/couchbase/gridlink")

func newGridMetrics() *GridMetrics {
	meter := otel.Meter(
		"com.couchbase.gridlink",
		metric.WithInstrumentationVersion(buildVersion))

	newConnections, _ := meter.Int64Counter("gridlink_connections_total")
	activeConnections, _ := meter.Int64UpDownCounter("gridlink_connections")
	connectFailures, _ := meter.Int64Counter("gridlink_connect_failures_total")
	reconnects, _ := meter.Int64Counter("gridlink_reconnects_total")
	partitionRefreshes, _ := meter.Int64Counter("gridlink_partition_refreshes_total")
	refreshDuration, _ := meter.Float64Histogram("gridlink_partition_refresh_duration",
		metric.WithUnit("ms"))
	affinityRoutes, _ := meter.Int64Counter("gridlink_affinity_routes_total")
	pooledNodes, _ := meter.Int64Gauge("gridlink_pooled_nodes")

	return &GridMetrics{
		NewConnections:     newConnections,
		ActiveConnections:  activeConnections,
		ConnectFailures:    connectFailures,
		Reconnects:         reconnects,
		PartitionRefreshes: partitionRefreshes,
		RefreshDuration:    refreshDuration,
		AffinityRoutes:     affinityRoutes,
		PooledNodes:        pooledNodes,
	}
}

// RouteResult labels the outcome of one affinity routing decision.
func RouteResult(result string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("result", result))
}
