// Package metrics provides Prometheus metrics collection for ibmcast.
//
// The package exposes metrics at /metrics on the admin port:
//
// Request Metrics:
//   - ibmcast_requests_total: Join/leave requests by port, kind and outcome
//   - ibmcast_requests_live: Request handles that have not been destroyed yet
//   - ibmcast_request_duration_seconds: Time from admission to caller callback
//
// Port Metrics:
//   - ibmcast_ports_registered: Number of registered port coordinators
//   - ibmcast_queue_depth: Pending request queue depth per port
//   - ibmcast_groups: Group nodes per port and membership state
//
// Directory Metrics:
//   - ibmcast_directory_operations_total: Join/leave submissions by result
//
// HTTP Metrics:
//   - ibmcast_http_requests_total: Admin API requests by route and status
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes.
const (
	OutcomeJoined    = "joined"
	OutcomeCoalesced = "coalesced"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeLeft      = "left"
	OutcomeSoftLeft  = "soft_left"
	OutcomeForced    = "forced"
	OutcomeRejected  = "rejected"
)

var (
	// RequestsTotal counts join and leave requests by how they finished
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ibmcast_requests_total",
			Help: "Total number of multicast join/leave requests",
		},
		[]string{"port", "kind", "outcome"},
	)

	// RequestsLive tracks request handles that are still referenced
	RequestsLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ibmcast_requests_live",
			Help: "Number of request handles that have not been destroyed",
		},
	)

	// RequestDuration tracks the time between admission and the caller callback
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ibmcast_request_duration_seconds",
			Help:    "Time from request admission to caller notification",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
		[]string{"port", "kind"},
	)

	// PortsRegistered tracks the number of registered port coordinators
	PortsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ibmcast_ports_registered",
			Help: "Number of registered port coordinators",
		},
	)

	// QueueDepth tracks the pending request queue per port
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ibmcast_queue_depth",
			Help: "Number of queued requests per port",
		},
		[]string{"port"},
	)

	// Groups tracks group nodes per port
	Groups = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ibmcast_groups",
			Help: "Number of multicast group nodes per port",
		},
		[]string{"port"},
	)

	// DirectoryOperationsTotal counts submissions to the directory service
	DirectoryOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ibmcast_directory_operations_total",
			Help: "Total number of directory service operations",
		},
		[]string{"operation", "result"},
	)

	// HTTPRequestsTotal counts admin API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ibmcast_http_requests_total",
			Help: "Total number of admin API requests",
		},
		[]string{"method", "route", "status"},
	)

	// RateLimitRequestsTotal counts admin requests checked by the join rate limiter
	RateLimitRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ibmcast_rate_limit_requests_total",
			Help: "Total number of rate limited admin API requests by result",
		},
		[]string{"route", "result"},
	)

	// RateLimitClients tracks clients with a live token bucket
	RateLimitClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ibmcast_rate_limit_clients",
			Help: "Number of clients tracked by the rate limiter",
		},
	)

	// NodeInfo provides node information
	NodeInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ibmcast_node_info",
			Help: "Node information",
		},
		[]string{"node_name", "version"},
	)
)

// Version is set at build time
var Version = "dev"

// Init initializes the metrics system
func Init(nodeName string) {
	NodeInfo.WithLabelValues(nodeName, Version).Set(1)
}

// RecordRequest records a finished join or leave request
func RecordRequest(port, kind, outcome string) {
	RequestsTotal.WithLabelValues(port, kind, outcome).Inc()
}

// ObserveRequestDuration records the admission-to-callback latency of a request
func ObserveRequestDuration(port, kind string, d time.Duration) {
	RequestDuration.WithLabelValues(port, kind).Observe(d.Seconds())
}

// RequestCreated increments the live request gauge
func RequestCreated() {
	RequestsLive.Inc()
}

// RequestDestroyed decrements the live request gauge
func RequestDestroyed() {
	RequestsLive.Dec()
}

// SetPortsRegistered sets the number of registered ports
func SetPortsRegistered(count int) {
	PortsRegistered.Set(float64(count))
}

// SetQueueDepth sets the queue depth for a port
func SetQueueDepth(port string, depth int) {
	QueueDepth.WithLabelValues(port).Set(float64(depth))
}

// SetGroups sets the number of group nodes for a port
func SetGroups(port string, count int) {
	Groups.WithLabelValues(port).Set(float64(count))
}

// ClearPort removes the per-port series once a port is unregistered
func ClearPort(port string) {
	QueueDepth.DeleteLabelValues(port)
	Groups.DeleteLabelValues(port)
}

// RecordDirectoryOperation records a directory submission and its result
func RecordDirectoryOperation(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}

	DirectoryOperationsTotal.WithLabelValues(operation, result).Inc()
}

// RecordHTTPRequest records an admin API request
func RecordHTTPRequest(method, route string, status int) {
	HTTPRequestsTotal.WithLabelValues(method, route, statusCodeToString(status)).Inc()
}

// RecordRateLimit records whether the rate limiter let a request through
func RecordRateLimit(route string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "limited"
	}

	RateLimitRequestsTotal.WithLabelValues(route, result).Inc()
}

// statusCodeToString converts HTTP status code to a string category
func statusCodeToString(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
