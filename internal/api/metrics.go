// Package api: metrics.go implements a lightweight Prometheus-compatible /metrics
// endpoint that exposes instance-level counters and gauges without requiring an
// external dependency on the Prometheus Go client library.
package api

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// Metrics tracks lightweight counters for the /metrics endpoint.
type Metrics struct {
	HTTPRequestsTotal   atomic.Int64
	HTTPRequestDuration atomic.Int64 // total microseconds
	DeliveryAttempts    atomic.Int64
	DeliveryFailures    atomic.Int64
	InboundAccepted     atomic.Int64
	StartTime           time.Time
}

// GlobalMetrics is the singleton instance.
var GlobalMetrics = &Metrics{
	StartTime: time.Now(),
}

// handleMetrics exposes Prometheus-compatible metrics in text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := GlobalMetrics
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var pendingDeliveries, deadDeliveries, inboxItems, outboxItems, followers, following, objects int64
	s.DB.Pool.QueryRow(r.Context(), `SELECT COUNT(*) FROM delivery_jobs WHERE status = 'pending'`).Scan(&pendingDeliveries)
	s.DB.Pool.QueryRow(r.Context(), `SELECT COUNT(*) FROM delivery_jobs WHERE status = 'dead'`).Scan(&deadDeliveries)
	s.DB.Pool.QueryRow(r.Context(), `SELECT COUNT(*) FROM inbox_items`).Scan(&inboxItems)
	s.DB.Pool.QueryRow(r.Context(), `SELECT COUNT(*) FROM outbox_items`).Scan(&outboxItems)
	s.DB.Pool.QueryRow(r.Context(), `SELECT COUNT(*) FROM followers`).Scan(&followers)
	s.DB.Pool.QueryRow(r.Context(), `SELECT COUNT(*) FROM following WHERE state = 'accepted'`).Scan(&following)
	s.DB.Pool.QueryRow(r.Context(), `SELECT COUNT(*) FROM objects WHERE deleted = false`).Scan(&objects)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP fedi3_http_requests_total Total HTTP requests served.\n")
	fmt.Fprintf(w, "# TYPE fedi3_http_requests_total counter\n")
	fmt.Fprintf(w, "fedi3_http_requests_total %d\n\n", m.HTTPRequestsTotal.Load())

	fmt.Fprintf(w, "# HELP fedi3_http_request_duration_seconds Total time spent processing HTTP requests.\n")
	fmt.Fprintf(w, "# TYPE fedi3_http_request_duration_seconds counter\n")
	fmt.Fprintf(w, "fedi3_http_request_duration_seconds %f\n\n", float64(m.HTTPRequestDuration.Load())/1e6)

	fmt.Fprintf(w, "# HELP fedi3_delivery_attempts_total Total outbound delivery attempts made.\n")
	fmt.Fprintf(w, "# TYPE fedi3_delivery_attempts_total counter\n")
	fmt.Fprintf(w, "fedi3_delivery_attempts_total %d\n\n", m.DeliveryAttempts.Load())

	fmt.Fprintf(w, "# HELP fedi3_delivery_failures_total Total outbound delivery attempts that failed.\n")
	fmt.Fprintf(w, "# TYPE fedi3_delivery_failures_total counter\n")
	fmt.Fprintf(w, "fedi3_delivery_failures_total %d\n\n", m.DeliveryFailures.Load())

	fmt.Fprintf(w, "# HELP fedi3_inbound_accepted_total Total inbound activities accepted past verification and dedup.\n")
	fmt.Fprintf(w, "# TYPE fedi3_inbound_accepted_total counter\n")
	fmt.Fprintf(w, "fedi3_inbound_accepted_total %d\n\n", m.InboundAccepted.Load())

	fmt.Fprintf(w, "# HELP fedi3_delivery_jobs_pending Delivery jobs awaiting their next attempt.\n")
	fmt.Fprintf(w, "# TYPE fedi3_delivery_jobs_pending gauge\n")
	fmt.Fprintf(w, "fedi3_delivery_jobs_pending %d\n\n", pendingDeliveries)

	fmt.Fprintf(w, "# HELP fedi3_delivery_jobs_dead Delivery jobs that exhausted their retry budget.\n")
	fmt.Fprintf(w, "# TYPE fedi3_delivery_jobs_dead gauge\n")
	fmt.Fprintf(w, "fedi3_delivery_jobs_dead %d\n\n", deadDeliveries)

	fmt.Fprintf(w, "# HELP fedi3_inbox_items_total Inbound activities retained in the inbox log.\n")
	fmt.Fprintf(w, "# TYPE fedi3_inbox_items_total gauge\n")
	fmt.Fprintf(w, "fedi3_inbox_items_total %d\n\n", inboxItems)

	fmt.Fprintf(w, "# HELP fedi3_outbox_items_total Locally authored activities retained in the outbox log.\n")
	fmt.Fprintf(w, "# TYPE fedi3_outbox_items_total gauge\n")
	fmt.Fprintf(w, "fedi3_outbox_items_total %d\n\n", outboxItems)

	fmt.Fprintf(w, "# HELP fedi3_followers_total Remote actors following this node's local actor.\n")
	fmt.Fprintf(w, "# TYPE fedi3_followers_total gauge\n")
	fmt.Fprintf(w, "fedi3_followers_total %d\n\n", followers)

	fmt.Fprintf(w, "# HELP fedi3_following_total Remote actors this node follows with an accepted relation.\n")
	fmt.Fprintf(w, "# TYPE fedi3_following_total gauge\n")
	fmt.Fprintf(w, "fedi3_following_total %d\n\n", following)

	fmt.Fprintf(w, "# HELP fedi3_objects_total Non-deleted ActivityStreams objects cached locally.\n")
	fmt.Fprintf(w, "# TYPE fedi3_objects_total gauge\n")
	fmt.Fprintf(w, "fedi3_objects_total %d\n\n", objects)

	fmt.Fprintf(w, "# HELP fedi3_goroutines Current number of goroutines.\n")
	fmt.Fprintf(w, "# TYPE fedi3_goroutines gauge\n")
	fmt.Fprintf(w, "fedi3_goroutines %d\n\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP fedi3_memory_alloc_bytes Current memory allocation in bytes.\n")
	fmt.Fprintf(w, "# TYPE fedi3_memory_alloc_bytes gauge\n")
	fmt.Fprintf(w, "fedi3_memory_alloc_bytes %d\n\n", mem.Alloc)

	fmt.Fprintf(w, "# HELP fedi3_memory_sys_bytes Total memory obtained from the OS.\n")
	fmt.Fprintf(w, "# TYPE fedi3_memory_sys_bytes gauge\n")
	fmt.Fprintf(w, "fedi3_memory_sys_bytes %d\n\n", mem.Sys)

	uptime := time.Since(m.StartTime).Seconds()
	fmt.Fprintf(w, "# HELP fedi3_uptime_seconds Time since server start.\n")
	fmt.Fprintf(w, "# TYPE fedi3_uptime_seconds gauge\n")
	fmt.Fprintf(w, "fedi3_uptime_seconds %f\n", uptime)
}
