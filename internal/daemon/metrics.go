package daemon

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the daemon's process-wide counters/gauges, grounded on the
// pack's promauto-registered-global-vars convention (e.g.
// `internal/controller/metrics/persistence.go`'s persistenceErrors).
var (
	jobsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oddjobs_jobs_started_total",
			Help: "Total JobRuns started, by job name.",
		},
		[]string{"job"},
	)
	jobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oddjobs_jobs_completed_total",
			Help: "Total JobRuns reaching a terminal status, by job name and status.",
		},
		[]string{"job", "status"},
	)
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oddjobs_queue_depth",
			Help: "Number of items, in flight or not, in a persisted queue as of its latest push.",
		},
		[]string{"queue"},
	)
	archivedJobsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oddjobs_archived_jobs_total",
			Help: "Total JobRuns moved from the in-memory StateStore into the long-term archive.",
		},
	)
)

// metricsServer serves /metrics on its own listener, separate from the
// RPC server's websocket/health mux, so Prometheus scraping never shares
// a port-range negotiation with RPC clients.
type metricsServer struct {
	httpServer *http.Server
	addr       string
}

func startMetricsServer(addr string) (*metricsServer, error) {
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	return &metricsServer{httpServer: srv, addr: ln.Addr().String()}, nil
}

func (m *metricsServer) Shutdown(ctx context.Context) error {
	if m == nil || m.httpServer == nil {
		return nil
	}
	return m.httpServer.Shutdown(ctx)
}
