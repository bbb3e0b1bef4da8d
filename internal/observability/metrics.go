package observability

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminServer exposes a node's liveness probe and Prometheus metrics over
// HTTP, routed with gorilla/mux the way the front-end service routes its
// own endpoints.
type AdminServer struct {
	router   *mux.Router
	listener net.Listener

	TaskGroupsExecuting prometheus.Gauge
	PartitionsCommitted prometheus.Counter
	BlockTransferBytes  prometheus.Counter
}

// NewAdminServer builds an AdminServer with this runtime's counters
// registered against the default Prometheus registry.
func NewAdminServer(component string) *AdminServer {
	s := &AdminServer{
		router: mux.NewRouter(),
		TaskGroupsExecuting: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "distflow_task_groups_executing",
			Help: "Task groups currently in the EXECUTING state on this node.",
			ConstLabels: prometheus.Labels{"component": component},
		}),
		PartitionsCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "distflow_partitions_committed_total",
			Help: "Partitions this node has reported COMMITTED.",
			ConstLabels: prometheus.Labels{"component": component},
		}),
		BlockTransferBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "distflow_block_transfer_bytes_total",
			Help: "Bytes moved through the block transfer framing (C7) by this node.",
			ConstLabels: prometheus.Labels{"component": component},
		}),
	}

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/healthz", s.healthz).Methods("GET")
	return s
}

func (s *AdminServer) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Serve starts accepting admin connections on addr. It blocks until ctx is
// cancelled or the listener fails.
func (s *AdminServer) Serve(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = l

	srv := &http.Server{Handler: s.router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
