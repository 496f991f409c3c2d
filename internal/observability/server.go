package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// DiagnosticsServer exposes /metrics and /healthz on a local address. It is
// the runner's only listening surface; everything else is outbound.
type DiagnosticsServer struct {
	server   *http.Server
	listener net.Listener
	logger   *Logger
}

// NewDiagnosticsServer binds addr immediately so misconfigured ports fail
// at startup, not first scrape.
func NewDiagnosticsServer(addr string, metrics *Metrics, logger *Logger) (*DiagnosticsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &DiagnosticsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: listener,
		logger:   logger,
	}, nil
}

// Addr returns the bound address, useful when addr requested port 0.
func (d *DiagnosticsServer) Addr() string {
	return d.listener.Addr().String()
}

// Start serves in the background until Stop.
func (d *DiagnosticsServer) Start() {
	go func() {
		if err := d.server.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if d.logger != nil {
				d.logger.Error(context.Background(), "diagnostics server error", "error", err)
			}
		}
	}()
	if d.logger != nil {
		d.logger.Info(context.Background(), "diagnostics server listening", "addr", d.Addr())
	}
}

// Stop shuts the server down, honoring ctx for the drain deadline.
func (d *DiagnosticsServer) Stop(ctx context.Context) error {
	return d.server.Shutdown(ctx)
}
