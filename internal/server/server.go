// Package server exposes the monitor's operational state over HTTP: the
// JSON status API consumed by bgpmondctl ("show neighbors", "show
// queues", "show chains", "show clients") and the Prometheus metrics
// endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/chain"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/fanout"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/peer"
	"github.com/NLNOG/ring-bgpmon-core-sub000/internal/queue"
)

// shutdownTimeout bounds the connection drain on graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Sources supplies the status snapshots. Nil members render as empty
// lists.
type Sources struct {
	Neighbors func() []peer.Status
	Queues    func() []queue.Stats
	Chains    func() []chain.Status
	Clients   func() []fanout.ClientStatus
}

// QueueStatus is the JSON rendering of one queue snapshot.
type QueueStatus struct {
	Name        string `json:"name"`
	Capacity    int64  `json:"capacity"`
	Occupancy   int64  `json:"occupancy"`
	Bytes       int64  `json:"bytes"`
	PeakItems   int64  `json:"peak_items"`
	Readers     int    `json:"readers"`
	Writers     int    `json:"writers"`
	PacingOn    bool   `json:"pacing_on"`
	PacingCount int64  `json:"pacing_count"`
	WritesLimit int    `json:"writes_limit"`
	Written     int64  `json:"written"`
}

// NewStatus builds the status API server. The handler is wrapped in
// h2c so HTTP/2 cleartext clients work alongside HTTP/1.
func NewStatus(addr string, src Sources, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/neighbors", func(w http.ResponseWriter, r *http.Request) {
		out := []peer.Status{}
		if src.Neighbors != nil {
			out = src.Neighbors()
		}
		writeJSON(w, out, logger)
	})
	mux.HandleFunc("GET /v1/queues", func(w http.ResponseWriter, r *http.Request) {
		out := []QueueStatus{}
		if src.Queues != nil {
			for _, st := range src.Queues() {
				out = append(out, QueueStatus{
					Name:        st.Name,
					Capacity:    st.Capacity,
					Occupancy:   st.Occupancy,
					Bytes:       st.Bytes,
					PeakItems:   st.PeakItems,
					Readers:     st.Readers,
					Writers:     st.Writers,
					PacingOn:    st.PacingOn,
					PacingCount: st.PacingCount,
					WritesLimit: st.WritesLimit,
					Written:     st.Written,
				})
			}
		}
		writeJSON(w, out, logger)
	})
	mux.HandleFunc("GET /v1/chains", func(w http.ResponseWriter, r *http.Request) {
		out := []chain.Status{}
		if src.Chains != nil {
			out = src.Chains()
		}
		writeJSON(w, out, logger)
	})
	mux.HandleFunc("GET /v1/clients", func(w http.ResponseWriter, r *http.Request) {
		out := []fanout.ClientStatus{}
		if src.Clients != nil {
			out = src.Clients()
		}
		writeJSON(w, out, logger)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(logRequests(mux, logger), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewMetrics builds the Prometheus metrics server.
func NewMetrics(addr, path string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ListenAndServe runs srv until ctx is done, then drains connections.
func ListenAndServe(ctx context.Context, srv *http.Server) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown %s: %w", srv.Addr, err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode status response",
			slog.String("error", err.Error()),
		)
	}
}

// logRequests logs each status API request at debug level.
func logRequests(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("status request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}
