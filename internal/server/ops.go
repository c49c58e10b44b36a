package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"procodus.dev/trackgate/internal/queue"
	"procodus.dev/trackgate/pkg/metrics"
)

// opsServer is the operational HTTP surface: liveness, a JSON status
// snapshot, and prometheus metrics. It is read-only and meant for the
// monitoring layer, not for devices.
type opsServer struct {
	gateway *Server
	port    int
}

func newOpsServer(gateway *Server, port int) *opsServer {
	return &opsServer{gateway: gateway, port: port}
}

// statusReport is the /status response body.
type statusReport struct {
	ActiveConnections int           `json:"active_connections"`
	MessagesReceived  uint64        `json:"messages_received"`
	ValidLocations    uint64        `json:"valid_locations"`
	BlacklistedIPs    []string      `json:"blacklisted_ips"`
	Queues            []queueStatus `json:"queues"`
	Connections       []Diagnostics `json:"connections"`
}

type queueStatus struct {
	Queue      string `json:"queue"`
	Pending    int64  `json:"pending"`
	DeadLetter int64  `json:"dead_letter"`
}

func (o *opsServer) run(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", o.handleHealthz)
	mux.HandleFunc("/status", o.handleStatus)
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", o.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	o.gateway.logger.Info("ops endpoint listening", "address", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		o.gateway.logger.Error("ops endpoint failed", "error", err)
	}
}

// handleHealthz reports liveness. A reachable process with an unreachable
// queue backend is degraded, not dead: 503 tells the balancer to stop
// sending health-gated traffic while sessions keep draining.
func (o *opsServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if _, err := o.gateway.pipe.queue.Size(ctx, queue.ChannelLive); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "degraded",
			"reason": "queue backend unavailable",
		})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (o *opsServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report := statusReport{
		ActiveConnections: o.gateway.manager.Active(),
		MessagesReceived:  o.gateway.pipe.messagesReceived.Load(),
		ValidLocations:    o.gateway.pipe.validLocations.Load(),
		BlacklistedIPs:    o.gateway.manager.Blacklisted(),
		Connections:       o.gateway.diagnostics(),
	}
	if stats, err := o.gateway.pipe.queue.Stats(ctx); err == nil {
		for _, st := range stats {
			report.Queues = append(report.Queues, queueStatus{
				Queue:      st.Queue,
				Pending:    st.Pending,
				DeadLetter: st.DeadLetter,
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		o.gateway.logger.Error("failed to encode status", "error", err)
	}
}
