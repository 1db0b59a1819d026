package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/replicatedkv/node/internal/diskguard"
	"github.com/devrev/replicatedkv/node/internal/facade"
)

// Config holds the transport's own settings, separate from the Facade it
// wraps.
type Config struct {
	Addr string
}

// Server is the node's HTTP transport: the Facade bound to routes, plus
// the liveness/readiness/metrics endpoints a cluster's orchestrator polls.
// Grounded on the reference storage node's internal/server/metrics_server.go
// for the liveness/readiness/metrics wiring, rebuilt on top of Go's
// enhanced net/http.ServeMux method+path routing instead of a second
// standalone listener.
type Server struct {
	httpServer *http.Server
	guard      *diskguard.Guard
	logger     *zap.Logger
}

// NewServer builds the node's HTTP router: the client/peer request surface
// plus /healthz, /readyz, and /metrics.
func NewServer(cfg Config, f *facade.Facade, guard *diskguard.Guard, logger *zap.Logger) *Server {
	h := &handlers{facade: f, logger: logger}
	mux := http.NewServeMux()

	mux.HandleFunc("PUT /keys/{key}", h.handlePut)
	mux.HandleFunc("GET /keys/{key}", h.handleGet)
	mux.HandleFunc("DELETE /keys/{key}", h.handleDelete)
	mux.HandleFunc("GET /keys/{key}/history", h.handleHistory)
	mux.HandleFunc("GET /keys/{key}/versions", h.handleVersions)

	mux.HandleFunc("GET /segments", h.handleSegments)
	mux.HandleFunc("GET /dedup/stats", h.handleDedupStats)
	mux.HandleFunc("GET /cluster/status", h.handleClusterStatus)

	mux.HandleFunc("POST /compaction/run", h.handleCompactionRun)
	mux.HandleFunc("GET /compaction/status", h.handleCompactionStatus)
	mux.HandleFunc("POST /compaction/config", h.handleCompactionConfigure)

	mux.HandleFunc("POST /internal/replicate", h.handleReplicate)
	mux.HandleFunc("GET /internal/replicate/range", h.handleReplicateRange)
	mux.HandleFunc("POST /internal/heartbeat", h.handleHeartbeat)

	s := &Server{guard: guard, logger: logger}
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /readyz", s.handleReadiness)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}
	return s
}

// Start begins serving in a background goroutine, returning immediately.
func (s *Server) Start() {
	s.logger.Info("http transport starting", zap.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http transport stopped unexpectedly", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleLiveness answers whether the process is up at all. It never
// depends on disk state — a disk-full node is still alive, just not ready.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness answers whether the node can currently accept traffic,
// per the disk-space circuit breaker (internal/diskguard): a node with its write circuit
// broken reports not-ready so a load balancer stops routing to it.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	stats := s.guard.Stats()
	if stats.CircuitBroken {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":            "not_ready",
			"reason":            "disk_full",
			"disk_usage_percent": fmt.Sprintf("%.2f", stats.UsagePercent*100),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ready",
		"disk_usage_percent":  stats.UsagePercent * 100,
		"disk_write_throttled": stats.Throttled,
	})
}
