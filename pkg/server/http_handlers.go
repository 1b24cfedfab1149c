package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// startMetricsServer serves /metrics and /health on the metrics port
func (s *Server) startMetricsServer() error {
	if s.config.MetricsPort == 0 {
		return nil
	}

	addr := fmt.Sprintf(":%d", s.config.MetricsPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.metricsServer = &http.Server{Handler: s.metricsRouter(), ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("Metrics server: %v", err)
		}
	}()

	log.Printf("Metrics available at http://%s/metrics", listener.Addr())
	return nil
}

func (s *Server) metricsRouter() http.Handler {
	router := httprouter.New()
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	router.GET("/health", s.HealthHandler)
	return router
}

// Health is the body of the /health endpoint
type Health struct {
	Status         string `json:"status"`
	ServerName     string `json:"server_name"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	ActiveClients  int    `json:"active_clients"`
	PendingClients int    `json:"pending_clients"`
	Channels       int    `json:"channels"`
}

// HealthHandler reports liveness and a few counters as JSON
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	health := Health{
		Status:         "healthy",
		ServerName:     s.config.Name,
		UptimeSeconds:  int64(time.Since(s.startTime).Seconds()),
		ActiveClients:  s.clients.Count(),
		PendingClients: len(s.clients.PendingClients()),
		Channels:       len(s.channels.Channels()),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		errorLog.Printf("Error encoding health JSON: %v", err)
	}
}
