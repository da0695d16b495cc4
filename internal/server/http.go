package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EdWata/nao-car/internal/config"
	"github.com/EdWata/nao-car/internal/metrics"
	"github.com/EdWata/nao-car/internal/stream"
)

// StreamStatus is the part of the stream negotiator reported by the API
type StreamStatus interface {
	Port() int
	Camera() stream.Camera
	SubscriberCount() int
}

// RobotStatus reports the state of the robot collaborators
type RobotStatus interface {
	DriveReady() bool
	AutoDriveState() string
}

// HTTPServer provides HTTP API endpoints for monitoring and management
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	control  *Server
	stream   StreamStatus
	robot    RobotStatus
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server. A nil gatherer exposes the
// default Prometheus registry.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, control *Server, st StreamStatus, robot RobotStatus,
	m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		control:   control,
		stream:    st,
		robot:     robot,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the API handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Control connections
	mux.HandleFunc("/connections", h.withMetrics("/connections", h.handleConnections))
	mux.HandleFunc("/connections/", h.withMetrics("/connections/{id}", h.handleConnectionDetail))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		if h.metrics == nil {
			return
		}

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)
		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen for HTTP API: %w", err)
	}

	h.logger.Info("Starting HTTP API server",
		slog.String("address", ln.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.control.Statistics()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "nao-car",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"control_server": map[string]interface{}{
				"status":             "running",
				"port":               h.control.Port(),
				"active_connections": stats.ActiveConnections,
				"queue_size":         stats.QueueSize,
			},
			"stream": map[string]interface{}{
				"status":      "running",
				"port":        h.stream.Port(),
				"camera":      h.stream.Camera().String(),
				"subscribers": h.stream.SubscriberCount(),
			},
			"robot": map[string]interface{}{
				"drive_ready": h.robot.DriveReady(),
				"auto_drive":  h.robot.AutoDriveState(),
			},
		},
	}

	writeJSON(w, health)
}

func (h *HTTPServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conns, err := h.control.Connections(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, map[string]interface{}{
		"total_connections": len(conns),
		"timestamp":         time.Now().UTC(),
		"connections":       conns,
	})
}

// handleConnectionDetail serves GET and DELETE on /connections/{id}
func (h *HTTPServer) handleConnectionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := ConnID(strings.TrimPrefix(r.URL.Path, "/connections/"))
	if id == "" {
		http.Error(w, "Connection ID required", http.StatusBadRequest)
		return
	}

	conns, err := h.control.Connections(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	for _, c := range conns {
		if c.ID != id {
			continue
		}
		if r.Method == http.MethodDelete {
			if !h.control.Disconnect(id) {
				http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
				return
			}
			h.logger.Info("Connection closed through API", slog.String("conn_id", string(id)))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, c)
		return
	}

	http.Error(w, "Connection not found", http.StatusNotFound)
}

func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := map[string]interface{}{
		"server": map[string]interface{}{
			"port":            h.config.Server.Port,
			"bind_address":    h.config.Server.BindAddress,
			"max_line_length": h.config.Server.MaxLineLength,
			"event_queue":     h.config.Server.EventQueue,
		},
		"stream": map[string]interface{}{
			"port":             h.config.Stream.Port,
			"bind_address":     h.config.Stream.BindAddress,
			"subscriber_queue": h.config.Stream.SubscriberQueue,
		},
		"discovery": map[string]interface{}{
			"enabled":      h.config.Discovery.Enabled,
			"service_name": h.config.Discovery.ServiceName,
			"protocol_tag": h.config.Discovery.ProtocolTag,
			"domain":       h.config.Discovery.Domain,
		},
		"actuator": map[string]interface{}{
			"subject_prefix":  h.config.Actuator.SubjectPrefix,
			"request_timeout": h.config.Actuator.RequestTimeout,
			"language":        h.config.Actuator.Language,
			// NATS URL omitted, it may carry credentials
		},
		"sensors": map[string]interface{}{
			"double_click_window": h.config.Sensors.DoubleClickWindow,
			"calibrate":           h.config.Sensors.Calibrate,
			"calibrate_held":      h.config.Sensors.CalibrateHeld,
			"calibrate_released":  h.config.Sensors.CalibrateReleased,
			"toggle_auto_drive":   h.config.Sensors.ToggleAutoDrive,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, cfg)
}

func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"control":   h.control.Statistics(),
		"stream": map[string]interface{}{
			"port":        h.stream.Port(),
			"camera":      h.stream.Camera().String(),
			"subscribers": h.stream.SubscriberCount(),
		},
		"auto_drive": h.robot.AutoDriveState(),
	}

	writeJSON(w, stats)
}

// handleRoot lists the API endpoints
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "NaoCar Control Server",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                    "API documentation",
			"GET /health":              "Service health check",
			"GET /connections":         "List control connections",
			"GET /connections/{id}":    "Get control connection details",
			"DELETE /connections/{id}": "Close a control connection",
			"GET /config":              "Get service configuration",
			"GET /stats":               "Get service statistics",
			"GET /metrics":             "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, apiDoc)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
