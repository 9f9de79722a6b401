// Package api implements the operator HTTP surface of the end-device
// demo: health, status snapshot, SSE telemetry, and control actions
// (class switch, tagged uplink, simulated downlink injection). Control
// actions never touch controller state directly; they are enqueued on the
// event queue and serialize with stack events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lorawan-node/lwn/internal/device"
	"github.com/lorawan-node/lwn/internal/stack"
	"github.com/lorawan-node/lwn/internal/telemetry"
)

const apiV1 = "/api/v1"

// ControllerPort is the controller surface the API depends on.
type ControllerPort interface {
	Status() device.Status
	RequestClassSwitch(target stack.Class) bool
	RequestUplink(text string) bool
}

// TelemetryPort is the telemetry surface the API depends on.
type TelemetryPort interface {
	Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error
}

// DownlinkPort injects simulated network-server downlinks. Optional; only
// the simulated stack provides it.
type DownlinkPort interface {
	QueueDownlink(port uint8, payload []byte)
}

// Compile-time assertions against the concrete implementations.
var _ ControllerPort = (*device.Controller)(nil)
var _ TelemetryPort = (*telemetry.Hub)(nil)

// Server is the operator HTTP server.
type Server struct {
	httpServer *http.Server
	controller ControllerPort
	telemetry  TelemetryPort
	downlink   DownlinkPort
	auth       *AuthMiddleware
	startTime  time.Time
}

// NewServer creates the API server. downlink may be nil when the device
// runs against a real stack.
func NewServer(controller ControllerPort, telemetryHub TelemetryPort, downlink DownlinkPort, auth *AuthMiddleware) *Server {
	if auth == nil {
		auth = NewAuthMiddleware("")
	}
	return &Server{
		controller: controller,
		telemetry:  telemetryHub,
		downlink:   downlink,
		auth:       auth,
		startTime:  time.Now(),
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // telemetry streams indefinitely
		IdleTimeout:  120 * time.Second,
	}

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// registerRoutes wires all endpoints. Health is never authenticated.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc(apiV1+"/health", s.handleHealth)
	mux.HandleFunc(apiV1+"/status", s.auth.Require(RoleViewer, s.handleStatus))
	mux.HandleFunc(apiV1+"/telemetry", s.auth.Require(RoleViewer, s.handleTelemetry))
	mux.HandleFunc(apiV1+"/class", s.auth.Require(RoleController, s.handleClass))
	mux.HandleFunc(apiV1+"/uplink", s.auth.Require(RoleController, s.handleUplink))
	mux.HandleFunc(apiV1+"/downlink", s.auth.Require(RoleController, s.handleDownlink))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use GET")
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use GET")
		return
	}
	WriteSuccess(w, s.controller.Status())
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use GET")
		return
	}
	if err := s.telemetry.Subscribe(r.Context(), w, r); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	}
}

func (s *Server) handleClass(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
		return
	}

	var req struct {
		Class string `json:"class"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}

	var target stack.Class
	switch req.Class {
	case "A":
		target = stack.ClassA
	case "C":
		target = stack.ClassC
	default:
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", `class must be "A" or "C"`)
		return
	}

	if !s.controller.RequestClassSwitch(target) {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "event queue not accepting work")
		return
	}
	WriteSuccess(w, map[string]interface{}{"requested": req.Class})
}

func (s *Server) handleUplink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
		return
	}

	var req struct {
		Payload string `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if req.Payload == "" || len(req.Payload) > 30 {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "payload must be 1-30 bytes")
		return
	}

	if !s.controller.RequestUplink(req.Payload) {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "event queue not accepting work")
		return
	}
	WriteSuccess(w, map[string]interface{}{"requested": req.Payload})
}

func (s *Server) handleDownlink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
		return
	}
	if s.downlink == nil {
		WriteError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "downlink injection requires the simulated stack")
		return
	}

	var req struct {
		Port    uint8  `json:"port"`
		Payload string `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if req.Payload == "" || len(req.Payload) > 30 {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "payload must be 1-30 bytes")
		return
	}
	if req.Port == 0 {
		req.Port = 15
	}

	s.downlink.QueueDownlink(req.Port, []byte(req.Payload))
	WriteSuccess(w, map[string]interface{}{"queued": req.Payload, "port": req.Port})
}
