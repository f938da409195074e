package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Peterbackson-desing/dashboard/pkg/auth"
	"github.com/Peterbackson-desing/dashboard/pkg/bus"
	"github.com/Peterbackson-desing/dashboard/pkg/model"
	"github.com/Peterbackson-desing/dashboard/pkg/ota"
	"github.com/Peterbackson-desing/dashboard/pkg/relay"
	"github.com/Peterbackson-desing/dashboard/pkg/store"
)

// registerRoutes wires all API routes into the server mux.
func (s *Server) registerRoutes() {
	// Probes and metrics
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)

	// Auth
	s.mux.HandleFunc("POST /auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /auth/verify", s.requireSession(s.handleVerify, false))

	// Firmware
	s.mux.HandleFunc("POST /ota/upload", s.requireSession(s.requireRole(model.RoleAdmin, s.handleUpload), false))
	s.mux.HandleFunc("GET /ota/list", s.requireSession(s.handleListFirmware, false))
	s.mux.HandleFunc("GET /ota/firmware/{filename}", s.handleFetchFirmware)
	s.mux.HandleFunc("POST /ota/trigger", s.requireSession(s.requireRole(model.RoleAdmin, s.handleTrigger), false))
	s.mux.HandleFunc("GET /ota/logs", s.requireSession(s.handleOtaLogs, false))

	// Relay
	s.mux.HandleFunc("GET /relay/state", s.requireSession(s.handleRelayState, false))
	s.mux.HandleFunc("POST /relay/command", s.requireSession(s.handleRelayCommand, false))
	s.mux.HandleFunc("GET /relay/stream", s.requireSession(s.handleStream, true))
}

// handleHealth is a liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// handleReadyz reports the relay connection alongside readiness. The API
// stays ready while the broker is down so devices can still fetch firmware.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	status, conn := "ready", "disabled"
	if s.deps.Relay != nil {
		conn = s.deps.Relay.Connection()
		if conn != model.ConnConnected {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "relay": conn})
}

// handleMetrics exposes internal counters, as Prometheus text unless
// ?format=json is given.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, s.metrics.GetMetrics())
		return
	}
	s.metrics.PrometheusHandler()(w, r)
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.metrics.IncError()
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// statusClientClosedRequest is the nginx convention for a caller that went
// away before the response; it only reaches logs and metrics.
const statusClientClosedRequest = 499

// errorStatus maps domain errors to an HTTP status, a client message and,
// for bus failures, a reason code.
func errorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials", ""
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "access denied", ""
	case errors.Is(err, ota.ErrMissingParameter):
		return http.StatusBadRequest, "deviceId and firmwareFilename are required", ""
	case errors.Is(err, ota.ErrInvalidParameter),
		errors.Is(err, relay.ErrInvalidCommand):
		return http.StatusBadRequest, err.Error(), ""
	case errors.Is(err, store.ErrInvalidExtension):
		return http.StatusBadRequest, "only .bin files are allowed", ""
	case errors.Is(err, store.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "firmware exceeds the size limit", ""
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "firmware not found", ""
	case errors.Is(err, bus.ErrTimeout):
		return http.StatusGatewayTimeout, "timed out sending OTA command", "timeout"
	case errors.Is(err, bus.ErrAuthRejected):
		return http.StatusInternalServerError, "broker rejected the credentials", "broker_auth"
	case errors.Is(err, bus.ErrConnectFailure):
		return http.StatusInternalServerError, "error connecting to the broker", "connect"
	case errors.Is(err, bus.ErrPublishFailure):
		return http.StatusInternalServerError, "error sending OTA command", "publish"
	case errors.Is(err, relay.ErrNotConnected):
		return http.StatusConflict, "device channel not connected", "not_connected"
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, "request canceled", "canceled"
	default:
		return http.StatusInternalServerError, "internal server error", ""
	}
}

// fail writes err as a JSON error response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.metrics.IncError()
	code, msg, reason := errorStatus(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", code, "error", err)
	}
	body := map[string]string{"error": msg}
	if reason != "" {
		body["reason"] = reason
	}
	writeJSON(w, code, body)
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
