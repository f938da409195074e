package apiserver

import (
	"net/http"
	"time"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncRequest()
	var req loginRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		s.metrics.IncError()
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	sess, token, err := s.deps.Gate.Issue(req.Username, req.Password)
	if err != nil {
		s.logger.Warn("login failed", "username", req.Username)
		s.fail(w, r, err)
		return
	}
	s.logger.Info("login", "username", sess.Subject, "role", sess.Role)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":     token,
		"user":      sess.User(),
		"expiresAt": sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid": true,
		"user":  sessionFrom(r).User(),
	})
}
