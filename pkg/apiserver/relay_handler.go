package apiserver

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Peterbackson-desing/dashboard/pkg/relay"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

func (s *Server) relayOr404(w http.ResponseWriter) bool {
	if s.deps.Relay == nil {
		s.metrics.IncError()
		writeError(w, http.StatusNotFound, "relay is disabled")
		return false
	}
	return true
}

func (s *Server) handleRelayState(w http.ResponseWriter, _ *http.Request) {
	if !s.relayOr404(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Relay.Snapshot())
}

type commandRequest struct {
	Action string `json:"action"`
	Value  *int   `json:"value,omitempty"`
}

func (s *Server) handleRelayCommand(w http.ResponseWriter, r *http.Request) {
	if !s.relayOr404(w) {
		return
	}
	var req commandRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	cmd, err := s.deps.Relay.SendCommand(r.Context(), req.Action, req.Value)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("operator command", "user", sessionFrom(r).Subject, "action", cmd.Action)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "command sent",
		"command": cmd,
	})
}

// streamMessage is the first frame sent to a stream client.
type streamMessage struct {
	Type     string          `json:"type"`
	Snapshot *relay.Snapshot `json:"snapshot,omitempty"`
}

// checkOrigin accepts same-host pages, non-browser clients and the
// configured CORS origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err == nil && u.Host == r.Host {
		return true
	}
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// handleStream pushes relay events to a websocket client until either side
// goes away or the server shuts down.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.relayOr404(w) {
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		s.metrics.IncError()
		return
	}
	defer conn.Close()

	events, unsubscribe := s.deps.Relay.Subscribe()
	defer unsubscribe()
	s.metrics.AddStreamClient(1)
	defer s.metrics.AddStreamClient(-1)

	log := s.logger.With("user", sessionFrom(r).Subject, "remote", r.RemoteAddr)
	log.Info("stream client connected")
	defer log.Info("stream client disconnected")

	snap := s.deps.Relay.Snapshot()
	if err := s.writeFrame(conn, streamMessage{Type: "snapshot", Snapshot: &snap}); err != nil {
		return
	}

	// The read side only serves control frames; it ends when the peer closes.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-s.stopping:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(streamWriteWait))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.writeFrame(conn, ev); err != nil {
				log.Debug("stream write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(v)
}
