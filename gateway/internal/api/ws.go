package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/orglink/bridge/gateway/internal/secrets"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The agent dials from inside the corporate network, not a browser.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleAgentWebsocket authenticates the agent and hands the connection to
// the bridge hub. The key is accepted as ?token= or a Bearer header. The
// handler blocks for the lifetime of the connection.
func (s *Server) handleAgentWebsocket(w http.ResponseWriter, r *http.Request) {
	presented := r.URL.Query().Get("token")
	if presented == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			presented = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if presented == "" {
		s.logger.Warn("agent connect rejected: missing key", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized: missing agent key", http.StatusUnauthorized)
		return
	}

	hash, err := s.keys.GetAgentKeyHash(r.Context())
	if err != nil {
		s.logger.Error("agent connect failed: key store error", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if hash == "" {
		s.logger.Warn("agent connect rejected: no agent key configured", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized: no agent key configured", http.StatusUnauthorized)
		return
	}

	if !secrets.VerifyAgentKey(hash, presented) {
		s.logger.Warn("agent connect rejected: invalid key", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized: invalid agent key", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.logger.Info("agent connected", "remote", r.RemoteAddr)
	s.hub.Serve(r.Context(), conn)
	s.logger.Info("agent connection closed", "remote", r.RemoteAddr)
}
