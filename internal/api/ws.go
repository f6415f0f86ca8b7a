package api

import (
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/server"
)

func (s *ChatRelayApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

// serveWs upgrades the request and hands the connection to the relay. The
// token is verified after the upgrade; a rejected client gets a policy
// violation close frame.
func (s *ChatRelayApp) serveWs(w http.ResponseWriter, r *http.Request) {
	token := requestToken(r)
	if token == "" {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(conn, s.relay, s.log)
	if err := s.relay.Connect(r.Context(), client, token); err != nil {
		s.log.Printf("rejecting connection from %s: %v", r.RemoteAddr, err)
		server.Reject(conn, "unauthorized")
		return
	}

	go client.Write()
	go client.Read()
}
