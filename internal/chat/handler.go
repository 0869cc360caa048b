package chat

import (
	"encoding/json"
	"net/http"
	"strings"

	myMiddleware "go-groupchat/internal/middleware"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub) *Handler {
	allowed := make(map[string]struct{}, len(hub.cfg.AllowedOrigins))
	for _, o := range hub.cfg.AllowedOrigins {
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

// ServeWs authenticates the handshake, upgrades the connection and starts
// its pumps. A bad credential is refused before the upgrade, so the
// connection is never registered.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	if h.hub.Closed() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	client := newClient(h.hub, nil)
	if err := client.authenticate(r.Context(), myMiddleware.TokenFrom(r)); err != nil {
		h.hub.metrics.HandshakeFailures.Inc()
		h.hub.log.Info("handshake refused", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		client.close()
		h.hub.log.Warn("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	client.conn = conn
	if err := h.hub.Attach(client); err != nil {
		h.hub.log.Warn("attach failed", zap.String("conn", client.ID), zap.Error(err))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError sends the code and the public message of err; the wrapped
// detail stays server side.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, HTTPStatus(err), map[string]string{
		"code":  ErrorCode(err),
		"error": PublicMessage(err),
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if HTTPStatus(err) >= http.StatusInternalServerError {
		h.hub.log.Warn("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, err)
}
