package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/CrowderSoup/kanban-sync/services"
)

// FeedHandler upgrades requests to change-feed sockets.
type FeedHandler struct {
	hub      *services.Hub
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewFeedHandler accepts connections from any origin; CORS on the REST
// routes does not apply to websocket upgrades.
func NewFeedHandler(hub *services.Hub, logger zerolog.Logger) *FeedHandler {
	return &FeedHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the HTTP connection to a WebSocket connection
func (h *FeedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to upgrade to websocket")
		return
	}
	client := h.hub.Attach(conn)
	h.logger.Debug().Str("client", client.ID).Str("remote", r.RemoteAddr).Msg("feed client registered")
}
