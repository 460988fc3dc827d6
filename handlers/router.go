package handlers

import (
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/CrowderSoup/kanban-sync/database"
	"github.com/CrowderSoup/kanban-sync/services"
)

// NewRouter wires the feed socket and the row routes.
func NewRouter(db *database.DB, hub *services.Hub, logger zerolog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(Recover(logger), RequestLogger(logger))

	// before the row routes, which would take "realtime" for a table name
	r.Handle("/api/realtime", NewFeedHandler(hub, logger))
	NewRowsHandler(db, logger).Register(r)
	return r
}
