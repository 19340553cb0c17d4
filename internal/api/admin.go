package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"parley/internal/router"
)

type statsSource interface {
	Stats() router.Stats
}

type connCounter interface {
	Connections() int
}

type AdminHandler struct {
	stats statsSource
	conns connCounter
}

func NewAdminHandler(stats statsSource, conns connCounter) *AdminHandler {
	return &AdminHandler{stats: stats, conns: conns}
}

type StatsResponse struct {
	Connections int `json:"connections"`
	router.Stats
}

func (h *AdminHandler) Routes(r *mux.Router) {
	r.HandleFunc("/admin/stats", h.StatsHandler).Methods(http.MethodGet)
}

// StatsHandler reports live connections, including ones that have not
// claimed a username yet, next to the store counters.
func (h *AdminHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, StatsResponse{
		Connections: h.conns.Connections(),
		Stats:       h.stats.Stats(),
	})
}
