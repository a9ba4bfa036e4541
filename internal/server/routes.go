package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures and returns the HTTP router with all application routes.
func SetupRoutes(m *Manager) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", m.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/ws", m.WebSocketHandler)
	r.HandleFunc("/channels", m.ChannelsHandler).Methods(http.MethodGet)
	r.HandleFunc("/channels/{tag}/messages", m.HistoryHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}
