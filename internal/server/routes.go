package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
// It sets up handlers for health check, WebSocket endpoint, and test page, and
// serves metrics when a handler is given.
func SetupRoutes(h *Hub, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", h.WebSocketHandler)
	mux.HandleFunc("/test", h.TestPageHandler)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}
