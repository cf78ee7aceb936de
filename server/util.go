package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

const sceneBufferSize = 32 << 10

// getSceneUpgrader builds the websocket upgrader for /ws/scene.
func getSceneUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  sceneBufferSize,
		WriteBufferSize: sceneBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return checkOrigin(r, allowed)
		},
	}
}

// checkOrigin validates the websocket origin against the allowed origins.
// Prefix matching allows any port.
func checkOrigin(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")

	// Peers are native clients and send no origin
	if origin == "" {
		return true
	}

	if len(allowed) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}
	for _, allowedOrigin := range allowed {
		if strings.HasPrefix(origin, allowedOrigin) {
			return true
		}
	}
	return false
}
