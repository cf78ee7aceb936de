package server

import (
	"net/http"

	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/logger"
	"github.com/teranos/scenesync/replica"
	"github.com/teranos/scenesync/version"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	replica.Status
	State   string `json:"state"`
	Version string `json:"version"`
}

// HandleStatus reports the replica's status.
// GET /api/status
func (s *SceneServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	resp := StatusResponse{
		Status:  s.replica.Status(),
		State:   stateString(s.getState()),
		Version: version.Get().Version,
	}
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		s.logger.Warnw("Failed to write status", logger.FieldError, err)
	}
}

// HandleHealth answers liveness checks.
// GET /health
func (s *SceneServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if s.getState() != ServerStateRunning {
		writeError(w, http.StatusServiceUnavailable, errors.Newf("server is %s", stateString(s.getState())))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
