package server

import (
	"encoding/json"
	"net/http"

	"github.com/teranos/scenesync/errors"
)

// errorResponse is the body of every non-2xx JSON answer.
type errorResponse struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError answers with err and any hints attached to it.
func writeError(w http.ResponseWriter, status int, err error) {
	_ = writeJSON(w, status, errorResponse{
		Error: err.Error(),
		Hint:  errors.FlattenHints(err),
	})
}

// requireMethod rejects requests that do not use method.
func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, errors.Newf("method %s not allowed", r.Method))
	return false
}
