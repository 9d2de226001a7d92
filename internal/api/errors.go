package api

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
)

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

// internalError logs err with the request id and hides it from the client.
func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	h.logger.Error(message, "requestID", requestID(r), "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
