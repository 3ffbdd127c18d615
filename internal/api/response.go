package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Every endpoint answers with one JSON shape so browser clients branch on a
// single field: {"data": ...} on success, {"error": "..."} on failure.
type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	reply(w, status, envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	reply(w, status, envelope{Error: msg})
}

// reply marshals before touching the ResponseWriter so an encoding failure
// can still produce a 500 instead of a half-written body.
func reply(w http.ResponseWriter, status int, env envelope) {
	buf, err := json.Marshal(env)
	if err != nil {
		slog.Error("encoding response envelope", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"internal error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf)
}
