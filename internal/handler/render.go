package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"sigs.k8s.io/yaml"
)

// render writes v as JSON, or as YAML when the request asks for
// ?output=yaml. An unknown output format is a 400.
func (h *MirrorHandler) render(w http.ResponseWriter, r *http.Request, status int, v any) {
	var (
		body        []byte
		contentType string
		err         error
	)
	switch output := r.URL.Query().Get("output"); output {
	case "", "json":
		contentType = "application/json"
		body, err = json.Marshal(v)
	case "yaml":
		contentType = "application/yaml"
		body, err = yaml.Marshal(v)
	default:
		status = http.StatusBadRequest
		contentType = "application/json"
		body, err = json.Marshal(errorBody{Error: fmt.Sprintf("unsupported output format %q, use json or yaml", output)})
	}
	if err != nil {
		h.log.Error("failed to encode response", "error", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
