package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Errors []ErrorDetail `json:"errors"`
}

type ErrorDetail struct {
	Msg string      `json:"msg"`
	IDs []uuid.UUID `json:"ids,omitempty"`
}

func WriteError(w http.ResponseWriter, code int, msg string, ids ...uuid.UUID) {
	WriteJSON(w, code, ErrorResponse{Errors: []ErrorDetail{{Msg: msg, IDs: ids}}})
}

func WriteJSON(w http.ResponseWriter, code int, body interface{}) {
	response, err := json.Marshal(body)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"errors":[{"msg":"Internal Server Error"}]}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
