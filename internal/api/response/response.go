package response

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

type envelope struct {
	Data any `json:"data"`
}

// pageEnvelope is the list shape. NextCursor serializes as null on the last page.
type pageEnvelope struct {
	Data       any        `json:"data"`
	NextCursor *uuid.UUID `json:"next_cursor"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Status(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Data: data})
}

func Page(w http.ResponseWriter, data any, nextCursor *uuid.UUID) {
	writeJSON(w, http.StatusOK, pageEnvelope{Data: data, NextCursor: nextCursor})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// InternalError writes the generic 500 body. The cause is never exposed.
func InternalError(w http.ResponseWriter) {
	Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal Server Error", nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
