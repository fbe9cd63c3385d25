package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeAuth           = "authentication_error"
	errTypeUpstream       = "upstream_error"
	errTypeUnavailable    = "service_unavailable"
	errTypeNotFound       = "not_found"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

// writeError replies in the OpenAI error envelope.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, openai.ErrorResponse{Error: &openai.APIError{
		Type:    errType,
		Message: message,
	}})
}
