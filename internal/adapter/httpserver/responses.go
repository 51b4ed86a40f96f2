package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

type apiError struct {
	Message string      `json:"message"`
	Kind    string      `json:"kind"`
	Code    int         `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", slog.Any("error", err))
	}
}

// writeError maps domain sentinels onto the gateway's error envelope.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	kind := "internal"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code, kind = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, domain.ErrContextLength):
		code, kind = http.StatusBadRequest, "context_length_exceeded"
	case errors.Is(err, domain.ErrAuth):
		code, kind = http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, domain.ErrNotFound):
		code, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvariant):
		code, kind = http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrInsufficientData):
		code, kind = http.StatusUnprocessableEntity, "insufficient_data"
	case errors.Is(err, domain.ErrRateLimited):
		code, kind = http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, domain.ErrProviderUnavailable), errors.Is(err, domain.ErrTransient):
		code, kind = http.StatusServiceUnavailable, "provider_unavailable"
	case errors.Is(err, domain.ErrProtocol):
		code, kind = http.StatusBadGateway, "upstream_protocol"
	case errors.Is(err, domain.ErrConfiguration):
		code, kind = http.StatusInternalServerError, "configuration"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Message: err.Error(), Kind: kind, Code: code, Details: details}})
}
