// Package httpapi exposes the authentication core over chi-routed JSON
// endpoints.
package httpapi

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
)

const timeFormat = "2006-01-02T15:04:05Z07:00"

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// writeError renders the domain error envelope. Non-domain errors map to
// INTERNAL without leaking their message.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	message := "internal error"
	var domainErr *apperrors.Error
	if stderrors.As(err, &domainErr) {
		message = domainErr.Message
	} else {
		s.logger.Error("unhandled request error", zap.Error(err))
		code = apperrors.CodeInternal
	}
	writeJSON(w, code.HTTPStatus(), errorEnvelope{Error: errorBody{
		Kind:    string(code),
		Message: message,
	}})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return apperrors.New(apperrors.CodeInvalidRequest, "request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidRequest, "request body is not valid JSON", err)
	}
	return nil
}
