package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/virtuenet/UpCoach-sub002/internal/auth/identity"
	apperrors "github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
)

// passkeyProviderName marks sessions that began with a WebAuthn
// assertion rather than a federated credential.
const passkeyProviderName = identity.Provider("passkey")

type beginResponse struct {
	ChallengeID string          `json:"challenge_id"`
	Options     json.RawMessage `json:"options"`
}

func (s *Server) handlePasskeyRegisterBegin(w http.ResponseWriter, r *http.Request) {
	accessIdentity, _ := identityFromContext(r.Context())

	begin, err := s.passkeys.BeginRegistration(r.Context(), accessIdentity.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, beginResponse{
		ChallengeID: begin.ChallengeID,
		Options:     begin.OptionsJSON,
	})
}

type finishRegistrationRequest struct {
	ChallengeID string          `json:"challenge_id"`
	Name        string          `json:"name"`
	Response    json.RawMessage `json:"response"`
}

func (s *Server) handlePasskeyRegisterFinish(w http.ResponseWriter, r *http.Request) {
	var req finishRegistrationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	record, err := s.passkeys.FinishRegistration(r.Context(), req.ChallengeID, req.Response, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"credential_id": record.CredentialID,
		"name":          record.Name,
	})
}

type beginLoginRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handlePasskeyLoginBegin(w http.ResponseWriter, r *http.Request) {
	var req beginLoginRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	begin, err := s.passkeys.BeginLogin(r.Context(), req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, beginResponse{
		ChallengeID: begin.ChallengeID,
		Options:     begin.OptionsJSON,
	})
}

type finishLoginRequest struct {
	ChallengeID string          `json:"challenge_id"`
	Response    json.RawMessage `json:"response"`
	Device      deviceRequest   `json:"device"`
}

func (s *Server) handlePasskeyLoginFinish(w http.ResponseWriter, r *http.Request) {
	var req finishLoginRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	signedIn, err := s.passkeys.FinishLogin(r.Context(), req.ChallengeID, req.Response)
	if err != nil {
		s.writeError(w, err)
		return
	}

	pair, err := s.tokens.Issue(r.Context(), signedIn, req.Device.toDevice(r), passkeyProviderName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   signedIn.Sanitize(),
		"tokens": toPairResponse(pair),
	})
}

func (s *Server) handlePasskeyList(w http.ResponseWriter, r *http.Request) {
	accessIdentity, _ := identityFromContext(r.Context())

	credentials, err := s.passkeys.ListCredentials(r.Context(), accessIdentity.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	type credentialResponse struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		CreatedAt  string `json:"created_at"`
		LastUsedAt string `json:"last_used_at,omitempty"`
	}
	payload := make([]credentialResponse, 0, len(credentials))
	for _, credential := range credentials {
		item := credentialResponse{
			ID:        credential.CredentialID,
			Name:      credential.Name,
			CreatedAt: credential.CreatedAt.Format(timeFormat),
		}
		if credential.LastUsedAt != nil {
			item.LastUsedAt = credential.LastUsedAt.Format(timeFormat)
		}
		payload = append(payload, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"passkeys": payload})
}

type renamePasskeyRequest struct {
	Name string `json:"name"`
}

func (s *Server) handlePasskeyRename(w http.ResponseWriter, r *http.Request) {
	accessIdentity, _ := identityFromContext(r.Context())

	var req renamePasskeyRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Name == "" {
		s.writeError(w, apperrors.New(apperrors.CodeInvalidRequest, "name is required"))
		return
	}

	if err := s.passkeys.RenameCredential(r.Context(), accessIdentity.UserID, chi.URLParam(r, "id"), req.Name); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePasskeyDelete(w http.ResponseWriter, r *http.Request) {
	accessIdentity, _ := identityFromContext(r.Context())

	if err := s.passkeys.DeleteCredential(r.Context(), accessIdentity.UserID, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
