package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/virtuenet/UpCoach-sub002/internal/auth/identity"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/orchestrator"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/token"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/user"
	apperrors "github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
)

const maxWebhookBody = 1 << 20

type deviceRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Platform   string `json:"platform"`
	AppVersion string `json:"app_version"`
}

func (d deviceRequest) toDevice(r *http.Request) token.Device {
	return token.Device{
		ID:         d.ID,
		Name:       d.Name,
		Platform:   d.Platform,
		AppVersion: d.AppVersion,
		IP:         clientIP(r),
		UserAgent:  r.UserAgent(),
	}
}

type signInRequest struct {
	Credential string        `json:"credential"`
	Platform   string        `json:"platform"`
	Nonce      string        `json:"nonce"`
	Device     deviceRequest `json:"device"`
}

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func toPairResponse(pair token.Pair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:      pair.AccessToken,
		ExpiresIn:        pair.AccessExpiresIn,
		RefreshToken:     pair.RefreshToken,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
}

type signInResponse struct {
	User            user.Sanitized      `json:"user"`
	Tokens          tokenPairResponse   `json:"tokens"`
	Provider        identity.Provider   `json:"provider"`
	IsNewUser       bool                `json:"is_new_user"`
	LinkedProviders []identity.Provider `json:"linked_providers"`
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	provider, ok := identity.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		s.writeError(w, apperrors.New(apperrors.CodeInvalidRequest, "unknown sign-in provider"))
		return
	}

	var req signInRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.orchestrator.Authenticate(r.Context(), orchestrator.Input{
		Provider:   provider,
		Platform:   identity.Platform(req.Platform),
		Credential: req.Credential,
		Device:     req.Device.toDevice(r),
		Nonce:      req.Nonce,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if result.IsNewUser {
		status = http.StatusCreated
	}
	writeJSON(w, status, signInResponse{
		User:            result.User.Sanitize(),
		Tokens:          toPairResponse(result.Tokens),
		Provider:        result.Provider,
		IsNewUser:       result.IsNewUser,
		LinkedProviders: result.LinkedProviders,
	})
}

type refreshRequest struct {
	RefreshToken string        `json:"refresh_token"`
	Device       deviceRequest `json:"device"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.RefreshToken == "" {
		s.writeError(w, apperrors.New(apperrors.CodeInvalidRequest, "refresh_token is required"))
		return
	}

	pair, refreshed, err := s.tokens.Refresh(r.Context(), req.RefreshToken, req.Device.toDevice(r))
	if err != nil {
		s.metrics.RecordTokenRefresh("failure")
		s.writeError(w, err)
		return
	}
	s.metrics.RecordTokenRefresh("success")

	writeJSON(w, http.StatusOK, map[string]any{
		"user":   refreshed.Sanitize(),
		"tokens": toPairResponse(pair),
	})
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
	AllDevices   bool   `json:"all_devices"`
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if req.AllDevices {
		record, err := s.tokens.VerifyAccess(bearerToken(r))
		if err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.tokens.RevokeAll(r.Context(), record.UserID); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if req.RefreshToken == "" {
		s.writeError(w, apperrors.New(apperrors.CodeInvalidRequest, "refresh_token is required"))
		return
	}
	if err := s.tokens.Revoke(r.Context(), req.RefreshToken); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type linkRequest struct {
	Provider   string        `json:"provider"`
	Credential string        `json:"credential"`
	Platform   string        `json:"platform"`
	Nonce      string        `json:"nonce"`
	Device     deviceRequest `json:"device"`
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	accessIdentity, _ := identityFromContext(r.Context())

	var req linkRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	provider, ok := identity.ParseProvider(req.Provider)
	if !ok {
		s.writeError(w, apperrors.New(apperrors.CodeInvalidRequest, "unknown sign-in provider"))
		return
	}

	linked, err := s.orchestrator.LinkProvider(r.Context(), accessIdentity.UserID, orchestrator.Input{
		Provider:   provider,
		Platform:   identity.Platform(req.Platform),
		Credential: req.Credential,
		Device:     req.Device.toDevice(r),
		Nonce:      req.Nonce,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":             linked.Sanitize(),
		"linked_providers": linked.LinkedProviders(),
	})
}

func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	accessIdentity, _ := identityFromContext(r.Context())
	provider, ok := identity.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		s.writeError(w, apperrors.New(apperrors.CodeInvalidRequest, "unknown sign-in provider"))
		return
	}

	remaining, err := s.orchestrator.UnlinkProvider(r.Context(), accessIdentity.UserID, provider)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"linked_providers": remaining})
}

type setPasswordRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	accessIdentity, _ := identityFromContext(r.Context())

	var req setPasswordRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	updated, err := s.orchestrator.SetPassword(r.Context(), accessIdentity.UserID, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": updated.Sanitize()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	accessIdentity, _ := identityFromContext(r.Context())

	status, err := s.orchestrator.UserAuthStatus(r.Context(), accessIdentity.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider, ok := identity.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		s.writeError(w, apperrors.New(apperrors.CodeInvalidRequest, "unknown webhook provider"))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.writeError(w, apperrors.Wrap(apperrors.CodeInvalidRequest, "webhook payload unreadable", err))
		return
	}

	event := r.URL.Query().Get("event")
	if event == "" {
		event = "deauthorize"
	}
	signature := r.Header.Get("X-Hub-Signature-256")

	if err := s.orchestrator.HandleWebhook(r.Context(), provider, event, payload, signature); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if scheme, value, found := splitAuthHeader(header); found && scheme == "bearer" {
		return value
	}
	return ""
}
