package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
)

func (s *Server) handleTwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	accessIdentity, _ := identityFromContext(r.Context())

	setup, err := s.twoFactor.GenerateSecret(r.Context(), accessIdentity.UserID, accessIdentity.Email)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"secret":       setup.Secret,
		"otpauth_url":  setup.OTPAuthURL,
		"qr_code":      setup.QRCodePNG,
		"backup_codes": setup.BackupCodes,
	})
}

type twoFactorCodeRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleTwoFactorEnable(w http.ResponseWriter, r *http.Request) {
	accessIdentity, _ := identityFromContext(r.Context())

	var req twoFactorCodeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.twoFactor.VerifyAndEnable(r.Context(), accessIdentity.UserID, req.Code); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

func (s *Server) handleTwoFactorVerify(w http.ResponseWriter, r *http.Request) {
	accessIdentity, _ := identityFromContext(r.Context())

	var req twoFactorCodeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.twoFactor.Verify(r.Context(), accessIdentity.UserID, req.Code, clientIP(r)); err != nil {
		s.metrics.RecordSecondFactor("failure")
		s.writeError(w, err)
		return
	}
	s.metrics.RecordSecondFactor("success")
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func (s *Server) handleTwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	accessIdentity, _ := identityFromContext(r.Context())

	if err := s.twoFactor.Disable(r.Context(), accessIdentity.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrustedDeviceList(w http.ResponseWriter, r *http.Request) {
	accessIdentity, _ := identityFromContext(r.Context())

	devices, err := s.twoFactor.ListTrustedDevices(r.Context(), accessIdentity.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	type deviceResponse struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		CreatedAt  string `json:"created_at"`
		LastSeenAt string `json:"last_seen_at"`
	}
	payload := make([]deviceResponse, 0, len(devices))
	for _, device := range devices {
		payload = append(payload, deviceResponse{
			ID:         device.ID,
			Name:       device.Name,
			CreatedAt:  device.CreatedAt.Format(timeFormat),
			LastSeenAt: device.LastSeenAt.Format(timeFormat),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": payload})
}

type trustedDeviceRequest struct {
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
}

func (s *Server) handleTrustedDeviceAdd(w http.ResponseWriter, r *http.Request) {
	accessIdentity, _ := identityFromContext(r.Context())

	var req trustedDeviceRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Fingerprint == "" {
		s.writeError(w, apperrors.New(apperrors.CodeInvalidRequest, "fingerprint is required"))
		return
	}

	device, err := s.twoFactor.AddTrustedDevice(r.Context(), accessIdentity.UserID, req.Name, req.Fingerprint)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":   device.ID,
		"name": device.Name,
	})
}

func (s *Server) handleTrustedDeviceRemove(w http.ResponseWriter, r *http.Request) {
	accessIdentity, _ := identityFromContext(r.Context())

	if err := s.twoFactor.RemoveTrustedDevice(r.Context(), accessIdentity.UserID, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
