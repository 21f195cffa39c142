package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeInvalidRequest, http.StatusBadRequest},
		{CodeInvalidToken, http.StatusUnauthorized},
		{CodeExpiredToken, http.StatusUnauthorized},
		{CodeUntrustedIssuer, http.StatusUnauthorized},
		{CodeAudienceMismatch, http.StatusUnauthorized},
		{CodeEmailMismatch, http.StatusForbidden},
		{CodeLastCredential, http.StatusForbidden},
		{CodeInsufficientPermissions, http.StatusForbidden},
		{CodeAlreadyLinkedElsewhere, http.StatusConflict},
		{CodeAlreadyLinkedSelf, http.StatusConflict},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeProviderUnavailable, http.StatusBadGateway},
		{CodeNotFound, http.StatusNotFound},
		{CodeUnknown, http.StatusInternalServerError},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(string(tc.code), func(t *testing.T) {
			if got := tc.code.HTTPStatus(); got != tc.want {
				t.Errorf("HTTPStatus(%s) = %d, want %d", tc.code, got, tc.want)
			}
		})
	}
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(CodeRateLimited, "too many attempts")
	if !stderrors.Is(err, New(CodeRateLimited, "different message")) {
		t.Error("expected errors with the same code to match")
	}
	if stderrors.Is(err, New(CodeInvalidToken, "too many attempts")) {
		t.Error("expected errors with different codes not to match")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(CodeProviderUnavailable, "provider unreachable", cause)
	if !stderrors.Is(err, cause) {
		t.Error("expected wrapped cause to be reachable via errors.Is")
	}
	if err.Error() != "provider unreachable" {
		t.Errorf("Error() = %q, want %q", err.Error(), "provider unreachable")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, CodeUnknown},
		{"plain error", stderrors.New("boom"), CodeUnknown},
		{"domain error", New(CodeExpiredToken, "expired"), CodeExpiredToken},
		{"wrapped domain error", fmt.Errorf("verify: %w", New(CodeAudienceMismatch, "aud")), CodeAudienceMismatch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CodeOf(tc.err); got != tc.want {
				t.Errorf("CodeOf = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !CodeProviderUnavailable.Retryable() {
		t.Error("expected provider unavailable to be retryable")
	}
	if CodeInvalidToken.Retryable() {
		t.Error("expected invalid token not to be retryable")
	}
}
