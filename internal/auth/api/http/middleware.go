package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/virtuenet/UpCoach-sub002/internal/auth/token"
	apperrors "github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
)

type contextKey string

const identityKey contextKey = "access_identity"

// requireAuth validates the bearer token and stores the access identity
// in the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, value, found := splitAuthHeader(r.Header.Get("Authorization"))
		if !found || scheme != "bearer" || value == "" {
			s.writeError(w, apperrors.New(apperrors.CodeUnauthenticated, "bearer token is required"))
			return
		}
		accessIdentity, err := s.tokens.VerifyAccess(value)
		if err != nil {
			s.writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, accessIdentity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFromContext(ctx context.Context) (token.AccessIdentity, bool) {
	accessIdentity, ok := ctx.Value(identityKey).(token.AccessIdentity)
	return accessIdentity, ok
}

// splitAuthHeader lowercases the scheme and trims the value.
func splitAuthHeader(header string) (scheme, value string, found bool) {
	scheme, value, found = strings.Cut(header, " ")
	return strings.ToLower(strings.TrimSpace(scheme)), strings.TrimSpace(value), found
}

// clientIP strips the port from the remote address. A reverse proxy is
// expected to terminate X-Forwarded-For handling before this service.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
