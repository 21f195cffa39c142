package identity

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
)

// clockSkewLeeway tolerates small clock drift between this process and the
// provider when validating exp/iat/nbf.
const clockSkewLeeway = 60 * time.Second

// idTokenRules captures the per-provider claim constraints for JWT-style
// identity assertions.
type idTokenRules struct {
	issuers      []string
	clientIDs    map[Platform]string
	maxIssuedAge time.Duration // 0 disables the staleness bound
}

// verifyIDToken parses and validates an RS256 ID token against the provider
// key set and claim rules, returning the raw claims for the caller to map
// into a provider identity.
func verifyIDToken(ctx context.Context, keys *KeySet, credential string, platform Platform, opts Options, rules idTokenRules, now time.Time) (jwt.MapClaims, error) {
	if credential == "" {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "credential is required")
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithoutClaimsValidation(),
	)
	_, err := parser.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, apperrors.New(apperrors.CodeInvalidToken, "token header is missing a key id")
		}
		return keys.Key(ctx, kid)
	})
	if err != nil {
		if code := apperrors.CodeOf(err); code != apperrors.CodeUnknown {
			// Key resolution already produced a domain error; keep its kind.
			return nil, err
		}
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, apperrors.Wrap(apperrors.CodeInvalidRequest, "credential is not a valid token", err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, apperrors.Wrap(apperrors.CodeInvalidToken, "token signature is invalid", err)
		default:
			return nil, apperrors.Wrap(apperrors.CodeInvalidToken, "token could not be verified", err)
		}
	}

	// Issuer before anything else: a wrong issuer is untrusted regardless of
	// the remaining claims.
	issuer, err := claims.GetIssuer()
	if err != nil || !containsString(rules.issuers, issuer) {
		return nil, apperrors.New(apperrors.CodeUntrustedIssuer, "token issuer is not trusted")
	}

	expectedAudience := opts.Audience
	if expectedAudience == "" {
		expectedAudience = rules.clientIDs[platform]
	}
	if expectedAudience == "" {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "no client id is registered for this platform")
	}
	audience, err := claims.GetAudience()
	if err != nil || !containsString(audience, expectedAudience) {
		return nil, apperrors.New(apperrors.CodeAudienceMismatch, "token audience does not match the registered client id")
	}

	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return nil, apperrors.New(apperrors.CodeInvalidToken, "token is missing an expiry")
	}
	if expiry.Before(now.Add(-clockSkewLeeway)) {
		return nil, apperrors.New(apperrors.CodeExpiredToken, "token has expired")
	}

	if notBefore, err := claims.GetNotBefore(); err == nil && notBefore != nil {
		if notBefore.After(now.Add(clockSkewLeeway)) {
			return nil, apperrors.New(apperrors.CodeInvalidToken, "token is not yet valid")
		}
	}

	if rules.maxIssuedAge > 0 {
		issuedAt, err := claims.GetIssuedAt()
		if err != nil || issuedAt == nil {
			return nil, apperrors.New(apperrors.CodeInvalidToken, "token is missing an issued-at claim")
		}
		if now.Sub(issuedAt.Time) > rules.maxIssuedAge+clockSkewLeeway {
			return nil, apperrors.New(apperrors.CodeExpiredToken, "token was issued too long ago")
		}
	}

	// Nonce validation is best-effort: enforce only when both sides supplied
	// one. Providers do not always echo the nonce claim back.
	if opts.Nonce != "" {
		if nonce, ok := claims["nonce"].(string); ok && nonce != opts.Nonce {
			return nil, apperrors.New(apperrors.CodeInvalidToken, "token nonce does not match")
		}
	}

	return claims, nil
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

// stringClaim reads an optional string claim.
func stringClaim(claims jwt.MapClaims, name string) string {
	value, _ := claims[name].(string)
	return value
}

// boolClaim reads a claim that providers encode as either a JSON bool or the
// strings "true"/"false" (Apple does both depending on the flow).
func boolClaim(claims jwt.MapClaims, name string) bool {
	switch value := claims[name].(type) {
	case bool:
		return value
	case string:
		return value == "true"
	default:
		return false
	}
}
