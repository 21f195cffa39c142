package identity

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
	"github.com/virtuenet/UpCoach-sub002/internal/platform/kv"
)

const (
	appleJWKSURL = "https://appleid.apple.com/auth/keys"
	appleIssuer  = "https://appleid.apple.com"

	// appleMaxTokenAge bounds issued-at staleness: Apple ID tokens are minted
	// at sign-in time, so anything older is a replayed credential.
	appleMaxTokenAge = 10 * time.Minute
)

// AppleConfig holds the Sign in with Apple client registration per platform.
type AppleConfig struct {
	// WebClientID is the Services ID used by web flows.
	WebClientID string
	// MobileClientID is the app bundle id used by native flows.
	MobileClientID string
	// JWKSURL overrides the published key endpoint, for tests.
	JWKSURL string
}

// AppleVerifier validates Sign in with Apple ID tokens.
type AppleVerifier struct {
	keys  *KeySet
	rules idTokenRules
	clock func() time.Time
}

// NewAppleVerifier builds a verifier bound to the registered client ids.
func NewAppleVerifier(cfg AppleConfig, fallback kv.Store) *AppleVerifier {
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = appleJWKSURL
	}
	return &AppleVerifier{
		keys: NewKeySet(jwksURL, fallback, time.Hour),
		rules: idTokenRules{
			issuers: []string{appleIssuer},
			clientIDs: map[Platform]string{
				PlatformWeb:    cfg.WebClientID,
				PlatformMobile: cfg.MobileClientID,
			},
			maxIssuedAge: appleMaxTokenAge,
		},
		clock: time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (v *AppleVerifier) WithClock(clock func() time.Time) *AppleVerifier {
	if clock != nil {
		v.clock = clock
		v.keys.WithClock(clock)
	}
	return v
}

// Verify validates an Apple ID token and returns the asserted identity.
//
// Apple's real_user_status heuristic is surfaced as a trust signal: a
// low-confidence score becomes a warning, never a hard failure.
func (v *AppleVerifier) Verify(ctx context.Context, credential string, platform Platform, opts Options) (VerifiedIdentity, error) {
	claims, err := verifyIDToken(ctx, v.keys, credential, platform, opts, v.rules, v.clock().UTC())
	if err != nil {
		return nil, err
	}

	subject := stringClaim(claims, "sub")
	if subject == "" {
		return nil, apperrors.New(apperrors.CodeInvalidToken, "token is missing a subject")
	}

	email := stringClaim(claims, "email")
	realUser := parseRealUserStatus(claims["real_user_status"])

	var warnings []string
	if realUser == RealUserUnknown {
		warnings = append(warnings, "apple could not confirm a real user for this credential")
	}

	return AppleIdentity{
		baseIdentity: baseIdentity{
			externalID:    subject,
			email:         email,
			emailVerified: boolClaim(claims, "email_verified"),
			displayName:   displayNameFromEmail(email),
			avatarURL:     "",
		},
		RealUser:  realUser,
		IsPrivate: boolClaim(claims, "is_private_email"),
		warnings:  warnings,
	}, nil
}

// parseRealUserStatus decodes Apple's 0/1/2 heuristic claim.
func parseRealUserStatus(value interface{}) RealUserStatus {
	number, ok := value.(float64)
	if !ok {
		return RealUserUnsupported
	}
	switch int(number) {
	case 2:
		return RealUserLikelyReal
	case 1:
		return RealUserUnknown
	default:
		return RealUserUnsupported
	}
}

// displayNameFromEmail derives a fallback display name; Apple only delivers
// the user's name on the very first authorization, outside the ID token.
func displayNameFromEmail(email string) string {
	local, _, found := strings.Cut(email, "@")
	if !found || local == "" {
		return ""
	}
	return local
}

var _ Verifier = (*AppleVerifier)(nil)
