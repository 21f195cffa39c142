package identity

import (
	"context"
	"time"

	apperrors "github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
	"github.com/virtuenet/UpCoach-sub002/internal/platform/kv"
)

const (
	googleJWKSURL    = "https://www.googleapis.com/oauth2/v3/certs"
	googleIssuer     = "https://accounts.google.com"
	googleIssuerBare = "accounts.google.com"
)

// GoogleConfig holds the Google client registration per platform.
type GoogleConfig struct {
	WebClientID    string
	MobileClientID string
	// JWKSURL overrides the published key endpoint, for tests.
	JWKSURL string
}

// GoogleVerifier validates Google ID tokens.
//
// One long-lived instance per process is constructed at startup and injected
// into the orchestrator.
type GoogleVerifier struct {
	keys  *KeySet
	rules idTokenRules
	clock func() time.Time
}

// NewGoogleVerifier builds a verifier bound to the registered client ids.
// The fallback store backs the shared key-cache tier and may be nil.
func NewGoogleVerifier(cfg GoogleConfig, fallback kv.Store) *GoogleVerifier {
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = googleJWKSURL
	}
	return &GoogleVerifier{
		keys: NewKeySet(jwksURL, fallback, time.Hour),
		rules: idTokenRules{
			issuers: []string{googleIssuer, googleIssuerBare},
			clientIDs: map[Platform]string{
				PlatformWeb:    cfg.WebClientID,
				PlatformMobile: cfg.MobileClientID,
			},
		},
		clock: time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (v *GoogleVerifier) WithClock(clock func() time.Time) *GoogleVerifier {
	if clock != nil {
		v.clock = clock
		v.keys.WithClock(clock)
	}
	return v
}

// Verify validates a Google ID token and returns the asserted identity.
func (v *GoogleVerifier) Verify(ctx context.Context, credential string, platform Platform, opts Options) (VerifiedIdentity, error) {
	claims, err := verifyIDToken(ctx, v.keys, credential, platform, opts, v.rules, v.clock().UTC())
	if err != nil {
		return nil, err
	}

	subject := stringClaim(claims, "sub")
	if subject == "" {
		return nil, apperrors.New(apperrors.CodeInvalidToken, "token is missing a subject")
	}

	return GoogleIdentity{
		baseIdentity: baseIdentity{
			externalID:    subject,
			email:         stringClaim(claims, "email"),
			emailVerified: boolClaim(claims, "email_verified"),
			displayName:   stringClaim(claims, "name"),
			avatarURL:     stringClaim(claims, "picture"),
		},
		HostedDomain: stringClaim(claims, "hd"),
	}, nil
}

var _ Verifier = (*GoogleVerifier)(nil)
