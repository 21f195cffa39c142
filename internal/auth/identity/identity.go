// Package identity verifies third-party identity assertions and normalizes
// them into a single VerifiedIdentity consumed by the orchestrator.
package identity

import (
	"context"
	"strings"
)

// Provider identifies a supported federated identity provider.
type Provider string

const (
	ProviderGoogle   Provider = "google"
	ProviderApple    Provider = "apple"
	ProviderFacebook Provider = "facebook"
)

// KnownProviders lists every provider this core can verify.
var KnownProviders = []Provider{ProviderGoogle, ProviderApple, ProviderFacebook}

// ParseProvider normalizes a provider string from a request path.
func ParseProvider(value string) (Provider, bool) {
	switch Provider(strings.ToLower(strings.TrimSpace(value))) {
	case ProviderGoogle:
		return ProviderGoogle, true
	case ProviderApple:
		return ProviderApple, true
	case ProviderFacebook:
		return ProviderFacebook, true
	default:
		return "", false
	}
}

// Platform distinguishes caller surfaces that register distinct client ids.
type Platform string

const (
	PlatformWeb    Platform = "web"
	PlatformMobile Platform = "mobile"
)

// RealUserStatus is Apple's heuristic signal that the credential belongs to a
// genuine human. Other providers report RealUserUnsupported.
type RealUserStatus int

const (
	RealUserUnsupported RealUserStatus = iota
	RealUserUnknown
	RealUserLikelyReal
)

// TrustSignal carries provider-specific confidence hints alongside the
// verified claims. Warnings are advisory; they never fail verification.
type TrustSignal struct {
	RealUserStatus RealUserStatus
	Warnings       []string
}

// Options carries optional caller-supplied verification inputs.
type Options struct {
	// Nonce is compared against the provider's echoed nonce claim when that
	// claim is present. Absence of the claim is not an error.
	Nonce string
	// Audience overrides the platform-registered client id.
	Audience string
}

// VerifiedIdentity is a provider assertion that passed verification.
type VerifiedIdentity interface {
	Provider() Provider
	ExternalID() string
	Email() string
	EmailVerified() bool
	DisplayName() string
	AvatarURL() string
	TrustSignal() TrustSignal
}

// Verifier validates one provider's credential format.
type Verifier interface {
	Verify(ctx context.Context, credential string, platform Platform, opts Options) (VerifiedIdentity, error)
}

// baseIdentity holds the claim fields every provider shares.
type baseIdentity struct {
	externalID    string
	email         string
	emailVerified bool
	displayName   string
	avatarURL     string
}

func (b baseIdentity) ExternalID() string  { return b.externalID }
func (b baseIdentity) Email() string       { return b.email }
func (b baseIdentity) EmailVerified() bool { return b.emailVerified }
func (b baseIdentity) DisplayName() string { return b.displayName }
func (b baseIdentity) AvatarURL() string   { return b.avatarURL }

// GoogleIdentity is a verified Google ID-token assertion.
type GoogleIdentity struct {
	baseIdentity
	HostedDomain string
}

func (GoogleIdentity) Provider() Provider { return ProviderGoogle }

func (GoogleIdentity) TrustSignal() TrustSignal {
	return TrustSignal{RealUserStatus: RealUserUnsupported}
}

// AppleIdentity is a verified Sign in with Apple ID-token assertion.
type AppleIdentity struct {
	baseIdentity
	RealUser  RealUserStatus
	IsPrivate bool // private relay email
	warnings  []string
}

func (AppleIdentity) Provider() Provider { return ProviderApple }

func (a AppleIdentity) TrustSignal() TrustSignal {
	return TrustSignal{RealUserStatus: a.RealUser, Warnings: a.warnings}
}

// FacebookIdentity is a verified Facebook access-token assertion.
type FacebookIdentity struct {
	baseIdentity
	GrantedScopes []string
}

func (FacebookIdentity) Provider() Provider { return ProviderFacebook }

func (FacebookIdentity) TrustSignal() TrustSignal {
	return TrustSignal{RealUserStatus: RealUserUnsupported}
}
