package user

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/virtuenet/UpCoach-sub002/internal/auth/identity"
	apperrors "github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
	"github.com/virtuenet/UpCoach-sub002/internal/platform/id"
)

// Status captures the account lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Role is the coarse authorization role carried in access tokens.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

var (
	// ErrInvalidEmail indicates an email that does not look like an address.
	ErrInvalidEmail = apperrors.New(apperrors.CodeInvalidRequest, "email address is invalid")

	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// User represents an account record anchored by one or more federated
// identities. Provider ids are empty when the provider is not linked.
type User struct {
	ID            string
	Email         string
	EmailVerified bool
	PasswordHash  string
	DisplayName   string
	AvatarURL     string

	GoogleID   string
	AppleID    string
	FacebookID string

	// AuthProvider is the provider that created the account.
	AuthProvider identity.Provider
	Role         Role
	Status       Status

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateInput describes the attributes needed to create a user from a
// verified federated identity.
type CreateInput struct {
	Email         string
	EmailVerified bool
	DisplayName   string
	AvatarURL     string
	Provider      identity.Provider
	ExternalID    string
}

// NormalizeEmail lowercases and trims an address for case-insensitive
// storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail enforces a minimal address shape. Empty is allowed because
// some providers withhold the address entirely.
func ValidateEmail(email string) error {
	if email == "" {
		return nil
	}
	if !emailPattern.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}

// Create builds a durable user record from a verified provider identity.
//
// This is the canonical point where untrusted provider claims become a
// stable account used by token issuance and linking.
func Create(input CreateInput, now func() time.Time, idGenerator func() (string, error)) (User, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	input.Email = NormalizeEmail(input.Email)
	if err := ValidateEmail(input.Email); err != nil {
		return User{}, err
	}
	if strings.TrimSpace(input.ExternalID) == "" {
		return User{}, apperrors.New(apperrors.CodeInvalidRequest, "provider subject is required")
	}

	userID, err := idGenerator()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	createdAt := now().UTC()
	u := User{
		ID:            userID,
		Email:         input.Email,
		EmailVerified: input.EmailVerified,
		DisplayName:   strings.TrimSpace(input.DisplayName),
		AvatarURL:     strings.TrimSpace(input.AvatarURL),
		AuthProvider:  input.Provider,
		Role:          RoleUser,
		Status:        StatusActive,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
	if err := u.SetProviderID(input.Provider, input.ExternalID); err != nil {
		return User{}, err
	}
	return u, nil
}

// HasPassword reports whether the account carries a local password
// credential in addition to its federated identities.
func (u User) HasPassword() bool {
	return u.PasswordHash != ""
}

// Disabled reports whether the account may no longer authenticate.
func (u User) Disabled() bool {
	return u.Status == StatusSuspended || u.Status == StatusDeleted
}

// ProviderID returns the external subject linked for provider, or empty.
func (u User) ProviderID(provider identity.Provider) string {
	switch provider {
	case identity.ProviderGoogle:
		return u.GoogleID
	case identity.ProviderApple:
		return u.AppleID
	case identity.ProviderFacebook:
		return u.FacebookID
	}
	return ""
}

// SetProviderID records the external subject for provider.
func (u *User) SetProviderID(provider identity.Provider, externalID string) error {
	switch provider {
	case identity.ProviderGoogle:
		u.GoogleID = externalID
	case identity.ProviderApple:
		u.AppleID = externalID
	case identity.ProviderFacebook:
		u.FacebookID = externalID
	default:
		return apperrors.New(apperrors.CodeInvalidRequest, "unsupported identity provider")
	}
	return nil
}

// ClearProviderID removes the linkage for provider.
func (u *User) ClearProviderID(provider identity.Provider) error {
	return u.SetProviderID(provider, "")
}

// LinkedProviders lists the providers with a non-empty external subject, in
// a stable order.
func (u User) LinkedProviders() []identity.Provider {
	providers := make([]identity.Provider, 0, 3)
	for _, p := range []identity.Provider{identity.ProviderGoogle, identity.ProviderApple, identity.ProviderFacebook} {
		if u.ProviderID(p) != "" {
			providers = append(providers, p)
		}
	}
	return providers
}

// Sanitized is the client-safe projection of a user. It never carries
// password hashes, second-factor secrets, or provider credentials.
type Sanitized struct {
	ID            string `json:"id"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	DisplayName   string `json:"display_name,omitempty"`
	AvatarURL     string `json:"avatar_url,omitempty"`
	AuthProvider  string `json:"auth_provider"`
	Role          string `json:"role"`
	CreatedAt     string `json:"created_at"`
}

// Sanitize projects the user into its client-safe form.
func (u User) Sanitize() Sanitized {
	return Sanitized{
		ID:            u.ID,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		DisplayName:   u.DisplayName,
		AvatarURL:     u.AvatarURL,
		AuthProvider:  string(u.AuthProvider),
		Role:          string(u.Role),
		CreatedAt:     u.CreatedAt.UTC().Format(time.RFC3339),
	}
}
