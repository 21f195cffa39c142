// Package account resolves verified federated identities to durable user
// accounts and manages provider linkage.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/virtuenet/UpCoach-sub002/internal/auth/identity"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/storage"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/user"
	apperrors "github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
	"github.com/virtuenet/UpCoach-sub002/internal/platform/id"
)

// Service implements account resolution and linking over a UserStore.
//
// Application pre-checks here are best effort; the store's unique indexes on
// email and provider subjects are the authoritative guard against races.
type Service struct {
	users       storage.UserStore
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewService creates an account service.
func NewService(users storage.UserStore) *Service {
	return &Service{
		users:       users,
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// WithIDGenerator overrides id generation.
func (s *Service) WithIDGenerator(generator func() (string, error)) *Service {
	if generator != nil {
		s.idGenerator = generator
	}
	return s
}

// FindByProviderID returns the account already linked to the identity's
// provider subject.
func (s *Service) FindByProviderID(ctx context.Context, provider identity.Provider, externalID string) (user.User, error) {
	return s.users.GetUserByProviderID(ctx, provider, externalID)
}

// FindByEmail returns the account holding the address, case-insensitively.
func (s *Service) FindByEmail(ctx context.Context, email string) (user.User, error) {
	return s.users.GetUserByEmail(ctx, email)
}

// CreateFromProvider creates a fresh account from a verified identity.
func (s *Service) CreateFromProvider(ctx context.Context, verified identity.VerifiedIdentity) (user.User, error) {
	created, err := user.Create(user.CreateInput{
		Email:         verified.Email(),
		EmailVerified: verified.EmailVerified(),
		DisplayName:   verified.DisplayName(),
		AvatarURL:     verified.AvatarURL(),
		Provider:      verified.Provider(),
		ExternalID:    verified.ExternalID(),
	}, s.clock, s.idGenerator)
	if err != nil {
		return user.User{}, err
	}
	if err := s.users.CreateUser(ctx, created); err != nil {
		return user.User{}, fmt.Errorf("create user from provider: %w", err)
	}
	return created, nil
}

// SignInResult reports the resolved account and whether it was created by
// this sign-in.
type SignInResult struct {
	User   user.User
	IsNew  bool
	Linked bool
}

// SignIn resolves a verified identity to an account.
//
// Resolution order: the provider subject wins; otherwise an account holding
// the same email is linked in place; otherwise a new account is created.
// A create that races another process is retried as a subject lookup.
func (s *Service) SignIn(ctx context.Context, verified identity.VerifiedIdentity) (SignInResult, error) {
	existing, err := s.FindByProviderID(ctx, verified.Provider(), verified.ExternalID())
	if err == nil {
		if err := ensureUsable(existing); err != nil {
			return SignInResult{}, err
		}
		updated, err := s.refreshFromIdentity(ctx, existing, verified)
		if err != nil {
			return SignInResult{}, err
		}
		return SignInResult{User: updated}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return SignInResult{}, fmt.Errorf("resolve provider subject: %w", err)
	}

	if verified.Email() != "" {
		byEmail, err := s.FindByEmail(ctx, verified.Email())
		if err == nil {
			// The subject lookup above missed, so a non-empty binding here
			// belongs to a different external id and must not be rebound.
			if byEmail.ProviderID(verified.Provider()) != "" {
				return SignInResult{}, apperrors.New(apperrors.CodeAlreadyLinkedSelf, "a different identity of this provider is already linked")
			}
			if err := ensureUsable(byEmail); err != nil {
				return SignInResult{}, err
			}
			linked, err := s.linkIdentity(ctx, byEmail, verified)
			if err != nil {
				return SignInResult{}, err
			}
			return SignInResult{User: linked, Linked: true}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return SignInResult{}, fmt.Errorf("resolve email: %w", err)
		}
	}

	created, err := s.CreateFromProvider(ctx, verified)
	if err == nil {
		return SignInResult{User: created, IsNew: true}, nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return SignInResult{}, err
	}

	// Lost a creation race; the subject or email now resolves.
	raced, lookupErr := s.FindByProviderID(ctx, verified.Provider(), verified.ExternalID())
	if lookupErr != nil {
		return SignInResult{}, err
	}
	if err := ensureUsable(raced); err != nil {
		return SignInResult{}, err
	}
	return SignInResult{User: raced}, nil
}

// ensureUsable rejects suspended and deleted accounts.
func ensureUsable(u user.User) error {
	if u.Disabled() {
		return apperrors.WithMetadata(apperrors.CodeInsufficientPermissions, "account is not active", map[string]string{
			"status": string(u.Status),
		})
	}
	return nil
}

// Link attaches a verified identity to an existing account.
func (s *Service) Link(ctx context.Context, userID string, verified identity.VerifiedIdentity) (user.User, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return user.User{}, fmt.Errorf("load user: %w", err)
	}

	holder, err := s.FindByProviderID(ctx, verified.Provider(), verified.ExternalID())
	if err == nil {
		if holder.ID == u.ID {
			return user.User{}, apperrors.New(apperrors.CodeAlreadyLinkedSelf, "provider is already linked to this account")
		}
		return user.User{}, apperrors.New(apperrors.CodeAlreadyLinkedElsewhere, "provider identity is linked to another account")
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return user.User{}, fmt.Errorf("resolve provider subject: %w", err)
	}

	if u.ProviderID(verified.Provider()) != "" {
		return user.User{}, apperrors.New(apperrors.CodeAlreadyLinkedSelf, "a different identity of this provider is already linked")
	}
	if verified.Email() != "" && u.Email != "" && user.NormalizeEmail(verified.Email()) != u.Email {
		return user.User{}, apperrors.WithMetadata(apperrors.CodeEmailMismatch, "provider email does not match account email", map[string]string{
			"provider": string(verified.Provider()),
		})
	}

	return s.linkIdentity(ctx, u, verified)
}

// Unlink removes a provider linkage, refusing to strand the account.
func (s *Service) Unlink(ctx context.Context, userID string, provider identity.Provider) (user.User, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return user.User{}, fmt.Errorf("load user: %w", err)
	}
	if u.ProviderID(provider) == "" {
		return user.User{}, apperrors.New(apperrors.CodeNotFound, "provider is not linked to this account")
	}
	if !u.HasPassword() && len(u.LinkedProviders()) <= 1 {
		return user.User{}, apperrors.New(apperrors.CodeLastCredential, "cannot remove the only sign-in method")
	}

	if err := u.ClearProviderID(provider); err != nil {
		return user.User{}, err
	}
	u.UpdatedAt = s.clock().UTC()
	if err := s.users.UpdateUser(ctx, u); err != nil {
		return user.User{}, fmt.Errorf("unlink provider: %w", err)
	}
	return u, nil
}

// SetPassword hashes and stores a local password, which counts as a
// credential for unlink purposes.
func (s *Service) SetPassword(ctx context.Context, userID, plain string) (user.User, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return user.User{}, fmt.Errorf("load user: %w", err)
	}
	hash, err := user.HashPassword(plain)
	if err != nil {
		return user.User{}, err
	}

	u.PasswordHash = hash
	u.UpdatedAt = s.clock().UTC()
	if err := s.users.UpdateUser(ctx, u); err != nil {
		return user.User{}, fmt.Errorf("store password: %w", err)
	}
	return u, nil
}

// linkIdentity writes the provider subject onto the account and absorbs
// profile attributes. A unique-index collision surfaces as
// ALREADY_LINKED_ELSEWHERE.
func (s *Service) linkIdentity(ctx context.Context, u user.User, verified identity.VerifiedIdentity) (user.User, error) {
	if err := u.SetProviderID(verified.Provider(), verified.ExternalID()); err != nil {
		return user.User{}, err
	}
	applyIdentity(&u, verified)
	u.UpdatedAt = s.clock().UTC()
	if err := s.users.UpdateUser(ctx, u); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return user.User{}, apperrors.New(apperrors.CodeAlreadyLinkedElsewhere, "provider identity is linked to another account")
		}
		return user.User{}, fmt.Errorf("link provider: %w", err)
	}
	return u, nil
}

// refreshFromIdentity absorbs newer profile attributes on a returning
// sign-in; only writes when something changed.
func (s *Service) refreshFromIdentity(ctx context.Context, u user.User, verified identity.VerifiedIdentity) (user.User, error) {
	before := u
	applyIdentity(&u, verified)
	if u == before {
		return u, nil
	}
	u.UpdatedAt = s.clock().UTC()
	if err := s.users.UpdateUser(ctx, u); err != nil {
		return user.User{}, fmt.Errorf("refresh user profile: %w", err)
	}
	return u, nil
}

// applyIdentity absorbs profile attributes from the identity. Email is
// adopted only when the account has none; display name and avatar track
// the provider's latest non-empty values. The verified flag only ever
// transitions false to true.
func applyIdentity(u *user.User, verified identity.VerifiedIdentity) {
	email := user.NormalizeEmail(verified.Email())
	if u.Email == "" && email != "" {
		u.Email = email
		u.EmailVerified = verified.EmailVerified()
	} else if u.Email == email && verified.EmailVerified() && !u.EmailVerified {
		u.EmailVerified = true
	}
	if name := verified.DisplayName(); name != "" {
		u.DisplayName = name
	}
	if avatar := verified.AvatarURL(); avatar != "" {
		u.AvatarURL = avatar
	}
}
