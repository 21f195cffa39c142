package passkey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/virtuenet/UpCoach-sub002/internal/auth/audit"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/storage"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/user"
	apperrors "github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
	"github.com/virtuenet/UpCoach-sub002/internal/platform/id"
)

// webAuthnProvider is the ceremony surface of go-webauthn, split out so
// tests can drive flows without a browser authenticator.
type webAuthnProvider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

type credentialParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultParser struct{}

func (defaultParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Service runs WebAuthn ceremonies over durable challenge storage.
type Service struct {
	provider     webAuthnProvider
	parser       credentialParser
	users        storage.UserStore
	store        storage.PasskeyStore
	recorder     *audit.Recorder
	challengeTTL time.Duration
	clock        func() time.Time
	idGenerator  func() (string, error)
}

// NewService creates a passkey service for the relying party in cfg.
func NewService(cfg Config, users storage.UserStore, store storage.PasskeyStore, recorder *audit.Recorder) (*Service, error) {
	web, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	return &Service{
		provider:     web,
		parser:       defaultParser{},
		users:        users,
		store:        store,
		recorder:     recorder,
		challengeTTL: cfg.ChallengeTTL,
		clock:        time.Now,
		idGenerator:  id.NewID,
	}, nil
}

// WithClock overrides the time source.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// BeginResult carries a pending ceremony back to the client.
type BeginResult struct {
	ChallengeID string
	OptionsJSON []byte
}

// BeginRegistration starts a credential creation ceremony for the user.
// Resident keys are required so later logins can be discoverable.
func (s *Service) BeginRegistration(ctx context.Context, userID string) (BeginResult, error) {
	baseUser, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return BeginResult{}, fmt.Errorf("load user: %w", err)
	}
	webUser, err := s.loadWebAuthnUser(ctx, baseUser)
	if err != nil {
		return BeginResult{}, err
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(webUser.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(webUser.credentials).CredentialDescriptors()))
	}

	creation, session, err := s.provider.BeginRegistration(webUser, options...)
	if err != nil {
		return BeginResult{}, fmt.Errorf("begin passkey registration: %w", err)
	}
	return s.storeChallenge(ctx, ChallengeKindRegistration, baseUser.ID, creation, session)
}

// FinishRegistration validates the authenticator response and stores the
// new credential under the given display name.
func (s *Service) FinishRegistration(ctx context.Context, challengeID string, responseJSON []byte, name string) (storage.PasskeyCredential, error) {
	session, ownerID, err := s.consumeChallenge(ctx, challengeID, ChallengeKindRegistration)
	if err != nil {
		return storage.PasskeyCredential{}, err
	}
	if ownerID == "" {
		return storage.PasskeyCredential{}, apperrors.New(apperrors.CodeInvalidRequest, "registration challenge has no owner")
	}

	baseUser, err := s.users.GetUser(ctx, ownerID)
	if err != nil {
		return storage.PasskeyCredential{}, fmt.Errorf("load user: %w", err)
	}
	webUser, err := s.loadWebAuthnUser(ctx, baseUser)
	if err != nil {
		return storage.PasskeyCredential{}, err
	}

	parsed, err := s.parser.ParseCredentialCreationResponseBytes(responseJSON)
	if err != nil {
		return storage.PasskeyCredential{}, apperrors.Wrap(apperrors.CodeInvalidRequest, "credential response is malformed", err)
	}
	credential, err := s.provider.CreateCredential(webUser, session, parsed)
	if err != nil {
		return storage.PasskeyCredential{}, apperrors.Wrap(apperrors.CodeUnauthenticated, "credential response failed validation", err)
	}

	record, err := s.saveCredential(ctx, baseUser.ID, *credential, strings.TrimSpace(name), false)
	if err != nil {
		return storage.PasskeyCredential{}, err
	}
	s.recorder.Record(ctx, audit.Entry{
		UserID: baseUser.ID,
		Type:   audit.EventPasskeyRegistered,
		Detail: map[string]string{"credential_id": record.CredentialID},
	})
	return record, nil
}

// BeginLogin starts an assertion ceremony. An empty userID starts a
// discoverable login where the authenticator chooses the account.
func (s *Service) BeginLogin(ctx context.Context, userID string) (BeginResult, error) {
	var (
		assertion *protocol.CredentialAssertion
		session   *webauthn.SessionData
		err       error
	)
	if strings.TrimSpace(userID) == "" {
		assertion, session, err = s.provider.BeginDiscoverableLogin()
	} else {
		baseUser, loadErr := s.users.GetUser(ctx, userID)
		if loadErr != nil {
			return BeginResult{}, fmt.Errorf("load user: %w", loadErr)
		}
		webUser, loadErr := s.loadWebAuthnUser(ctx, baseUser)
		if loadErr != nil {
			return BeginResult{}, loadErr
		}
		assertion, session, err = s.provider.BeginLogin(webUser)
	}
	if err != nil {
		return BeginResult{}, fmt.Errorf("begin passkey login: %w", err)
	}
	return s.storeChallenge(ctx, ChallengeKindLogin, strings.TrimSpace(userID), assertion, session)
}

// FinishLogin validates the assertion and returns the signed-in user. A
// counter regression marks a possible cloned authenticator; the login is
// rejected and the incident recorded.
func (s *Service) FinishLogin(ctx context.Context, challengeID string, responseJSON []byte) (user.User, error) {
	session, _, err := s.consumeChallenge(ctx, challengeID, ChallengeKindLogin)
	if err != nil {
		return user.User{}, err
	}

	parsed, err := s.parser.ParseCredentialRequestResponseBytes(responseJSON)
	if err != nil {
		return user.User{}, apperrors.Wrap(apperrors.CodeInvalidRequest, "credential response is malformed", err)
	}

	validatedUser, credential, err := s.provider.ValidatePasskeyLogin(s.userHandler(ctx), session, parsed)
	if err != nil {
		return user.User{}, apperrors.Wrap(apperrors.CodeUnauthenticated, "passkey assertion failed validation", err)
	}

	webUser, ok := validatedUser.(*webAuthnUser)
	if !ok {
		return user.User{}, fmt.Errorf("unexpected webauthn user type %T", validatedUser)
	}

	if credential.Authenticator.CloneWarning {
		s.recorder.Record(ctx, audit.Entry{
			UserID: webUser.user.ID,
			Type:   audit.EventPasskeyCloneWarning,
			Detail: map[string]string{"credential_id": encodeCredentialID(credential.ID)},
		})
		return user.User{}, apperrors.New(apperrors.CodeUnauthenticated, "authenticator counter regressed")
	}

	if _, err := s.saveCredential(ctx, webUser.user.ID, *credential, "", true); err != nil {
		return user.User{}, err
	}
	s.recorder.Record(ctx, audit.Entry{
		UserID: webUser.user.ID,
		Type:   audit.EventPasskeyLogin,
		Detail: map[string]string{"credential_id": encodeCredentialID(credential.ID)},
	})
	return webUser.user, nil
}

// ListCredentials returns the user's registered passkeys.
func (s *Service) ListCredentials(ctx context.Context, userID string) ([]storage.PasskeyCredential, error) {
	return s.store.ListPasskeyCredentials(ctx, userID)
}

// RenameCredential sets the display name of a credential the user owns.
func (s *Service) RenameCredential(ctx context.Context, userID, credentialID, name string) error {
	record, err := s.store.GetPasskeyCredential(ctx, credentialID)
	if err != nil {
		return err
	}
	if record.UserID != userID {
		return apperrors.New(apperrors.CodeInsufficientPermissions, "credential belongs to another account")
	}
	record.Name = strings.TrimSpace(name)
	record.UpdatedAt = s.clock().UTC()
	return s.store.PutPasskeyCredential(ctx, record)
}

// DeleteCredential removes a credential the user owns.
func (s *Service) DeleteCredential(ctx context.Context, userID, credentialID string) error {
	record, err := s.store.GetPasskeyCredential(ctx, credentialID)
	if err != nil {
		return err
	}
	if record.UserID != userID {
		return apperrors.New(apperrors.CodeInsufficientPermissions, "credential belongs to another account")
	}
	return s.store.DeletePasskeyCredential(ctx, credentialID)
}

// CleanupExpired removes pending challenges past their TTL.
func (s *Service) CleanupExpired(ctx context.Context) error {
	return s.store.DeleteExpiredPasskeyChallenges(ctx, s.clock().UTC())
}

type webAuthnUser struct {
	user        user.User
	credentials []webauthn.Credential
}

func (u *webAuthnUser) WebAuthnID() []byte                         { return []byte(u.user.ID) }
func (u *webAuthnUser) WebAuthnName() string                       { return u.user.ID }
func (u *webAuthnUser) WebAuthnDisplayName() string                { return u.user.DisplayName }
func (u *webAuthnUser) WebAuthnIcon() string                       { return "" }
func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func (s *Service) loadWebAuthnUser(ctx context.Context, base user.User) (*webAuthnUser, error) {
	records, err := s.store.ListPasskeyCredentials(ctx, base.ID)
	if err != nil {
		return nil, fmt.Errorf("list passkey credentials: %w", err)
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		var credential webauthn.Credential
		if err := json.Unmarshal([]byte(record.CredentialJSON), &credential); err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", record.CredentialID, err)
		}
		credentials = append(credentials, credential)
	}
	return &webAuthnUser{user: base, credentials: credentials}, nil
}

func (s *Service) userHandler(ctx context.Context) webauthn.DiscoverableUserHandler {
	return func(_, userHandle []byte) (webauthn.User, error) {
		userID := strings.TrimSpace(string(userHandle))
		if userID == "" {
			return nil, fmt.Errorf("user handle is required")
		}
		baseUser, err := s.users.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		return s.loadWebAuthnUser(ctx, baseUser)
	}
}

func (s *Service) storeChallenge(ctx context.Context, kind ChallengeKind, userID string, options any, session *webauthn.SessionData) (BeginResult, error) {
	if session == nil {
		return BeginResult{}, fmt.Errorf("session data is required")
	}
	challengeID, err := s.idGenerator()
	if err != nil {
		return BeginResult{}, fmt.Errorf("generate challenge id: %w", err)
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return BeginResult{}, fmt.Errorf("encode session: %w", err)
	}
	if err := s.store.PutPasskeyChallenge(ctx, storage.PasskeyChallenge{
		ID:          challengeID,
		Kind:        string(kind),
		UserID:      userID,
		SessionJSON: string(payload),
		ExpiresAt:   s.clock().UTC().Add(s.challengeTTL),
	}); err != nil {
		return BeginResult{}, fmt.Errorf("store challenge: %w", err)
	}

	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return BeginResult{}, fmt.Errorf("encode ceremony options: %w", err)
	}
	return BeginResult{ChallengeID: challengeID, OptionsJSON: optionsJSON}, nil
}

// consumeChallenge retrieves and burns a pending ceremony. A replayed,
// expired, or kind-mismatched challenge fails with INVALID_REQUEST.
func (s *Service) consumeChallenge(ctx context.Context, challengeID string, kind ChallengeKind) (webauthn.SessionData, string, error) {
	stored, err := s.store.ConsumePasskeyChallenge(ctx, strings.TrimSpace(challengeID), string(kind), s.clock().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		return webauthn.SessionData{}, "", apperrors.New(apperrors.CodeInvalidRequest, "ceremony challenge is unknown or already used")
	}
	if err != nil {
		return webauthn.SessionData{}, "", fmt.Errorf("consume challenge: %w", err)
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(stored.SessionJSON), &session); err != nil {
		return webauthn.SessionData{}, "", fmt.Errorf("decode session: %w", err)
	}
	return session, stored.UserID, nil
}

func (s *Service) saveCredential(ctx context.Context, userID string, credential webauthn.Credential, name string, used bool) (storage.PasskeyCredential, error) {
	credentialID := encodeCredentialID(credential.ID)
	now := s.clock().UTC()

	stored, err := s.store.GetPasskeyCredential(ctx, credentialID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.PasskeyCredential{}, fmt.Errorf("load stored credential: %w", err)
	}
	exists := err == nil
	if !exists && used {
		return storage.PasskeyCredential{}, apperrors.New(apperrors.CodeUnauthenticated, "credential is not registered")
	}

	createdAt := now
	if exists {
		createdAt = stored.CreatedAt
		if name == "" {
			name = stored.Name
		}
	}
	if name == "" {
		name = "Passkey"
	}

	payload, err := json.Marshal(credential)
	if err != nil {
		return storage.PasskeyCredential{}, fmt.Errorf("encode credential: %w", err)
	}
	var lastUsed *time.Time
	if used {
		value := now
		lastUsed = &value
	} else if exists {
		lastUsed = stored.LastUsedAt
	}

	record := storage.PasskeyCredential{
		CredentialID:   credentialID,
		UserID:         userID,
		Name:           name,
		CredentialJSON: string(payload),
		CreatedAt:      createdAt,
		UpdatedAt:      now,
		LastUsedAt:     lastUsed,
	}
	if err := s.store.PutPasskeyCredential(ctx, record); err != nil {
		return storage.PasskeyCredential{}, fmt.Errorf("store credential: %w", err)
	}
	return record, nil
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}
