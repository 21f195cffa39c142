// Package orchestrator drives federated sign-in end to end: request
// validation, rate limiting, claim verification, account resolution,
// token issuance, and the audit trail around all of it.
package orchestrator

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/virtuenet/UpCoach-sub002/internal/auth/account"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/audit"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/identity"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/metrics"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/notify"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/ratelimit"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/storage"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/token"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/user"
	apperrors "github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
)

// secondFactor is the slice of the two-factor service the orchestrator
// consults for status reporting and new-device detection.
type secondFactor interface {
	Enabled(ctx context.Context, userID string) (bool, error)
	IsDeviceTrusted(ctx context.Context, userID, fingerprint string) (bool, error)
}

// Deps wires the orchestrator's collaborators. Verifiers carries one
// entry per enabled provider; a provider without a verifier cannot sign
// in. Mailer, SecondFactor, Metrics, and Logger are optional.
type Deps struct {
	Verifiers      map[identity.Provider]identity.Verifier
	Accounts       *account.Service
	Tokens         *token.Issuer
	Users          storage.UserStore
	Limiter        *ratelimit.Limiter
	Recorder       *audit.Recorder
	Mailer         notify.Mailer
	SecondFactor   secondFactor
	Metrics        *metrics.Collector
	Logger         *zap.Logger
	WebhookSecrets map[identity.Provider]string
}

// Service coordinates the authentication flows.
type Service struct {
	verifiers      map[identity.Provider]identity.Verifier
	accounts       *account.Service
	tokens         *token.Issuer
	users          storage.UserStore
	limiter        *ratelimit.Limiter
	recorder       *audit.Recorder
	mailer         notify.Mailer
	secondFactor   secondFactor
	metrics        *metrics.Collector
	logger         *zap.Logger
	webhookSecrets map[identity.Provider]string
}

// New creates the orchestrator from its dependencies.
func New(deps Deps) (*Service, error) {
	if deps.Accounts == nil || deps.Tokens == nil || deps.Users == nil {
		return nil, fmt.Errorf("accounts, tokens, and users are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		verifiers:      deps.Verifiers,
		accounts:       deps.Accounts,
		tokens:         deps.Tokens,
		users:          deps.Users,
		limiter:        deps.Limiter,
		recorder:       deps.Recorder,
		mailer:         deps.Mailer,
		secondFactor:   deps.SecondFactor,
		metrics:        deps.Metrics,
		logger:         logger,
		webhookSecrets: deps.WebhookSecrets,
	}, nil
}

// Input is one sign-in or link request.
type Input struct {
	Provider   identity.Provider
	Platform   identity.Platform
	Credential string
	Device     token.Device
	Nonce      string
}

// Result is a successful sign-in.
type Result struct {
	User            user.User
	Tokens          token.Pair
	Provider        identity.Provider
	IsNewUser       bool
	LinkedProviders []identity.Provider
}

var providerScopes = map[identity.Provider]ratelimit.Scope{
	identity.ProviderGoogle:   ratelimit.ScopeGoogle,
	identity.ProviderApple:    ratelimit.ScopeApple,
	identity.ProviderFacebook: ratelimit.ScopeFacebook,
}

// Authenticate runs the full sign-in flow. Every failure is recorded as
// a signin_failed event before the original error is returned.
func (s *Service) Authenticate(ctx context.Context, input Input) (Result, error) {
	verifier, err := s.validate(input)
	if err != nil {
		s.failSignIn(ctx, input, "", err)
		return Result{}, err
	}

	if s.limiter != nil {
		scope := providerScopes[input.Provider]
		if err := s.limiter.Admit(ctx, scope, token.Fingerprint(input.Device), input.Device.IP); err != nil {
			if apperrors.CodeOf(err) == apperrors.CodeRateLimited {
				s.metrics.RecordRateLimitRejection(string(scope))
			}
			s.failSignIn(ctx, input, "", err)
			return Result{}, err
		}
	}

	verified, err := verifier.Verify(ctx, input.Credential, input.Platform, identity.Options{Nonce: input.Nonce})
	if err != nil {
		s.failSignIn(ctx, input, "", err)
		return Result{}, err
	}
	s.recorder.Record(ctx, audit.Entry{
		Type:      audit.EventTokenVerified,
		Provider:  string(input.Provider),
		Platform:  string(input.Platform),
		IP:        input.Device.IP,
		UserAgent: input.Device.UserAgent,
	})

	resolved, err := s.accounts.SignIn(ctx, verified)
	if err != nil {
		s.failSignIn(ctx, input, "", err)
		return Result{}, err
	}
	if resolved.IsNew {
		s.recorder.Record(ctx, audit.Entry{
			UserID:   resolved.User.ID,
			Type:     audit.EventUserCreated,
			Provider: string(input.Provider),
			Platform: string(input.Platform),
		})
	}
	if resolved.Linked {
		s.recorder.Record(ctx, audit.Entry{
			UserID:   resolved.User.ID,
			Type:     audit.EventAccountLinked,
			Provider: string(input.Provider),
			Platform: string(input.Platform),
			Detail:   map[string]string{"via": "email_match"},
		})
	}

	pair, err := s.tokens.Issue(ctx, resolved.User, input.Device, input.Provider)
	if err != nil {
		s.failSignIn(ctx, input, resolved.User.ID, err)
		return Result{}, err
	}

	s.recorder.Record(ctx, audit.Entry{
		UserID:    resolved.User.ID,
		Type:      audit.EventSignInSuccess,
		Provider:  string(input.Provider),
		Platform:  string(input.Platform),
		IP:        input.Device.IP,
		UserAgent: input.Device.UserAgent,
	})
	s.metrics.RecordSignIn(string(input.Provider), "success")
	s.notifyNewDevice(ctx, resolved, input.Device)

	return Result{
		User:            resolved.User,
		Tokens:          pair,
		Provider:        input.Provider,
		IsNewUser:       resolved.IsNew,
		LinkedProviders: resolved.User.LinkedProviders(),
	}, nil
}

// LinkProvider verifies a fresh credential and attaches the provider to
// an existing account.
func (s *Service) LinkProvider(ctx context.Context, userID string, input Input) (user.User, error) {
	verifier, err := s.validate(input)
	if err != nil {
		return user.User{}, err
	}

	verified, err := verifier.Verify(ctx, input.Credential, input.Platform, identity.Options{Nonce: input.Nonce})
	if err != nil {
		return user.User{}, err
	}

	linked, err := s.accounts.Link(ctx, userID, verified)
	if err != nil {
		return user.User{}, err
	}
	s.recorder.Record(ctx, audit.Entry{
		UserID:   userID,
		Type:     audit.EventAccountLinked,
		Provider: string(input.Provider),
		Platform: string(input.Platform),
		IP:       input.Device.IP,
	})
	s.sendNotification(ctx, linked, notify.TemplateProviderLinked, "Sign-in provider linked", map[string]string{
		"provider": string(input.Provider),
	})
	return linked, nil
}

// UnlinkProvider detaches a provider and returns the remaining linked
// set.
func (s *Service) UnlinkProvider(ctx context.Context, userID string, provider identity.Provider) ([]identity.Provider, error) {
	updated, err := s.accounts.Unlink(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	s.recorder.Record(ctx, audit.Entry{
		UserID:   userID,
		Type:     audit.EventAccountUnlinked,
		Provider: string(provider),
	})
	s.sendNotification(ctx, updated, notify.TemplateProviderUnlinked, "Sign-in provider unlinked", map[string]string{
		"provider": string(provider),
	})
	return updated.LinkedProviders(), nil
}

// SetPassword stores a local password for the account so provider
// unlinks no longer risk stranding it.
func (s *Service) SetPassword(ctx context.Context, userID, plain string) (user.User, error) {
	updated, err := s.accounts.SetPassword(ctx, userID, plain)
	if err != nil {
		return user.User{}, err
	}
	s.recorder.Record(ctx, audit.Entry{
		UserID: userID,
		Type:   audit.EventPasswordSet,
	})
	return updated, nil
}

// AuthStatus summarizes one account's credential posture.
type AuthStatus struct {
	Provider         identity.Provider   `json:"provider"`
	LinkedProviders  []identity.Provider `json:"linked_providers"`
	HasPassword      bool                `json:"has_password"`
	EmailVerified    bool                `json:"email_verified"`
	TwoFactorEnabled bool                `json:"two_factor_enabled"`
	SecurityScore    int                 `json:"security_score"`
	Recommendations  []string            `json:"recommendations"`
}

// UserAuthStatus computes the 0-100 security score and its rule-based
// recommendations.
func (s *Service) UserAuthStatus(ctx context.Context, userID string) (AuthStatus, error) {
	acct, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return AuthStatus{}, err
	}

	linked := acct.LinkedProviders()
	twoFactorEnabled := false
	if s.secondFactor != nil {
		if enabled, err := s.secondFactor.Enabled(ctx, userID); err == nil {
			twoFactorEnabled = enabled
		}
	}

	score := 20
	if acct.EmailVerified {
		score += 20
	}
	if acct.HasPassword() {
		score += 20
	}
	providerPoints := 10 * len(linked)
	if providerPoints > 30 {
		providerPoints = 30
	}
	score += providerPoints
	if acct.AppleID != "" {
		score += 10
	}
	if score > 100 {
		score = 100
	}

	var recommendations []string
	if !acct.EmailVerified {
		recommendations = append(recommendations, "Verify your email address.")
	}
	if !acct.HasPassword() {
		recommendations = append(recommendations, "Set a password so you can sign in without a provider.")
	}
	if len(linked) < 2 {
		recommendations = append(recommendations, "Link a second sign-in provider as a backup.")
	}
	if acct.AppleID == "" {
		recommendations = append(recommendations, "Link your Apple ID to add real-user validation.")
	}
	if !twoFactorEnabled {
		recommendations = append(recommendations, "Enable two-factor authentication.")
	}

	return AuthStatus{
		Provider:         acct.AuthProvider,
		LinkedProviders:  linked,
		HasPassword:      acct.HasPassword(),
		EmailVerified:    acct.EmailVerified,
		TwoFactorEnabled: twoFactorEnabled,
		SecurityScore:    score,
		Recommendations:  recommendations,
	}, nil
}

func (s *Service) validate(input Input) (identity.Verifier, error) {
	if strings.TrimSpace(input.Credential) == "" {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "credential is required")
	}
	switch input.Platform {
	case identity.PlatformWeb, identity.PlatformMobile:
	default:
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "platform must be web or mobile")
	}
	verifier, ok := s.verifiers[input.Provider]
	if !ok || verifier == nil {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, fmt.Sprintf("provider %q is not enabled", input.Provider))
	}
	return verifier, nil
}

// failSignIn records the failed attempt without masking the cause.
func (s *Service) failSignIn(ctx context.Context, input Input, userID string, cause error) {
	s.metrics.RecordSignIn(string(input.Provider), strings.ToLower(string(apperrors.CodeOf(cause))))
	s.recorder.Record(ctx, audit.Entry{
		UserID:    userID,
		Type:      audit.EventSignInFailed,
		Provider:  string(input.Provider),
		Platform:  string(input.Platform),
		Detail:    map[string]string{"error_kind": string(apperrors.CodeOf(cause))},
		IP:        input.Device.IP,
		UserAgent: input.Device.UserAgent,
	})
}

// notifyNewDevice emails the user when a sign-in arrives from a device
// that is neither trusted nor part of first-time account creation.
func (s *Service) notifyNewDevice(ctx context.Context, resolved account.SignInResult, device token.Device) {
	if s.mailer == nil || resolved.IsNew || resolved.User.Email == "" {
		return
	}
	if s.secondFactor != nil {
		trusted, err := s.secondFactor.IsDeviceTrusted(ctx, resolved.User.ID, token.Fingerprint(device))
		if err == nil && trusted {
			return
		}
	}
	s.sendNotification(ctx, resolved.User, notify.TemplateNewDeviceSignIn, "New sign-in to your account", map[string]string{
		"device_name": device.Name,
		"platform":    device.Platform,
		"ip":          device.IP,
	})
}

// sendNotification is fire-and-forget; delivery failures are logged.
func (s *Service) sendNotification(ctx context.Context, recipient user.User, template, subject string, data map[string]string) {
	if s.mailer == nil || recipient.Email == "" {
		return
	}
	if err := s.mailer.Send(ctx, notify.Message{
		To:       recipient.Email,
		Subject:  subject,
		Template: template,
		Data:     data,
	}); err != nil {
		s.logger.Warn("notification delivery failed",
			zap.String("template", template),
			zap.String("user_id", recipient.ID),
			zap.Error(err),
		)
	}
}

// deauthorizePayload is the body Facebook posts when a user removes the
// app from their account.
type deauthorizePayload struct {
	UserID string `json:"user_id"`
}

// HandleWebhook processes provider callbacks. Only the Facebook
// deauthorize event is supported; its signature is an HMAC-SHA256 over
// the raw payload with the app secret.
func (s *Service) HandleWebhook(ctx context.Context, provider identity.Provider, event string, payload []byte, signature string) error {
	if provider != identity.ProviderFacebook || event != "deauthorize" {
		err := apperrors.New(apperrors.CodeInvalidRequest, fmt.Sprintf("unsupported webhook %s/%s", provider, event))
		s.rejectWebhook(ctx, provider, event, err)
		return err
	}

	secret := s.webhookSecrets[provider]
	if secret == "" {
		err := apperrors.New(apperrors.CodeInternal, "webhook secret is not configured")
		s.rejectWebhook(ctx, provider, event, err)
		return err
	}
	if !verifyWebhookSignature(payload, signature, secret) {
		err := apperrors.New(apperrors.CodeUnauthenticated, "webhook signature mismatch")
		s.rejectWebhook(ctx, provider, event, err)
		return err
	}

	var body deauthorizePayload
	if err := json.Unmarshal(payload, &body); err != nil || body.UserID == "" {
		err := apperrors.New(apperrors.CodeInvalidRequest, "webhook payload is malformed")
		s.rejectWebhook(ctx, provider, event, err)
		return err
	}

	acct, err := s.users.GetUserByProviderID(ctx, provider, body.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		// Deauthorize for an identity we never linked is a no-op.
		s.acceptWebhook(ctx, provider, event, "", map[string]string{"result": "unknown_subject"})
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve webhook subject: %w", err)
	}

	// The provider revoked access, so the linkage is cleared even when it
	// is the account's last credential.
	if err := acct.ClearProviderID(provider); err != nil {
		return fmt.Errorf("clear provider linkage: %w", err)
	}
	if acct.AuthProvider == provider {
		remaining := acct.LinkedProviders()
		if len(remaining) > 0 {
			acct.AuthProvider = remaining[0]
		}
	}
	if err := s.users.UpdateUser(ctx, acct); err != nil {
		return fmt.Errorf("clear provider linkage: %w", err)
	}
	if err := s.tokens.RevokeAll(ctx, acct.ID); err != nil {
		s.logger.Warn("revoke sessions after deauthorize failed",
			zap.String("user_id", acct.ID),
			zap.Error(err),
		)
	}

	s.acceptWebhook(ctx, provider, event, acct.ID, map[string]string{"result": "unlinked"})
	return nil
}

func (s *Service) acceptWebhook(ctx context.Context, provider identity.Provider, event, userID string, detail map[string]string) {
	s.metrics.RecordWebhook(string(provider), "accepted")
	if detail == nil {
		detail = map[string]string{}
	}
	detail["event"] = event
	s.recorder.Record(ctx, audit.Entry{
		UserID:   userID,
		Type:     audit.EventWebhookReceived,
		Provider: string(provider),
		Detail:   detail,
	})
}

func (s *Service) rejectWebhook(ctx context.Context, provider identity.Provider, event string, cause error) {
	s.metrics.RecordWebhook(string(provider), "rejected")
	s.recorder.Record(ctx, audit.Entry{
		Type:     audit.EventWebhookRejected,
		Provider: string(provider),
		Detail: map[string]string{
			"event":      event,
			"error_kind": string(apperrors.CodeOf(cause)),
		},
	})
}

// verifyWebhookSignature accepts hex HMAC-SHA256 digests with or without
// the "sha256=" prefix Facebook sends in X-Hub-Signature-256.
func verifyWebhookSignature(payload []byte, signature, secret string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(provided, mac.Sum(nil))
}
