package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
)

const facebookGraphURL = "https://graph.facebook.com/v19.0"

// facebookRequiredScopes must all be granted or the token is rejected; the
// resolver cannot link an account without a usable email and profile.
var facebookRequiredScopes = []string{"email", "public_profile"}

// FacebookConfig holds the Facebook application credential.
type FacebookConfig struct {
	AppID     string
	AppSecret string
	// GraphURL overrides the Graph API base, for tests.
	GraphURL string
}

// FacebookVerifier validates opaque Facebook access tokens through the Graph
// API's introspection endpoint and fetches the profile separately. The two
// network calls are independent and either may fail on its own.
type FacebookVerifier struct {
	appID      string
	appSecret  string
	graphURL   string
	httpClient *http.Client
}

// NewFacebookVerifier builds a verifier bound to the application credential.
func NewFacebookVerifier(cfg FacebookConfig) *FacebookVerifier {
	graphURL := strings.TrimSuffix(cfg.GraphURL, "/")
	if graphURL == "" {
		graphURL = facebookGraphURL
	}
	return &FacebookVerifier{
		appID:     cfg.AppID,
		appSecret: cfg.AppSecret,
		graphURL:  graphURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHTTPClient overrides the outbound client, for tests.
func (v *FacebookVerifier) WithHTTPClient(client *http.Client) *FacebookVerifier {
	if client != nil {
		v.httpClient = client
	}
	return v
}

// AppSecret exposes the application secret for webhook signature checks.
func (v *FacebookVerifier) AppSecret() string {
	return v.appSecret
}

// Verify introspects the access token and fetches the profile fields this
// core needs. Facebook exposes no separate email-verified flag, so a present
// email is treated as verified.
func (v *FacebookVerifier) Verify(ctx context.Context, credential string, platform Platform, opts Options) (VerifiedIdentity, error) {
	if credential == "" {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "credential is required")
	}

	introspection, err := v.introspect(ctx, credential)
	if err != nil {
		return nil, err
	}

	profile, err := v.fetchProfile(ctx, credential)
	if err != nil {
		return nil, err
	}
	if profile.ID != introspection.UserID {
		return nil, apperrors.New(apperrors.CodeInvalidToken, "token subject does not match the profile")
	}

	return FacebookIdentity{
		baseIdentity: baseIdentity{
			externalID:    profile.ID,
			email:         profile.Email,
			emailVerified: profile.Email != "",
			displayName:   profile.Name,
			avatarURL:     profile.Picture.Data.URL,
		},
		GrantedScopes: introspection.Scopes,
	}, nil
}

type facebookIntrospection struct {
	UserID string
	Scopes []string
}

// introspect validates the token against the debug_token endpoint using the
// app-level credential.
func (v *FacebookVerifier) introspect(ctx context.Context, credential string) (facebookIntrospection, error) {
	query := url.Values{}
	query.Set("input_token", credential)
	query.Set("access_token", v.appID+"|"+v.appSecret)

	var payload struct {
		Data struct {
			AppID     string   `json:"app_id"`
			IsValid   bool     `json:"is_valid"`
			ExpiresAt int64    `json:"expires_at"`
			Scopes    []string `json:"scopes"`
			UserID    string   `json:"user_id"`
		} `json:"data"`
	}
	if err := v.getJSON(ctx, "/debug_token", query, &payload); err != nil {
		return facebookIntrospection{}, err
	}

	data := payload.Data
	if !data.IsValid {
		return facebookIntrospection{}, apperrors.New(apperrors.CodeInvalidToken, "access token is not valid")
	}
	if data.AppID != v.appID {
		return facebookIntrospection{}, apperrors.New(apperrors.CodeUntrustedIssuer, "access token belongs to a different application")
	}
	if data.ExpiresAt > 0 && time.Unix(data.ExpiresAt, 0).Before(time.Now()) {
		return facebookIntrospection{}, apperrors.New(apperrors.CodeExpiredToken, "access token has expired")
	}
	for _, required := range facebookRequiredScopes {
		if !containsString(data.Scopes, required) {
			return facebookIntrospection{}, apperrors.WithMetadata(
				apperrors.CodeInsufficientPermissions,
				"access token is missing a required permission",
				map[string]string{"missing_scope": required},
			)
		}
	}
	if data.UserID == "" {
		return facebookIntrospection{}, apperrors.New(apperrors.CodeInvalidToken, "access token carries no user id")
	}

	return facebookIntrospection{UserID: data.UserID, Scopes: data.Scopes}, nil
}

type facebookProfile struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture struct {
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
	} `json:"picture"`
}

// fetchProfile retrieves the profile fields needed by the account resolver.
func (v *FacebookVerifier) fetchProfile(ctx context.Context, credential string) (facebookProfile, error) {
	query := url.Values{}
	query.Set("fields", "id,name,email,picture")
	query.Set("access_token", credential)

	var profile facebookProfile
	if err := v.getJSON(ctx, "/me", query, &profile); err != nil {
		return facebookProfile{}, err
	}
	if profile.ID == "" {
		return facebookProfile{}, apperrors.New(apperrors.CodeInvalidToken, "profile response carries no user id")
	}
	return profile, nil
}

func (v *FacebookVerifier) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.graphURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeProviderUnavailable, "identity provider is unreachable", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeProviderUnavailable, "identity provider is unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.Wrap(apperrors.CodeProviderUnavailable, "identity provider returned an unreadable response", err)
		}
		return nil
	case resp.StatusCode >= 500:
		return apperrors.Wrap(apperrors.CodeProviderUnavailable, "identity provider is unavailable",
			fmt.Errorf("graph api returned status %d", resp.StatusCode))
	default:
		// 4xx from the Graph API means the token itself was rejected.
		return apperrors.Wrap(apperrors.CodeInvalidToken, "access token was rejected by the provider",
			fmt.Errorf("graph api returned status %d", resp.StatusCode))
	}
}

var _ Verifier = (*FacebookVerifier)(nil)
