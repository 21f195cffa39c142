package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// testKeyPair is an RSA key with a stable kid for fake JWKS endpoints.
type testKeyPair struct {
	kid string
	key *rsa.PrivateKey
}

func newTestKeyPair(t *testing.T, kid string) testKeyPair {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return testKeyPair{kid: kid, key: key}
}

// jwksJSON renders the public halves of the pairs as a JWKS document.
func jwksJSON(t *testing.T, pairs ...testKeyPair) []byte {
	t.Helper()
	type jwk struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Use string `json:"use"`
		N   string `json:"n"`
		E   string `json:"e"`
	}
	doc := struct {
		Keys []jwk `json:"keys"`
	}{}
	for _, pair := range pairs {
		public := pair.key.Public().(*rsa.PublicKey)
		doc.Keys = append(doc.Keys, jwk{
			Kty: "RSA",
			Kid: pair.kid,
			Use: "sig",
			N:   base64.RawURLEncoding.EncodeToString(public.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(public.E)).Bytes()),
		})
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return raw
}

// newJWKSServer serves a JWKS document and counts fetches.
func newJWKSServer(t *testing.T, pairs ...testKeyPair) (*httptest.Server, *int) {
	t.Helper()
	fetches := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwksJSON(t, pairs...))
	}))
	t.Cleanup(server.Close)
	return server, &fetches
}

// signIDToken mints an RS256 token with the pair's kid in the header.
func signIDToken(t *testing.T, pair testKeyPair, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = pair.kid
	signed, err := token.SignedString(pair.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// googleClaims returns a valid baseline Google claim set anchored at now.
func googleClaims(now time.Time, audience string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":            googleIssuer,
		"aud":            audience,
		"sub":            "google-user-1",
		"email":          "user@example.com",
		"email_verified": true,
		"name":           "Test User",
		"picture":        "https://example.com/avatar.png",
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
	}
}

// appleClaims returns a valid baseline Apple claim set anchored at now.
func appleClaims(now time.Time, audience string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":              appleIssuer,
		"aud":              audience,
		"sub":              "apple-user-1",
		"email":            "user@example.com",
		"email_verified":   "true",
		"real_user_status": float64(2),
		"iat":              now.Unix(),
		"exp":              now.Add(time.Hour).Unix(),
	}
}
