package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
	"github.com/virtuenet/UpCoach-sub002/internal/platform/cache"
	"github.com/virtuenet/UpCoach-sub002/internal/platform/kv"
)

// jwksMaxResponseBytes bounds provider key documents; real JWKS payloads are
// a few kilobytes.
const jwksMaxResponseBytes = 1 << 20

// KeySet resolves a provider's RSA signing keys by key id.
//
// Keys live in an in-process map refreshed on a time box; the raw JWKS
// document is mirrored into a durable cache tier so sibling processes can
// verify while the provider endpoint is unreachable. A lookup that misses the
// in-memory set forces one synchronous refresh and retries before failing.
type KeySet struct {
	url        string
	httpClient *http.Client
	fallback   *cache.Tiered
	refreshTTL time.Duration
	clock      func() time.Time

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time

	refreshMu sync.Mutex
}

// NewKeySet creates a key set for the JWKS endpoint at url. The fallback
// store may be nil; the in-process tier then stands alone.
func NewKeySet(url string, fallback kv.Store, refreshTTL time.Duration) *KeySet {
	if refreshTTL <= 0 {
		refreshTTL = time.Hour
	}
	return &KeySet{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		fallback:   cache.NewTiered(fallback, 24*time.Hour),
		refreshTTL: refreshTTL,
		clock:      time.Now,
		keys:       make(map[string]*rsa.PublicKey),
	}
}

// WithHTTPClient overrides the outbound client, for tests and custom timeouts.
func (ks *KeySet) WithHTTPClient(client *http.Client) *KeySet {
	if client != nil {
		ks.httpClient = client
	}
	return ks
}

// WithClock overrides the time source.
func (ks *KeySet) WithClock(clock func() time.Time) *KeySet {
	if clock != nil {
		ks.clock = clock
	}
	return ks
}

// Key returns the RSA public key for kid.
//
// A fresh in-memory hit returns immediately. A miss (or a stale set) forces
// one refresh and retries; a kid still unknown after refresh fails with
// UNTRUSTED_ISSUER so a forged key id cannot loop the fetcher.
func (ks *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	ks.mu.RLock()
	key, ok := ks.keys[kid]
	fresh := ks.clock().Sub(ks.fetchedAt) < ks.refreshTTL
	ks.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	missingKid := ""
	if !ok {
		missingKid = kid
	}
	if err := ks.refresh(ctx, missingKid); err != nil {
		if ok {
			// Serve the known-but-stale key rather than failing the login on
			// a provider outage.
			return key, nil
		}
		return nil, err
	}

	ks.mu.RLock()
	key, ok = ks.keys[kid]
	ks.mu.RUnlock()
	if !ok {
		return nil, apperrors.New(apperrors.CodeUntrustedIssuer, "signing key is not recognized")
	}
	return key, nil
}

// refresh fetches the JWKS document, falling back to the durable cache copy
// when the provider endpoint is unreachable. A non-empty missingKid marks a
// forced refresh for a key id absent from the in-memory set; the fetch is
// skipped only when a concurrent caller already brought that kid in.
func (ks *KeySet) refresh(ctx context.Context, missingKid string) error {
	ks.refreshMu.Lock()
	defer ks.refreshMu.Unlock()

	// Another caller may have refreshed while this one waited on the lock.
	ks.mu.RLock()
	_, kidArrived := ks.keys[missingKid]
	fresh := ks.clock().Sub(ks.fetchedAt) < ks.refreshTTL && len(ks.keys) > 0
	ks.mu.RUnlock()
	if missingKid != "" {
		if kidArrived {
			return nil
		}
	} else if fresh {
		return nil
	}

	raw, fetchErr := ks.fetch(ctx)
	if fetchErr != nil {
		cached, ok := ks.fallback.Get(ctx, ks.cacheKey())
		if !ok {
			return apperrors.Wrap(apperrors.CodeProviderUnavailable, "identity provider keys are unavailable", fetchErr)
		}
		raw = []byte(cached)
	}

	keys, err := parseJWKS(raw)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeProviderUnavailable, "identity provider keys are unavailable", err)
	}

	ks.mu.Lock()
	ks.keys = keys
	ks.fetchedAt = ks.clock()
	ks.mu.Unlock()

	if fetchErr == nil {
		ks.fallback.Put(ctx, ks.cacheKey(), string(raw))
	}
	return nil
}

func (ks *KeySet) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := ks.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, jwksMaxResponseBytes))
}

func (ks *KeySet) cacheKey() string {
	return "jwks:" + ks.url
}

type jwksDocument struct {
	Keys []jwkEntry `json:"keys"`
}

type jwkEntry struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// parseJWKS converts a JWKS document into usable RSA public keys. Non-RSA
// entries are skipped; an empty result is an error.
func parseJWKS(raw []byte) (map[string]*rsa.PublicKey, error) {
	var doc jwksDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode jwks document: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, entry := range doc.Keys {
		if entry.Kty != "RSA" || entry.Kid == "" {
			continue
		}
		key, err := jwkToRSAPublicKey(entry)
		if err != nil {
			return nil, fmt.Errorf("parse jwk %s: %w", entry.Kid, err)
		}
		keys[entry.Kid] = key
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("jwks document contains no usable RSA keys")
	}
	return keys, nil
}

func jwkToRSAPublicKey(entry jwkEntry) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(entry.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(entry.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exponent := 0
	for _, b := range eBytes {
		exponent = exponent<<8 | int(b)
	}
	if exponent <= 1 {
		return nil, fmt.Errorf("invalid public exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: exponent,
	}, nil
}
