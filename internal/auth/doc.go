// Package auth is the federated authentication core.
//
// It owns credential verification against third-party identity
// providers, account resolution and linking, session token issuance,
// second factors, and the security audit trail, so other services can
// depend on stable user ids instead of re-implementing identity rules.
//
// Subpackages:
//   - identity: provider credential verification (Google, Apple, Facebook)
//   - account: account resolution, linking, and local passwords
//   - token: access/refresh token issuance and rotation
//   - orchestrator: the end-to-end sign-in, link, and webhook flows
//   - twofactor: TOTP, backup codes, and trusted devices
//   - passkey: WebAuthn registration and login ceremonies
//   - storage: persistence interfaces and the SQLite implementation
//   - api/http: the chi-routed JSON surface
//   - app: configuration and server wiring
package auth
