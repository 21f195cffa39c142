// Package errors provides structured error handling with stable machine codes.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Request errors
	CodeInvalidRequest Code = "INVALID_REQUEST"

	// Claim verification errors
	CodeInvalidToken     Code = "INVALID_TOKEN"
	CodeExpiredToken     Code = "EXPIRED_TOKEN"
	CodeUntrustedIssuer  Code = "UNTRUSTED_ISSUER"
	CodeAudienceMismatch Code = "AUDIENCE_MISMATCH"

	// Account linking errors
	CodeEmailMismatch           Code = "EMAIL_MISMATCH"
	CodeAlreadyLinkedElsewhere  Code = "ALREADY_LINKED_ELSEWHERE"
	CodeAlreadyLinkedSelf       Code = "ALREADY_LINKED_SELF"
	CodeLastCredential          Code = "LAST_CREDENTIAL"
	CodeInsufficientPermissions Code = "INSUFFICIENT_PERMISSIONS"

	// Flow control errors
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"

	// Second factor errors
	CodeSecondFactorRequired Code = "SECOND_FACTOR_REQUIRED"
	CodeSecondFactorInvalid  Code = "SECOND_FACTOR_INVALID"

	// Generic errors
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeInternal        Code = "INTERNAL"
)

// HTTPStatus maps the code to an HTTP response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeInvalidToken, CodeExpiredToken, CodeUntrustedIssuer, CodeAudienceMismatch, CodeUnauthenticated, CodeSecondFactorInvalid:
		return http.StatusUnauthorized
	case CodeEmailMismatch, CodeLastCredential, CodeInsufficientPermissions, CodeSecondFactorRequired:
		return http.StatusForbidden
	case CodeAlreadyLinkedElsewhere, CodeAlreadyLinkedSelf, CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeProviderUnavailable:
		return http.StatusBadGateway
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may safely retry the operation.
func (c Code) Retryable() bool {
	return c == CodeProviderUnavailable || c == CodeRateLimited
}
