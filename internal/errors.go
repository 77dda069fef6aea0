package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrModelNotAllowed = errors.New("model not allowed")
	ErrProviderError   = errors.New("provider error")
	ErrBadRequest      = errors.New("bad request")
	ErrKeyExpired      = errors.New("api key expired")
	ErrKeyBlocked      = errors.New("api key blocked")

	// ErrInvalidProvider means the model string did not resolve to any
	// configured provider (no prefix match, no unprefixed fallback hit).
	ErrInvalidProvider = errors.New("invalid provider")
	// ErrScopeDenied means the resolved provider credential is outside the
	// caller's allowed_provider_key_ids scope.
	ErrScopeDenied = errors.New("scope denied")
	// ErrProviderAuthFailed means the upstream provider rejected our credential.
	ErrProviderAuthFailed = errors.New("provider auth failed")
	// ErrInvalidProviderSetup means a provider credential is misconfigured
	// (e.g. malformed service account JSON, missing required field).
	ErrInvalidProviderSetup = errors.New("invalid provider setup")
	// ErrPaymentRequired means the tenant's wallet is blocked or has a
	// non-positive balance for a billable provider credential.
	ErrPaymentRequired = errors.New("payment required")
	// ErrNotImplemented means the operation is recognized but not supported
	// by this deployment (e.g. an OpenAI surface with no adapter support yet).
	ErrNotImplemented = errors.New("not implemented")
)
