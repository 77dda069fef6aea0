// Package cache provides response caching for the gateway, plus the shared
// keyspace used to cache resolved configuration (identities, scopes, provider
// credentials, model lists, and exchanged OAuth tokens) so hot lookups avoid
// a round trip to storage or an upstream cloud auth endpoint.
package cache

import (
	"context"
	"strings"
	"time"
)

// Cache is the interface for response caching. Implementations may be a
// single in-process tier (Memory), a shared remote tier (Redis), or a
// composition of both (Tiered).
type Cache interface {
	// Get retrieves a cached value by key.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	// Delete removes a cached value.
	Delete(ctx context.Context, key string)
	// Purge removes all cached values.
	Purge(ctx context.Context)
	// PurgePrefix removes every cached value whose key starts with prefix.
	// Used to invalidate a whole keyspace family (e.g. every "user:" entry)
	// in one call instead of tracking individual keys at the call site.
	PurgePrefix(ctx context.Context, prefix string)
	// Stats reports cumulative hit/miss counters and the current size.
	Stats() Stats
}

// Stats holds cumulative cache counters. Size is best-effort: Redis reports
// 0 since DBSIZE would count unrelated keys sharing the same database.
type Stats struct {
	Hits   int64
	Misses int64
	Size   int
}

// Keyspace family prefixes. Every cache entry outside the raw response-body
// cache (keyed by the server's own SHA-256 request hash) belongs to one of
// these families, so a write to the underlying record can be invalidated
// with PurgePrefix without the caller needing to track individual keys.
const (
	PrefixUser            = "user:"
	PrefixForgeScope      = "forge_scope:"
	PrefixProviderService = "provider_service:"
	PrefixProviderKeys    = "provider_keys:"
	PrefixModels          = "models:"
	PrefixOAuthToken      = "oauth_token:"
)

// UserKey builds the cache key for a resolved user/identity record.
func UserKey(userID string) string { return PrefixUser + userID }

// ForgeScopeKey builds the cache key for a resolved org/team authorization scope.
func ForgeScopeKey(scopeID string) string { return PrefixForgeScope + scopeID }

// ProviderServiceKey builds the cache key for a resolved provider's routing config.
func ProviderServiceKey(providerID string) string { return PrefixProviderService + providerID }

// ProviderKeysKey builds the cache key for a provider's decoded credential set.
func ProviderKeysKey(providerID string) string { return PrefixProviderKeys + providerID }

// ModelsKey builds the cache key for a model listing, optionally scoped by
// one or more qualifiers (e.g. provider ID, hosting mode).
func ModelsKey(parts ...string) string {
	if len(parts) == 0 {
		return PrefixModels
	}
	return PrefixModels + strings.Join(parts, ":")
}

// OAuthTokenKey builds the cache key for an exchanged bearer token, keyed on
// the opaque credential blob it was exchanged from (e.g. a Vertex service
// account JSON document) so rotating the credential naturally misses cache.
func OAuthTokenKey(credential string) string { return PrefixOAuthToken + credential }
