package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/castellan-io/relaygate/internal"
	"github.com/castellan-io/relaygate/internal/storage"
)

// credentialSetTTL is how long a tenant's loaded credential set stays cached
// before the resolver re-reads the provider store.
const credentialSetTTL = time.Hour

// Resolved is what ModelResolver.Resolve returns on a match.
type Resolved struct {
	ProviderName  string
	NativeModelID string
	Config        *gateway.ProviderConfig
}

// ModelResolver maps a model string to a concrete provider and native model
// id, honoring per-key provider scope. This is distinct from RouterService:
// RouterService resolves an admin-declared alias to a list of provider/model
// targets, which ProxyService dispatches as-is; ModelResolver is consulted
// only when no alias is registered for the model string.
type ModelResolver struct {
	providers storage.ProviderStore
	cache     *otter.Cache[string, map[string]*gateway.ProviderConfig]
}

// NewModelResolver returns a ModelResolver backed by the given provider store.
func NewModelResolver(providers storage.ProviderStore) *ModelResolver {
	cache := otter.Must(&otter.Options[string, map[string]*gateway.ProviderConfig]{
		MaximumSize:      64,
		ExpiryCalculator: otter.ExpiryWriting[string, map[string]*gateway.ProviderConfig](credentialSetTTL),
	})
	return &ModelResolver{providers: providers, cache: cache}
}

// credentialSetKey is a single process-wide slot since providers are not
// currently partitioned per tenant in this deployment's schema; tenant-scoped
// partitioning would key this by tenant_id once ProviderConfig carries one.
const credentialSetKey = "all"

// loadCredentialSet returns all enabled, non-deleted providers indexed by
// lowercase name, from cache if present.
func (r *ModelResolver) loadCredentialSet(ctx context.Context) (map[string]*gateway.ProviderConfig, error) {
	if cached, ok := r.cache.GetIfPresent(credentialSetKey); ok {
		return cached, nil
	}

	all, err := r.providers.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credential set: %w", err)
	}

	set := make(map[string]*gateway.ProviderConfig, len(all))
	for _, p := range all {
		if !p.Enabled || p.DeletedAt != nil {
			continue
		}
		set[strings.ToLower(p.Name)] = p
	}

	r.cache.Set(credentialSetKey, set)
	return set, nil
}

// NamesForIDs maps provider credential IDs (as stored on Identity's
// AllowedProviderKeyIDs) to provider names, for callers that enforce scope
// by key ID but need to call Resolve, which matches by name. IDs with no
// matching credential are silently dropped.
func (r *ModelResolver) NamesForIDs(ctx context.Context, ids []string) []string {
	set, err := r.loadCredentialSet(ctx)
	if err != nil || len(ids) == 0 {
		return nil
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var names []string
	for _, cfg := range set {
		if wanted[cfg.ID] {
			names = append(names, cfg.Name)
		}
	}
	return names
}

// Resolve implements the longest-prefix-match algorithm: it splits model on
// "/", tries progressively longer prefixes against the effective allowed set
// (longest wins, longer provider names tie-break first), falls back to an
// unprefixed model_name_map lookup ordered by substring-first, and enforces
// scope against allowedProviders (nil = unrestricted).
func (r *ModelResolver) Resolve(ctx context.Context, model string, allowedProviders []string) (*Resolved, error) {
	set, err := r.loadCredentialSet(ctx)
	if err != nil {
		return nil, err
	}

	effective := effectiveAllowedSet(set, allowedProviders)
	if len(effective) == 0 {
		return nil, gateway.ErrInvalidProvider
	}

	resolved, err := resolvePrefixed(model, effective)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		resolved, err = resolveUnprefixed(model, effective)
		if err != nil {
			return nil, err
		}
	}
	if resolved == nil {
		return nil, gateway.ErrInvalidProvider
	}

	if allowedProviders != nil && !providerInScope(resolved.ProviderName, allowedProviders) {
		return nil, gateway.ErrScopeDenied
	}
	return resolved, nil
}

// effectiveAllowedSet intersects the tenant's full credential set with the
// caller's scope; nil scope means unrestricted (use every credential).
func effectiveAllowedSet(set map[string]*gateway.ProviderConfig, allowedProviders []string) map[string]*gateway.ProviderConfig {
	if allowedProviders == nil {
		return set
	}
	allowed := make(map[string]bool, len(allowedProviders))
	for _, p := range allowedProviders {
		allowed[strings.ToLower(p)] = true
	}
	out := make(map[string]*gateway.ProviderConfig)
	for name, cfg := range set {
		if allowed[name] {
			out[name] = cfg
		}
	}
	return out
}

func providerInScope(name string, allowedProviders []string) bool {
	name = strings.ToLower(name)
	for _, p := range allowedProviders {
		if strings.ToLower(p) == name {
			return true
		}
	}
	return false
}

// resolvePrefixed tries progressively longer "/"-delimited prefixes of model,
// longest first, returning the first effective-set match. Returns (nil, nil)
// when nothing matches, so the caller falls through to the unprefixed path.
func resolvePrefixed(model string, effective map[string]*gateway.ProviderConfig) (*Resolved, error) {
	parts := strings.Split(model, "/")
	if len(parts) < 2 {
		return nil, nil
	}

	for i := len(parts) - 1; i >= 1; i-- {
		candidate := strings.ToLower(strings.Join(parts[:i], "/"))
		cfg, ok := effective[candidate]
		if !ok {
			continue
		}
		native := strings.Join(parts[i:], "/")
		if mapped, ok := cfg.ModelNameMap[native]; ok {
			native = mapped
		}
		return &Resolved{ProviderName: cfg.Name, NativeModelID: native, Config: cfg}, nil
	}
	return nil, nil
}

// resolveUnprefixed searches providers whose name is a substring of model
// first, then the rest, returning the first model_name_map hit.
func resolveUnprefixed(model string, effective map[string]*gateway.ProviderConfig) (*Resolved, error) {
	names := make([]string, 0, len(effective))
	for name := range effective {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		iSub := strings.Contains(model, names[i])
		jSub := strings.Contains(model, names[j])
		if iSub != jSub {
			return iSub
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		cfg := effective[name]
		if mapped, ok := cfg.ModelNameMap[model]; ok {
			return &Resolved{ProviderName: cfg.Name, NativeModelID: mapped, Config: cfg}, nil
		}
	}
	return nil, nil
}
