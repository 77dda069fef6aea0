// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/castellan-io/relaygate/internal"
)

// APIKeyStore manages API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKey(ctx context.Context, id string) (*gateway.APIKey, error)
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	ListKeys(ctx context.Context, orgID string, offset, limit int) ([]*gateway.APIKey, error)
	CountKeys(ctx context.Context, orgID string) (int, error)
	UpdateKey(ctx context.Context, key *gateway.APIKey) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
	ListBudgetedKeyIDs(ctx context.Context) (map[string]float64, error)
}

// ProviderStore manages provider configuration persistence.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *gateway.ProviderConfig) error
	GetProvider(ctx context.Context, id string) (*gateway.ProviderConfig, error)
	ListProviders(ctx context.Context) ([]*gateway.ProviderConfig, error)
	CountProviders(ctx context.Context) (int, error)
	UpdateProvider(ctx context.Context, p *gateway.ProviderConfig) error
	DeleteProvider(ctx context.Context, id string) error
}

// RouteStore manages route persistence.
type RouteStore interface {
	CreateRoute(ctx context.Context, r *gateway.Route) error
	GetRoute(ctx context.Context, id string) (*gateway.Route, error)
	GetRouteByAlias(ctx context.Context, alias string) (*gateway.Route, error)
	ListRoutes(ctx context.Context) ([]*gateway.Route, error)
	CountRoutes(ctx context.Context) (int, error)
	UpdateRoute(ctx context.Context, r *gateway.Route) error
	DeleteRoute(ctx context.Context, id string) error
}

// UsageStore manages usage record persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	OpenUsage(ctx context.Context, r gateway.UsageRecord) (string, error)
	CloseUsage(ctx context.Context, id string, tokens gateway.UsageTokens) error
	SumUsageCost(ctx context.Context, keyID string) (float64, error)
	QueryUsage(ctx context.Context, filter gateway.UsageFilter) ([]gateway.UsageRecord, error)
	CountUsage(ctx context.Context, filter gateway.UsageFilter) (int, error)
	QueryRollups(ctx context.Context, filter gateway.RollupFilter) ([]gateway.UsageRollup, error)
	UpsertRollup(ctx context.Context, rollups []gateway.UsageRollup) error
}

// OrgStore manages organization and team persistence.
type OrgStore interface {
	CreateOrg(ctx context.Context, org *gateway.Organization) error
	GetOrg(ctx context.Context, id string) (*gateway.Organization, error)
	ListOrgs(ctx context.Context, offset, limit int) ([]*gateway.Organization, error)
	UpdateOrg(ctx context.Context, org *gateway.Organization) error
	DeleteOrg(ctx context.Context, id string) error
	CreateTeam(ctx context.Context, team *gateway.Team) error
	GetTeam(ctx context.Context, id string) (*gateway.Team, error)
	ListTeams(ctx context.Context, orgID string, offset, limit int) ([]*gateway.Team, error)
	UpdateTeam(ctx context.Context, team *gateway.Team) error
	DeleteTeam(ctx context.Context, id string) error
}

// WalletStore manages tenant wallet persistence with optimistic concurrency.
type WalletStore interface {
	EnsureWallet(ctx context.Context, tenantID string) (*gateway.Wallet, error)
	GetWallet(ctx context.Context, tenantID string) (*gateway.Wallet, error)
	AdjustWallet(ctx context.Context, tenantID string, delta float64) (*gateway.Wallet, error)
	SetWalletBlocked(ctx context.Context, tenantID string, blocked bool) (*gateway.Wallet, error)
}

// Store combines all storage interfaces.
type Store interface {
	APIKeyStore
	ProviderStore
	RouteStore
	UsageStore
	OrgStore
	WalletStore
	Close() error
}
