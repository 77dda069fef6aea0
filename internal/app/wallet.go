package app

import (
	"context"
	"fmt"

	gateway "github.com/castellan-io/relaygate/internal"
	"github.com/castellan-io/relaygate/internal/storage"
)

// WalletGuard enforces the prepaid-balance precheck in front of billable
// provider credentials.
type WalletGuard struct {
	wallets storage.WalletStore
}

// NewWalletGuard returns a WalletGuard backed by the given wallet store.
func NewWalletGuard(wallets storage.WalletStore) *WalletGuard {
	return &WalletGuard{wallets: wallets}
}

// Precheck rejects a request before any upstream call when the tenant's
// wallet is blocked or has a non-positive balance. Call only for billable
// provider credentials; non-billable ones skip the wallet entirely.
func (g *WalletGuard) Precheck(ctx context.Context, tenantID string) error {
	w, err := g.wallets.EnsureWallet(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("wallet precheck: %w", err)
	}
	if w.Blocked || w.Balance <= 0 {
		return gateway.ErrPaymentRequired
	}
	return nil
}

// Deduct adjusts the tenant's wallet by -cost after a billable call
// completes. Deductions are always permitted (overdraft allowed), matching
// the store's CAS-retry semantics.
func (g *WalletGuard) Deduct(ctx context.Context, tenantID string, cost float64) error {
	if cost <= 0 {
		return nil
	}
	_, err := g.wallets.AdjustWallet(ctx, tenantID, -cost)
	return err
}
