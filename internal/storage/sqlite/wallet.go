package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/castellan-io/relaygate/internal"
)

// walletRetries and walletRetryDelay bound the optimistic-concurrency retry
// loop in AdjustWallet/SetWalletBlocked: three attempts, 10ms apart.
const (
	walletRetries    = 3
	walletRetryDelay = 10 * time.Millisecond
)

// EnsureWallet returns the tenant's wallet, creating a zero-balance row if
// none exists yet.
func (s *Store) EnsureWallet(ctx context.Context, tenantID string) (*gateway.Wallet, error) {
	w, err := s.GetWallet(ctx, tenantID)
	if err == nil {
		return w, nil
	}
	if err != gateway.ErrNotFound {
		return nil, err
	}

	now := timeNowStr()
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO wallets (tenant_id, balance, blocked, version, updated_at) VALUES (?, 0, 0, 0, ?)
		 ON CONFLICT(tenant_id) DO NOTHING`,
		tenantID, now,
	)
	if err != nil {
		return nil, err
	}
	return s.GetWallet(ctx, tenantID)
}

// GetWallet retrieves a tenant's wallet.
func (s *Store) GetWallet(ctx context.Context, tenantID string) (*gateway.Wallet, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT tenant_id, balance, blocked, version, updated_at FROM wallets WHERE tenant_id=?`, tenantID,
	)
	return scanWallet(row)
}

// AdjustWallet applies delta to the tenant's balance using optimistic
// concurrency on version: deductions are always permitted (overdraft is
// allowed), matching the teacher's wallet_service.adjust semantics. Retries
// up to walletRetries times, walletRetryDelay apart, on a version conflict.
func (s *Store) AdjustWallet(ctx context.Context, tenantID string, delta float64) (*gateway.Wallet, error) {
	if _, err := s.EnsureWallet(ctx, tenantID); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < walletRetries; attempt++ {
		current, err := s.GetWallet(ctx, tenantID)
		if err != nil {
			return nil, err
		}

		result, err := s.write.ExecContext(ctx,
			`UPDATE wallets SET balance = balance + ?, version = version + 1, updated_at = ?
			 WHERE tenant_id = ? AND version = ?`,
			delta, timeNowStr(), tenantID, current.Version,
		)
		if err != nil {
			return nil, err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			return s.GetWallet(ctx, tenantID)
		}

		// Version conflict: another writer updated first. Retry after a short
		// delay, unless this was the last attempt.
		if attempt < walletRetries-1 {
			time.Sleep(walletRetryDelay)
		}
	}

	return nil, gateway.ErrConflict
}

// SetWalletBlocked sets the tenant's blocked flag, retrying on version
// conflict the same way AdjustWallet does.
func (s *Store) SetWalletBlocked(ctx context.Context, tenantID string, blocked bool) (*gateway.Wallet, error) {
	if _, err := s.EnsureWallet(ctx, tenantID); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < walletRetries; attempt++ {
		current, err := s.GetWallet(ctx, tenantID)
		if err != nil {
			return nil, err
		}

		result, err := s.write.ExecContext(ctx,
			`UPDATE wallets SET blocked = ?, version = version + 1, updated_at = ?
			 WHERE tenant_id = ? AND version = ?`,
			boolToInt(blocked), timeNowStr(), tenantID, current.Version,
		)
		if err != nil {
			return nil, err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			return s.GetWallet(ctx, tenantID)
		}
		if attempt < walletRetries-1 {
			time.Sleep(walletRetryDelay)
		}
	}

	return nil, gateway.ErrConflict
}

func scanWallet(s scanner) (*gateway.Wallet, error) {
	var w gateway.Wallet
	var blocked int
	var updatedAt sql.NullString

	err := s.Scan(&w.TenantID, &w.Balance, &blocked, &w.Version, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	w.Blocked = blocked != 0
	if t := parseTime(updatedAt); t != nil {
		w.UpdatedAt = *t
	}
	return &w, nil
}
