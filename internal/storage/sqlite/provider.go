package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	gateway "github.com/castellan-io/relaygate/internal"
)

const providerColumns = `id, name, type, base_url, api_key_enc, models, model_name_map,
		 priority, weight, enabled, max_rps, timeout_ms, hosting, region, project, billable, deleted_at`

// CreateProvider inserts a new provider configuration.
func (s *Store) CreateProvider(ctx context.Context, p *gateway.ProviderConfig) error {
	models, err := marshalJSON(p.Models)
	if err != nil {
		return err
	}
	nameMap, err := marshalJSON(p.ModelNameMap)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO providers (id, name, type, base_url, api_key_enc, models, model_name_map,
		 priority, weight, enabled, max_rps, timeout_ms, hosting, region, project, billable)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Type, p.BaseURL, p.APIKeyEnc, models, nameMap,
		p.Priority, p.Weight, boolToInt(p.Enabled), p.MaxRPS, p.TimeoutMs,
		nullStr(p.Hosting), nullStr(p.Region), nullStr(p.Project), boolToInt(p.Billable),
	)
	return err
}

// GetProvider retrieves a provider by ID. Soft-deleted providers are excluded.
func (s *Store) GetProvider(ctx context.Context, id string) (*gateway.ProviderConfig, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id=? AND deleted_at IS NULL`, id,
	)
	return scanProvider(row)
}

// ListProviders returns all non-deleted provider configurations.
func (s *Store) ListProviders(ctx context.Context) ([]*gateway.ProviderConfig, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE deleted_at IS NULL ORDER BY priority ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*gateway.ProviderConfig
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// UpdateProvider updates a provider configuration.
func (s *Store) UpdateProvider(ctx context.Context, p *gateway.ProviderConfig) error {
	models, err := marshalJSON(p.Models)
	if err != nil {
		return err
	}
	nameMap, err := marshalJSON(p.ModelNameMap)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET name=?, type=?, base_url=?, api_key_enc=?, models=?, model_name_map=?,
		 priority=?, weight=?, enabled=?, max_rps=?, timeout_ms=?, hosting=?, region=?, project=?, billable=?
		 WHERE id=? AND deleted_at IS NULL`,
		p.Name, p.Type, p.BaseURL, p.APIKeyEnc, models, nameMap,
		p.Priority, p.Weight, boolToInt(p.Enabled), p.MaxRPS, p.TimeoutMs,
		nullStr(p.Hosting), nullStr(p.Region), nullStr(p.Project), boolToInt(p.Billable), p.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// DeleteProvider soft-deletes a provider configuration, preserving history
// for usage rows that reference it.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET deleted_at=? WHERE id=? AND deleted_at IS NULL`,
		timeNowStr(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

func scanProvider(s scanner) (*gateway.ProviderConfig, error) {
	var p gateway.ProviderConfig
	var modelsJSON, nameMapJSON sql.NullString
	var enabled, billable int
	var hosting, region, project, deletedAt sql.NullString

	err := s.Scan(
		&p.ID, &p.Name, &p.Type, &p.BaseURL, &p.APIKeyEnc, &modelsJSON, &nameMapJSON,
		&p.Priority, &p.Weight, &enabled, &p.MaxRPS, &p.TimeoutMs,
		&hosting, &region, &project, &billable, &deletedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	p.Enabled = enabled != 0
	p.Billable = billable != 0
	p.Hosting = hosting.String
	p.Region = region.String
	p.Project = project.String
	p.DeletedAt = parseTime(deletedAt)

	models, err := unmarshalStringSlice(modelsJSON)
	if err != nil {
		return nil, err
	}
	p.Models = models

	if nameMapJSON.Valid {
		if err := json.Unmarshal([]byte(nameMapJSON.String), &p.ModelNameMap); err != nil {
			return nil, fmt.Errorf("unmarshal model_name_map: %w", err)
		}
	}
	return &p, nil
}
