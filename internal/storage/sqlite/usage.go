package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/castellan-io/relaygate/internal"
)

// InsertUsage batch-inserts usage records.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 18
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.KeyID, r.UserID, r.TeamID, r.OrgID,
			r.CallerJWTSub, r.CallerService,
			r.Model, r.ProviderID,
			r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.CostUSD,
			boolToInt(r.Cached), r.LatencyMs, r.StatusCode,
			r.RequestID, r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_records
		(id, key_id, user_id, team_id, org_id, caller_jwt_sub, caller_service,
		 model, provider_id, prompt_tokens, completion_tokens, total_tokens, cost_usd,
		 cached, latency_ms, status_code, request_id, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// SumUsageCost returns the total accumulated cost for a given API key.
func (s *Store) SumUsageCost(ctx context.Context, keyID string) (float64, error) {
	var total float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records WHERE key_id = ?`, keyID,
	).Scan(&total)
	return total, err
}

// OpenUsage inserts a usage row with updated_at left NULL, marking the row
// as still in flight. The caller closes it with CloseUsage once the upstream
// call finishes, so accounting survives even if the request never returns
// (a detached worker can later reconcile rows stuck open past a deadline).
func (s *Store) OpenUsage(ctx context.Context, r gateway.UsageRecord) (string, error) {
	if r.ID == "" {
		r.ID = uuid.Must(uuid.NewV7()).String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	_, err := s.write.ExecContext(ctx,
		`INSERT INTO usage_records
		(id, key_id, user_id, team_id, org_id, caller_jwt_sub, caller_service,
		 model, provider_id, prompt_tokens, completion_tokens, total_tokens,
		 cached_tokens, reasoning_tokens, cost_usd, cached, latency_ms, status_code,
		 request_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		r.ID, r.KeyID, r.UserID, r.TeamID, r.OrgID,
		r.CallerJWTSub, r.CallerService,
		r.Model, r.ProviderID,
		r.PromptTokens, r.CompletionTokens, r.TotalTokens,
		r.CachedTokens, r.ReasoningTokens, r.CostUSD,
		boolToInt(r.Cached), r.LatencyMs, r.StatusCode,
		r.RequestID, r.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// CloseUsage updates a previously opened usage row with final token counts
// and cost, stamping updated_at so the row is no longer considered open.
func (s *Store) CloseUsage(ctx context.Context, id string, tokens gateway.UsageTokens) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE usage_records SET
		 prompt_tokens=?, completion_tokens=?, total_tokens=?,
		 cached_tokens=?, reasoning_tokens=?, cost_usd=?, status_code=?, latency_ms=?, updated_at=?
		 WHERE id=?`,
		tokens.PromptTokens, tokens.CompletionTokens, tokens.TotalTokens,
		tokens.CachedTokens, tokens.ReasoningTokens, tokens.CostUSD, tokens.StatusCode, tokens.LatencyMs,
		timeNowStr(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "usage record")
}

// QueryUsage returns usage records matching the filter, newest first.
func (s *Store) QueryUsage(ctx context.Context, filter gateway.UsageFilter) ([]gateway.UsageRecord, error) {
	where, args := usageFilterClause(filter)
	query := `SELECT id, key_id, user_id, team_id, org_id, caller_jwt_sub, caller_service,
		model, provider_id, prompt_tokens, completion_tokens, total_tokens,
		cached_tokens, reasoning_tokens, cost_usd, cached, latency_ms, status_code,
		request_id, created_at, updated_at
		FROM usage_records` + where + ` ORDER BY created_at DESC`

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []gateway.UsageRecord
	for rows.Next() {
		r, err := scanUsageRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountUsage returns the total number of usage records matching the filter,
// ignoring Limit/Offset.
func (s *Store) CountUsage(ctx context.Context, filter gateway.UsageFilter) (int, error) {
	where, args := usageFilterClause(filter)
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_records`+where, args...,
	).Scan(&n)
	return n, err
}

// usageFilterClause builds a " WHERE ..." clause (or "" for no filter) and
// its bound args from a UsageFilter.
func usageFilterClause(filter gateway.UsageFilter) (string, []any) {
	var clauses []string
	var args []any

	if filter.OrgID != "" {
		clauses = append(clauses, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.KeyID != "" {
		clauses = append(clauses, "key_id = ?")
		args = append(args, filter.KeyID)
	}
	if filter.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, filter.Model)
	}
	if filter.Since != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, filter.Since)
	}
	if filter.Until != "" {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, filter.Until)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanUsageRecord(s scanner) (gateway.UsageRecord, error) {
	var r gateway.UsageRecord
	var keyID, userID, teamID, orgID, jwtSub, svc, providerID, requestID sql.NullString
	var createdAt, updatedAt sql.NullString
	var cached int

	err := s.Scan(
		&r.ID, &keyID, &userID, &teamID, &orgID, &jwtSub, &svc,
		&r.Model, &providerID, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
		&r.CachedTokens, &r.ReasoningTokens, &r.CostUSD, &cached, &r.LatencyMs, &r.StatusCode,
		&requestID, &createdAt, &updatedAt,
	)
	if err != nil {
		return r, notFoundErr(err)
	}

	r.KeyID, r.UserID, r.TeamID, r.OrgID = keyID.String, userID.String, teamID.String, orgID.String
	r.CallerJWTSub, r.CallerService = jwtSub.String, svc.String
	r.ProviderID, r.RequestID = providerID.String, requestID.String
	r.Cached = cached != 0
	if t := parseTime(createdAt); t != nil {
		r.CreatedAt = *t
	}
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

// QueryRollups returns pre-aggregated usage buckets matching the filter.
func (s *Store) QueryRollups(ctx context.Context, filter gateway.RollupFilter) ([]gateway.UsageRollup, error) {
	var clauses []string
	var args []any

	if filter.OrgID != "" {
		clauses = append(clauses, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.KeyID != "" {
		clauses = append(clauses, "key_id = ?")
		args = append(args, filter.KeyID)
	}
	if filter.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, filter.Model)
	}
	if filter.Period != "" {
		clauses = append(clauses, "period = ?")
		args = append(args, filter.Period)
	}
	if filter.Since != "" {
		clauses = append(clauses, "bucket >= ?")
		args = append(args, filter.Since)
	}
	if filter.Until != "" {
		clauses = append(clauses, "bucket <= ?")
		args = append(args, filter.Until)
	}

	query := `SELECT org_id, key_id, model, period, bucket, request_count,
		prompt_tokens, completion_tokens, total_tokens, cost_usd, cached_count
		FROM usage_rollups`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY bucket ASC"

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.UsageRollup
	for rows.Next() {
		var u gateway.UsageRollup
		if err := rows.Scan(&u.OrgID, &u.KeyID, &u.Model, &u.Period, &u.Bucket, &u.RequestCount,
			&u.PromptTokens, &u.CompletionTokens, &u.TotalTokens, &u.CostUSD, &u.CachedCount); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpsertRollup inserts or accumulates rollup rows, keyed on
// (org_id, key_id, model, period, bucket).
func (s *Store) UpsertRollup(ctx context.Context, rollups []gateway.UsageRollup) error {
	for _, u := range rollups {
		_, err := s.write.ExecContext(ctx,
			`INSERT INTO usage_rollups
			(org_id, key_id, model, period, bucket, request_count, prompt_tokens,
			 completion_tokens, total_tokens, cost_usd, cached_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(org_id, key_id, model, period, bucket) DO UPDATE SET
				request_count     = request_count + excluded.request_count,
				prompt_tokens     = prompt_tokens + excluded.prompt_tokens,
				completion_tokens = completion_tokens + excluded.completion_tokens,
				total_tokens      = total_tokens + excluded.total_tokens,
				cost_usd          = cost_usd + excluded.cost_usd,
				cached_count      = cached_count + excluded.cached_count`,
			u.OrgID, u.KeyID, u.Model, u.Period, u.Bucket, u.RequestCount, u.PromptTokens,
			u.CompletionTokens, u.TotalTokens, u.CostUSD, u.CachedCount,
		)
		if err != nil {
			return err
		}
	}
	return nil
}
