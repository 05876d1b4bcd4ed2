package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/filbeam/spprobe/pkg/types"
)

// UpsertProvider inserts or updates a provider row keyed by address
func (s *Store) UpsertProvider(ctx context.Context, p *types.StorageProvider) error {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal provider metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO storage_providers (
			address, provider_id, service_url, active, approved, metadata,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,now(),now())
		ON CONFLICT (address) DO UPDATE SET
			provider_id = EXCLUDED.provider_id,
			service_url = EXCLUDED.service_url,
			active = EXCLUDED.active,
			approved = EXCLUDED.approved,
			metadata = EXCLUDED.metadata,
			updated_at = now()`,
		p.Address, p.ProviderID, p.ServiceURL, p.Active, p.Approved, meta)
	if err != nil {
		return fmt.Errorf("failed to upsert provider: %w", err)
	}
	return nil
}

// DeactivateProvidersNotIn soft-deactivates providers absent from the
// latest chain read. An empty list is a no-op rather than a mass
// deactivation: an empty registry read is treated as a failed sync.
func (s *Store) DeactivateProvidersNotIn(ctx context.Context, addresses []string) (int64, error) {
	if len(addresses) == 0 {
		return 0, nil
	}

	query, args, err := buildNotInQuery(addresses)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate providers: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func buildNotInQuery(addresses []string) (string, []interface{}, error) {
	query := `UPDATE storage_providers SET active = false, updated_at = now()
		WHERE active = true AND address NOT IN (`
	args := make([]interface{}, 0, len(addresses))
	for i, a := range addresses {
		if i > 0 {
			query += ","
		}
		query += fmt.Sprintf("$%d", i+1)
		args = append(args, a)
	}
	query += ")"
	return query, args, nil
}

// GetProvider loads one provider by address
func (s *Store) GetProvider(ctx context.Context, address string) (*types.StorageProvider, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT address, provider_id, service_url, active, approved, metadata,
		       created_at, updated_at
		FROM storage_providers WHERE address = $1`, address)

	var p types.StorageProvider
	var meta []byte
	err := row.Scan(&p.Address, &p.ProviderID, &p.ServiceURL,
		&p.Active, &p.Approved, &meta, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load provider: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal provider metadata: %w", err)
		}
	}
	return &p, nil
}

// ListActiveProviders returns all active providers, optionally restricted
// to approved ones
func (s *Store) ListActiveProviders(ctx context.Context, approvedOnly bool) ([]*types.StorageProvider, error) {
	query := `
		SELECT address, provider_id, service_url, active, approved, metadata,
		       created_at, updated_at
		FROM storage_providers WHERE active = true`
	if approvedOnly {
		query += " AND approved = true"
	}
	query += " ORDER BY provider_id"

	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var out []*types.StorageProvider
	for rows.Next() {
		var p types.StorageProvider
		var meta []byte
		if err := rows.Scan(&p.Address, &p.ProviderID, &p.ServiceURL,
			&p.Active, &p.Approved, &meta, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &p.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal provider metadata: %w", err)
			}
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// UpsertScheduleState reconciles one schedule row
func (s *Store) UpsertScheduleState(ctx context.Context, st *types.JobScheduleState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_schedule_state (name, key, cron, next_run_at, payload, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (name, key) DO UPDATE SET
			cron = EXCLUDED.cron,
			next_run_at = EXCLUDED.next_run_at,
			payload = EXCLUDED.payload,
			updated_at = now()`,
		st.Name, st.Key, st.Cron, st.NextRunAt, st.Payload)
	if err != nil {
		return fmt.Errorf("failed to upsert schedule state: %w", err)
	}
	return nil
}

// ListScheduleState returns all schedule rows
func (s *Store) ListScheduleState(ctx context.Context) ([]*types.JobScheduleState, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT name, key, cron, next_run_at, payload, updated_at
		FROM job_schedule_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule state: %w", err)
	}
	defer rows.Close()

	var out []*types.JobScheduleState
	for rows.Next() {
		var st types.JobScheduleState
		if err := rows.StructScan(&st); err != nil {
			return nil, fmt.Errorf("failed to scan schedule state: %w", err)
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

// AdvanceScheduleState moves a row's next_run_at forward
func (s *Store) AdvanceScheduleState(ctx context.Context, name, key string, next time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_schedule_state SET next_run_at = $3, updated_at = now()
		WHERE name = $1 AND key = $2`, name, key, next)
	if err != nil {
		return fmt.Errorf("failed to advance schedule state: %w", err)
	}
	return nil
}

// DeleteScheduleStateNotIn removes schedule rows whose key is no longer
// in the desired set
func (s *Store) DeleteScheduleStateNotIn(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	query := "DELETE FROM job_schedule_state WHERE key NOT IN ("
	args := make([]interface{}, 0, len(keys))
	for i, k := range keys {
		if i > 0 {
			query += ","
		}
		query += fmt.Sprintf("$%d", i+1)
		args = append(args, k)
	}
	query += ")"

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune schedule state: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
