package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/filbeam/spprobe/pkg/types"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

// Store is the relational store backing deals, retrievals, providers and
// schedule state
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres, sizes the pool and verifies the connection
func Open(ctx context.Context, databaseURL string, poolMax int) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(poolMax)
	db.SetMaxIdleConns(poolMax / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Store{db: sqlx.NewDb(db, "pgx")}, nil
}

// NewWithDB wraps an existing handle; used by tests
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for collaborators sharing the pool
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateDeal inserts a new deal row
func (s *Store) CreateDeal(ctx context.Context, d *types.Deal) error {
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal deal metadata: %w", err)
	}
	svc, err := json.Marshal(d.ServiceTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal service types: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deals (
			id, sp_address, wallet_address, piece_cid, root_cid, file_size,
			file_name, status, ingest_latency_ms, chain_latency_ms,
			deal_latency_ms, ingest_throughput_bps, service_types, metadata,
			error_message, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now(),now())`,
		d.ID, d.SPAddress, d.WalletAddress, d.PieceCID, d.RootCID, d.FileSize,
		d.FileName, d.Status, d.IngestLatencyMs, d.ChainLatencyMs,
		d.DealLatencyMs, d.IngestThroughputBps, svc, meta, d.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to insert deal: %w", err)
	}
	return nil
}

// UpdateDeal persists the mutable fields of a deal
func (s *Store) UpdateDeal(ctx context.Context, d *types.Deal) error {
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal deal metadata: %w", err)
	}
	svc, err := json.Marshal(d.ServiceTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal service types: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE deals SET
			piece_cid = $2, root_cid = $3, status = $4,
			ingest_latency_ms = $5, chain_latency_ms = $6, deal_latency_ms = $7,
			ingest_throughput_bps = $8, service_types = $9, metadata = $10,
			error_message = $11, updated_at = now()
		WHERE id = $1`,
		d.ID, d.PieceCID, d.RootCID, d.Status,
		d.IngestLatencyMs, d.ChainLatencyMs, d.DealLatencyMs,
		d.IngestThroughputBps, svc, meta, d.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to update deal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDeal loads one deal by id
func (s *Store) GetDeal(ctx context.Context, id string) (*types.Deal, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, sp_address, wallet_address, piece_cid, root_cid, file_size,
		       file_name, status, ingest_latency_ms, chain_latency_ms,
		       deal_latency_ms, ingest_throughput_bps, service_types, metadata,
		       error_message, created_at, updated_at
		FROM deals WHERE id = $1`, id)

	var d types.Deal
	var svc, meta []byte
	err := row.Scan(&d.ID, &d.SPAddress, &d.WalletAddress, &d.PieceCID,
		&d.RootCID, &d.FileSize, &d.FileName, &d.Status, &d.IngestLatencyMs,
		&d.ChainLatencyMs, &d.DealLatencyMs, &d.IngestThroughputBps,
		&svc, &meta, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load deal: %w", err)
	}
	if len(svc) > 0 {
		if err := json.Unmarshal(svc, &d.ServiceTypes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal service types: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &d.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal deal metadata: %w", err)
		}
	}
	return &d, nil
}

// LatestDealForProvider returns the most recent completed deal for a
// provider, used by the retrieval probe to pick what to fetch back
func (s *Store) LatestDealForProvider(ctx context.Context, address string) (*types.Deal, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id FROM deals
		WHERE sp_address = $1 AND status = $2 AND piece_cid <> ''
		ORDER BY created_at DESC LIMIT 1`, address, types.DealStatusDealCreated)

	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find deal for provider: %w", err)
	}
	return s.GetDeal(ctx, id)
}

// CreateRetrieval inserts a retrieval row
func (s *Store) CreateRetrieval(ctx context.Context, r *types.Retrieval) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retrievals (
			id, deal_id, service_type, retrieval_endpoint, status, latency_ms,
			ttfb_ms, throughput_bps, bytes_retrieved, response_code,
			error_message, retry_count, validation_method, validation_details,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now(),now())`,
		r.ID, r.DealID, r.ServiceType, r.RetrievalEndpoint, r.Status,
		r.LatencyMs, r.TTFBMs, r.ThroughputBps, r.BytesRetrieved,
		r.ResponseCode, r.ErrorMessage, r.RetryCount, r.ValidationMethod,
		r.ValidationDetails)
	if err != nil {
		return fmt.Errorf("failed to insert retrieval: %w", err)
	}
	return nil
}

// UpdateRetrieval persists a retrieval's final result
func (s *Store) UpdateRetrieval(ctx context.Context, r *types.Retrieval) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE retrievals SET
			status = $2, retrieval_endpoint = $3, latency_ms = $4, ttfb_ms = $5,
			throughput_bps = $6, bytes_retrieved = $7, response_code = $8,
			error_message = $9, retry_count = $10, validation_method = $11,
			validation_details = $12, updated_at = now()
		WHERE id = $1`,
		r.ID, r.Status, r.RetrievalEndpoint, r.LatencyMs, r.TTFBMs,
		r.ThroughputBps, r.BytesRetrieved, r.ResponseCode, r.ErrorMessage,
		r.RetryCount, r.ValidationMethod, r.ValidationDetails)
	if err != nil {
		return fmt.Errorf("failed to update retrieval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RefreshPerformanceViews refreshes the rollup materialised views
func (s *Store) RefreshPerformanceViews(ctx context.Context) error {
	for _, view := range []string{"sp_performance_last_week", "sp_performance_all_time"} {
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf("REFRESH MATERIALIZED VIEW CONCURRENTLY %s", view)); err != nil {
			return fmt.Errorf("failed to refresh %s: %w", view, err)
		}
	}
	return nil
}
