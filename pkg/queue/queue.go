package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/filbeam/spprobe/pkg/log"
	"github.com/filbeam/spprobe/pkg/metrics"
	"github.com/filbeam/spprobe/pkg/types"
)

var (
	// ErrNotActive is returned when a transition expects an ACTIVE item
	ErrNotActive = errors.New("work item is not active")
)

// Config holds queue retry policy
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Queue is a named relational work queue with per-key single-active-job
// semantics, visibility timeouts and retries
type Queue struct {
	db     *sqlx.DB
	name   string
	cfg    Config
	logger zerolog.Logger
}

// New creates a queue over an existing connection pool
func New(db *sqlx.DB, name string, cfg Config) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Minute
	}
	return &Queue{
		db:     db,
		name:   name,
		cfg:    cfg,
		logger: log.WithComponent("queue"),
	}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// PublishOptions tunes a single publish
type PublishOptions struct {
	Delay       time.Duration
	MaxAttempts int
}

// Publish inserts a work item. If a non-terminal item with the same
// singleton key already exists the publish is a no-op and the existing
// item's id is returned.
func (q *Queue) Publish(ctx context.Context, key, singletonKey string, payload []byte, opts PublishOptions) (string, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}

	id := uuid.New().String()
	availableAt := time.Now().UTC().Add(opts.Delay)

	// The partial unique index on (queue, singleton_key) for non-terminal
	// states makes this race-free: concurrent publishes collapse onto one
	// row and the losers fall through to the lookup below.
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO work_items (
			id, queue, key, singleton_key, state, available_at, attempts,
			max_attempts, payload, created_at, updated_at
		) VALUES ($1,$2,$3,$4,'QUEUED',$5,0,$6,$7,now(),now())
		ON CONFLICT (queue, singleton_key) WHERE state IN ('QUEUED','ACTIVE','RETRY')
		DO NOTHING`,
		id, q.name, key, singletonKey, availableAt, maxAttempts, payload)
	if err != nil {
		return "", fmt.Errorf("failed to publish work item: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 1 {
		return id, nil
	}

	// Singleton already active; return the existing id.
	var existing string
	err = q.db.QueryRowxContext(ctx, `
		SELECT id FROM work_items
		WHERE queue = $1 AND singleton_key = $2 AND state IN ('QUEUED','ACTIVE','RETRY')
		LIMIT 1`, q.name, singletonKey).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		// The blocking item completed between insert and lookup; retry once.
		return q.Publish(ctx, key, singletonKey, payload, opts)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up singleton: %w", err)
	}

	q.logger.Debug().
		Str("queue", q.name).
		Str("singleton_key", singletonKey).
		Str("existing_id", existing).
		Msg("publish is a no-op, singleton already active")
	return existing, nil
}

// Fetch atomically claims up to n due items, stamping a visibility expiry.
// Keys that already have an ACTIVE item anywhere are skipped so one slow
// key cannot starve the rest.
func (q *Queue) Fetch(ctx context.Context, n int, visibility time.Duration) ([]*types.WorkItem, error) {
	expiresAt := time.Now().UTC().Add(visibility)

	rows, err := q.db.QueryxContext(ctx, `
		WITH candidates AS (
			SELECT w.id FROM work_items w
			WHERE w.queue = $1
			  AND w.state IN ('QUEUED','RETRY')
			  AND w.available_at <= now()
			  AND NOT EXISTS (
				SELECT 1 FROM work_items a
				WHERE a.key = w.key AND a.state = 'ACTIVE'
			  )
			ORDER BY w.available_at ASC, w.created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE work_items SET
			state = 'ACTIVE', expires_at = $3, updated_at = now()
		WHERE id IN (SELECT id FROM candidates)
		RETURNING id, queue, key, singleton_key, state, available_at,
			expires_at, attempts, max_attempts, payload, error_message,
			created_at, updated_at`,
		q.name, n, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch work items: %w", err)
	}
	defer rows.Close()

	var items []*types.WorkItem
	for rows.Next() {
		var it types.WorkItem
		var expires sql.NullTime
		var payload []byte
		if err := rows.Scan(&it.ID, &it.Queue, &it.Key, &it.SingletonKey,
			&it.State, &it.AvailableAt, &expires, &it.Attempts,
			&it.MaxAttempts, &payload, &it.ErrorMessage,
			&it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		if expires.Valid {
			it.ExpiresAt = expires.Time
		}
		it.Payload = payload
		items = append(items, &it)
	}
	return items, rows.Err()
}

// Complete transitions an ACTIVE item to COMPLETED
func (q *Queue) Complete(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE work_items SET state = 'COMPLETED', updated_at = now()
		WHERE id = $1 AND state = 'ACTIVE'`, id)
	if err != nil {
		return fmt.Errorf("failed to complete work item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotActive
	}
	return nil
}

// Fail transitions an ACTIVE item to RETRY with exponential backoff, or
// to FAILED once attempts are exhausted
func (q *Queue) Fail(ctx context.Context, id string, errMsg string) error {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var attempts, maxAttempts int
	err = tx.QueryRowxContext(ctx, `
		SELECT attempts, max_attempts FROM work_items
		WHERE id = $1 AND state = 'ACTIVE' FOR UPDATE`, id).
		Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotActive
	}
	if err != nil {
		return fmt.Errorf("failed to load work item: %w", err)
	}

	attempts++
	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `
			UPDATE work_items SET state = 'FAILED', attempts = $2,
				error_message = $3, updated_at = now()
			WHERE id = $1`, id, attempts, errMsg)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE work_items SET state = 'RETRY', attempts = $2,
				available_at = $3, error_message = $4, updated_at = now()
			WHERE id = $1`, id, attempts,
			time.Now().UTC().Add(q.Backoff(attempts)), errMsg)
	}
	if err != nil {
		return fmt.Errorf("failed to fail work item: %w", err)
	}
	return tx.Commit()
}

// Cancel marks a non-terminal item CANCELLED. ACTIVE workers observe the
// cancellation at their next heartbeat and abort.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE work_items SET state = 'CANCELLED', updated_at = now()
		WHERE id = $1 AND state IN ('QUEUED','ACTIVE','RETRY')`, id)
	if err != nil {
		return fmt.Errorf("failed to cancel work item: %w", err)
	}
	return nil
}

// Heartbeat reports whether the item was cancelled out from under the
// worker. Called between suspension points.
func (q *Queue) Heartbeat(ctx context.Context, id string) (cancelled bool, err error) {
	var state string
	err = q.db.QueryRowxContext(ctx,
		`SELECT state FROM work_items WHERE id = $1`, id).Scan(&state)
	if err != nil {
		return false, fmt.Errorf("failed to heartbeat work item: %w", err)
	}
	return types.WorkItemState(state) == types.WorkItemCancelled, nil
}

// Sweep reclaims ACTIVE items whose visibility window expired, moving
// them to RETRY (or FAILED when attempts are exhausted)
func (q *Queue) Sweep(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE work_items SET
			state = CASE WHEN attempts + 1 >= max_attempts THEN 'FAILED' ELSE 'RETRY' END,
			attempts = attempts + 1,
			available_at = now(),
			error_message = 'visibility timeout expired',
			updated_at = now()
		WHERE queue = $1 AND state = 'ACTIVE' AND expires_at < now()`,
		q.name)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep work items: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		metrics.QueueSweptTotal.WithLabelValues(q.name).Add(float64(n))
		q.logger.Warn().Int64("count", n).Str("queue", q.name).
			Msg("reclaimed expired work items")
	}
	return n, nil
}

// Backoff returns the retry delay for the given attempt count,
// exponential with a cap
func (q *Queue) Backoff(attempts int) time.Duration {
	d := q.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.MaxBackoff {
			return q.cfg.MaxBackoff
		}
	}
	if d > q.cfg.MaxBackoff {
		d = q.cfg.MaxBackoff
	}
	return d
}

// CancelSingleton cancels any non-terminal item for the singleton key and
// waits for an active worker to observe the cancellation. Used by
// operator-initiated re-publishes.
func (q *Queue) CancelSingleton(ctx context.Context, singletonKey string, wait time.Duration) error {
	var id string
	err := q.db.QueryRowxContext(ctx, `
		SELECT id FROM work_items
		WHERE queue = $1 AND singleton_key = $2 AND state IN ('QUEUED','ACTIVE','RETRY')
		LIMIT 1`, q.name, singletonKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up singleton: %w", err)
	}

	if err := q.Cancel(ctx, id); err != nil {
		return err
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		var active int
		err := q.db.QueryRowxContext(ctx, `
			SELECT count(*) FROM work_items
			WHERE queue = $1 AND singleton_key = $2 AND state IN ('QUEUED','ACTIVE','RETRY')`,
			q.name, singletonKey).Scan(&active)
		if err != nil {
			return fmt.Errorf("failed to poll singleton: %w", err)
		}
		if active == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return fmt.Errorf("singleton %s still active after %s", singletonKey, wait)
}

// Depths reports item counts per state for the queue gauge
func (q *Queue) Depths(ctx context.Context) (map[types.WorkItemState]int, error) {
	rows, err := q.db.QueryxContext(ctx, `
		SELECT state, count(*) FROM work_items WHERE queue = $1 GROUP BY state`,
		q.name)
	if err != nil {
		return nil, fmt.Errorf("failed to count work items: %w", err)
	}
	defer rows.Close()

	out := make(map[types.WorkItemState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		out[types.WorkItemState(state)] = count
	}
	return out, rows.Err()
}
