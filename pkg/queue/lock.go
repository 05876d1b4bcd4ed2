package queue

import (
	"context"
	"fmt"
	"hash/fnv"
)

// lockKey derives a stable advisory lock id from the queue name
func lockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte("spprobe:planner:" + name))
	return int64(h.Sum64())
}

// PlannerLock takes a session-scoped Postgres advisory lock so only one
// planner instance reconciles schedules at a time. Returns ok=false when
// another instance already holds the lock. The release func must be
// called when ok is true.
func (q *Queue) PlannerLock(ctx context.Context) (release func(), ok bool, err error) {
	conn, err := q.db.Connx(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection: %w", err)
	}

	key := lockKey(q.name)
	if err := conn.QueryRowxContext(ctx,
		`SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !ok {
		conn.Close()
		return nil, false, nil
	}

	release = func() {
		// Unlock on the same session that took the lock. Closing the
		// connection releases it anyway if the unlock fails.
		_, unlockErr := conn.ExecContext(context.Background(),
			`SELECT pg_advisory_unlock($1)`, key)
		if unlockErr != nil {
			q.logger.Warn().Err(unlockErr).Msg("failed to release advisory lock")
		}
		conn.Close()
	}
	return release, true, nil
}
