/*
Package store is the Postgres persistence layer for the probe harness.

It owns deals, retrievals, storage_providers, job_schedule_state and the
work_items queue table, plus the sp_performance_last_week and
sp_performance_all_time materialised views that roll observations up into
per-provider success rates, latencies and volumes. Migrations are
embedded and applied with goose.

The queue package shares the same connection pool via DB().
*/
package store
