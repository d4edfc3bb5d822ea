package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avolkov/libresync/internal/db"
	"github.com/avolkov/libresync/internal/libre"
)

// StorageError wraps any database failure so callers can classify it with
// errors.As without depending on pgx.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// Repository handles all readings and sync_logs persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a repository over the shared pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Ping verifies database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// InitSchema creates the readings and sync_logs tables and their indexes if
// they do not exist. Every statement is guarded so the call is idempotent
// and safe to run concurrently with normal operation.
func (r *Repository) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_logs (
			id SERIAL PRIMARY KEY,
			sync_timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			readings_fetched INTEGER NOT NULL DEFAULT 0,
			readings_inserted INTEGER NOT NULL DEFAULT 0,
			first_reading_timestamp TIMESTAMP,
			last_reading_timestamp TIMESTAMP,
			success BOOLEAN NOT NULL DEFAULT true,
			error_message TEXT,
			duration_seconds NUMERIC(10,2),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_timestamp
			ON sync_logs(sync_timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS readings (
			id SERIAL PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL UNIQUE,
			value NUMERIC(5,1) NOT NULL,
			trend VARCHAR(20) NOT NULL,
			is_high BOOLEAN NOT NULL,
			is_low BOOLEAN NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_timestamp
			ON readings(timestamp DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return storageErr("init schema", err)
		}
	}
	if err := r.migrateSyncIDColumn(ctx); err != nil {
		return err
	}
	return nil
}

// migrateSyncIDColumn adds readings.sync_id (and its FK and index) to tables
// created before the audit link existed. Existence is checked first; no
// destructive alterations.
func (r *Repository) migrateSyncIDColumn(ctx context.Context) error {
	var col string
	err := r.pool.QueryRow(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_name = 'readings' AND column_name = 'sync_id'
	`).Scan(&col)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return storageErr("check sync_id column", err)
	}

	if _, err := r.pool.Exec(ctx, `ALTER TABLE readings ADD COLUMN IF NOT EXISTS sync_id INTEGER`); err != nil {
		return storageErr("add sync_id column", err)
	}
	// The constraint may already exist when two processes race the migration.
	_, err = r.pool.Exec(ctx, `
		DO $$ BEGIN
			ALTER TABLE readings
				ADD CONSTRAINT fk_readings_sync_id FOREIGN KEY (sync_id) REFERENCES sync_logs(id);
		EXCEPTION WHEN duplicate_object THEN NULL;
		END $$
	`)
	if err != nil {
		return storageErr("add sync_id constraint", err)
	}
	if _, err := r.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_readings_sync_id ON readings(sync_id)`); err != nil {
		return storageErr("create sync_id index", err)
	}
	return nil
}

const insertReadingSQL = `
	INSERT INTO readings (timestamp, value, trend, is_high, is_low, sync_id)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (timestamp) DO NOTHING
	RETURNING timestamp
`

// InsertReadings writes readings with first-write-wins semantics on the
// timestamp key and returns the timestamps that were actually inserted.
// Pre-existing timestamps are silently skipped.
func (r *Repository) InsertReadings(ctx context.Context, readings []libre.Reading, syncID *int64) ([]time.Time, error) {
	if len(readings) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, reading := range readings {
		batch.Queue(insertReadingSQL,
			reading.Timestamp,
			reading.Value,
			string(reading.Trend),
			reading.IsHigh,
			reading.IsLow,
			syncID,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	var inserted []time.Time
	for range readings {
		rows, err := br.Query()
		if err != nil {
			return nil, storageErr("insert readings", err)
		}
		for rows.Next() {
			var ts time.Time
			if err := rows.Scan(&ts); err != nil {
				rows.Close()
				return nil, storageErr("scan inserted timestamp", err)
			}
			inserted = append(inserted, ts)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, storageErr("insert readings", err)
		}
	}
	return inserted, nil
}

// CreateSyncLog opens a new audit row for a sync pass with zero inserted
// readings and returns its id so readings can be attributed to the pass.
func (r *Repository) CreateSyncLog(ctx context.Context, fetched int, first, last *time.Time) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO sync_logs (readings_fetched, readings_inserted, first_reading_timestamp, last_reading_timestamp, success)
		VALUES ($1, 0, $2, $3, true)
		RETURNING id
	`, fetched, first, last).Scan(&id)
	if err != nil {
		return 0, storageErr("create sync log", err)
	}
	return id, nil
}

// FinishSyncLog completes a sync pass's audit row in place.
func (r *Repository) FinishSyncLog(ctx context.Context, id int64, inserted int, durationSeconds float64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sync_logs SET readings_inserted = $1, duration_seconds = $2 WHERE id = $3
	`, inserted, durationSeconds, id)
	if err != nil {
		return storageErr("finish sync log", err)
	}
	return nil
}

// FailSyncLog marks an already-opened audit row as failed, keeping whatever
// partial counts it holds.
func (r *Repository) FailSyncLog(ctx context.Context, id int64, errMsg string, durationSeconds float64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sync_logs SET success = false, error_message = $1, duration_seconds = $2 WHERE id = $3
	`, errMsg, durationSeconds, id)
	if err != nil {
		return storageErr("fail sync log", err)
	}
	return nil
}

// RecordFailedSync writes a failure audit row for a pass that never got far
// enough to open one.
func (r *Repository) RecordFailedSync(ctx context.Context, fetched, inserted int, errMsg string, durationSeconds float64) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO sync_logs (readings_fetched, readings_inserted, success, error_message, duration_seconds)
		VALUES ($1, $2, false, $3, $4)
		RETURNING id
	`, fetched, inserted, errMsg, durationSeconds).Scan(&id)
	if err != nil {
		return 0, storageErr("record failed sync", err)
	}
	return id, nil
}

// ReadingsQuery filters ListReadings. Zero values mean "no filter".
type ReadingsQuery struct {
	Start  *time.Time
	End    *time.Time
	Limit  int
	Offset int
}

// ListReadings returns readings newest first, optionally bounded by an
// inclusive time range.
func (r *Repository) ListReadings(ctx context.Context, q ReadingsQuery) ([]db.Reading, error) {
	query := `SELECT id, timestamp, value, trend, is_high, is_low, sync_id, created_at FROM readings WHERE 1=1`
	args := []any{}
	if q.Start != nil {
		args = append(args, *q.Start)
		query += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if q.End != nil {
		args = append(args, *q.End)
		query += fmt.Sprintf(" AND timestamp <= $%d", len(args))
	}
	query += " ORDER BY timestamp DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list readings", err)
	}
	defer rows.Close()

	var readings []db.Reading
	for rows.Next() {
		var rd db.Reading
		if err := rows.Scan(&rd.ID, &rd.Timestamp, &rd.Value, &rd.Trend, &rd.IsHigh, &rd.IsLow, &rd.SyncID, &rd.CreatedAt); err != nil {
			return nil, storageErr("scan reading", err)
		}
		readings = append(readings, rd)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list readings", err)
	}
	return readings, nil
}

// LatestReading returns the most recent reading, or nil when the table is
// empty.
func (r *Repository) LatestReading(ctx context.Context) (*db.Reading, error) {
	readings, err := r.ListReadings(ctx, ReadingsQuery{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, nil
	}
	return &readings[0], nil
}

// ReadingStats aggregates count/avg/min/max over an optional inclusive time
// range.
type ReadingStats struct {
	Count    int64
	AvgValue *float64
	MinValue *float64
	MaxValue *float64
}

// Stats computes reading statistics.
func (r *Repository) Stats(ctx context.Context, start, end *time.Time) (ReadingStats, error) {
	query := `
		SELECT COUNT(*), AVG(value), MIN(value), MAX(value)
		FROM readings WHERE 1=1`
	args := []any{}
	if start != nil {
		args = append(args, *start)
		query += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if end != nil {
		args = append(args, *end)
		query += fmt.Sprintf(" AND timestamp <= $%d", len(args))
	}

	var stats ReadingStats
	err := r.pool.QueryRow(ctx, query, args...).Scan(&stats.Count, &stats.AvgValue, &stats.MinValue, &stats.MaxValue)
	if err != nil {
		return ReadingStats{}, storageErr("reading stats", err)
	}
	return stats, nil
}

// ListSyncLogs returns sync audit rows newest first.
func (r *Repository) ListSyncLogs(ctx context.Context, limit int) ([]db.SyncLog, error) {
	query := `
		SELECT id, sync_timestamp, readings_fetched, readings_inserted,
			first_reading_timestamp, last_reading_timestamp,
			success, error_message, duration_seconds, created_at
		FROM sync_logs
		ORDER BY sync_timestamp DESC`
	args := []any{}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list sync logs", err)
	}
	defer rows.Close()

	var logs []db.SyncLog
	for rows.Next() {
		var l db.SyncLog
		if err := rows.Scan(&l.ID, &l.SyncTimestamp, &l.ReadingsFetched, &l.ReadingsInserted,
			&l.FirstReadingTimestamp, &l.LastReadingTimestamp,
			&l.Success, &l.ErrorMessage, &l.DurationSeconds, &l.CreatedAt); err != nil {
			return nil, storageErr("scan sync log", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list sync logs", err)
	}
	return logs, nil
}

// SyncStats aggregates the whole sync_logs table.
type SyncStats struct {
	TotalSyncs            int64
	SuccessfulSyncs       int64
	FailedSyncs           int64
	TotalReadingsFetched  int64
	TotalReadingsInserted int64
	AvgDurationSeconds    *float64
	FirstSyncTimestamp    *time.Time
	LastSyncTimestamp     *time.Time
}

// SyncStats computes aggregate statistics over every sync pass ever logged.
func (r *Repository) SyncStats(ctx context.Context) (SyncStats, error) {
	var stats SyncStats
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE success = true),
			COUNT(*) FILTER (WHERE success = false),
			COALESCE(SUM(readings_fetched), 0),
			COALESCE(SUM(readings_inserted), 0),
			AVG(duration_seconds),
			MIN(sync_timestamp),
			MAX(sync_timestamp)
		FROM sync_logs
	`).Scan(
		&stats.TotalSyncs,
		&stats.SuccessfulSyncs,
		&stats.FailedSyncs,
		&stats.TotalReadingsFetched,
		&stats.TotalReadingsInserted,
		&stats.AvgDurationSeconds,
		&stats.FirstSyncTimestamp,
		&stats.LastSyncTimestamp,
	)
	if err != nil {
		return SyncStats{}, storageErr("sync stats", err)
	}
	return stats, nil
}
