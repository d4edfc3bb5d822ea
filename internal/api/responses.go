package api

import (
	"time"

	"github.com/avolkov/libresync/internal/db"
)

// timestampLayout is how instants are rendered in API responses.
const timestampLayout = time.RFC3339

// ReadingResponse is one stored reading.
type ReadingResponse struct {
	ID        int64   `json:"id"`
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
	Trend     string  `json:"trend"`
	IsHigh    bool    `json:"is_high"`
	IsLow     bool    `json:"is_low"`
	SyncID    *int64  `json:"sync_id,omitempty"`
	CreatedAt string  `json:"created_at"`
}

func toReadingResponse(r db.Reading) ReadingResponse {
	return ReadingResponse{
		ID:        r.ID,
		Timestamp: r.Timestamp.UTC().Format(timestampLayout),
		Value:     r.Value,
		Trend:     r.Trend,
		IsHigh:    r.IsHigh,
		IsLow:     r.IsLow,
		SyncID:    r.SyncID,
		CreatedAt: r.CreatedAt.UTC().Format(timestampLayout),
	}
}

// ReadingsListResponse wraps a readings page.
type ReadingsListResponse struct {
	Readings []ReadingResponse `json:"readings"`
	Count    int               `json:"count"`
	Limit    int               `json:"limit,omitempty"`
	Offset   int               `json:"offset"`
}

// StatsResponse aggregates stored reading values.
type StatsResponse struct {
	Count    int64    `json:"count"`
	AvgValue *float64 `json:"avg_value"`
	MinValue *float64 `json:"min_value"`
	MaxValue *float64 `json:"max_value"`
}

// HealthResponse reports service and database health.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// SyncResponse reports the outcome of a triggered sync pass.
type SyncResponse struct {
	Success               bool    `json:"success"`
	ReadingsFetched       int     `json:"readings_fetched"`
	ReadingsInserted      int     `json:"readings_inserted"`
	SyncID                int64   `json:"sync_id,omitempty"`
	FirstReadingTimestamp string  `json:"first_reading_timestamp,omitempty"`
	LastReadingTimestamp  string  `json:"last_reading_timestamp,omitempty"`
	DurationSeconds       float64 `json:"duration_seconds"`
}

// SyncLogResponse is one audit row.
type SyncLogResponse struct {
	ID                    int64    `json:"id"`
	SyncTimestamp         string   `json:"sync_timestamp"`
	ReadingsFetched       int      `json:"readings_fetched"`
	ReadingsInserted      int      `json:"readings_inserted"`
	FirstReadingTimestamp *string  `json:"first_reading_timestamp"`
	LastReadingTimestamp  *string  `json:"last_reading_timestamp"`
	Success               bool     `json:"success"`
	ErrorMessage          *string  `json:"error_message"`
	DurationSeconds       *float64 `json:"duration_seconds"`
	CreatedAt             string   `json:"created_at"`
}

func toSyncLogResponse(l db.SyncLog) SyncLogResponse {
	resp := SyncLogResponse{
		ID:               l.ID,
		SyncTimestamp:    l.SyncTimestamp.UTC().Format(timestampLayout),
		ReadingsFetched:  l.ReadingsFetched,
		ReadingsInserted: l.ReadingsInserted,
		Success:          l.Success,
		ErrorMessage:     l.ErrorMessage,
		DurationSeconds:  l.DurationSeconds,
		CreatedAt:        l.CreatedAt.UTC().Format(timestampLayout),
	}
	if l.FirstReadingTimestamp != nil {
		s := l.FirstReadingTimestamp.UTC().Format(timestampLayout)
		resp.FirstReadingTimestamp = &s
	}
	if l.LastReadingTimestamp != nil {
		s := l.LastReadingTimestamp.UTC().Format(timestampLayout)
		resp.LastReadingTimestamp = &s
	}
	return resp
}

// SyncLogsListResponse wraps an audit page.
type SyncLogsListResponse struct {
	Logs  []SyncLogResponse `json:"logs"`
	Count int               `json:"count"`
}

// SyncStatsResponse aggregates the audit table.
type SyncStatsResponse struct {
	TotalSyncs            int64    `json:"total_syncs"`
	SuccessfulSyncs       int64    `json:"successful_syncs"`
	FailedSyncs           int64    `json:"failed_syncs"`
	TotalReadingsFetched  int64    `json:"total_readings_fetched"`
	TotalReadingsInserted int64    `json:"total_readings_inserted"`
	AvgDurationSeconds    *float64 `json:"avg_duration_seconds"`
	FirstSyncTimestamp    *string  `json:"first_sync_timestamp"`
	LastSyncTimestamp     *string  `json:"last_sync_timestamp"`
}

// ImportResponse reports a CSV bulk import.
type ImportResponse struct {
	Success  bool `json:"success"`
	Imported int  `json:"imported"`
	Errors   int  `json:"errors"`
}

type errorResponse struct {
	Error string `json:"error"`
}
