package db

import (
	"time"
)

// Reading is a stored glucose reading row. Timestamp is unique; readings are
// never mutated or deleted.
type Reading struct {
	ID        int64
	Timestamp time.Time
	Value     float64
	Trend     string
	IsHigh    bool
	IsLow     bool
	SyncID    *int64
	CreatedAt time.Time
}

// SyncLog is one row of the append-only sync audit table. A row is created
// at the start of a pass with ReadingsInserted=0 and completed in place once
// the pass finishes.
type SyncLog struct {
	ID                    int64
	SyncTimestamp         time.Time
	ReadingsFetched       int
	ReadingsInserted      int
	FirstReadingTimestamp *time.Time
	LastReadingTimestamp  *time.Time
	Success               bool
	ErrorMessage          *string
	DurationSeconds       *float64
	CreatedAt             time.Time
}
