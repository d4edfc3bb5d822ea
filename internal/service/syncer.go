package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/avolkov/libresync/internal/libre"
	"github.com/avolkov/libresync/internal/metrics"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	InitSchema(ctx context.Context) error
	InsertReadings(ctx context.Context, readings []libre.Reading, syncID *int64) ([]time.Time, error)
	CreateSyncLog(ctx context.Context, fetched int, first, last *time.Time) (int64, error)
	FinishSyncLog(ctx context.Context, id int64, inserted int, durationSeconds float64) error
	FailSyncLog(ctx context.Context, id int64, errMsg string, durationSeconds float64) error
	RecordFailedSync(ctx context.Context, fetched, inserted int, errMsg string, durationSeconds float64) (int64, error)
}

// Reader fetches the current measurement and history from the vendor.
type Reader interface {
	Read(ctx context.Context) (libre.Reading, []libre.Reading, error)
}

// Publisher emits events for newly inserted readings. PublishReadings errors
// never fail a pass.
type Publisher interface {
	PublishReadings(ctx context.Context, readings []libre.Reading, syncID int64) error
}

// Result summarizes one sync pass.
type Result struct {
	SyncID         int64
	Fetched        int
	Inserted       int
	FirstTimestamp time.Time
	LastTimestamp  time.Time
	Duration       time.Duration
}

// Syncer runs the fetch-dedupe-store-log pipeline. A fresh session client is
// built for every pass so concurrent passes never share mutable client
// state.
type Syncer struct {
	store     Store
	newReader func() Reader
	publisher Publisher
	logger    *zap.Logger
}

// NewSyncer builds the pipeline. publisher may be nil.
func NewSyncer(store Store, newReader func() Reader, publisher Publisher, logger *zap.Logger) *Syncer {
	return &Syncer{
		store:     store,
		newReader: newReader,
		publisher: publisher,
		logger:    logger,
	}
}

// Sync runs one complete pass. Every invocation, success or failure, leaves
// exactly one sync_logs row behind; failures are recorded best-effort and
// returned to the caller.
func (s *Syncer) Sync(ctx context.Context) (*Result, error) {
	start := time.Now()
	s.logger.Info("starting sync pass")

	if err := s.store.InitSchema(ctx); err != nil {
		s.recordFailure(ctx, 0, err, start)
		return nil, err
	}

	current, history, err := s.newReader().Read(ctx)
	if err != nil {
		s.recordFailure(ctx, 0, err, start)
		return nil, err
	}

	// The current measurement may duplicate the newest history entry; the
	// first occurrence of a timestamp wins.
	readings := dedupeReadings(append(history, current))
	fetched := len(readings)
	first, last := timeRange(readings)
	metrics.ReadingsFetched.Add(float64(fetched))

	syncID, err := s.store.CreateSyncLog(ctx, fetched, first, last)
	if err != nil {
		s.recordFailure(ctx, fetched, err, start)
		return nil, err
	}

	insertedTimes, err := s.store.InsertReadings(ctx, readings, &syncID)
	if err != nil {
		s.failLog(ctx, syncID, err, start)
		return nil, err
	}
	inserted := len(insertedTimes)

	duration := time.Since(start)
	if err := s.store.FinishSyncLog(ctx, syncID, inserted, duration.Seconds()); err != nil {
		s.failLog(ctx, syncID, err, start)
		return nil, err
	}

	metrics.SyncPasses.WithLabelValues("success").Inc()
	metrics.ReadingsInserted.Add(float64(inserted))
	metrics.SyncDuration.Observe(duration.Seconds())

	s.publishInserted(ctx, readings, insertedTimes, syncID)

	result := &Result{
		SyncID:   syncID,
		Fetched:  fetched,
		Inserted: inserted,
		Duration: duration,
	}
	if first != nil {
		result.FirstTimestamp = *first
	}
	if last != nil {
		result.LastTimestamp = *last
	}
	s.logger.Info("sync pass completed",
		zap.Int64("sync_id", syncID),
		zap.Int("fetched", fetched),
		zap.Int("inserted", inserted),
		zap.Duration("duration", duration),
	)
	return result, nil
}

// recordFailure writes a fresh failure audit row. A secondary failure while
// logging the failure is itself only logged, never escalated.
func (s *Syncer) recordFailure(ctx context.Context, fetched int, cause error, start time.Time) {
	metrics.SyncPasses.WithLabelValues("failure").Inc()
	duration := time.Since(start)
	if _, err := s.store.RecordFailedSync(ctx, fetched, 0, cause.Error(), duration.Seconds()); err != nil {
		s.logger.Error("failed to record failed sync", zap.Error(err), zap.NamedError("cause", cause))
	}
	s.logger.Error("sync pass failed", zap.Error(cause), zap.Duration("duration", duration))
}

// failLog marks the already-opened audit row as failed.
func (s *Syncer) failLog(ctx context.Context, syncID int64, cause error, start time.Time) {
	metrics.SyncPasses.WithLabelValues("failure").Inc()
	duration := time.Since(start)
	if err := s.store.FailSyncLog(ctx, syncID, cause.Error(), duration.Seconds()); err != nil {
		s.logger.Error("failed to update failed sync log", zap.Error(err), zap.NamedError("cause", cause))
	}
	s.logger.Error("sync pass failed", zap.Int64("sync_id", syncID), zap.Error(cause), zap.Duration("duration", duration))
}

func (s *Syncer) publishInserted(ctx context.Context, readings []libre.Reading, insertedTimes []time.Time, syncID int64) {
	if s.publisher == nil || len(insertedTimes) == 0 {
		return
	}
	insertedSet := make(map[time.Time]struct{}, len(insertedTimes))
	for _, ts := range insertedTimes {
		insertedSet[ts.UTC()] = struct{}{}
	}
	var inserted []libre.Reading
	for _, r := range readings {
		if _, ok := insertedSet[r.Timestamp.UTC()]; ok {
			inserted = append(inserted, r)
		}
	}
	if err := s.publisher.PublishReadings(ctx, inserted, syncID); err != nil {
		s.logger.Error("failed to publish inserted readings", zap.Error(err))
	}
}

// dedupeReadings drops later occurrences of a timestamp, preserving order.
func dedupeReadings(readings []libre.Reading) []libre.Reading {
	seen := make(map[time.Time]struct{}, len(readings))
	unique := make([]libre.Reading, 0, len(readings))
	for _, r := range readings {
		if _, ok := seen[r.Timestamp]; ok {
			continue
		}
		seen[r.Timestamp] = struct{}{}
		unique = append(unique, r)
	}
	return unique
}

func timeRange(readings []libre.Reading) (first, last *time.Time) {
	for i := range readings {
		ts := readings[i].Timestamp
		if first == nil || ts.Before(*first) {
			t := ts
			first = &t
		}
		if last == nil || ts.After(*last) {
			t := ts
			last = &t
		}
	}
	return first, last
}
