package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/avolkov/libresync/internal/db"
	"github.com/avolkov/libresync/internal/export"
	"github.com/avolkov/libresync/internal/libre"
	"github.com/avolkov/libresync/internal/repository"
	"github.com/avolkov/libresync/internal/service"
)

// maxPageLimit caps list endpoints.
const maxPageLimit = 1000

// defaultSyncLogsLimit is used when /api/sync-logs gets no limit parameter.
const defaultSyncLogsLimit = 50

// Store is the read/write surface the handlers need.
type Store interface {
	Ping(ctx context.Context) error
	ListReadings(ctx context.Context, q repository.ReadingsQuery) ([]db.Reading, error)
	LatestReading(ctx context.Context) (*db.Reading, error)
	Stats(ctx context.Context, start, end *time.Time) (repository.ReadingStats, error)
	ListSyncLogs(ctx context.Context, limit int) ([]db.SyncLog, error)
	SyncStats(ctx context.Context) (repository.SyncStats, error)
	InsertReadings(ctx context.Context, readings []libre.Reading, syncID *int64) ([]time.Time, error)
}

// SyncRunner triggers one sync pass.
type SyncRunner interface {
	Sync(ctx context.Context) (*service.Result, error)
}

// Handler implements the REST endpoints.
type Handler struct {
	store  Store
	syncer SyncRunner
	logger *zap.Logger
}

// NewHandler wires the REST surface.
func NewHandler(store Store, syncer SyncRunner, logger *zap.Logger) *Handler {
	return &Handler{store: store, syncer: syncer, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// serverError logs the detail and answers with a generic message; internal
// failure detail never reaches clients.
func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, op string, err error) {
	requestLogger(r).Error("request failed", zap.String("op", op), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// parseTimeParam accepts RFC3339 and bare ISO date-times, treating naive
// values as UTC.
func parseTimeParam(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, &libre.ParseError{Value: value}
}

func parseIntParam(value string, def, max int) (int, error) {
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	if max > 0 && n > max {
		return 0, strconv.ErrRange
	}
	return n, nil
}

// Health answers healthy only when the database responds.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		requestLogger(r).Error("health check failed", zap.Error(err))
		writeJSON(w, http.StatusOK, HealthResponse{Status: "degraded", Database: "disconnected"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Database: "connected"})
}

// ListReadings serves GET /api/readings.
func (h *Handler) ListReadings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := parseTimeParam(q.Get("start_date"))
	if err != nil {
		badRequest(w, "invalid start_date")
		return
	}
	end, err := parseTimeParam(q.Get("end_date"))
	if err != nil {
		badRequest(w, "invalid end_date")
		return
	}
	limit, err := parseIntParam(q.Get("limit"), 0, maxPageLimit)
	if err != nil {
		badRequest(w, "limit must be between 0 and 1000")
		return
	}
	offset, err := parseIntParam(q.Get("offset"), 0, 0)
	if err != nil {
		badRequest(w, "invalid offset")
		return
	}

	readings, err := h.store.ListReadings(r.Context(), repository.ReadingsQuery{
		Start:  start,
		End:    end,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.serverError(w, r, "list readings", err)
		return
	}

	resp := ReadingsListResponse{
		Readings: make([]ReadingResponse, 0, len(readings)),
		Count:    len(readings),
		Limit:    limit,
		Offset:   offset,
	}
	for _, rd := range readings {
		resp.Readings = append(resp.Readings, toReadingResponse(rd))
	}
	writeJSON(w, http.StatusOK, resp)
}

// LatestReading serves GET /api/readings/latest.
func (h *Handler) LatestReading(w http.ResponseWriter, r *http.Request) {
	reading, err := h.store.LatestReading(r.Context())
	if err != nil {
		h.serverError(w, r, "latest reading", err)
		return
	}
	if reading == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no readings found"})
		return
	}
	writeJSON(w, http.StatusOK, toReadingResponse(*reading))
}

// ReadingStats serves GET /api/readings/stats.
func (h *Handler) ReadingStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := parseTimeParam(q.Get("start_date"))
	if err != nil {
		badRequest(w, "invalid start_date")
		return
	}
	end, err := parseTimeParam(q.Get("end_date"))
	if err != nil {
		badRequest(w, "invalid end_date")
		return
	}

	stats, err := h.store.Stats(r.Context(), start, end)
	if err != nil {
		h.serverError(w, r, "reading stats", err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Count:    stats.Count,
		AvgValue: stats.AvgValue,
		MinValue: stats.MinValue,
		MaxValue: stats.MaxValue,
	})
}

// TriggerSync serves POST /api/sync.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.syncer.Sync(r.Context())
	if err != nil {
		h.serverError(w, r, "sync", err)
		return
	}
	resp := SyncResponse{
		Success:          true,
		ReadingsFetched:  result.Fetched,
		ReadingsInserted: result.Inserted,
		SyncID:           result.SyncID,
		DurationSeconds:  result.Duration.Seconds(),
	}
	if !result.FirstTimestamp.IsZero() {
		resp.FirstReadingTimestamp = result.FirstTimestamp.UTC().Format(timestampLayout)
	}
	if !result.LastTimestamp.IsZero() {
		resp.LastReadingTimestamp = result.LastTimestamp.UTC().Format(timestampLayout)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListSyncLogs serves GET /api/sync-logs.
func (h *Handler) ListSyncLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseIntParam(r.URL.Query().Get("limit"), defaultSyncLogsLimit, maxPageLimit)
	if err != nil {
		badRequest(w, "limit must be between 0 and 1000")
		return
	}
	logs, err := h.store.ListSyncLogs(r.Context(), limit)
	if err != nil {
		h.serverError(w, r, "list sync logs", err)
		return
	}
	resp := SyncLogsListResponse{
		Logs:  make([]SyncLogResponse, 0, len(logs)),
		Count: len(logs),
	}
	for _, l := range logs {
		resp.Logs = append(resp.Logs, toSyncLogResponse(l))
	}
	writeJSON(w, http.StatusOK, resp)
}

// SyncStats serves GET /api/sync-stats.
func (h *Handler) SyncStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.SyncStats(r.Context())
	if err != nil {
		h.serverError(w, r, "sync stats", err)
		return
	}
	resp := SyncStatsResponse{
		TotalSyncs:            stats.TotalSyncs,
		SuccessfulSyncs:       stats.SuccessfulSyncs,
		FailedSyncs:           stats.FailedSyncs,
		TotalReadingsFetched:  stats.TotalReadingsFetched,
		TotalReadingsInserted: stats.TotalReadingsInserted,
		AvgDurationSeconds:    stats.AvgDurationSeconds,
	}
	if stats.FirstSyncTimestamp != nil {
		s := stats.FirstSyncTimestamp.UTC().Format(timestampLayout)
		resp.FirstSyncTimestamp = &s
	}
	if stats.LastSyncTimestamp != nil {
		s := stats.LastSyncTimestamp.UTC().Format(timestampLayout)
		resp.LastSyncTimestamp = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

// ImportCSV serves POST /api/import-csv. The body is raw CSV text in the
// export format; rows that fail to parse are counted, not fatal.
func (h *Handler) ImportCSV(w http.ResponseWriter, r *http.Request) {
	readings, rowErrors, err := export.ParseCSV(r.Body)
	if err != nil {
		badRequest(w, "unable to parse CSV body")
		return
	}
	if len(readings) == 0 && rowErrors == 0 {
		badRequest(w, "CSV data is required in request body")
		return
	}

	inserted, err := h.store.InsertReadings(r.Context(), readings, nil)
	if err != nil {
		h.serverError(w, r, "import csv", err)
		return
	}
	writeJSON(w, http.StatusOK, ImportResponse{
		Success:  true,
		Imported: len(inserted),
		Errors:   rowErrors,
	})
}
