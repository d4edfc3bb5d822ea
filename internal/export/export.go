// Package export renders stored readings as CSV and JSON. Display
// timestamps use a fixed UTC+3 offset regardless of the host timezone; the
// stored instant stays UTC and is carried alongside for reference.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/avolkov/libresync/internal/libre"
)

// DisplayZone is the fixed offset all display timestamps are rendered in.
var DisplayZone = time.FixedZone("GMT+3", 3*60*60)

// CSVHeader is the column layout of exported and imported CSV files.
var CSVHeader = []string{
	"Date (GMT+3)", "Time (GMT+3)", "Value (mg/dL)", "Trend", "Is High", "Is Low", "Original GMT Date",
}

// lastN sorts readings oldest first and keeps the most recent max entries.
func lastN(readings []libre.Reading, max int) []libre.Reading {
	sorted := make([]libre.Reading, len(readings))
	copy(sorted, readings)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	if max > 0 && len(sorted) > max {
		sorted = sorted[len(sorted)-max:]
	}
	return sorted
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// WriteCSV renders the most recent max readings (0 = all) oldest first.
func WriteCSV(w io.Writer, readings []libre.Reading, max int) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range lastN(readings, max) {
		local := r.Timestamp.In(DisplayZone)
		record := []string{
			local.Format("2006-01-02"),
			local.Format("15:04:05"),
			strconv.FormatFloat(r.Value, 'f', -1, 64),
			string(r.Trend),
			yesNo(r.IsHigh),
			yesNo(r.IsLow),
			r.Timestamp.UTC().Format("2006-01-02 15:04:05") + " UTC",
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadingJSON is one reading in the JSON export shape.
type ReadingJSON struct {
	Datetime    string  `json:"datetime"`
	Date        string  `json:"date"`
	Time        string  `json:"time"`
	Timestamp   int64   `json:"timestamp"`
	Value       float64 `json:"value"`
	ValueMgdl   float64 `json:"value_mgdl"`
	Trend       string  `json:"trend"`
	IsHigh      bool    `json:"is_high"`
	IsLow       bool    `json:"is_low"`
	GMTDatetime string  `json:"gmt_datetime"`
}

// Envelope wraps a JSON export.
type Envelope struct {
	Success  bool          `json:"success"`
	Count    int           `json:"count"`
	Readings []ReadingJSON `json:"readings"`
	Metadata Metadata      `json:"metadata"`
}

// Metadata summarizes the exported range.
type Metadata struct {
	FirstReading string `json:"first_reading,omitempty"`
	LastReading  string `json:"last_reading,omitempty"`
	Timezone     string `json:"timezone"`
}

// ToJSON shapes the most recent max readings (0 = all) for JSON output,
// oldest first.
func ToJSON(readings []libre.Reading, max int) Envelope {
	selected := lastN(readings, max)
	out := make([]ReadingJSON, 0, len(selected))
	for _, r := range selected {
		local := r.Timestamp.In(DisplayZone)
		out = append(out, ReadingJSON{
			Datetime:    local.Format("2006-01-02 15:04:05"),
			Date:        local.Format("2006-01-02"),
			Time:        local.Format("15:04:05"),
			Timestamp:   local.Unix(),
			Value:       r.Value,
			ValueMgdl:   r.Value,
			Trend:       string(r.Trend),
			IsHigh:      r.IsHigh,
			IsLow:       r.IsLow,
			GMTDatetime: r.Timestamp.UTC().Format("2006-01-02 15:04:05") + " UTC",
		})
	}
	env := Envelope{
		Success:  true,
		Count:    len(out),
		Readings: out,
		Metadata: Metadata{Timezone: "GMT+3"},
	}
	if len(out) > 0 {
		env.Metadata.FirstReading = out[0].Datetime
		env.Metadata.LastReading = out[len(out)-1].Datetime
	}
	return env
}

// ParseCSV reads exported-format CSV and returns the readings it could
// parse plus the number of rows it could not. Display timestamps are
// converted from GMT+3 back to UTC. Only a malformed stream (not a bad row)
// is an error.
func ParseCSV(r io.Reader) ([]libre.Reading, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[name] = i
	}
	for _, required := range CSVHeader[:6] {
		if _, ok := cols[required]; !ok {
			return nil, 0, fmt.Errorf("csv header missing column %q", required)
		}
	}

	var readings []libre.Reading
	rowErrors := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			rowErrors++
			continue
		}
		reading, err := parseRow(record, cols)
		if err != nil {
			rowErrors++
			continue
		}
		readings = append(readings, reading)
	}
	return readings, rowErrors, nil
}

func parseRow(record []string, cols map[string]int) (libre.Reading, error) {
	field := func(name string) (string, error) {
		idx := cols[name]
		if idx >= len(record) {
			return "", fmt.Errorf("row too short for column %q", name)
		}
		return record[idx], nil
	}

	dateStr, err := field("Date (GMT+3)")
	if err != nil {
		return libre.Reading{}, err
	}
	timeStr, err := field("Time (GMT+3)")
	if err != nil {
		return libre.Reading{}, err
	}
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", dateStr+" "+timeStr, DisplayZone)
	if err != nil {
		return libre.Reading{}, fmt.Errorf("parse row timestamp: %w", err)
	}

	valueStr, err := field("Value (mg/dL)")
	if err != nil {
		return libre.Reading{}, err
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return libre.Reading{}, fmt.Errorf("parse row value: %w", err)
	}

	trend, err := field("Trend")
	if err != nil {
		return libre.Reading{}, err
	}
	isHigh, err := field("Is High")
	if err != nil {
		return libre.Reading{}, err
	}
	isLow, err := field("Is Low")
	if err != nil {
		return libre.Reading{}, err
	}

	return libre.Reading{
		Value:     value,
		Trend:     libre.Trend(trend),
		IsHigh:    strings.EqualFold(isHigh, "Yes"),
		IsLow:     strings.EqualFold(isLow, "Yes"),
		Timestamp: ts.UTC(),
	}, nil
}
