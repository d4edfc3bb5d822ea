package libre

import (
	"strings"
	"time"
)

// trendArrowTable maps the vendor's numeric TrendArrow to a Trend. Indices 0
// and 6 both mean the sensor could not compute a direction.
var trendArrowTable = [7]Trend{
	TrendNotComputable,
	TrendSingleDown,
	TrendFortyFiveDown,
	TrendFlat,
	TrendFortyFiveUp,
	TrendSingleUp,
	TrendNotComputable,
}

// TrendFromArrow converts a raw trend arrow index to a Trend. An absent or
// out-of-range arrow yields def.
func TrendFromArrow(arrow *int, def Trend) Trend {
	if arrow == nil || *arrow < 0 || *arrow >= len(trendArrowTable) {
		return def
	}
	return trendArrowTable[*arrow]
}

// timestampFormats are tried in order. The vendor mixes ISO-8601 and
// US-style FactoryTimestamp strings, sometimes with fractional seconds.
var timestampFormats = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"1/2/2006 3:04:05 PM",
	"1/2/2006 15:04:05",
}

// ParseTimestamp parses a raw vendor timestamp, trying each supported format
// in priority order. A literal " UTC" suffix is accepted; results without an
// explicit offset are treated as UTC. The returned instant is truncated to
// second precision.
func ParseTimestamp(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, " UTC")
	for _, layout := range timestampFormats {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t.UTC().Truncate(time.Second), nil
		}
	}
	return time.Time{}, &ParseError{Value: raw}
}

// Normalize converts a raw vendor measurement into a canonical Reading.
// defaultTrend is used when the trend arrow is absent or out of range.
func Normalize(item GlucoseItem, defaultTrend Trend) (Reading, error) {
	ts, err := ParseTimestamp(item.FactoryTimestamp)
	if err != nil {
		return Reading{}, err
	}
	return Reading{
		Value:     item.Value,
		Trend:     TrendFromArrow(item.TrendArrow, defaultTrend),
		IsHigh:    item.IsHigh,
		IsLow:     item.IsLow,
		Timestamp: ts,
	}, nil
}
