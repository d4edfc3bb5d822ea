package libre

import (
	"errors"
	"testing"
	"time"
)

var testConnections = []Connection{
	{ID: "c1", PatientID: "patient-jane", FirstName: "Jane", LastName: "Doe"},
	{ID: "c2", PatientID: "patient-john", FirstName: "John", LastName: "Doe"},
}

func TestSelector_First(t *testing.T) {
	id, err := FirstConnection().pick(testConnections)
	if err != nil {
		t.Fatalf("Failed to pick connection: %v", err)
	}
	if id != "patient-jane" {
		t.Errorf("Expected patient-jane, got %s", id)
	}
}

func TestSelector_Empty(t *testing.T) {
	_, err := FirstConnection().pick(nil)
	if !errors.Is(err, ErrNoConnections) {
		t.Errorf("Expected ErrNoConnections, got %v", err)
	}
}

func TestSelector_ByNameCaseInsensitive(t *testing.T) {
	id, err := ByName("JOHN DOE").pick(testConnections)
	if err != nil {
		t.Fatalf("Failed to pick connection: %v", err)
	}
	if id != "patient-john" {
		t.Errorf("Expected patient-john, got %s", id)
	}
}

func TestSelector_ByNamePartialDoesNotMatch(t *testing.T) {
	_, err := ByName("John").pick(testConnections)
	if err == nil {
		t.Fatal("Expected error for partial name")
	}
	var notFound *ConnectionNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("Expected *ConnectionNotFoundError, got %T", err)
	}
}

func TestSelector_ByIndex(t *testing.T) {
	id, err := ByIndex(1).pick(testConnections)
	if err != nil {
		t.Fatalf("Failed to pick connection: %v", err)
	}
	if id != "patient-john" {
		t.Errorf("Expected patient-john, got %s", id)
	}
}

func TestSelector_ByIndexOutOfRange(t *testing.T) {
	if _, err := ByIndex(2).pick(testConnections); err == nil {
		t.Error("Expected error for out-of-range index")
	}
	if _, err := ByIndex(-1).pick(testConnections); err == nil {
		t.Error("Expected error for negative index")
	}
}

func TestSelector_ByPredicate(t *testing.T) {
	id, err := ByPredicate(func(c Connection) bool {
		return c.FirstName == "John"
	}).pick(testConnections)
	if err != nil {
		t.Fatalf("Failed to pick connection: %v", err)
	}
	if id != "patient-john" {
		t.Errorf("Expected patient-john, got %s", id)
	}
}

func TestAverageReadings(t *testing.T) {
	ts := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	samples := []Reading{
		{Value: 100, Trend: TrendFlat},
		{Value: 110, Trend: TrendFortyFiveUp},
		{Value: 125, Trend: TrendSingleUp},
	}
	latest := Reading{Value: 125, Trend: TrendSingleUp, IsHigh: true, Timestamp: ts}

	avg := AverageReadings(samples, latest)

	if avg.Value != 112 {
		t.Errorf("Expected mean value 112, got %v", avg.Value)
	}
	if avg.Trend != TrendFortyFiveUp {
		t.Errorf("Expected averaged trend FortyFiveUp, got %s", avg.Trend)
	}
	if !avg.IsHigh {
		t.Error("Expected latest reading's high flag to carry over")
	}
	if !avg.Timestamp.Equal(ts) {
		t.Errorf("Expected latest timestamp %v, got %v", ts, avg.Timestamp)
	}
}

func TestAverageReadings_UnknownTrendCountsAsFlat(t *testing.T) {
	samples := []Reading{
		{Value: 100, Trend: TrendNotComputable},
		{Value: 100, Trend: TrendFlat},
	}
	avg := AverageReadings(samples, samples[1])
	if avg.Trend != TrendFlat {
		t.Errorf("Expected Flat, got %s", avg.Trend)
	}
}

func TestAverageReadings_NoSamples(t *testing.T) {
	latest := Reading{Value: 99, Trend: TrendFlat}
	avg := AverageReadings(nil, latest)
	if avg != latest {
		t.Errorf("Expected latest reading back, got %+v", avg)
	}
}
