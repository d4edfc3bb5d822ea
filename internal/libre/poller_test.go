package libre_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/avolkov/libresync/internal/libre"
)

// pollVendor serves a current measurement whose timestamp and value are
// controlled per request by pick.
func pollVendor(t *testing.T, reads *atomic.Int32, pick func(n int32) (minute int, value int)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/llu/auth/login", func(w http.ResponseWriter, r *http.Request) {
		loginOK(t, w)
	})
	mux.HandleFunc("/llu/connections", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, connectionsBody(connJane))
	})
	mux.HandleFunc("/llu/connections/patient-jane/graph", func(w http.ResponseWriter, r *http.Request) {
		minute, value := pick(reads.Add(1))
		if minute < 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(t, w, fmt.Sprintf(
			`{"data":{"connection":{"patientId":"patient-jane","glucoseMeasurement":{"FactoryTimestamp":"2024-03-15T12:%02d:00Z","Value":%d,"TrendArrow":3}},"graphData":[]}}`,
			minute, value))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type emission struct {
	average libre.Reading
	samples int
	atRead  int32
}

func runPoller(t *testing.T, srv *httptest.Server, amount int, reads *atomic.Int32) (<-chan emission, context.CancelFunc, <-chan struct{}) {
	t.Helper()
	emissions := make(chan emission, 8)
	client := libre.NewClient("user@example.com", "secret", libre.WithBaseURL(srv.URL))
	p := libre.NewPoller(client, amount, time.Millisecond, func(avg libre.Reading, samples, history []libre.Reading) {
		emissions <- emission{average: avg, samples: len(samples), atRead: reads.Load()}
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return emissions, cancel, done
}

func waitEmission(t *testing.T, emissions <-chan emission) emission {
	t.Helper()
	select {
	case e := <-emissions:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for an averaged reading")
		return emission{}
	}
}

func TestPoller_EmitsAfterDistinctSamplesAndResets(t *testing.T) {
	var reads atomic.Int32
	// The second read repeats the first measurement verbatim; distinct
	// timestamps then resume.
	srv := pollVendor(t, &reads, func(n int32) (int, int) {
		minute := int(n)
		if n == 2 {
			minute = 1
		}
		return minute, 100 + minute
	})

	emissions, _, _ := runPoller(t, srv, 2, &reads)

	first := waitEmission(t, emissions)
	if first.atRead < 3 {
		t.Errorf("Expected the duplicate sample not to count, emitted at read %d", first.atRead)
	}
	if first.samples != 2 {
		t.Errorf("Expected 2 buffered samples, got %d", first.samples)
	}
	// Samples 101 (12:01) and 103 (12:03).
	if first.average.Value != 102 {
		t.Errorf("Expected averaged value 102, got %v", first.average.Value)
	}
	latest := time.Date(2024, 3, 15, 12, 3, 0, 0, time.UTC)
	if !first.average.Timestamp.Equal(latest) {
		t.Errorf("Expected latest timestamp %v, got %v", latest, first.average.Timestamp)
	}

	// The buffer resets after an emission: the next one needs two fresh
	// distinct samples (12:04 and 12:05).
	second := waitEmission(t, emissions)
	if second.samples != 2 {
		t.Errorf("Expected buffer reset to 2 fresh samples, got %d", second.samples)
	}
	if second.average.Value != 105 {
		t.Errorf("Expected averaged value 105, got %v", second.average.Value)
	}
}

func TestPoller_ContinuesAfterReadFailure(t *testing.T) {
	var reads atomic.Int32
	srv := pollVendor(t, &reads, func(n int32) (int, int) {
		if n == 1 {
			return -1, 0 // vendor serves a 404 on the first poll
		}
		return int(n), 100 + int(n)
	})

	emissions, _, _ := runPoller(t, srv, 1, &reads)

	e := waitEmission(t, emissions)
	if e.atRead < 2 {
		t.Errorf("Expected emission only after the failed read, got read %d", e.atRead)
	}
	if e.average.Value != 102 {
		t.Errorf("Expected value 102 from the second poll, got %v", e.average.Value)
	}
}

func TestPoller_StopsOnContextCancel(t *testing.T) {
	var reads atomic.Int32
	srv := pollVendor(t, &reads, func(n int32) (int, int) {
		return int(n), 100
	})

	// Amount high enough that no emission ever fires.
	_, cancel, done := runPoller(t, srv, 1000, &reads)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Poller did not stop after context cancellation")
	}
}
