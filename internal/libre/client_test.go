package libre_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/avolkov/libresync/internal/libre"
)

const testToken = "test-token-abc"

func writeJSON(t *testing.T, w http.ResponseWriter, body string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write([]byte(body)); err != nil {
		t.Errorf("Failed to write response: %v", err)
	}
}

func loginOK(t *testing.T, w http.ResponseWriter) {
	writeJSON(t, w, fmt.Sprintf(
		`{"status":0,"data":{"authTicket":{"token":"%s","expires":1893456000},"user":{"id":"user-1"}}}`,
		testToken))
}

func connectionsBody(conns ...string) string {
	return `{"data":[` + strings.Join(conns, ",") + `]}`
}

const (
	connJane = `{"id":"c1","patientId":"patient-jane","firstName":"Jane","lastName":"Doe"}`
	connJohn = `{"id":"c2","patientId":"patient-john","firstName":"John","lastName":"Doe"}`
)

func graphBody(currentValue float64, historyValues ...float64) string {
	current := fmt.Sprintf(
		`{"FactoryTimestamp":"2024-03-15T12:00:00Z","Value":%g,"TrendArrow":3}`, currentValue)
	history := make([]string, 0, len(historyValues))
	for i, v := range historyValues {
		history = append(history, fmt.Sprintf(
			`{"FactoryTimestamp":"2024-03-15T11:%02d:00Z","Value":%g,"TrendArrow":3}`, i*5, v))
	}
	return fmt.Sprintf(
		`{"data":{"connection":{"patientId":"patient-jane","glucoseMeasurement":%s},"graphData":[%s]}}`,
		current, strings.Join(history, ","))
}

// vendorServer wires a standard happy-path vendor: login succeeds, one
// followed patient, graph with a current measurement and two history points.
func vendorServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/llu/auth/login", func(w http.ResponseWriter, r *http.Request) {
		loginOK(t, w)
	})
	mux.HandleFunc("/llu/connections", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, connectionsBody(connJane, connJohn))
	})
	mux.HandleFunc("/llu/connections/patient-jane/graph", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, graphBody(110, 98, 104))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLogin_Success(t *testing.T) {
	srv := vendorServer(t)
	client := libre.NewClient("user@example.com", "secret", libre.WithBaseURL(srv.URL))

	if err := client.Login(context.Background()); err != nil {
		t.Fatalf("Failed to log in: %v", err)
	}
}

func TestLogin_SendsExpectedHeaders(t *testing.T) {
	var sawProduct, sawVersion string
	mux := http.NewServeMux()
	mux.HandleFunc("/llu/auth/login", func(w http.ResponseWriter, r *http.Request) {
		sawProduct = r.Header.Get("product")
		sawVersion = r.Header.Get("version")
		loginOK(t, w)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := libre.NewClient("user@example.com", "secret",
		libre.WithBaseURL(srv.URL), libre.WithClientVersion("4.12.0"))
	if err := client.Login(context.Background()); err != nil {
		t.Fatalf("Failed to log in: %v", err)
	}

	if sawProduct != "llu.android" {
		t.Errorf("Expected product header llu.android, got %q", sawProduct)
	}
	if sawVersion != "4.12.0" {
		t.Errorf("Expected version header 4.12.0, got %q", sawVersion)
	}
}

func TestLogin_BadCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/llu/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"status":2,"data":{}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := libre.NewClient("user@example.com", "wrong", libre.WithBaseURL(srv.URL))
	err := client.Login(context.Background())
	if err == nil {
		t.Fatal("Expected error for bad credentials")
	}

	var authErr *libre.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected *AuthError, got %T", err)
	}
	if !strings.Contains(authErr.Reason, "bad credentials") {
		t.Errorf("Expected bad credentials reason, got %q", authErr.Reason)
	}
}

func TestLogin_StepRequired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/llu/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"status":4,"data":{"step":{"componentName":"tou"}}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := libre.NewClient("user@example.com", "secret", libre.WithBaseURL(srv.URL))
	err := client.Login(context.Background())
	if err == nil {
		t.Fatal("Expected error for pending account step")
	}
	if !strings.Contains(err.Error(), "additional action required: tou") {
		t.Errorf("Expected step name in error, got %q", err.Error())
	}
}

func TestLogin_RegionalRedirect(t *testing.T) {
	// Regional server: where the account actually lives.
	regionalLogins := 0
	regionalMux := http.NewServeMux()
	regionalMux.HandleFunc("/llu/auth/login", func(w http.ResponseWriter, r *http.Request) {
		regionalLogins++
		loginOK(t, w)
	})
	regional := httptest.NewServer(regionalMux)
	defer regional.Close()

	// Initial server: answers the login with a redirect to region "eu2".
	initialMux := http.NewServeMux()
	initialMux.HandleFunc("/llu/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"status":0,"data":{"redirect":true,"region":"eu2"}}`)
	})
	initialMux.HandleFunc("/llu/config/country", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, fmt.Sprintf(
			`{"data":{"regionalMap":{"eu2":{"lslApi":"%s"},"us":{"lslApi":"https://api-us.example.com"}}}}`,
			regional.URL))
	})
	initial := httptest.NewServer(initialMux)
	defer initial.Close()

	client := libre.NewClient("user@example.com", "secret", libre.WithBaseURL(initial.URL))
	if err := client.Login(context.Background()); err != nil {
		t.Fatalf("Failed to log in through redirect: %v", err)
	}
	if regionalLogins != 1 {
		t.Errorf("Expected exactly one login against the regional endpoint, got %d", regionalLogins)
	}
}

func TestLogin_SecondRedirectFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/llu/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"status":0,"data":{"redirect":true,"region":"eu2"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	// The regional map points the client back at the same server, which
	// redirects again.
	mux.HandleFunc("/llu/config/country", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, fmt.Sprintf(`{"data":{"regionalMap":{"eu2":{"lslApi":"%s"}}}}`, srv.URL))
	})

	client := libre.NewClient("user@example.com", "secret", libre.WithBaseURL(srv.URL))
	err := client.Login(context.Background())
	if err == nil {
		t.Fatal("Expected error on a second redirect")
	}
	if !strings.Contains(err.Error(), "second redirect") {
		t.Errorf("Expected second redirect error, got %q", err.Error())
	}
}

func TestLogin_UnknownRegion(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/llu/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"status":0,"data":{"redirect":true,"region":"mars"}}`)
	})
	mux.HandleFunc("/llu/config/country", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"data":{"regionalMap":{"eu":{"lslApi":"https://eu.example.com"},"ae":{"lslApi":"https://ae.example.com"}}}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := libre.NewClient("user@example.com", "secret", libre.WithBaseURL(srv.URL))
	err := client.Login(context.Background())
	if err == nil {
		t.Fatal("Expected error for unknown region")
	}
	if !strings.Contains(err.Error(), `region "mars"`) {
		t.Errorf("Expected unknown region in error, got %q", err.Error())
	}
	if !strings.Contains(err.Error(), "ae, eu") {
		t.Errorf("Expected sorted available regions in error, got %q", err.Error())
	}
}

func TestRead_Success(t *testing.T) {
	srv := vendorServer(t)
	client := libre.NewClient("user@example.com", "secret", libre.WithBaseURL(srv.URL))

	current, history, err := client.Read(context.Background())
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}

	if current.Value != 110 {
		t.Errorf("Expected current value 110, got %v", current.Value)
	}
	if current.Trend != libre.TrendFlat {
		t.Errorf("Expected flat trend, got %s", current.Trend)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 history readings, got %d", len(history))
	}
	if history[0].Value != 98 || history[1].Value != 104 {
		t.Errorf("Unexpected history values: %v, %v", history[0].Value, history[1].Value)
	}
}

func TestRead_NoCurrentMeasurement(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/llu/auth/login", func(w http.ResponseWriter, r *http.Request) {
		loginOK(t, w)
	})
	mux.HandleFunc("/llu/connections", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, connectionsBody(connJane))
	})
	mux.HandleFunc("/llu/connections/patient-jane/graph", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"data":{"connection":{"patientId":"patient-jane"},"graphData":[]}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := libre.NewClient("user@example.com", "secret", libre.WithBaseURL(srv.URL))
	_, _, err := client.Read(context.Background())
	if !errors.Is(err, libre.ErrNoData) {
		t.Errorf("Expected ErrNoData, got %v", err)
	}
}

func TestRead_NoConnections(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/llu/auth/login", func(w http.ResponseWriter, r *http.Request) {
		loginOK(t, w)
	})
	mux.HandleFunc("/llu/connections", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"data":[]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := libre.NewClient("user@example.com", "secret", libre.WithBaseURL(srv.URL))
	_, _, err := client.Read(context.Background())
	if !errors.Is(err, libre.ErrNoConnections) {
		t.Errorf("Expected ErrNoConnections, got %v", err)
	}
}

func TestRead_SelectConnectionByName(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/llu/auth/login", func(w http.ResponseWriter, r *http.Request) {
		loginOK(t, w)
	})
	mux.HandleFunc("/llu/connections", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, connectionsBody(connJane, connJohn))
	})
	mux.HandleFunc("/llu/connections/patient-john/graph", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, graphBody(87))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := libre.NewClient("user@example.com", "secret",
		libre.WithBaseURL(srv.URL), libre.WithSelector(libre.ByName("john doe")))
	current, _, err := client.Read(context.Background())
	if err != nil {
		t.Fatalf("Failed to read selected connection: %v", err)
	}
	if current.Value != 87 {
		t.Errorf("Expected John's reading 87, got %v", current.Value)
	}
}

func TestRead_PartialNameNotFound(t *testing.T) {
	srv := vendorServer(t)
	client := libre.NewClient("user@example.com", "secret",
		libre.WithBaseURL(srv.URL), libre.WithSelector(libre.ByName("Jane")))

	_, _, err := client.Read(context.Background())
	if err == nil {
		t.Fatal("Expected error for partial name match")
	}
	var notFound *libre.ConnectionNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("Expected *ConnectionNotFoundError, got %T", err)
	}
}

func TestDo_RetriesOnServerError(t *testing.T) {
	var attempts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/llu/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		loginOK(t, w)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := libre.NewClient("user@example.com", "secret", libre.WithBaseURL(srv.URL))
	if err := client.Login(context.Background()); err != nil {
		t.Fatalf("Expected login to succeed after retries: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestDo_NonRetryableStatusFailsImmediately(t *testing.T) {
	var attempts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/llu/auth/login", func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := libre.NewClient("user@example.com", "secret", libre.WithBaseURL(srv.URL))
	err := client.Login(context.Background())
	if err == nil {
		t.Fatal("Expected error for 403 response")
	}

	var fetchErr *libre.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("Expected *FetchError, got %T", err)
	}
	if fetchErr.StatusCode != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", fetchErr.StatusCode)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("Expected a single attempt, got %d", got)
	}
}

func TestDo_RetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/llu/auth/login", func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := libre.NewClient("user@example.com", "secret", libre.WithBaseURL(srv.URL))
	err := client.Login(context.Background())
	if err == nil {
		t.Fatal("Expected error after exhausting retries")
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestRead_AuthenticatedHeaders(t *testing.T) {
	var authHeader, accountIDHeader string
	mux := http.NewServeMux()
	mux.HandleFunc("/llu/auth/login", func(w http.ResponseWriter, r *http.Request) {
		loginOK(t, w)
	})
	mux.HandleFunc("/llu/connections", func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		accountIDHeader = r.Header.Get("account-id")
		writeJSON(t, w, connectionsBody(connJane))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := libre.NewClient("user@example.com", "secret", libre.WithBaseURL(srv.URL))
	if _, err := client.Connections(context.Background()); err != nil {
		t.Fatalf("Failed to list connections: %v", err)
	}

	if authHeader != "Bearer "+testToken {
		t.Errorf("Expected bearer token header, got %q", authHeader)
	}
	// hex(sha256("user-1"))
	expectedAccountID := "c6c289e49e9c05b2145860387b73bcb18df43fb09a1e4a4a9713c76c88bb541b"
	if accountIDHeader != expectedAccountID {
		t.Errorf("Expected hashed account id %s, got %q", expectedAccountID, accountIDHeader)
	}
}
