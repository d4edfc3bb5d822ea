package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/avolkov/libresync/internal/config"
)

// setRequiredEnv satisfies Validate so Load can succeed.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_HOST", "localhost")
	t.Setenv("DB_NAME", "glucose")
	t.Setenv("DB_USER", "postgres")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, sources, err := config.Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Service.Name != "libresync" {
		t.Errorf("Expected default service name libresync, got %q", cfg.Service.Name)
	}
	if cfg.Libre.ClientVersion != "4.16.0" {
		t.Errorf("Expected default client version 4.16.0, got %q", cfg.Libre.ClientVersion)
	}
	if cfg.Libre.NumReadings != 1000 {
		t.Errorf("Expected default num readings 1000, got %d", cfg.Libre.NumReadings)
	}
	if cfg.Database.Port != 5432 {
		t.Errorf("Expected default database port 5432, got %d", cfg.Database.Port)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default server port 8080, got %d", cfg.Server.Port)
	}

	if sources["server.port"] != config.SourceDefault {
		t.Errorf("Expected server.port from defaults, got %s", sources["server.port"])
	}
	if sources["database.host"] != config.SourceEnv {
		t.Errorf("Expected database.host from env, got %s", sources["database.host"])
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SYNC_INTERVAL", "5m")
	t.Setenv("LIBRE_USERNAME", "user@example.com")
	t.Setenv("LIBRE_PASSWORD", "secret")

	cfg, sources, err := config.Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Expected server port 9090 from env, got %d", cfg.Server.Port)
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Errorf("Expected sync interval 5m, got %v", cfg.Sync.Interval)
	}
	if !cfg.HasCredentials() {
		t.Error("Expected credentials to be configured")
	}
	if sources["server.port"] != config.SourceEnv {
		t.Errorf("Expected server.port from env, got %s", sources["server.port"])
	}
}

func TestLoad_FileLayer(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "service:\n  name: libresync-staging\nserver:\n  port: 8081\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	t.Setenv(config.ConfigPathEnvVar, path)

	cfg, sources, err := config.Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Service.Name != "libresync-staging" {
		t.Errorf("Expected service name from file, got %q", cfg.Service.Name)
	}
	if cfg.Server.Port != 8081 {
		t.Errorf("Expected server port 8081 from file, got %d", cfg.Server.Port)
	}
	if sources["service.name"] != config.SourceFile {
		t.Errorf("Expected service.name from file, got %s", sources["service.name"])
	}
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 8081\n"), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	t.Setenv(config.ConfigPathEnvVar, path)
	t.Setenv("SERVER_PORT", "9999")

	cfg, sources, err := config.Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Expected env to beat file, got port %d", cfg.Server.Port)
	}
	if sources["server.port"] != config.SourceEnv {
		t.Errorf("Expected server.port from env, got %s", sources["server.port"])
	}
}

func TestLoad_OverrideBeatsEverything(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SERVER_PORT", "9999")

	cfg, sources, err := config.Load(config.Override{Key: "server.port", Value: 7070})
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("Expected override to win, got port %d", cfg.Server.Port)
	}
	if sources["server.port"] != config.SourceOverride {
		t.Errorf("Expected server.port from override, got %s", sources["server.port"])
	}
}

func TestLoad_MissingDatabaseHost(t *testing.T) {
	t.Setenv("DB_HOST", "")
	t.Setenv("DB_NAME", "glucose")
	t.Setenv("DB_USER", "postgres")

	if _, _, err := config.Load(); err == nil {
		t.Error("Expected validation error for missing database host")
	}
}

func TestDSN_TCPHost(t *testing.T) {
	d := config.DatabaseConfig{Host: "localhost", Port: 5432, Name: "glucose", User: "postgres", Password: "pw"}
	want := "host=localhost port=5432 dbname=glucose user=postgres password=pw"
	if got := d.DSN(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestDSN_CloudSQLConnectionName(t *testing.T) {
	d := config.DatabaseConfig{Host: "proj:europe-west1:glucose-db", Port: 5432, Name: "glucose", User: "postgres", Password: "pw"}
	want := "host=/cloudsql/proj:europe-west1:glucose-db dbname=glucose user=postgres password=pw"
	if got := d.DSN(); got != want {
		t.Errorf("Expected Cloud SQL socket DSN %q, got %q", want, got)
	}
}
