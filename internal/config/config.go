package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration. It is immutable after Load and
// safe for concurrent reads.
type Config struct {
	Service  ServiceConfig  `koanf:"service"`
	Libre    LibreConfig    `koanf:"libre"`
	Database DatabaseConfig `koanf:"database"`
	Server   ServerConfig   `koanf:"server"`
	Sync     SyncConfig     `koanf:"sync"`
	AMQP     AMQPConfig     `koanf:"amqp"`
}

// ServiceConfig identifies the process in logs.
type ServiceConfig struct {
	Name     string `koanf:"name"`
	LogLevel string `koanf:"log_level"`
}

// LibreConfig holds LibreLinkUp account settings.
type LibreConfig struct {
	Username      string `koanf:"username"`
	Password      string `koanf:"password"`
	ClientVersion string `koanf:"client_version"`
	// ConnectionName selects a followed patient by full name. Empty means
	// the first connection the vendor lists.
	ConnectionName string `koanf:"connection_name"`
	// ConnectionIndex selects a followed patient by list position when no
	// name is configured. Negative means unset.
	ConnectionIndex int `koanf:"connection_index"`
	// NumReadings caps CSV/JSON exports.
	NumReadings int `koanf:"num_readings"`
}

// DatabaseConfig holds PostgreSQL connection settings. Host may be a Cloud
// SQL instance connection name (project:region:instance), in which case the
// pool connects over the instance unix socket and Port is ignored.
type DatabaseConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Name     string `koanf:"name"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
}

// ServerConfig holds the REST listener settings.
type ServerConfig struct {
	Port int `koanf:"port"`
}

// SyncConfig holds the background sync settings. Interval zero disables the
// background loop; /api/sync still works.
type SyncConfig struct {
	Interval time.Duration `koanf:"interval"`
}

// AMQPConfig holds the optional reading-event publisher settings. An empty
// URL disables publishing.
type AMQPConfig struct {
	URL        string `koanf:"url"`
	Exchange   string `koanf:"exchange"`
	RoutingKey string `koanf:"routing_key"`
}

// Source names where a field's value came from.
type Source string

const (
	SourceDefault  Source = "default"
	SourceFile     Source = "file"
	SourceEnv      Source = "env"
	SourceOverride Source = "override"
)

// Sources maps koanf paths (e.g. "database.host") to the layer that supplied
// the final value.
type Sources map[string]Source

// Override pins a single field to an explicit in-process value, taking
// precedence over every other source.
type Override struct {
	Key   string
	Value any
}

// ConfigPathEnvVar overrides where the settings file is looked up.
const ConfigPathEnvVar = "CONFIG_PATH"

var defaultConfigPaths = []string{"config.yaml", "config.yml"}

// envBindings maps recognized environment variables to config paths.
var envBindings = map[string]string{
	"SERVICE_NAME":           "service.name",
	"LOG_LEVEL":              "service.log_level",
	"LIBRE_USERNAME":         "libre.username",
	"LIBRE_PASSWORD":         "libre.password",
	"LIBRE_CLIENT_VERSION":   "libre.client_version",
	"LIBRE_CONNECTION_NAME":  "libre.connection_name",
	"LIBRE_CONNECTION_INDEX": "libre.connection_index",
	"LIBRE_NUM_READINGS":     "libre.num_readings",
	"DB_HOST":                "database.host",
	"DB_PORT":                "database.port",
	"DB_NAME":                "database.name",
	"DB_USER":                "database.user",
	"DB_PASSWORD":            "database.password",
	"SERVER_PORT":            "server.port",
	"SYNC_INTERVAL":          "sync.interval",
	"AMQP_URL":               "amqp.url",
	"AMQP_EXCHANGE":          "amqp.exchange",
	"AMQP_ROUTING_KEY":       "amqp.routing_key",
}

func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{Name: "libresync", LogLevel: "info"},
		Libre: LibreConfig{
			ClientVersion:   "4.16.0",
			ConnectionIndex: -1,
			NumReadings:     1000,
		},
		Database: DatabaseConfig{Port: 5432},
		Server:   ServerConfig{Port: 8080},
		Sync:     SyncConfig{Interval: 0},
		AMQP: AMQPConfig{
			Exchange:   "libresync.readings.exchange",
			RoutingKey: "glucose.reading.inserted",
		},
	}
}

// Load resolves configuration from, lowest to highest precedence: built-in
// defaults, an optional YAML settings file, environment variables, and
// explicit overrides. It returns the resolved config together with the
// source that supplied each field.
func Load(overrides ...Override) (*Config, Sources, error) {
	k := koanf.New(".")
	sources := Sources{}

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	for _, key := range k.Keys() {
		sources[key] = SourceDefault
	}

	if path := findConfigFile(); path != "" {
		fk := koanf.New(".")
		if err := fk.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		if err := k.Merge(fk); err != nil {
			return nil, nil, fmt.Errorf("failed to merge config file %s: %w", path, err)
		}
		for _, key := range fk.Keys() {
			sources[key] = SourceFile
		}
	}

	ek := koanf.New(".")
	// The transform admits only the recognized variables; everything else in
	// the process environment is dropped.
	envProvider := env.Provider("", ".", func(name string) string {
		return envBindings[name]
	})
	if err := ek.Load(envProvider, nil); err != nil {
		return nil, nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := k.Merge(ek); err != nil {
		return nil, nil, fmt.Errorf("failed to merge environment variables: %w", err)
	}
	for _, key := range ek.Keys() {
		sources[key] = SourceEnv
	}

	for _, o := range overrides {
		if err := k.Set(o.Key, o.Value); err != nil {
			return nil, nil, fmt.Errorf("failed to apply override %s: %w", o.Key, err)
		}
		sources[o.Key] = SourceOverride
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, sources, nil
}

// Validate checks the fields every entry point needs. LibreLinkUp
// credentials are checked separately by HasCredentials, since read-only
// deployments can run without them.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required (DB_HOST or database.host)")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required (DB_NAME or database.name)")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database user is required (DB_USER or database.user)")
	}
	if c.Libre.NumReadings <= 0 {
		return fmt.Errorf("libre.num_readings must be positive")
	}
	return nil
}

// HasCredentials reports whether a LibreLinkUp account is configured.
func (c *Config) HasCredentials() bool {
	return c.Libre.Username != "" && c.Libre.Password != ""
}

// DSN renders the pgx keyword/value connection string. A host of the form
// project:region:instance is treated as a Cloud SQL connection name and
// mapped to its unix socket directory.
func (d DatabaseConfig) DSN() string {
	if strings.Contains(d.Host, ":") && !strings.Contains(d.Host, "/") {
		return fmt.Sprintf("host=/cloudsql/%s dbname=%s user=%s password=%s",
			d.Host, d.Name, d.User, d.Password)
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		d.Host, d.Port, d.Name, d.User, d.Password)
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range defaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
