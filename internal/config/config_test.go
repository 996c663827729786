package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleTOML = `
[server]
id = "node-1"
log_level = "debug"

[database]
backend = "postgres"
host = "db.internal"
port = 5433
name = "engine"
user = "svc"
password = "hunter2"
pool_size = 8
mode = "standalone"

[observer]
enabled = true

[[channel]]
id = "adt-intake"
name = "ADT Intake"
storage_mode = "PRODUCTION"
encryption_key = "s3cret"

[channel.attachment]
pattern = 'OBX\|[^\r]*'
mime_type = "text/plain"

[channel.source]
type = "mllp"
address = ":6661"
respond_after_processing = true
data_type = "HL7V2"

[[channel.source.filter_rule]]
name = "only lab"
script = 'msg contains "LAB"'

[[channel.destination]]
name = "Forward"
type = "http"
url = "http://downstream.internal/intake"
queue_enabled = true
queue_threads = 2
retry_count = 3
retry_interval_ms = 500
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plexus.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ID != "node-1" || cfg.Server.LogLevel != "debug" {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 5433 || cfg.Database.Mode != "standalone" {
		t.Fatalf("database = %+v", cfg.Database)
	}
	if !cfg.Observer.Enabled {
		t.Fatal("observer not enabled")
	}
	if len(cfg.Channels) != 1 {
		t.Fatalf("channels = %d", len(cfg.Channels))
	}
	ch := cfg.Channels[0]
	if ch.ID != "adt-intake" || ch.StorageMode != "PRODUCTION" {
		t.Fatalf("channel = %+v", ch)
	}
	if ch.EncryptionKey != "s3cret" {
		t.Fatalf("encryption key = %q", ch.EncryptionKey)
	}
	if ch.Attachment == nil || ch.Attachment.Pattern != `OBX\|[^\r]*` || ch.Attachment.MimeType != "text/plain" {
		t.Fatalf("attachment = %+v", ch.Attachment)
	}
	if ch.Source.Type != "mllp" || ch.Source.Address != ":6661" || !ch.Source.RespondAfterProcessing {
		t.Fatalf("source = %+v", ch.Source)
	}
	if len(ch.Source.FilterRules) != 1 || ch.Source.FilterRules[0].Name != "only lab" {
		t.Fatalf("filter rules = %+v", ch.Source.FilterRules)
	}
	if len(ch.Destination) != 1 {
		t.Fatalf("destinations = %+v", ch.Destination)
	}
	d := ch.Destination[0]
	if d.Type != "http" || !d.QueueEnabled || d.QueueThreads != 2 || d.RetryIntervalMS != 500 {
		t.Fatalf("destination = %+v", d)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Backend != "postgres" || cfg.Database.Port != 5432 {
		t.Fatalf("defaults = %+v", cfg.Database)
	}
	if cfg.Database.DeadlockRetries != 3 {
		t.Fatalf("deadlock retries default = %d", cfg.Database.DeadlockRetries)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("DB_HOST", "override.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_PASSWORD", "fromenv")
	t.Setenv("PLEXUS_MODE", "takeover")

	cfg, err := Load(writeConfig(t, sampleTOML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Host != "override.internal" || cfg.Database.Port != 6543 {
		t.Fatalf("env did not win: %+v", cfg.Database)
	}
	if cfg.Database.Password != "fromenv" || cfg.Database.Mode != "takeover" {
		t.Fatalf("env did not win: %+v", cfg.Database)
	}
}

func TestLoadRejectsBrokenTOML(t *testing.T) {
	if _, err := Load(writeConfig(t, "[database\nhost=")); err == nil {
		t.Fatal("broken toml accepted")
	}
}

func TestPostgresDSN(t *testing.T) {
	d := DatabaseConfig{
		Host: "db.internal", Port: 5433, Name: "engine",
		User: "svc", Password: "p@ss w", PoolSize: 8, ConnectTimeoutSec: 5,
	}
	dsn := d.PostgresDSN()
	for _, want := range []string{
		"postgres://",
		"db.internal:5433",
		"/engine",
		"pool_max_conns=8",
		"connect_timeout=5",
	} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("dsn %q missing %q", dsn, want)
		}
	}
	if strings.Contains(dsn, "p@ss w") {
		t.Fatal("password not escaped in dsn")
	}
}
