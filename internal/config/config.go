// Package config loads the engine configuration: defaults, then the TOML
// file, then environment variables (env wins).
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig    `toml:"server"`
	Database DatabaseConfig  `toml:"database"`
	Observer ObserverConfig  `toml:"observer"`
	Channels []ChannelConfig `toml:"channel"`
}

type ServerConfig struct {
	// ID partitions unfinished work between hosts sharing one database.
	// Empty means a random id is generated at startup.
	ID       string `toml:"id"`
	LogLevel string `toml:"log_level"`
}

type DatabaseConfig struct {
	// Backend is postgres or sqlite.
	Backend string `toml:"backend"`

	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Name     string `toml:"name"`
	User     string `toml:"user"`
	Password string `toml:"password"`

	PoolSize          int `toml:"pool_size"`
	QueueLimit        int `toml:"queue_limit"`
	ConnectTimeoutSec int `toml:"connect_timeout"`
	DeadlockRetries   int `toml:"deadlock_retries"`
	AcquireTimeoutSec int `toml:"acquire_timeout"`

	// Mode is auto, standalone, or takeover (postgres only).
	Mode string `toml:"mode"`

	// SQLitePath is used when Backend is sqlite.
	SQLitePath string `toml:"sqlite_path"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

type ChannelConfig struct {
	ID          string              `toml:"id"`
	Name        string              `toml:"name"`
	StorageMode string              `toml:"storage_mode"`
	Source      SourceConfig        `toml:"source"`
	Destination []DestinationConfig `toml:"destination"`

	Preprocessor  string `toml:"preprocessor"`
	Postprocessor string `toml:"postprocessor"`

	// EncryptionKey enables content encryption at rest when non-empty.
	EncryptionKey string `toml:"encryption_key"`

	Attachment *AttachmentConfig `toml:"attachment"`
}

// AttachmentConfig extracts raw segments matching Pattern into separately
// stored attachments before processing.
type AttachmentConfig struct {
	Pattern  string `toml:"pattern"`
	MimeType string `toml:"mime_type"`
}

type SourceConfig struct {
	// Type is mllp or vm.
	Type    string `toml:"type"`
	Address string `toml:"address"`

	RespondAfterProcessing bool `toml:"respond_after_processing"`
	QueueCapacity          int  `toml:"queue_capacity"`

	// DataType is HL7V2, DELIMITED, XML, or RAW.
	DataType string `toml:"data_type"`
	Charset  string `toml:"charset"`

	FilterRules      []ScriptConfig `toml:"filter_rule"`
	TransformerSteps []ScriptConfig `toml:"transformer_step"`
}

type DestinationConfig struct {
	Name string `toml:"name"`
	// Type is http, mllp, or vm.
	Type string `toml:"type"`

	// HTTP settings.
	URL         string `toml:"url"`
	Method      string `toml:"method"`
	ContentType string `toml:"content_type"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	SOAPAction  string `toml:"soap_action"`

	// MLLP settings.
	Address string `toml:"address"`

	// VM settings.
	Target string `toml:"target"`

	TimeoutSec int `toml:"timeout"`

	QueueEnabled    bool `toml:"queue_enabled"`
	QueueThreads    int  `toml:"queue_threads"`
	SendFirst       bool `toml:"send_first"`
	RetryCount      int  `toml:"retry_count"`
	RetryIntervalMS int  `toml:"retry_interval_ms"`

	DataType string `toml:"data_type"`

	FilterRules         []ScriptConfig `toml:"filter_rule"`
	TransformerSteps    []ScriptConfig `toml:"transformer_step"`
	ResponseTransformer []ScriptConfig `toml:"response_step"`
}

type ScriptConfig struct {
	Name     string `toml:"name"`
	Script   string `toml:"script"`
	Operator string `toml:"operator"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{LogLevel: "info"},
		Database: DatabaseConfig{
			Backend:           "postgres",
			Host:              "localhost",
			Port:              5432,
			Name:              "plexus",
			User:              "plexus",
			PoolSize:          20,
			QueueLimit:        1000,
			ConnectTimeoutSec: 10,
			DeadlockRetries:   3,
			AcquireTimeoutSec: 10,
			Mode:              "auto",
			SQLitePath:        "plexus.db",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "plexus.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("DB_HOST", &cfg.Database.Host)
	setInt("DB_PORT", &cfg.Database.Port)
	setString("DB_NAME", &cfg.Database.Name)
	setString("DB_USER", &cfg.Database.User)
	setString("DB_PASSWORD", &cfg.Database.Password)
	setInt("DB_POOL_SIZE", &cfg.Database.PoolSize)
	setInt("DB_QUEUE_LIMIT", &cfg.Database.QueueLimit)
	setInt("DB_CONNECT_TIMEOUT", &cfg.Database.ConnectTimeoutSec)
	setInt("DB_DEADLOCK_RETRIES", &cfg.Database.DeadlockRetries)
	setInt("DB_ACQUIRE_TIMEOUT", &cfg.Database.AcquireTimeoutSec)
	setString("PLEXUS_MODE", &cfg.Database.Mode)
	setString("PLEXUS_SERVER_ID", &cfg.Server.ID)
}

// PostgresDSN renders the pgx pool connection string.
func (d DatabaseConfig) PostgresDSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.Name,
	}
	if d.User != "" {
		if d.Password != "" {
			u.User = url.UserPassword(d.User, d.Password)
		} else {
			u.User = url.User(d.User)
		}
	}
	q := u.Query()
	if d.PoolSize > 0 {
		q.Set("pool_max_conns", strconv.Itoa(d.PoolSize))
	}
	if d.ConnectTimeoutSec > 0 {
		q.Set("connect_timeout", strconv.Itoa(d.ConnectTimeoutSec))
	}
	u.RawQuery = q.Encode()
	return u.String()
}
