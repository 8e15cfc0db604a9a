// Package config provides centralized configuration management for the pipeline.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import "time"

// Config holds all pipeline configuration.
// All settings can be configured via environment variables and most of them
// can be overridden by command line flags.
type Config struct {
	Remote     RemoteConfig
	CSV        CSVConfig
	Paths      PathsConfig
	Export     ExportConfig
	Coerce     CoerceConfig
	Load       LoadConfig
	Database   DatabaseConfig
	ClickHouse ClickHouseConfig
	S3         S3Config
	Logging    LoggingConfig
	Status     StatusConfig
	Schedule   ScheduleConfig
}

// RemoteConfig holds settings for the remote dataset server.
type RemoteConfig struct {
	// BaseURL is the directory listing that contains the YYYY-MM partitions
	BaseURL string `env:"REMOTE_BASE_URL" default:"https://arquivos.receitafederal.gov.br/dados/cnpj/dados_abertos_cnpj/"`

	// Timeout bounds a single HTTP attempt, including the body transfer (default: 30m)
	Timeout time.Duration `env:"REMOTE_TIMEOUT" default:"30m"`

	// ListTimeout bounds directory listing and HEAD requests (default: 30s)
	ListTimeout time.Duration `env:"REMOTE_LIST_TIMEOUT" default:"30s"`

	// RetryAttempts is the number of attempts per file before it is marked failed (default: 3)
	RetryAttempts int `env:"REMOTE_RETRY_ATTEMPTS" default:"3"`

	// RetryDelay is the fixed pause between attempts (default: 10s)
	RetryDelay time.Duration `env:"REMOTE_RETRY_DELAY" default:"10s"`

	// MaxConcurrentTransfers caps in-flight downloads (default: 1)
	MaxConcurrentTransfers int `env:"REMOTE_MAX_CONCURRENT" default:"1"`

	// SlotWait bounds the wait for a transfer slot; 0 waits as long as the run does
	SlotWait time.Duration `env:"REMOTE_SLOT_WAIT" default:"0"`

	// RequestsPerSecond limits request starts; 0 disables the limiter
	RequestsPerSecond float64 `env:"REMOTE_RPS" default:"0"`

	// UserAgent is sent with every request
	UserAgent string `env:"REMOTE_USER_AGENT" default:"cnpjsync/1.0"`
}

// CSVConfig describes the dialect of the source payloads.
type CSVConfig struct {
	Separator string `env:"CSV_SEPARATOR" default:";"`
	Decimal   string `env:"CSV_DECIMAL" default:","`
	Quote     string `env:"CSV_QUOTE" default:"\""`
	Encoding  string `env:"CSV_ENCODING" default:"latin1"`
}

// PathsConfig holds the local filesystem layout.
type PathsConfig struct {
	// Incoming receives downloaded archives
	Incoming string `env:"PATH_INCOMING" default:"data/incoming"`

	// Outgoing receives exported artifacts
	Outgoing string `env:"PATH_OUTGOING" default:"data/outgoing"`

	// Logs holds the append-only run log
	Logs string `env:"PATH_LOGS" default:"data/logs"`
}

// ExportConfig selects the artifact format.
type ExportConfig struct {
	// Format is one of csv, parquet, jsonl (default: parquet)
	Format string `env:"EXPORT_FORMAT" default:"parquet"`

	// Denormalize additionally builds nested company documents (jsonl)
	Denormalize bool `env:"EXPORT_DENORMALIZE" default:"false"`

	// ChunkRows is how many records are buffered before a write (default: 50000)
	ChunkRows int `env:"EXPORT_CHUNK_ROWS" default:"50000"`
}

// CoerceConfig controls how malformed numeric and date fields are handled.
type CoerceConfig struct {
	// Policy is "null" (null the field, keep the row) or "reject" (drop the row)
	Policy string `env:"COERCE_POLICY" default:"null"`
}

// LoadConfig controls the bulk load.
type LoadConfig struct {
	// Target is postgres, clickhouse or none (default: postgres)
	Target string `env:"LOAD_TARGET" default:"postgres"`

	// BatchSize is the number of rows per bulk call (default: 50000)
	BatchSize int `env:"LOAD_BATCH_SIZE" default:"50000"`

	// Parallelism bounds entities loaded at once within a dependency tier (default: 2)
	Parallelism int `env:"LOAD_PARALLELISM" default:"2"`

	// ConnectAttempts is how many times the store connection is tried (default: 6)
	ConnectAttempts int `env:"LOAD_CONNECT_ATTEMPTS" default:"6"`

	// ConnectDelay is the pause between connection attempts (default: 5s)
	ConnectDelay time.Duration `env:"LOAD_CONNECT_DELAY" default:"5s"`

	// Indexes toggles post-load index creation (default: true)
	Indexes bool `env:"LOAD_INDEXES" default:"true"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 8)
	MaxConns int `env:"DB_MAX_CONNS" default:"8"`

	// MinConns is the minimum number of connections to keep open (default: 1)
	MinConns int `env:"DB_MIN_CONNS" default:"1"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Addr     string `env:"CLICKHOUSE_ADDR" default:"localhost:9000"`
	Database string `env:"CLICKHOUSE_DATABASE" default:"default"`
	Username string `env:"CLICKHOUSE_USERNAME" default:"default"`
	Password string `env:"CLICKHOUSE_PASSWORD"`
	Secure   bool   `env:"CLICKHOUSE_SECURE" default:"false"`
}

// S3Config enables publishing exported artifacts. Publishing is off when Bucket is empty.
type S3Config struct {
	Bucket   string `env:"S3_BUCKET"`
	Prefix   string `env:"S3_PREFIX" default:"cnpj"`
	Region   string `env:"S3_REGION" envAlt:"AWS_REGION"`
	Endpoint string `env:"S3_ENDPOINT"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text, json or tint (default: tint)
	Format string `env:"LOG_FORMAT" default:"tint"`
}

// StatusConfig holds the status server settings. Disabled when Addr is empty.
type StatusConfig struct {
	Addr            string        `env:"STATUS_ADDR"`
	ShutdownTimeout time.Duration `env:"STATUS_SHUTDOWN_TIMEOUT" default:"10s"`

	// APIKeys guard POST /run (comma-separated). Triggering runs over HTTP
	// is disabled when empty.
	APIKeys []string `env:"STATUS_API_KEYS"`

	// TrustedProxies lists CIDRs whose X-Real-IP / X-Forwarded-For headers
	// are honoured (comma-separated)
	TrustedProxies []string `env:"STATUS_TRUSTED_PROXIES"`
}

// ScheduleConfig enables periodic runs. A zero Interval runs once and exits.
type ScheduleConfig struct {
	Interval time.Duration `env:"SCHEDULE_INTERVAL" default:"0s"`
}

// CSV dialect helpers return the first rune of each configured string.

func (c *CSVConfig) SeparatorRune() rune { return firstRune(c.Separator, ';') }
func (c *CSVConfig) DecimalRune() rune   { return firstRune(c.Decimal, ',') }
func (c *CSVConfig) QuoteRune() rune     { return firstRune(c.Quote, '"') }

func firstRune(s string, def rune) rune {
	for _, r := range s {
		return r
	}
	return def
}
