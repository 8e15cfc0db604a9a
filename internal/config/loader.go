package config

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		// Skip unexported fields
		if !fieldVal.CanSet() {
			continue
		}

		// Recurse into nested structs
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		// Get tags
		envName := field.Tag.Get("env")
		envAlt := field.Tag.Get("envAlt")
		defaultVal := field.Tag.Get("default")
		required := field.Tag.Get("required") == "true"

		if envName == "" {
			continue
		}

		// Try primary env var, then alternate
		value := os.Getenv(envName)
		if value == "" && envAlt != "" {
			value = os.Getenv(envAlt)
		}

		// Apply default if not set
		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		// Set the field value
		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			// Split comma-separated values, trim whitespace
			parts := strings.Split(value, ",")
			result := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					result = append(result, p)
				}
			}
			field.Set(reflect.ValueOf(result))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Remote validation
	if c.Remote.BaseURL == "" {
		errs = append(errs, "REMOTE_BASE_URL is required")
	} else if u, err := url.Parse(c.Remote.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("REMOTE_BASE_URL (%q) must be an absolute URL", c.Remote.BaseURL))
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, "REMOTE_TIMEOUT must be positive")
	}
	if c.Remote.ListTimeout <= 0 {
		errs = append(errs, "REMOTE_LIST_TIMEOUT must be positive")
	}
	if c.Remote.RetryAttempts <= 0 {
		errs = append(errs, "REMOTE_RETRY_ATTEMPTS must be positive")
	}
	if c.Remote.RetryDelay < 0 {
		errs = append(errs, "REMOTE_RETRY_DELAY must be non-negative")
	}
	if c.Remote.MaxConcurrentTransfers <= 0 {
		errs = append(errs, "REMOTE_MAX_CONCURRENT must be positive")
	}
	if c.Remote.SlotWait < 0 {
		errs = append(errs, "REMOTE_SLOT_WAIT must be non-negative")
	}
	if c.Remote.RequestsPerSecond < 0 {
		errs = append(errs, "REMOTE_RPS must be non-negative")
	}

	// CSV validation
	if utf8.RuneCountInString(c.CSV.Separator) != 1 {
		errs = append(errs, fmt.Sprintf("CSV_SEPARATOR (%q) must be a single character", c.CSV.Separator))
	}
	if utf8.RuneCountInString(c.CSV.Decimal) != 1 {
		errs = append(errs, fmt.Sprintf("CSV_DECIMAL (%q) must be a single character", c.CSV.Decimal))
	}
	if utf8.RuneCountInString(c.CSV.Quote) != 1 {
		errs = append(errs, fmt.Sprintf("CSV_QUOTE (%q) must be a single character", c.CSV.Quote))
	}
	validEncodings := map[string]bool{"latin1": true, "iso-8859-1": true, "windows-1252": true, "utf-8": true, "utf8": true}
	if !validEncodings[strings.ToLower(c.CSV.Encoding)] {
		errs = append(errs, fmt.Sprintf("CSV_ENCODING (%q) must be one of: latin1, iso-8859-1, windows-1252, utf-8", c.CSV.Encoding))
	}

	// Paths validation
	if c.Paths.Incoming == "" || c.Paths.Outgoing == "" || c.Paths.Logs == "" {
		errs = append(errs, "PATH_INCOMING, PATH_OUTGOING and PATH_LOGS must be set")
	}

	// Export validation
	validFormats := map[string]bool{"csv": true, "parquet": true, "jsonl": true}
	if !validFormats[strings.ToLower(c.Export.Format)] {
		errs = append(errs, fmt.Sprintf("EXPORT_FORMAT (%q) must be one of: csv, parquet, jsonl", c.Export.Format))
	}
	if c.Export.ChunkRows <= 0 {
		errs = append(errs, "EXPORT_CHUNK_ROWS must be positive")
	}

	// Coercion validation
	validPolicies := map[string]bool{"null": true, "reject": true}
	if !validPolicies[strings.ToLower(c.Coerce.Policy)] {
		errs = append(errs, fmt.Sprintf("COERCE_POLICY (%q) must be one of: null, reject", c.Coerce.Policy))
	}

	// Load validation
	switch strings.ToLower(c.Load.Target) {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, "DATABASE_URL is required when LOAD_TARGET is postgres")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
				c.Database.MaxConns, c.Database.MinConns))
		}
		if c.Database.MaxConns <= 0 {
			errs = append(errs, "DB_MAX_CONNS must be positive")
		}
		if c.Database.MinConns < 0 {
			errs = append(errs, "DB_MIN_CONNS must be non-negative")
		}
	case "clickhouse":
		if c.ClickHouse.Addr == "" {
			errs = append(errs, "CLICKHOUSE_ADDR is required when LOAD_TARGET is clickhouse")
		}
	case "none":
	default:
		errs = append(errs, fmt.Sprintf("LOAD_TARGET (%q) must be one of: postgres, clickhouse, none", c.Load.Target))
	}
	if c.Load.BatchSize <= 0 {
		errs = append(errs, "LOAD_BATCH_SIZE must be positive")
	}
	if c.Load.Parallelism <= 0 {
		errs = append(errs, "LOAD_PARALLELISM must be positive")
	}
	if c.Load.ConnectAttempts <= 0 {
		errs = append(errs, "LOAD_CONNECT_ATTEMPTS must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validLogFormats := map[string]bool{"text": true, "json": true, "tint": true}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json, tint", c.Logging.Format))
	}

	// Schedule validation
	if c.Schedule.Interval < 0 {
		errs = append(errs, "SCHEDULE_INTERVAL must be non-negative")
	}
	if c.Status.ShutdownTimeout <= 0 {
		errs = append(errs, "STATUS_SHUTDOWN_TIMEOUT must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Sensitive values like database URLs and passwords are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Remote: {BaseURL: %q, Attempts: %d, MaxConcurrent: %d}, ",
		c.Remote.BaseURL, c.Remote.RetryAttempts, c.Remote.MaxConcurrentTransfers))
	b.WriteString(fmt.Sprintf("Export: {Format: %q, Denormalize: %v}, ", c.Export.Format, c.Export.Denormalize))
	b.WriteString(fmt.Sprintf("Coerce: {Policy: %q}, ", c.Coerce.Policy))
	b.WriteString(fmt.Sprintf("Load: {Target: %q, BatchSize: %d, Parallelism: %d}, ",
		c.Load.Target, c.Load.BatchSize, c.Load.Parallelism))
	b.WriteString(fmt.Sprintf("Database: {URL: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Database.MaxConns, c.Database.MinConns))
	b.WriteString(fmt.Sprintf("ClickHouse: {Addr: %q, Password: [MASKED]}, ", c.ClickHouse.Addr))
	b.WriteString(fmt.Sprintf("Status: {Addr: %q, APIKeys: [%d MASKED]}, ", c.Status.Addr, len(c.Status.APIKeys)))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
