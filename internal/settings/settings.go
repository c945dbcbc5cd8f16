// Package settings holds the typed configuration surface recognized by the
// ingest pipeline. Loading values from the environment is intentionally thin;
// the struct, its defaults, and validation are what the rest of the pipeline
// depends on.
package settings

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Settings is the full set of configuration keys the pipeline recognizes.
// Unrecognized environment variables are ignored.
type Settings struct {
	DatabaseHost         string
	DatabasePort         int
	DatabaseName         string
	DatabaseReadUser     string
	DatabaseReadPassword string
	DatabaseWriteUser    string
	DatabaseWritePass    string

	FetchBucket string
	ETLBucket   string

	FetchAscending bool

	IngestTimeout time.Duration

	PipelineLimit int
	RealtimeLimit int
	MetadataLimit int

	UseTempTables bool
	PauseIngest   bool
	DryRun        bool

	LogLevel string

	VisibilityWindow time.Duration

	MetadataKeyPattern string
	RealtimeKeyPattern string
	PipelineKeyPattern string
}

// Defaults returns the baseline configuration applied before any
// environment overrides. These mirror the recognized keys' documented
// defaults.
func Defaults() Settings {
	return Settings{
		DatabasePort:       5432,
		DatabaseName:       "openaq",
		FetchAscending:     true,
		IngestTimeout:      10 * time.Minute,
		PipelineLimit:      100,
		RealtimeLimit:      100,
		MetadataLimit:      100,
		UseTempTables:      true,
		LogLevel:           "info",
		VisibilityWindow:   30 * time.Minute,
		MetadataKeyPattern: "**/stations/**",
		RealtimeKeyPattern: "**/realtime/**",
		PipelineKeyPattern: "**/measures/**",
	}
}

// FromEnv builds Settings starting from Defaults and overriding with any
// recognized environment variables present in the process environment.
// It does not read .env files or any secret store; wiring those is left to
// the process's deployment environment.
func FromEnv() (Settings, error) {
	s := Defaults()

	if v, ok := os.LookupEnv("DATABASE_HOST"); ok {
		s.DatabaseHost = v
	}
	if v, ok := os.LookupEnv("DATABASE_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fmt.Errorf("parse DATABASE_PORT: %w", err)
		}
		s.DatabasePort = n
	}
	if v, ok := os.LookupEnv("DATABASE_DB"); ok {
		s.DatabaseName = v
	}
	if v, ok := os.LookupEnv("DATABASE_READ_USER"); ok {
		s.DatabaseReadUser = v
	}
	if v, ok := os.LookupEnv("DATABASE_READ_PASSWORD"); ok {
		s.DatabaseReadPassword = v
	}
	if v, ok := os.LookupEnv("DATABASE_WRITE_USER"); ok {
		s.DatabaseWriteUser = v
	}
	if v, ok := os.LookupEnv("DATABASE_WRITE_PASSWORD"); ok {
		s.DatabaseWritePass = v
	}
	if v, ok := os.LookupEnv("FETCH_BUCKET"); ok {
		s.FetchBucket = v
	}
	if v, ok := os.LookupEnv("ETL_BUCKET"); ok {
		s.ETLBucket = v
	}
	if v, ok := os.LookupEnv("FETCH_ASCENDING"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return s, fmt.Errorf("parse FETCH_ASCENDING: %w", err)
		}
		s.FetchAscending = b
	}
	if v, ok := os.LookupEnv("INGEST_TIMEOUT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fmt.Errorf("parse INGEST_TIMEOUT: %w", err)
		}
		s.IngestTimeout = time.Duration(n) * time.Second
	}
	if v, ok := os.LookupEnv("PIPELINE_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fmt.Errorf("parse PIPELINE_LIMIT: %w", err)
		}
		s.PipelineLimit = n
	}
	if v, ok := os.LookupEnv("REALTIME_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fmt.Errorf("parse REALTIME_LIMIT: %w", err)
		}
		s.RealtimeLimit = n
	}
	if v, ok := os.LookupEnv("METADATA_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fmt.Errorf("parse METADATA_LIMIT: %w", err)
		}
		s.MetadataLimit = n
	}
	if v, ok := os.LookupEnv("USE_TEMP_TABLES"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return s, fmt.Errorf("parse USE_TEMP_TABLES: %w", err)
		}
		s.UseTempTables = b
	}
	if v, ok := os.LookupEnv("PAUSE_INGESTING"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return s, fmt.Errorf("parse PAUSE_INGESTING: %w", err)
		}
		s.PauseIngest = b
	}
	if v, ok := os.LookupEnv("DRYRUN"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return s, fmt.Errorf("parse DRYRUN: %w", err)
		}
		s.DryRun = b
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		s.LogLevel = v
	}
	if v, ok := os.LookupEnv("VISIBILITY_WINDOW_MINUTES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fmt.Errorf("parse VISIBILITY_WINDOW_MINUTES: %w", err)
		}
		s.VisibilityWindow = time.Duration(n) * time.Minute
	}
	if v, ok := os.LookupEnv("METADATA_KEY_PATTERN"); ok {
		s.MetadataKeyPattern = v
	}
	if v, ok := os.LookupEnv("REALTIME_KEY_PATTERN"); ok {
		s.RealtimeKeyPattern = v
	}
	if v, ok := os.LookupEnv("PIPELINE_KEY_PATTERN"); ok {
		s.PipelineKeyPattern = v
	}

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Validate checks internal consistency of the settings. It does not require
// that bucket/database fields be set, since DRYRUN and test configurations
// may legitimately omit them.
func (s Settings) Validate() error {
	if s.DatabasePort <= 0 {
		return fmt.Errorf("database port must be positive, got %d", s.DatabasePort)
	}
	if s.IngestTimeout <= 0 {
		return fmt.Errorf("ingest timeout must be positive, got %s", s.IngestTimeout)
	}
	if s.VisibilityWindow <= 0 {
		return fmt.Errorf("visibility window must be positive, got %s", s.VisibilityWindow)
	}
	if s.PipelineLimit < 0 || s.RealtimeLimit < 0 || s.MetadataLimit < 0 {
		return fmt.Errorf("stream limits must be non-negative")
	}
	return nil
}

// ConnString builds a libpq-style connection string from the write
// credentials. Callers that only need read access should use ReadConnString.
func (s Settings) ConnString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		s.DatabaseHost, s.DatabasePort, s.DatabaseName, s.DatabaseWriteUser, s.DatabaseWritePass)
}

// ReadConnString builds a libpq-style connection string from the read-only
// credentials, for components that never write (e.g. status pollers).
func (s Settings) ReadConnString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		s.DatabaseHost, s.DatabasePort, s.DatabaseName, s.DatabaseReadUser, s.DatabaseReadPassword)
}
