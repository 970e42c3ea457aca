package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	// Server
	ServerPort  int
	Environment string
	PublicURL   string

	// Ledger
	LedgerBackend string // "mongo", "dynamodb", "postgres" or "memory"

	// MongoDB
	MongoURI              string
	MongoDB               string
	MongoLedgerCollection string
	MongoEventsCollection string

	// DynamoDB
	DynamoTable    string
	AWSRegion      string
	AWSEndpointURL string

	// Postgres
	PostgresDSN string

	// Delivery events
	EventsBackend  string // "mongo", "influx" or "none"
	InfluxURL      string
	InfluxToken    string
	InfluxDatabase string
	BatchSize      int
	FlushInterval  int // milliseconds

	// Kobo
	KoboURL                string
	KoboMediaURL           string
	AttachmentLookupDelay  time.Duration
	AttachmentMinBytes     int
	AttachmentPollInterval time.Duration
	AttachmentMaxWait      time.Duration
	AttachmentStrict       bool

	// Targets
	RegistrationAttachmentMode string // "inline" or "link"
	HTTPTimeout                time.Duration
	SessionRefreshMargin       time.Duration

	// Logging
	LogLevel      string
	LogDir        string
	LogFileMaxAge int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServerPort:  getEnvInt("SERVER_PORT", getEnvInt("PORT", 8080)),
		Environment: getEnv("ENV", "development"),
		PublicURL:   getEnv("PUBLIC_URL", "https://kobo-connect.azurewebsites.net"),

		LedgerBackend: strings.ToLower(getEnv("LEDGER_BACKEND", "mongo")),

		// MongoDB
		MongoURI:              getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:               getEnv("MONGO_DATABASE", "kobo-connect"),
		MongoLedgerCollection: getEnv("MONGO_LEDGER_COLLECTION", "kobo-submissions"),
		MongoEventsCollection: getEnv("MONGO_EVENTS_COLLECTION", "delivery-events"),

		// DynamoDB
		DynamoTable:    getEnv("DYNAMODB_TABLE", ""),
		AWSRegion:      getEnv("AWS_REGION", "eu-west-1"),
		AWSEndpointURL: getEnv("AWS_ENDPOINT_URL", ""),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		// Delivery events
		EventsBackend:  strings.ToLower(getEnv("EVENTS_BACKEND", "none")),
		InfluxURL:      getEnv("INFLUXDB_URL", "http://localhost:8086"),
		InfluxToken:    getEnv("INFLUXDB_TOKEN", ""),
		InfluxDatabase: getEnv("INFLUXDB_DATABASE", "kobo_connect"),
		BatchSize:      getEnvInt("BATCH_SIZE", 100),
		FlushInterval:  getEnvInt("FLUSH_INTERVAL", 1000),

		// Kobo
		KoboURL:                strings.TrimRight(getEnv("KOBO_URL", "https://kobo.ifrc.org"), "/"),
		KoboMediaURL:           getEnv("KOBO_MEDIA_URL", "https://kc.ifrc.org/media/original?media_file="),
		AttachmentLookupDelay:  getEnvDuration("ATTACHMENT_LOOKUP_DELAY", 30*time.Second),
		AttachmentMinBytes:     getEnvInt("ATTACHMENT_MIN_BYTES", 1000),
		AttachmentPollInterval: getEnvDuration("ATTACHMENT_POLL_INTERVAL", 10*time.Second),
		AttachmentMaxWait:      getEnvDuration("ATTACHMENT_MAX_WAIT", 60*time.Second),
		AttachmentStrict:       getEnvBool("ATTACHMENT_STRICT", false),

		// Targets
		RegistrationAttachmentMode: strings.ToLower(getEnv("REGISTRATION_ATTACHMENT_MODE", "inline")),
		HTTPTimeout:                getEnvDuration("HTTP_TIMEOUT", 60*time.Second),
		SessionRefreshMargin:       getEnvDuration("SESSION_REFRESH_MARGIN", 24*time.Hour),

		// Logging
		LogLevel:      getEnv("LOG_LEVEL", "INFO"),
		LogDir:        getEnv("LOG_DIRECTORY", ""),
		LogFileMaxAge: getEnvInt("LOG_FILE_MAX_AGE", 2),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	switch c.LedgerBackend {
	case "mongo", "memory":
	case "dynamodb":
		if c.DynamoTable == "" {
			return fmt.Errorf("DYNAMODB_TABLE is required when LEDGER_BACKEND=dynamodb")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when LEDGER_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("invalid LEDGER_BACKEND: %s (use 'mongo', 'dynamodb', 'postgres' or 'memory')", c.LedgerBackend)
	}

	switch c.EventsBackend {
	case "mongo", "none":
	case "influx":
		if c.InfluxURL == "" || c.InfluxDatabase == "" {
			return fmt.Errorf("INFLUXDB_URL and INFLUXDB_DATABASE are required when EVENTS_BACKEND=influx")
		}
	default:
		return fmt.Errorf("invalid EVENTS_BACKEND: %s (use 'mongo', 'influx' or 'none')", c.EventsBackend)
	}

	if c.BatchSize < 1 || c.BatchSize > 10000 {
		return fmt.Errorf("invalid BATCH_SIZE: %d (must be 1-10000)", c.BatchSize)
	}

	if c.FlushInterval < 50 || c.FlushInterval > 5000 {
		return fmt.Errorf("invalid FLUSH_INTERVAL: %d (must be 50-5000ms)", c.FlushInterval)
	}

	if c.RegistrationAttachmentMode != "inline" && c.RegistrationAttachmentMode != "link" {
		return fmt.Errorf("invalid REGISTRATION_ATTACHMENT_MODE: %s (use 'inline' or 'link')", c.RegistrationAttachmentMode)
	}

	if c.AttachmentPollInterval <= 0 {
		return fmt.Errorf("invalid ATTACHMENT_POLL_INTERVAL: %s", c.AttachmentPollInterval)
	}

	return nil
}

// NeedsMongo reports whether any configured backend talks to MongoDB.
func (c *Config) NeedsMongo() bool {
	return c.LedgerBackend == "mongo" || c.EventsBackend == "mongo"
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
