package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Settings is the process configuration, read from the environment (and .env when present).
type Settings struct {
	Port               string   `validate:"required,numeric"`
	ApiSecret          string
	CorsAllowedOrigins []string `validate:"dive,required"`

	StoreBackend string `validate:"oneof=mysql memory"`
	LockBackend  string `validate:"oneof=redis memory"`

	DedupLockTimeout   time.Duration `validate:"gt=0"`
	DedupLockTTL       time.Duration `validate:"gt=0"`
	PhoneDefaultRegion string        `validate:"len=2"`

	QueueMaxAttempts  int           `validate:"gte=1"`
	QueueBaseBackoff  time.Duration `validate:"gt=0"`
	QueueMaxBackoff   time.Duration `validate:"gtefield=QueueBaseBackoff"`
	QueueLease        time.Duration `validate:"gt=0"`
	QueueBatchSize    int           `validate:"gte=1,lte=1000"`
	QueuePollInterval time.Duration `validate:"gt=0"`
	QueueReapInterval time.Duration `validate:"gt=0"`
	QueueWorkers      int           `validate:"gte=1,lte=64"`

	BookingSerializationRetries int `validate:"gte=1,lte=10"`

	UsageAlertTopic   string
	DeadLetterTopic   string
	PubSubIngestToken string

	MigrateOnStart bool
}

func init() {
	// Load env from .env
	godotenv.Load()
}

func LoadSettings() (Settings, error) {
	s := Settings{
		Port:               stringFromEnv("PORT", "8080"),
		ApiSecret:          os.Getenv("API_SECRET"),
		CorsAllowedOrigins: listFromEnv("CORS_ALLOWED_ORIGINS", []string{"*"}),

		StoreBackend: strings.ToLower(stringFromEnv("STORE_BACKEND", "mysql")),
		LockBackend:  strings.ToLower(stringFromEnv("LOCK_BACKEND", "redis")),

		DedupLockTimeout:   time.Duration(intFromEnv("DEDUP_LOCK_TIMEOUT_MS", 2000)) * time.Millisecond,
		DedupLockTTL:       time.Duration(intFromEnv("DEDUP_LOCK_TTL_SECONDS", 10)) * time.Second,
		PhoneDefaultRegion: strings.ToUpper(stringFromEnv("PHONE_DEFAULT_REGION", "MM")),

		QueueMaxAttempts:  intFromEnv("QUEUE_MAX_ATTEMPTS", 3),
		QueueBaseBackoff:  time.Duration(intFromEnv("QUEUE_BASE_BACKOFF_SECONDS", 5)) * time.Second,
		QueueMaxBackoff:   time.Duration(intFromEnv("QUEUE_MAX_BACKOFF_SECONDS", 600)) * time.Second,
		QueueLease:        time.Duration(intFromEnv("QUEUE_LEASE_SECONDS", 60)) * time.Second,
		QueueBatchSize:    intFromEnv("QUEUE_BATCH_SIZE", 50),
		QueuePollInterval: time.Duration(intFromEnv("QUEUE_POLL_INTERVAL_MS", 500)) * time.Millisecond,
		QueueReapInterval: time.Duration(intFromEnv("QUEUE_REAP_INTERVAL_SECONDS", 30)) * time.Second,
		QueueWorkers:      intFromEnv("QUEUE_WORKERS", 4),

		BookingSerializationRetries: intFromEnv("BOOKING_SERIALIZATION_RETRIES", 3),

		UsageAlertTopic:   os.Getenv("USAGE_ALERT_TOPIC"),
		DeadLetterTopic:   os.Getenv("DEAD_LETTER_TOPIC"),
		PubSubIngestToken: os.Getenv("PUBSUB_INGEST_TOKEN"),

		MigrateOnStart: boolFromEnv("MIGRATE_ON_START", false),
	}
	if err := validator.New().Struct(s); err != nil {
		return s, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

func stringFromEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolFromEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

func listFromEnv(key string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
