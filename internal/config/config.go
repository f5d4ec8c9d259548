package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	Port                    string
	DatabaseURL             string
	RedisAddr               string
	StatusCacheTTL          time.Duration
	Location                *time.Location
	StaleAfter              time.Duration
	ExpireSchedule          string
	ExpireBatchSize         int
	ServiceTimeWindow       int
	DefaultServiceMinutes   float64
	TransitionMaxAttempts   int
	AllocateMaxAttempts     int
	ListDefaultLimit        int
	RateLimitPerMinute      int
	RateLimitBurst          int
	StaffRateLimitPerMinute int
	StaffRateLimitBurst     int
	CallNextLimitPerMinute  int
	MigrateOnStart          bool
	PrefixConfig            string
	LogLevel                slog.Level
	OTLPEndpoint            string
	OTLPInsecure            bool
}

// Load reads the configuration from the environment. Variables from envFile
// (".env" when empty) fill in keys that are not already set; a missing file
// is not an error.
func Load(envFile string) (Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return Config{}, err
	}

	tz := readString("TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: invalid TIMEZONE %q", tz)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(readString("LOG_LEVEL", "info"))); err != nil {
		level = slog.LevelInfo
	}

	return Config{
		Port:                    readString("PORT", "8080"),
		DatabaseURL:             os.Getenv("DB_DSN"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		StatusCacheTTL:          readDurationSeconds("STATUS_CACHE_TTL_SECONDS", 5),
		Location:                loc,
		StaleAfter:              readDurationSeconds("TOKEN_STALE_AFTER_SECONDS", 4*60*60),
		ExpireSchedule:          readString("EXPIRE_SCHEDULE", "@every 5m"),
		ExpireBatchSize:         readInt("EXPIRE_BATCH_SIZE", 500),
		ServiceTimeWindow:       readInt("SERVICE_TIME_WINDOW", 10),
		DefaultServiceMinutes:   readFloat("DEFAULT_SERVICE_MINUTES", 10),
		TransitionMaxAttempts:   readInt("TRANSITION_MAX_ATTEMPTS", 3),
		AllocateMaxAttempts:     readInt("ALLOCATE_MAX_ATTEMPTS", 5),
		ListDefaultLimit:        readInt("LIST_DEFAULT_LIMIT", 200),
		RateLimitPerMinute:      readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:          readInt("RATE_LIMIT_BURST", 30),
		StaffRateLimitPerMinute: readInt("STAFF_RATE_LIMIT_PER_MIN", 600),
		StaffRateLimitBurst:     readInt("STAFF_RATE_LIMIT_BURST", 120),
		CallNextLimitPerMinute:  readInt("CALL_NEXT_LIMIT_PER_MIN", 30),
		MigrateOnStart:          readBool("MIGRATE_ON_START", false),
		PrefixConfig:            os.Getenv("PREFIX_CONFIG"),
		LogLevel:                level,
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:            readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
	}, nil
}

func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return errors.Wrapf(err, "config: load env file %s", path)
	}
	return nil
}

func readString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
