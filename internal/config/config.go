package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                 string
	DatabaseURL          string
	MirrorBaseURL        string
	MirrorTimeout        time.Duration
	DefaultRateMinutes   int
	RateFloorMinutes     int
	RateCeilingMinutes   int
	RateStrategy         string
	RateSampleSize       int
	TicketIDRetries      int
	EventPollInterval    time.Duration
	EventBatchSize       int
	RateLimitPerMinute   int
	RateLimitBurst       int
	DoctorLimitPerMinute int
	DoctorLimitBurst     int
}

func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	strategy := os.Getenv("RATE_STRATEGY")
	if strategy == "" {
		strategy = "smoothing"
	}

	return Config{
		Port:                 port,
		DatabaseURL:          os.Getenv("DB_DSN"),
		MirrorBaseURL:        os.Getenv("MIRROR_BASE_URL"),
		MirrorTimeout:        readDurationSeconds("MIRROR_TIMEOUT_SECONDS", 2),
		DefaultRateMinutes:   readInt("DEFAULT_RATE_MINUTES", 15),
		RateFloorMinutes:     readInt("RATE_FLOOR_MINUTES", 5),
		RateCeilingMinutes:   readInt("RATE_CEILING_MINUTES", 45),
		RateStrategy:         strategy,
		RateSampleSize:       readInt("RATE_SAMPLE_SIZE", 10),
		TicketIDRetries:      readInt("TICKET_ID_RETRIES", 5),
		EventPollInterval:    readDurationSeconds("EVENT_POLL_INTERVAL_SECONDS", 1),
		EventBatchSize:       readInt("EVENT_BATCH_SIZE", 100),
		RateLimitPerMinute:   readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:       readInt("RATE_LIMIT_BURST", 30),
		DoctorLimitPerMinute: readInt("DOCTOR_RATE_LIMIT_PER_MIN", 600),
		DoctorLimitBurst:     readInt("DOCTOR_RATE_LIMIT_BURST", 120),
	}
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
