package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Keywords struct {
	High   []string
	Medium []string
	Low    []string
}

type Config struct {
	DatabaseDriver string
	DatabasePath   string
	DatabaseURL    string

	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	OpenAIMaxTokens int
	OpenAITimeout   time.Duration

	TelegramToken         string
	TelegramAPIEndpoint   string
	TelegramPollTimeout   time.Duration
	TelegramRatePerSecond int
	SendTimeout           time.Duration

	WorkerCount     int
	SchedulerTick   time.Duration
	RunMaxAttempts  int
	RunRetryBackoff time.Duration
	RetentionDays   int

	ServerPort  string
	NATSURL     string
	NATSSubject string

	LogLevel  string
	LogFormat string

	Keywords Keywords

	// ConfigFile names the YAML seed file, if any.
	ConfigFile string
}

func Load() *Config {
	return &Config{
		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite"),
		DatabasePath:   getEnv("DATABASE_PATH", "alertrelay.db"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),

		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:     getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIMaxTokens: getEnvAsInt("OPENAI_MAX_TOKENS", 500),
		OpenAITimeout:   getEnvAsDuration("OPENAI_TIMEOUT", 30*time.Second),

		TelegramToken:         getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramAPIEndpoint:   getEnv("TELEGRAM_API_ENDPOINT", "https://api.telegram.org/bot%s/%s"),
		TelegramPollTimeout:   getEnvAsDuration("TELEGRAM_POLL_TIMEOUT", 30*time.Second),
		TelegramRatePerSecond: getEnvAsInt("TELEGRAM_RATE_PER_SECOND", 25),
		SendTimeout:           getEnvAsDuration("SEND_TIMEOUT", 10*time.Second),

		WorkerCount:     getEnvAsInt("WORKER_COUNT", 4),
		SchedulerTick:   getEnvAsDuration("SCHEDULER_TICK", 30*time.Second),
		RunMaxAttempts:  getEnvAsInt("RUN_MAX_ATTEMPTS", 3),
		RunRetryBackoff: getEnvAsDuration("RUN_RETRY_BACKOFF", 60*time.Second),
		RetentionDays:   getEnvAsInt("RETENTION_DAYS", 90),

		ServerPort:  getEnv("SERVER_PORT", "8080"),
		NATSURL:     getEnv("NATS_URL", ""),
		NATSSubject: getEnv("NATS_SUBJECT", "alertrelay.run"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		Keywords: Keywords{
			High:   getEnvAsList("HIGH_PRIORITY_KEYWORDS", []string{"urgente", "urgent", "crítico", "critico", "emergencia", "inmediato", "asap"}),
			Medium: getEnvAsList("MEDIUM_PRIORITY_KEYWORDS", []string{"importante", "pedido", "cotización", "cotizacion", "factura", "pago"}),
			Low:    getEnvAsList("LOW_PRIORITY_KEYWORDS", []string{"información", "informacion", "newsletter", "boletín", "boletin", "promoción"}),
		},

		ConfigFile: getEnv("ALERTRELAY_CONFIG", ""),
	}
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, strings.ToLower(item))
		}
	}
	return out
}
