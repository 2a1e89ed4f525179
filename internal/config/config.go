package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DatabaseConfig PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN builds a lib/pq connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig nurse-station broker settings. An empty Broker disables MQTT alerts.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Config check-in service configuration
type Config struct {
	Database  DatabaseConfig
	DBEnabled bool // false: in-memory stores (local runs and demos)
	// JSON array of patients loaded into the in-memory directory
	PatientSeedFile string
	Redis     RedisConfig
	MQTT      MQTTConfig

	HTTP struct {
		Addr string
	}

	Scheduler struct {
		CheckInterval  time.Duration // cadence between completed check-ins, also the sweep period
		StartupDelay   time.Duration // first sweep runs this long after start
		PatientTimeout time.Duration // per-patient budget inside one sweep
		MaxRetries     int
	}

	// Lock backend: "redis" for multi-replica deployments, "local" otherwise
	Lock struct {
		Backend   string
		KeyPrefix string
	}

	Placement struct {
		BaseURL        string
		APIKey         string // empty: mock placement
		WebhookBaseURL string
		DefaultVoiceID string
		Timeout        time.Duration
	}

	Twilio struct {
		BaseURL    string
		AccountSID string
		AuthToken  string
		FromNumber string
		ToNumber   string
	}

	Analyzer struct {
		APIKey  string // empty: local fallback only
		BaseURL string
		Model   string
		Timeout time.Duration
	}

	Escalation struct {
		TranscriptBaseURL string
		StreamKey         string
		MQTTTopicPrefix   string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first; variables already set win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "pulsecall")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)
	cfg.DBEnabled = getEnvBool("DB_ENABLED", false)
	cfg.PatientSeedFile = getEnv("PATIENT_SEED_FILE", "")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "pulsecall")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8000")

	cfg.Scheduler.CheckInterval = getEnvHours("CHECK_INTERVAL_HOURS", 2*time.Hour)
	cfg.Scheduler.StartupDelay = getEnvDuration("SCHEDULER_STARTUP_DELAY", 10*time.Second)
	cfg.Scheduler.PatientTimeout = getEnvDuration("SCHEDULER_PATIENT_TIMEOUT", 45*time.Second)
	cfg.Scheduler.MaxRetries = getEnvInt("MAX_RETRIES", 3)

	cfg.Lock.Backend = strings.ToLower(getEnv("LOCK_BACKEND", "local"))
	cfg.Lock.KeyPrefix = getEnv("LOCK_KEY_PREFIX", "pulsecall:lock:")

	cfg.Placement.BaseURL = getEnv("SMALLEST_API_BASE", "https://api.smallest.ai/v1")
	cfg.Placement.APIKey = getEnv("SMALLEST_API_KEY", "")
	cfg.Placement.WebhookBaseURL = getEnv("WEBHOOK_BASE_URL", "http://localhost:8000")
	cfg.Placement.DefaultVoiceID = getEnv("DEFAULT_VOICE_ID", "emily")
	cfg.Placement.Timeout = getEnvDuration("PLACEMENT_TIMEOUT", 30*time.Second)

	cfg.Twilio.BaseURL = getEnv("TWILIO_API_BASE", "https://api.twilio.com")
	cfg.Twilio.AccountSID = getEnv("TWILIO_ACCOUNT_SID", "")
	cfg.Twilio.AuthToken = getEnv("TWILIO_AUTH_TOKEN", "")
	cfg.Twilio.FromNumber = getEnv("TWILIO_FROM_NUMBER", "")
	cfg.Twilio.ToNumber = getEnv("ESCALATION_TO_NUMBER", "")

	cfg.Analyzer.APIKey = getEnv("ANALYZER_API_KEY", "")
	cfg.Analyzer.BaseURL = getEnv("ANALYZER_BASE_URL", "https://api.openai.com/v1")
	cfg.Analyzer.Model = getEnv("ANALYZER_MODEL", "gpt-4o-mini")
	cfg.Analyzer.Timeout = getEnvDuration("ANALYZER_TIMEOUT", 20*time.Second)

	cfg.Escalation.TranscriptBaseURL = getEnv("TRANSCRIPT_BASE_URL", "http://localhost:8000")
	cfg.Escalation.StreamKey = getEnv("ESCALATION_STREAM", "pulsecall:escalations")
	cfg.Escalation.MQTTTopicPrefix = getEnv("ESCALATION_MQTT_TOPIC_PREFIX", "pulsecall/escalations/")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the scheduler cannot run with.
func (c *Config) Validate() error {
	if c.Scheduler.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be >= 1, got %d", c.Scheduler.MaxRetries)
	}
	if c.Scheduler.CheckInterval <= 0 {
		return fmt.Errorf("CHECK_INTERVAL_HOURS must be > 0")
	}
	if c.Scheduler.PatientTimeout <= 0 {
		return fmt.Errorf("SCHEDULER_PATIENT_TIMEOUT must be > 0")
	}
	switch c.Lock.Backend {
	case "local", "redis":
	default:
		return fmt.Errorf("LOCK_BACKEND must be local or redis, got %q", c.Lock.Backend)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvHours reads a fractional hour count such as "0.5".
func getEnvHours(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if h, err := strconv.ParseFloat(value, 64); err == nil && h > 0 {
			return time.Duration(h * float64(time.Hour))
		}
	}
	return defaultValue
}
