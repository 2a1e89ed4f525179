package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "pulsecall", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.False(t, cfg.DBEnabled)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)
	assert.Equal(t, "", cfg.MQTT.Broker)

	assert.Equal(t, 2*time.Hour, cfg.Scheduler.CheckInterval)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.StartupDelay)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.PatientTimeout)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetries)

	assert.Equal(t, "local", cfg.Lock.Backend)
	assert.Equal(t, "", cfg.Placement.APIKey)
	assert.Equal(t, "emily", cfg.Placement.DefaultVoiceID)
	assert.Equal(t, "pulsecall:escalations", cfg.Escalation.StreamKey)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	os.Setenv("DB_HOST", "test-host")
	os.Setenv("DB_PORT", "6543")
	os.Setenv("DB_ENABLED", "true")
	os.Setenv("REDIS_ADDR", "test-redis:6380")
	os.Setenv("CHECK_INTERVAL_HOURS", "0.5")
	os.Setenv("MAX_RETRIES", "5")
	os.Setenv("SCHEDULER_PATIENT_TIMEOUT", "10s")
	os.Setenv("LOCK_BACKEND", "Redis")
	os.Setenv("SMALLEST_API_KEY", "sk-test")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("LOG_FORMAT", "console")
	defer os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.True(t, cfg.DBEnabled)
	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.CheckInterval)
	assert.Equal(t, 5, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.PatientTimeout)
	assert.Equal(t, "redis", cfg.Lock.Backend)
	assert.Equal(t, "sk-test", cfg.Placement.APIKey)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoad_InvalidValuesFallBackOrFail(t *testing.T) {
	os.Clearenv()
	defer os.Clearenv()

	os.Setenv("DB_PORT", "not-a-number")
	os.Setenv("CHECK_INTERVAL_HOURS", "-1")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 2*time.Hour, cfg.Scheduler.CheckInterval)

	os.Setenv("MAX_RETRIES", "0")
	_, err = Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_RETRIES")

	os.Setenv("MAX_RETRIES", "3")
	os.Setenv("LOCK_BACKEND", "etcd")
	_, err = Load()
	assert.Error(t, err)
}

func TestDatabaseConfig_GetDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "pulsecall", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=pulsecall sslmode=disable", c.GetDSN())
}

func TestGetEnv(t *testing.T) {
	os.Clearenv()
	assert.Equal(t, "default-value", getEnv("TEST_KEY", "default-value"))

	os.Setenv("TEST_KEY", "env-value")
	assert.Equal(t, "env-value", getEnv("TEST_KEY", "default-value"))

	os.Unsetenv("TEST_KEY")
}
