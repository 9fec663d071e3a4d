package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"

	"sos-escalation-engine/pkg/models"
)

type Config struct {
	RedisURL   string
	Port       string
	LogLevel   string
	InstanceID string

	// Defaults for the escalation durations; the settings store may
	// override them per-field at run start.
	CancelWindowSeconds      int
	ContactTimeoutSeconds    int
	RecordingDurationSeconds int

	ArtifactsDir        string
	AudioCaptureEnabled bool
	SMSGatewayURL       string
}

func Load() *Config {
	return &Config{
		RedisURL:                 getEnv("REDIS_URL", "redis://localhost:6379"),
		Port:                     getEnv("PORT", "8080"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		InstanceID:               getEnv("INSTANCE_ID", generateInstanceID()),
		CancelWindowSeconds:      getEnvInt("CANCEL_WINDOW_SECONDS", 10),
		ContactTimeoutSeconds:    getEnvInt("CONTACT_TIMEOUT_SECONDS", 30),
		RecordingDurationSeconds: getEnvInt("RECORDING_DURATION_SECONDS", 60),
		ArtifactsDir:             getEnv("ARTIFACTS_DIR", "/var/lib/sos/recordings"),
		AudioCaptureEnabled:      getEnvBool("AUDIO_CAPTURE_ENABLED", true),
		SMSGatewayURL:            getEnv("SMS_GATEWAY_URL", ""),
	}
}

// DefaultSettings returns the duration set used when the settings
// store holds no overrides.
func (c *Config) DefaultSettings() models.EscalationSettings {
	return models.EscalationSettings{
		CancelWindowSeconds:      c.CancelWindowSeconds,
		ContactTimeoutSeconds:    c.ContactTimeoutSeconds,
		RecordingDurationSeconds: c.RecordingDurationSeconds,
	}
}

func (c *Config) Validate() error {
	if err := c.DefaultSettings().Validate(); err != nil {
		return fmt.Errorf("invalid escalation defaults: %w", err)
	}
	if c.Port == "" {
		return fmt.Errorf("port must not be empty")
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

func generateInstanceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
