package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	MQTTBrokerURL  string
	MQTTClientID   string
	LogLevel       string
	TopicPrefix    string
	IngestRetained bool
	PricePerKwh    float64
	LabelTZ        *time.Location
	RedisAddr      string
	RedisPassword  string
	Postgres       DBConfig
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

func Load() *Config {
	cfg := &Config{
		Port:           getEnv("ENERGY_HUB_PORT", "8094"),
		MQTTBrokerURL:  strings.TrimSpace(os.Getenv("MQTT_BROKER_URL")),
		MQTTClientID:   getEnv("ENERGY_HUB_MQTT_CLIENT_ID", "energy-hub"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		TopicPrefix:    getEnv("ENERGY_HUB_TOPIC_PREFIX", "dev"),
		IngestRetained: parseBool(getEnv("ENERGY_HUB_INGEST_RETAINED", "false")),
		PricePerKwh:    parseFloat(getEnv("ENERGY_PRICE_PER_KWH", "10"), 10),
		LabelTZ:        parseTZ(os.Getenv("ENERGY_HUB_LABEL_TZ")),
		RedisAddr:      getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		Postgres: DBConfig{
			User:     strings.TrimSpace(os.Getenv("POSTGRES_USER")),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   strings.TrimSpace(os.Getenv("POSTGRES_DB")),
			Host:     strings.TrimSpace(os.Getenv("POSTGRES_HOST")),
			Port:     strings.TrimSpace(os.Getenv("POSTGRES_PORT")),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
	}

	slog.Info("energy-hub config loaded", "port", cfg.Port, "mqtt", cfg.MQTTBrokerURL, "topic_prefix", cfg.TopicPrefix, "price_per_kwh", cfg.PricePerKwh)
	return cfg
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func parseFloat(val string, def float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return def
	}
	return f
}

// parseTZ resolves the chart label timezone. Unset or invalid falls back
// to the host's local zone.
func parseTZ(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("invalid label timezone, using local", "tz", name, "error", err)
		return time.Local
	}
	return loc
}
