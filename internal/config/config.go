package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port         int
	TokenSecret  string
	GinMode      string
	TLSCertFile  string
	TLSKeyFile   string
	DatabasePath string

	TokenExpiry       time.Duration
	MaxDevicesPerUser int
	SessionIdle       time.Duration
	RetentionDays     int
	HeartbeatInterval time.Duration
	AuthRateLimit     int
	ShutdownTimeout   time.Duration
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:              3000,
		GinMode:           "release",
		DatabasePath:      "termbroker.db",
		TokenExpiry:       24 * time.Hour,
		MaxDevicesPerUser: 5,
		SessionIdle:       30 * time.Minute,
		RetentionDays:     7,
		HeartbeatInterval: 30 * time.Second,
		AuthRateLimit:     10,
		ShutdownTimeout:   10 * time.Second,
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.TokenSecret = env.Getenv("TOKEN_SECRET")
	if cfg.TokenSecret == "" {
		return Config{}, fmt.Errorf("TOKEN_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")

	if raw := env.Getenv("DATABASE_PATH"); raw != "" {
		cfg.DatabasePath = raw
	}

	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
		}
		cfg.TokenExpiry = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("MAX_DEVICES_PER_USER"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid MAX_DEVICES_PER_USER")
		}
		cfg.MaxDevicesPerUser = n
	}

	if raw := env.Getenv("SESSION_IDLE_MINUTES"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			return Config{}, fmt.Errorf("invalid SESSION_IDLE_MINUTES")
		}
		cfg.SessionIdle = time.Duration(minutes) * time.Minute
	}

	if raw := env.Getenv("SESSION_RETENTION_DAYS"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days <= 0 {
			return Config{}, fmt.Errorf("invalid SESSION_RETENTION_DAYS")
		}
		cfg.RetentionDays = days
	}

	if raw := env.Getenv("HEARTBEAT_INTERVAL_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid HEARTBEAT_INTERVAL_SECONDS")
		}
		cfg.HeartbeatInterval = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("AUTH_RATE_LIMIT"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid AUTH_RATE_LIMIT")
		}
		cfg.AuthRateLimit = n
	}

	if raw := env.Getenv("SHUTDOWN_TIMEOUT_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid SHUTDOWN_TIMEOUT_SECONDS")
		}
		cfg.ShutdownTimeout = time.Duration(seconds) * time.Second
	}

	return cfg, nil
}
