package config

import (
	"os"
	"strings"
)

type Postgres struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

type Config struct {
	Port     string
	Secret   string
	LogLevel string

	// RequireAuth gates the relay upgrade handshake on a valid bearer token.
	RequireAuth bool
	// TimerCancelOnReplace stops a device's previous auto-off timer when a
	// new one is armed. Off by default to match the deployed behavior.
	TimerCancelOnReplace bool

	DBDriver   string
	SQLitePath string
	Postgres   Postgres
}

func Load() Config {
	return Config{
		Port:                 getenv("PORT", "8000"),
		Secret:               os.Getenv("SECRET"),
		LogLevel:             getenv("LOG_LEVEL", "info"),
		RequireAuth:          getenvBool("REQUIRE_AUTH", true),
		TimerCancelOnReplace: getenvBool("TIMER_CANCEL_ON_REPLACE", false),
		DBDriver:             getenv("DB_DRIVER", "postgres"),
		SQLitePath:           getenv("SQLITE_PATH", "outlet-hub.db"),
		Postgres: Postgres{
			User:     getenv("POSTGRES_USER", "postgres"),
			Password: getenv("POSTGRES_PASSWORD", "postgres"),
			DBName:   getenv("POSTGRES_DB", "outlethub"),
			Host:     getenv("POSTGRES_HOST", "localhost"),
			Port:     getenv("POSTGRES_PORT", "5432"),
			SSLMode:  getenv("POSTGRES_SSLMODE", "disable"),
		},
	}
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	return v != "false" && v != "0" && v != "no"
}
