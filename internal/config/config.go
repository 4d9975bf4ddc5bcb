package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	ReportCacheTTLSeconds int
	ZReportSchedule       string
	ZReportTimezone       string
	ZReportLockTTLSeconds int
	SeedAdminPassword     string
	LogLevel              string
	LogFormat             string
}

// Load reads configuration from the environment, falling back to an optional
// .env file in the working directory.
func Load() Config {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("REPORT_CACHE_TTL_SECONDS", 60)
	v.SetDefault("ZREPORT_TIMEZONE", "UTC")
	v.SetDefault("ZREPORT_LOCK_TTL_SECONDS", 30)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")

	// A missing .env is fine; the environment alone is enough.
	_ = v.ReadInConfig()

	cfg := Config{
		Port:                  strings.TrimSpace(v.GetString("PORT")),
		AllowedOrigin:         strings.TrimSpace(v.GetString("ALLOWED_ORIGIN")),
		DatabaseURL:           strings.TrimSpace(v.GetString("DATABASE_URL")),
		RedisAddr:             strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		RedisDB:               v.GetInt("REDIS_DB"),
		AuthSecret:            strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes: positiveOr(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), 480),
		ReportCacheTTLSeconds: positiveOr(v.GetInt("REPORT_CACHE_TTL_SECONDS"), 60),
		ZReportSchedule:       strings.TrimSpace(v.GetString("ZREPORT_SCHEDULE")),
		ZReportTimezone:       strings.TrimSpace(v.GetString("ZREPORT_TIMEZONE")),
		ZReportLockTTLSeconds: positiveOr(v.GetInt("ZREPORT_LOCK_TTL_SECONDS"), 30),
		SeedAdminPassword:     v.GetString("SEED_ADMIN_PASSWORD"),
		LogLevel:              strings.ToLower(strings.TrimSpace(v.GetString("LOG_LEVEL"))),
		LogFormat:             strings.ToLower(strings.TrimSpace(v.GetString("LOG_FORMAT"))),
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func positiveOr(value int, fallback int) int {
	if value < 1 {
		return fallback
	}
	return value
}
