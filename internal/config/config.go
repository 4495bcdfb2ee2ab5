package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	SummaryCacheTTLSeconds int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	JournalPath            string
	GatewayURL             string
	GatewayAPIKey          string
	GatewayTimeoutSeconds  int
	RepairIntervalSeconds  int
	RepairConcurrency      int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		SummaryCacheTTLSeconds: getPositiveInt("SUMMARY_CACHE_TTL_SECONDS", 300),
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		JournalPath:            strings.TrimSpace(os.Getenv("JOURNAL_PATH")),
		GatewayURL:             strings.TrimRight(strings.TrimSpace(os.Getenv("GATEWAY_URL")), "/"),
		GatewayAPIKey:          strings.TrimSpace(os.Getenv("GATEWAY_API_KEY")),
		GatewayTimeoutSeconds:  getPositiveInt("GATEWAY_TIMEOUT_SECONDS", 10),
		RepairConcurrency:      getPositiveInt("REPAIR_CONCURRENCY", 4),
	}

	// 0 disables the background repair loop.
	interval, err := strconv.Atoi(getEnv("REPAIR_INTERVAL_SECONDS", "60"))
	if err != nil || interval < 0 {
		interval = 60
	}
	cfg.RepairIntervalSeconds = interval

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) SummaryCacheTTL() time.Duration {
	return time.Duration(c.SummaryCacheTTLSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayTimeoutSeconds) * time.Second
}

func (c Config) RepairInterval() time.Duration {
	return time.Duration(c.RepairIntervalSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}
