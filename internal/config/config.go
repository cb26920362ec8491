// Package config содержит логику чтения конфигурации сервиса купонов.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress    = "localhost:8080"
	defaultKafkaTopic    = "coupon-events"
	defaultCurrencyScale = 2
	defaultMaxRetries    = 3
	defaultCacheTTL      = 30 * time.Second
)

// Config содержит параметры конфигурации сервиса купонов.
type Config struct {
	RunAddress       string        `env:"RUN_ADDRESS"`
	DatabaseURI      string        `env:"DATABASE_URI"`
	RedisAddress     string        `env:"REDIS_ADDRESS"`
	KafkaBrokers     []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic       string        `env:"KAFKA_TOPIC"`
	CurrencyScale    int32         `env:"CURRENCY_SCALE"`
	RedeemMaxRetries uint64        `env:"REDEEM_MAX_RETRIES"`
	CacheTTL         time.Duration `env:"CACHE_TTL"`
	LogLevel         string        `env:"LOG_LEVEL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	var brokers string
	var scale int

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address for coupon cache, empty disables cache")
	flag.StringVar(&brokers, "k", "", "comma-separated kafka brokers, empty disables events")
	flag.StringVar(&cfg.KafkaTopic, "t", defaultKafkaTopic, "kafka topic for coupon events")
	flag.IntVar(&scale, "s", defaultCurrencyScale, "currency scale for discount rounding")
	flag.Uint64Var(&cfg.RedeemMaxRetries, "retries", defaultMaxRetries, "max retries of a conflicting redemption")
	flag.DurationVar(&cfg.CacheTTL, "cache-ttl", defaultCacheTTL, "coupon cache TTL")
	flag.StringVar(&cfg.LogLevel, "l", "info", "log level")

	flag.Parse()

	cfg.CurrencyScale = int32(scale)
	cfg.KafkaBrokers = splitList(brokers)

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.KafkaTopic == "" {
		cfg.KafkaTopic = defaultKafkaTopic
	}
	if cfg.CurrencyScale < 0 {
		return nil, fmt.Errorf("currency scale must not be negative, got %d", cfg.CurrencyScale)
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}

	return cfg, nil
}

func splitList(s string) []string {
	var res []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			res = append(res, part)
		}
	}
	return res
}
