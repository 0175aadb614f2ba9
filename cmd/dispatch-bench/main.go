// README: Dispatch bench runner; drives a running sakay-api through the trip lifecycle and prints results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"sakay/internal/config"
)

func main() {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	bench := NewRunner(cfg)
	results := bench.RunAll(ctx)

	fmt.Println("\n== Summary ==")
	pass, fail, skipped := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case statusPass:
			pass++
		case statusFail:
			fail++
		case statusSkip:
			skipped++
		}
	}
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", pass, fail, skipped)

	if fail > 0 || (cfg.Strict && skipped > 0) {
		os.Exit(1)
	}
}

type Config struct {
	BaseURL        string
	DSN            string
	RedisAddr      string
	KafkaBrokers   []string
	KafkaTopic     string
	JWTSecret      string
	MigrationPath  string
	ApplyMigration bool
	Strict         bool
	Timeout        time.Duration
	Concurrency    int
	Duration       time.Duration
}

func loadConfig() Config {
	config.LoadDotEnvUp(0)

	var cfg Config
	var brokers string
	flag.StringVar(&cfg.BaseURL, "base-url", config.EnvOrDefault("SAKAY_BENCH_BASE_URL", "http://localhost:8080"), "API base URL")
	flag.StringVar(&cfg.DSN, "dsn", os.Getenv("SAKAY_DB_DSN"), "Postgres DSN, empty to skip db checks")
	flag.StringVar(&cfg.RedisAddr, "redis", os.Getenv("SAKAY_REDIS_ADDR"), "Redis address, empty to skip")
	flag.StringVar(&brokers, "kafka", os.Getenv("SAKAY_KAFKA_BROKERS"), "Comma separated Kafka brokers, empty to skip")
	flag.StringVar(&cfg.KafkaTopic, "kafka-topic", config.EnvOrDefault("SAKAY_KAFKA_TOPIC", "driver-locations"), "Location topic")
	flag.StringVar(&cfg.JWTSecret, "jwt-secret", os.Getenv("SAKAY_JWT_SECRET"), "HS256 secret the API verifies tokens with")
	flag.StringVar(&cfg.MigrationPath, "migration", config.EnvOrDefault("SAKAY_BENCH_MIGRATION", "migrations/0001_init.sql"), "Migration SQL path")
	flag.BoolVar(&cfg.ApplyMigration, "apply-migration", config.EnvOrDefaultBool("SAKAY_BENCH_APPLY_MIGRATION", false), "Apply migration SQL before tests")
	flag.BoolVar(&cfg.Strict, "strict", config.EnvOrDefaultBool("SAKAY_BENCH_STRICT", false), "Fail on skipped cases")
	flag.DurationVar(&cfg.Timeout, "timeout", config.EnvOrDefaultDuration("SAKAY_BENCH_TIMEOUT", 60*time.Second), "Total timeout")
	flag.IntVar(&cfg.Concurrency, "concurrency", config.EnvOrDefaultInt("SAKAY_BENCH_CONCURRENCY", 20), "Drivers racing for one trip, and workers in perf cases")
	flag.DurationVar(&cfg.Duration, "duration", config.EnvOrDefaultDuration("SAKAY_BENCH_DURATION", 10*time.Second), "Duration for perf cases")
	flag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.KafkaBrokers = config.SplitList(brokers)
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return cfg
}
