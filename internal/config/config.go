package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppEnv    string
	Port      string
	LogLevel  string
	LogFormat string

	// Stream timing
	TopicInterval   time.Duration // synthetic data generation interval per topic
	SweepInterval   time.Duration // staleness sweep period
	StaleAfter      time.Duration // heartbeat age beyond which a client is evicted
	MetricsInterval time.Duration // aggregate metrics reporting window

	// Connection caps (process-wide, in front of per-tier quotas)
	MaxConnections   int64
	MaxConnectionsIP int
	ConnectionRate   float64
	ConnectionBurst  int

	// Demo data generation for the built-in topics
	DemoProducer bool
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:    getEnv("APP_ENV", "development"),
		Port:      getEnv("PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	var err error
	if cfg.TopicInterval, err = getDuration("STREAM_TOPIC_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("STREAM_SWEEP_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.StaleAfter, err = getDuration("STREAM_STALE_AFTER", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.MetricsInterval, err = getDuration("STREAM_METRICS_INTERVAL", time.Second); err != nil {
		return nil, err
	}

	maxConns, err := getInt("MAX_CONNECTIONS", 10000)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnections = int64(maxConns)

	if cfg.MaxConnectionsIP, err = getInt("MAX_CONNECTIONS_PER_IP", 50); err != nil {
		return nil, err
	}
	if cfg.ConnectionBurst, err = getInt("CONNECTION_BURST", 10); err != nil {
		return nil, err
	}
	connRate, err := getInt("CONNECTION_RATE", 10)
	if err != nil {
		return nil, err
	}
	cfg.ConnectionRate = float64(connRate)

	cfg.DemoProducer = getEnv("DEMO_PRODUCER", "true") == "true"

	if cfg.TopicInterval <= 0 {
		return nil, fmt.Errorf("STREAM_TOPIC_INTERVAL must be positive")
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("STREAM_SWEEP_INTERVAL must be positive")
	}
	if cfg.StaleAfter <= cfg.SweepInterval/2 {
		return nil, fmt.Errorf("STREAM_STALE_AFTER (%v) too small relative to sweep interval (%v)", cfg.StaleAfter, cfg.SweepInterval)
	}
	if cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf("MAX_CONNECTIONS must be positive")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration (e.g. 10s): %w", key, err)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}
