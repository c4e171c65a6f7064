// Package config reads process settings from the environment and
// collection definitions from a file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled    bool
	Topic      string
	Brokers    string
	GroupID    string
	InstanceID string
	Consume    bool
}

type Config struct {
	Addr              string
	LogLevel          string
	LogConsole        bool
	LogSampleN        int
	CollectionsFile   string
	DefaultLimit      int
	MaxLimit          int
	CompilerCacheSize int
	MetricsEnabled    bool
	CacheEnabled      bool
	RedisAddr         string
	CacheTTL          time.Duration
	CacheOpTimeout    time.Duration
	CacheHotThreshold float64
	CacheHotHalfLife  time.Duration
	ShutdownTimeout   time.Duration
	Invalidation      InvalidationCfg
}

func FromEnv() Config {
	defLimit := getint("DEFAULT_LIMIT", 10)
	maxLimit := getint("MAX_LIMIT", 10000)
	if defLimit <= 0 {
		defLimit = 10
	}
	if maxLimit < defLimit {
		maxLimit = defLimit
	}

	return Config{
		Addr:              getenv("ADDR", ":8090"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		LogConsole:        getbool("LOG_CONSOLE", false),
		LogSampleN:        getint("LOG_SAMPLE_N", 0),
		CollectionsFile:   getenv("COLLECTIONS_FILE", "collections.yaml"),
		DefaultLimit:      defLimit,
		MaxLimit:          maxLimit,
		CompilerCacheSize: getint("FILTER_CACHE_SIZE", 512),
		MetricsEnabled:    getbool("METRICS_ENABLED", true),
		CacheEnabled:      getbool("CACHE_ENABLED", false),
		RedisAddr:         getenv("REDIS_ADDR", "localhost:6379"),
		CacheTTL:          getduration("CACHE_TTL", 60*time.Second),
		CacheOpTimeout:    getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		CacheHotThreshold: getfloat("CACHE_HOT_THRESHOLD", 0),
		CacheHotHalfLife:  getduration("CACHE_HOT_HALFLIFE", time.Minute),
		ShutdownTimeout:   getduration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Invalidation: InvalidationCfg{
			Enabled:    getbool("INVALIDATION_ENABLED", false),
			Topic:      getenv("KAFKA_TOPIC", "pgfeatures-changes"),
			Brokers:    getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID:    getenv("KAFKA_GROUP_ID", "pgfeatures-invalidator"),
			InstanceID: getenv("INSTANCE_ID", ""),
			Consume:    getbool("INVALIDATION_CONSUME", true),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
