package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all pipeline settings, populated from environment variables.
type Config struct {
	IngestName    string
	StationPrefix string
	VocabPath     string

	// Downstream ingestion (POE) service.
	POEAddr           string
	POEPort           int
	ChunkSize         int
	SubmitConcurrency int
	SubmitMaxAttempts int
	SubmitTimeout     time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	RunDeadline       time.Duration

	// Validation window.
	Retention       time.Duration
	FutureTolerance time.Duration
	SeenRetention   time.Duration

	// Station metadata service.
	MetamgrAddr    string
	MetamgrPort    int
	MetamgrTimeout time.Duration

	// Raw cache store. Live runs use the S3-compatible object store; local
	// runs write under CacheDir instead.
	CacheBucket string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	CacheDir    string

	// Optional run-result Kafka notifier, enabled when brokers are set.
	KafkaBrokers     []string
	KafkaResultTopic string

	LocalRun       bool
	DebugDumpDir   string
	PushgatewayURL string
	LogLevel       string
	LogFormat      string
}

// Load reads configuration from environment variables, applying defaults
// where unset. Invalid or missing required values are fatal: no submission
// can proceed without a reachable downstream configuration.
func Load() (*Config, error) {
	chunkSize, err := envIntInRange("POE_CHUNK_SIZE", 2000, 1, 10000)
	if err != nil {
		return nil, err
	}
	poePort, err := envIntInRange("POE_PORT", 8095, 1, 65535)
	if err != nil {
		return nil, err
	}
	metamgrPort, err := envIntInRange("METAMGR_PORT", 8888, 1, 65535)
	if err != nil {
		return nil, err
	}
	concurrency, err := envIntInRange("SUBMIT_CONCURRENCY", 4, 1, 64)
	if err != nil {
		return nil, err
	}
	maxAttempts, err := envIntInRange("SUBMIT_MAX_ATTEMPTS", 5, 1, 20)
	if err != nil {
		return nil, err
	}

	durations := map[string]*durationSpec{
		"SUBMIT_TIMEOUT":   {def: 10 * time.Second},
		"BACKOFF_BASE":     {def: 200 * time.Millisecond},
		"BACKOFF_MAX":      {def: 5 * time.Second},
		"RUN_DEADLINE":     {def: 10 * time.Minute},
		"RETENTION_WINDOW": {def: 365 * 24 * time.Hour},
		"FUTURE_TOLERANCE": {def: 10 * time.Minute},
		"SEEN_RETENTION":   {def: 12 * time.Hour},
		"METAMGR_TIMEOUT":  {def: 5 * time.Second},
	}
	for name, spec := range durations {
		spec.value, err = envDuration(name, spec.def)
		if err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		IngestName:    os.Getenv("INGEST_NAME"),
		StationPrefix: os.Getenv("STID_PREFIX"),
		VocabPath:     envOrDefault("VOCAB_PATH", "vocabulary.yaml"),

		POEAddr:           envOrDefault("POE_ADDR", ""),
		POEPort:           poePort,
		ChunkSize:         chunkSize,
		SubmitConcurrency: concurrency,
		SubmitMaxAttempts: maxAttempts,
		SubmitTimeout:     durations["SUBMIT_TIMEOUT"].value,
		BackoffBase:       durations["BACKOFF_BASE"].value,
		BackoffMax:        durations["BACKOFF_MAX"].value,
		RunDeadline:       durations["RUN_DEADLINE"].value,

		Retention:       durations["RETENTION_WINDOW"].value,
		FutureTolerance: durations["FUTURE_TOLERANCE"].value,
		SeenRetention:   durations["SEEN_RETENTION"].value,

		MetamgrAddr:    envOrDefault("METAMGR_ADDR", ""),
		MetamgrPort:    metamgrPort,
		MetamgrTimeout: durations["METAMGR_TIMEOUT"].value,

		CacheBucket: os.Getenv("CACHE_BUCKET"),
		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3UseSSL:    envBool("S3_USE_SSL", true),
		CacheDir:    envOrDefault("CACHE_DIR", "cache"),

		KafkaBrokers:     parseBrokers(os.Getenv("KAFKA_BROKERS")),
		KafkaResultTopic: envOrDefault("KAFKA_RESULT_TOPIC", "ingest-run-results"),

		LocalRun:       envBool("LOCAL_RUN", false),
		DebugDumpDir:   os.Getenv("DEBUG_DUMP_DIR"),
		PushgatewayURL: os.Getenv("PUSHGATEWAY_URL"),
		LogLevel:       envOrDefault("LOG_LEVEL", "info"),
		LogFormat:      envOrDefault("LOG_FORMAT", "json"),
	}

	if cfg.IngestName == "" {
		return nil, errors.New("INGEST_NAME is required")
	}
	if !cfg.LocalRun {
		if cfg.POEAddr == "" {
			return nil, errors.New("POE_ADDR is required unless LOCAL_RUN is set")
		}
		if cfg.MetamgrAddr == "" {
			return nil, errors.New("METAMGR_ADDR is required unless LOCAL_RUN is set")
		}
		if cfg.CacheBucket == "" {
			return nil, errors.New("CACHE_BUCKET is required unless LOCAL_RUN is set")
		}
		if cfg.S3Endpoint == "" {
			return nil, errors.New("S3_ENDPOINT is required unless LOCAL_RUN is set")
		}
	}

	return cfg, nil
}

// POEAddress returns the downstream service dial address.
func (c *Config) POEAddress() string {
	return fmt.Sprintf("%s:%d", c.POEAddr, c.POEPort)
}

// MetamgrBaseURL returns the metadata service base URL.
func (c *Config) MetamgrBaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.MetamgrAddr, c.MetamgrPort)
}

type durationSpec struct {
	def   time.Duration
	value time.Duration
}

func envOrDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envBool(name string, def bool) bool {
	v := strings.ToLower(os.Getenv(name))
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "t"
}

func envIntInRange(name string, def, min, max int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("invalid %s: %q (want %d-%d)", name, s, min, max)
	}
	return n, nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, s)
	}
	return d, nil
}

func parseBrokers(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}
