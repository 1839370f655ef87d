package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Queue struct {
	Key      string // storage key for the persisted snapshot
	MaxCount int    // capacity in events
	MaxBytes int    // capacity in approximate serialized bytes
}

type Sync struct {
	BatchSize       int             // events per flush
	MaxAttempts     int             // delivery attempt ceiling
	BackoffSchedule []time.Duration // retry backoff durations
	JitterPercent   float64         // backoff jitter percentage (0.0-1.0)
	FlushInterval   time.Duration   // periodic flush cadence
	DeliveryTimeout time.Duration   // per-attempt delivery timeout
}

type Collector struct {
	URL         string // HTTP collector endpoint
	Secret      string // HMAC signing secret, empty disables signing
	NSQDTCPAddr string // nsqd address for the NSQ backend, e.g. nsqd:4150
	Topic       string // NSQ topic for batch envelopes
}

type Probe struct {
	URL      string        // connectivity probe endpoint
	Interval time.Duration // probe cadence
}

type Config struct {
	AppName   string
	HTTPPort  string // :9090, metrics/health listener in drain mode
	Queue     Queue
	Sync      Sync
	Collector Collector
	Probe     Probe
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func defaultBackoffSchedule() []time.Duration {
	return []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second, 1 * time.Minute, 4 * time.Minute, 10 * time.Minute}
}

func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return defaultBackoffSchedule()
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		// Fallback to default if parsing failed
		return defaultBackoffSchedule()
	}

	return durations
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "beaconq"),
		HTTPPort: getenv("HTTP_PORT", ":9090"),
		Queue: Queue{
			Key:      getenv("QUEUE_KEY", "beaconq.queue.v1"),
			MaxCount: getenvInt("QUEUE_MAX_COUNT", 1000),
			MaxBytes: getenvInt("QUEUE_MAX_BYTES", 1<<20),
		},
		Sync: Sync{
			BatchSize:       getenvInt("SYNC_BATCH_SIZE", 100),
			MaxAttempts:     getenvInt("MAX_ATTEMPTS", 6),
			BackoffSchedule: parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			JitterPercent:   getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			FlushInterval:   getenvDuration("FLUSH_INTERVAL", 30*time.Second),
			DeliveryTimeout: getenvDuration("DELIVERY_TIMEOUT", 15*time.Second),
		},
		Collector: Collector{
			URL:         getenv("COLLECTOR_URL", "http://localhost:8081/v1/batch"),
			Secret:      getenv("COLLECTOR_SECRET", ""),
			NSQDTCPAddr: getenv("NSQD_TCP_ADDR", ""),
			Topic:       getenv("NSQ_BATCHES_TOPIC", "beaconq_batches"),
		},
		Probe: Probe{
			URL:      getenv("PROBE_URL", "http://localhost:8081/healthz"),
			Interval: getenvDuration("PROBE_INTERVAL", 15*time.Second),
		},
	}
}
