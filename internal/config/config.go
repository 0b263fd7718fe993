package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the sync engine. Every value
// comes from the environment (optionally via a .env file) with defaults
// suitable for local development.
type Config struct {
	App       AppConfig
	Queue     QueueConfig
	Sync      SyncConfig
	Fields    FieldConfig
	CRM       CRMConfig
	EventBus  EventBusConfig
	Broadcast BroadcastConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env       string
	LogLevel  string
	SessionID string
}

// QueueConfig controls the durable local queue.
type QueueConfig struct {
	Path           string
	LeaseTimeout   time.Duration
	DeadLetterMax  int
	MaxPending     int
	StorageWarnPct int
}

// SyncConfig controls orchestrator leasing, retry and backoff behaviour.
type SyncConfig struct {
	BatchSize         int
	PollInterval      time.Duration
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	AdapterTimeout    time.Duration
	WorkerConcurrency int
}

// FieldConfig holds the organization-level validation knobs.
type FieldConfig struct {
	VenueCapacity int
	MinLeadTime   time.Duration
}

// CRMConfig configures the CRM adapter and its provider backend.
type CRMConfig struct {
	Enabled bool
	Backend string // "http" or "mock"
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// EventBusConfig configures the event-bus adapter.
type EventBusConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

// BroadcastConfig configures cross-session change propagation. Groups lists
// the record groups this session participates in; their channels are
// subscribed at startup so remote changes advance the local clock.
type BroadcastConfig struct {
	RedisEnabled bool
	RedisAddr    string
	Groups       []string
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)
	cfg.App.SessionID = ldr.getString("SESSION_ID", "", true)

	cfg.Queue.Path = ldr.getString("QUEUE_PATH", "fieldsync.db", false)
	cfg.Queue.LeaseTimeout = ldr.getDuration("QUEUE_LEASE_TIMEOUT", 2*time.Minute, false)
	cfg.Queue.DeadLetterMax = ldr.getInt("DEAD_LETTER_MAX", 500, false)
	cfg.Queue.MaxPending = ldr.getInt("QUEUE_MAX_PENDING", 10000, false)
	cfg.Queue.StorageWarnPct = ldr.getInt("QUEUE_STORAGE_WARN_PCT", 90, false)

	cfg.Sync.BatchSize = ldr.getInt("SYNC_BATCH_SIZE", 16, false)
	cfg.Sync.PollInterval = ldr.getDuration("SYNC_POLL_INTERVAL", time.Second, false)
	cfg.Sync.MaxAttempts = ldr.getInt("MAX_ATTEMPTS", 5, false)
	cfg.Sync.BaseBackoff = ldr.getDuration("BASE_BACKOFF", 2*time.Second, false)
	cfg.Sync.MaxBackoff = ldr.getDuration("MAX_BACKOFF", 5*time.Minute, false)
	cfg.Sync.AdapterTimeout = ldr.getDuration("ADAPTER_TIMEOUT", 30*time.Second, false)
	cfg.Sync.WorkerConcurrency = ldr.getInt("WORKER_CONCURRENCY", 4, false)

	cfg.Fields.VenueCapacity = ldr.getInt("VENUE_CAPACITY", 200, false)
	cfg.Fields.MinLeadTime = ldr.getDuration("MIN_LEAD_TIME", 72*time.Hour, false)

	cfg.CRM.Enabled = ldr.getBool("CRM_ENABLED", true, false)
	cfg.CRM.Backend = ldr.getString("CRM_BACKEND", "mock", false)
	cfg.CRM.Timeout = ldr.getDuration("CRM_TIMEOUT", 10*time.Second, false)
	if cfg.CRM.Enabled && strings.EqualFold(cfg.CRM.Backend, "http") {
		cfg.CRM.BaseURL = ldr.getString("CRM_BASE_URL", "", true)
		cfg.CRM.APIKey = ldr.getString("CRM_API_KEY", "", true)
	} else {
		cfg.CRM.BaseURL = ldr.getString("CRM_BASE_URL", "", false)
		cfg.CRM.APIKey = ldr.getString("CRM_API_KEY", "", false)
	}

	cfg.EventBus.Enabled = ldr.getBool("EVENTBUS_ENABLED", false, false)
	cfg.EventBus.Brokers = ldr.getStringSlice("KAFKA_BROKERS", cfg.EventBus.Enabled)
	cfg.EventBus.Topic = ldr.getString("EVENTBUS_TOPIC", "fieldsync.changes", false)

	cfg.Broadcast.RedisEnabled = ldr.getBool("REDIS_ENABLED", false, false)
	if cfg.Broadcast.RedisEnabled {
		cfg.Broadcast.RedisAddr = ldr.getString("REDIS_ADDR", "", true)
	} else {
		cfg.Broadcast.RedisAddr = ldr.getString("REDIS_ADDR", "", false)
	}
	cfg.Broadcast.Groups = ldr.getStringSlice("BROADCAST_GROUPS", false)

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid boolean", key))
			return def
		}
		return parsed
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getDuration(key string, def time.Duration, required bool) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid duration", key))
			return def
		}
		return d
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
