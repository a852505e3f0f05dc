// Package config assembles the daemon's runtime configuration from the
// environment. Parsing is strict: a malformed value is a startup failure, not
// a silent default.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalpost/notifyd/notify"
)

// Config is the daemon's complete runtime configuration.
type Config struct {
	// Store gateway.
	StoreURL        string
	StoreServiceKey string
	StoreDatabase   string

	// Delivery SDK service.
	DeliverySDKURL    string
	DeliverySDKSecret string

	// Workflow engine.
	EngineAddress   string
	EngineNamespace string
	EngineTaskQueue string

	// Monitored tenants. Empty disables the realtime subscription; the single
	// value "shared" monitors every tenant.
	TenantIDs []string

	HealthPort int
	LogLevel   string

	// Realtime subscription backoff.
	ReconnectDelay time.Duration
	MaxRetries     int

	// Scheduled sweep.
	ScheduledInterval time.Duration
	ScheduledBatch    int

	// Catch-up sweep.
	RedisURL        string
	CatchUpStatuses []notify.Status
	CatchUpWindow   time.Duration
	CatchUpInterval time.Duration

	// Orchestration: when true the periodic work runs as a durable engine
	// workflow; when false the daemon runs in-process tickers.
	OrchestrationEnabled bool
}

// FromEnv reads the recognized environment variables and validates the
// result. All validation failures are reported together.
func FromEnv() (*Config, error) {
	cfg := &Config{
		StoreURL:             os.Getenv("STORE_URL"),
		StoreServiceKey:      os.Getenv("STORE_SERVICE_KEY"),
		StoreDatabase:        envDefault("STORE_DATABASE", "notifyd"),
		DeliverySDKURL:       os.Getenv("DELIVERY_SDK_URL"),
		DeliverySDKSecret:    os.Getenv("DELIVERY_SDK_SECRET"),
		EngineAddress:        envDefault("ENGINE_ADDRESS", "localhost:7233"),
		EngineNamespace:      envDefault("ENGINE_NAMESPACE", "default"),
		EngineTaskQueue:      envDefault("ENGINE_TASK_QUEUE", "notifyd-pipeline"),
		LogLevel:             envDefault("DAEMON_LOG_LEVEL", "info"),
		RedisURL:             os.Getenv("REDIS_URL"),
		OrchestrationEnabled: true,
	}

	var errs []error
	if cfg.StoreURL == "" {
		errs = append(errs, errors.New("STORE_URL is required"))
	}
	if cfg.DeliverySDKURL == "" {
		errs = append(errs, errors.New("DELIVERY_SDK_URL is required"))
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("DAEMON_LOG_LEVEL %q is not one of debug|info|warn|error", cfg.LogLevel))
	}

	if raw := os.Getenv("DAEMON_TENANT_IDS"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.TenantIDs = append(cfg.TenantIDs, t)
			}
		}
	}

	cfg.HealthPort = envInt("DAEMON_HEALTH_PORT", 3001, &errs)
	cfg.ReconnectDelay = time.Duration(envInt("SUBSCRIPTION_RECONNECT_DELAY", 1000, &errs)) * time.Millisecond
	cfg.MaxRetries = envInt("SUBSCRIPTION_MAX_RETRIES", 10, &errs)
	cfg.ScheduledInterval = time.Duration(envInt("SCHEDULED_INTERVAL_MS", 60000, &errs)) * time.Millisecond
	cfg.ScheduledBatch = envInt("SCHEDULED_BATCH", 100, &errs)
	cfg.CatchUpWindow = envDuration("CATCHUP_WINDOW", 24*time.Hour, &errs)
	cfg.CatchUpInterval = envDuration("CATCHUP_INTERVAL", time.Minute, &errs)
	if raw := os.Getenv("ORCHESTRATION_ENABLED"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("ORCHESTRATION_ENABLED %q is not a boolean", raw))
		} else {
			cfg.OrchestrationEnabled = v
		}
	}

	cfg.CatchUpStatuses = []notify.Status{notify.StatusPending, notify.StatusFailed}
	if raw := os.Getenv("CATCHUP_STATUSES"); raw != "" {
		cfg.CatchUpStatuses = nil
		for _, s := range strings.Split(raw, ",") {
			s = strings.ToUpper(strings.TrimSpace(s))
			switch notify.Status(s) {
			case notify.StatusPending, notify.StatusProcessing, notify.StatusSent, notify.StatusFailed, notify.StatusRetracted:
				cfg.CatchUpStatuses = append(cfg.CatchUpStatuses, notify.Status(s))
			default:
				errs = append(errs, fmt.Errorf("CATCHUP_STATUSES contains unknown status %q", s))
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// RealtimeEnabled reports whether the subscription should run.
func (c *Config) RealtimeEnabled() bool { return len(c.TenantIDs) > 0 }

func envDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int, errs *[]error) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s %q is not an integer", name, raw))
		return def
	}
	return v
}

func envDuration(name string, def time.Duration, errs *[]error) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s %q is not a duration", name, raw))
		return def
	}
	return v
}
