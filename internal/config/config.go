package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                   = "KOENJI"
	EnvironmentDebug            = "debug"
	EnvironmentRelease          = "release"
	releaseCollectionSuffix     = "_release"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "koenji.db"
	defaultLogLevel             = "info"
	defaultLogFormat            = "json"
	defaultEnvironment          = EnvironmentDebug
	defaultIssuer               = "koenji-sync"
	defaultTokenTTLMinutes      = 720
	defaultRedisAddress         = "127.0.0.1:6379"
	defaultSnapshotPrefix       = "koenji:snapshots:"
	defaultNotificationChannel  = "koenji:notifications"
	defaultTriggerDelayMillis   = 1000
	defaultThrottleMaxEntries   = 4096
	defaultThrottleRetentionMin = 120
	defaultThrottleSweepSeconds = 300
	defaultAlertsIntervalSecs   = 60
	defaultAlertsTimezone       = "Europe/Rome"
	defaultQueueShards          = 4
	defaultQueueSize            = 128
	defaultQueueEnqueueMillis   = 100
	defaultQueueMaxAttempts     = 3
)

// AppConfig captures runtime configuration for the sync service.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	LogFormat     string
	Environment   string
	SigningSecret string
	Issuer        string
	TokenTTL      time.Duration
	Redis         RedisConfig
	Notifications NotificationsConfig
	Throttle      ThrottleConfig
	Alerts        AlertsConfig
	Queue         QueueConfig
}

// RedisConfig locates the snapshot transport. An empty Address disables it.
type RedisConfig struct {
	Address        string
	Password       string
	DB             int
	SnapshotPrefix string
}

type NotificationsConfig struct {
	Channel      string
	TriggerDelay time.Duration
}

type ThrottleConfig struct {
	MaxEntries    int
	Retention     time.Duration
	SweepInterval time.Duration
}

type AlertsConfig struct {
	Interval time.Duration
	Location *time.Location
}

type QueueConfig struct {
	Shards         int
	Size           int
	EnqueueTimeout time.Duration
	MaxAttempts    int
}

// LoadDotEnv copies variables from the given .env files into the process
// environment. Missing files are ignored; unreadable or malformed ones are not.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("environment", defaultEnvironment)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.snapshot_prefix", defaultSnapshotPrefix)
	configViper.SetDefault("notifications.channel", defaultNotificationChannel)
	configViper.SetDefault("notifications.trigger_delay_ms", defaultTriggerDelayMillis)
	configViper.SetDefault("throttle.max_entries", defaultThrottleMaxEntries)
	configViper.SetDefault("throttle.retention_minutes", defaultThrottleRetentionMin)
	configViper.SetDefault("throttle.sweep_interval_seconds", defaultThrottleSweepSeconds)
	configViper.SetDefault("alerts.interval_seconds", defaultAlertsIntervalSecs)
	configViper.SetDefault("alerts.timezone", defaultAlertsTimezone)
	configViper.SetDefault("queue.shards", defaultQueueShards)
	configViper.SetDefault("queue.size", defaultQueueSize)
	configViper.SetDefault("queue.enqueue_timeout_ms", defaultQueueEnqueueMillis)
	configViper.SetDefault("queue.max_attempts", defaultQueueMaxAttempts)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	timezone := strings.TrimSpace(configViper.GetString("alerts.timezone"))
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return AppConfig{}, fmt.Errorf("alerts.timezone %q: %w", timezone, err)
	}

	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		LogFormat:     strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		Environment:   strings.ToLower(strings.TrimSpace(configViper.GetString("environment"))),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		Issuer:        configViper.GetString("auth.issuer"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		Redis: RedisConfig{
			Address:        strings.TrimSpace(configViper.GetString("redis.address")),
			Password:       configViper.GetString("redis.password"),
			DB:             configViper.GetInt("redis.db"),
			SnapshotPrefix: configViper.GetString("redis.snapshot_prefix"),
		},
		Notifications: NotificationsConfig{
			Channel:      configViper.GetString("notifications.channel"),
			TriggerDelay: time.Duration(configViper.GetInt("notifications.trigger_delay_ms")) * time.Millisecond,
		},
		Throttle: ThrottleConfig{
			MaxEntries:    configViper.GetInt("throttle.max_entries"),
			Retention:     time.Duration(configViper.GetInt("throttle.retention_minutes")) * time.Minute,
			SweepInterval: time.Duration(configViper.GetInt("throttle.sweep_interval_seconds")) * time.Second,
		},
		Alerts: AlertsConfig{
			Interval: time.Duration(configViper.GetInt("alerts.interval_seconds")) * time.Second,
			Location: location,
		},
		Queue: QueueConfig{
			Shards:         configViper.GetInt("queue.shards"),
			Size:           configViper.GetInt("queue.size"),
			EnqueueTimeout: time.Duration(configViper.GetInt("queue.enqueue_timeout_ms")) * time.Millisecond,
			MaxAttempts:    configViper.GetInt("queue.max_attempts"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// ReservationsCollection names the remote reservation collection for the environment.
func (c AppConfig) ReservationsCollection() string {
	return c.collection("reservations")
}

// SessionsCollection names the remote session collection for the environment.
func (c AppConfig) SessionsCollection() string {
	return c.collection("sessions")
}

func (c AppConfig) collection(base string) string {
	if c.Environment == EnvironmentRelease {
		return base + releaseCollectionSuffix
	}
	return base
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Environment != EnvironmentDebug && c.Environment != EnvironmentRelease {
		return fmt.Errorf("environment must be %q or %q", EnvironmentDebug, EnvironmentRelease)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be json or console")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.Redis.Address != "" && strings.TrimSpace(c.Redis.SnapshotPrefix) == "" {
		return fmt.Errorf("redis.snapshot_prefix is required when redis.address is set")
	}
	if c.Throttle.MaxEntries <= 0 {
		return fmt.Errorf("throttle.max_entries must be positive")
	}
	if c.Alerts.Interval <= 0 {
		return fmt.Errorf("alerts.interval_seconds must be positive")
	}
	if c.Queue.Shards <= 0 || c.Queue.Size <= 0 {
		return fmt.Errorf("queue.shards and queue.size must be positive")
	}
	return nil
}
