package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/meshgov/warden/internal/models"
)

// Config is the full runtime configuration. Values load in order: defaults,
// then a .env file if present, then WARDEN_* environment variables.
type Config struct {
	DataPath    string `json:"dataPath" validate:"required"`
	CatalogPath string `json:"catalogPath"`
	LogLevel    string `json:"logLevel" validate:"oneof=trace debug info warn error"`
	LogFormat   string `json:"logFormat" validate:"oneof=auto json console"`
	MetricsAddr string `json:"metricsAddr"`

	AlertRetentionDays          int `json:"alertRetentionDays" validate:"min=1"`
	ConstitutionalRetentionDays int `json:"constitutionalRetentionDays" validate:"min=1"`

	DispatcherWorkers    int `json:"dispatcherWorkers" validate:"min=1,max=64"`
	ExecutorWorkers      int `json:"executorWorkers" validate:"min=1,max=16"`
	IngressQueueCapacity int `json:"ingressQueueCapacity" validate:"min=1"`
	EngineShards         int `json:"engineShards" validate:"min=1,max=64"`

	DefaultPolicyID        string `json:"defaultPolicyId"`
	ConstitutionalPolicyID string `json:"constitutionalPolicyId"`
	DefaultContactID       string `json:"defaultContactId"`
	MaxEscalationLevel     int    `json:"maxEscalationLevel" validate:"min=1"`

	RemediationKillswitch bool `json:"remediationKillswitch"`

	ConstitutionalChannelPartitionFraction float64 `json:"constitutionalChannelPartitionFraction" validate:"min=0,max=1"`

	CooldownBySeverity map[models.Severity]time.Duration `json:"cooldownBySeverity"`

	CorrelationLabelKeys []string `json:"correlationLabelKeys"`

	NotificationMaxAttempts int           `json:"notificationMaxAttempts" validate:"min=1"`
	NotificationDeadline    time.Duration `json:"notificationDeadline"`
	StoreFailureThreshold   int           `json:"storeFailureThreshold" validate:"min=1"`

	SMTPHost     string `json:"smtpHost"`
	SMTPPort     int    `json:"smtpPort"`
	SMTPUsername string `json:"smtpUsername"`
	SMTPPassword string `json:"smtpPassword"`
	SMTPFrom     string `json:"smtpFrom"`
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		DataPath:                    "/var/lib/warden",
		LogLevel:                    "info",
		LogFormat:                   "auto",
		MetricsAddr:                 ":9480",
		AlertRetentionDays:          30,
		ConstitutionalRetentionDays: 2555,
		DispatcherWorkers:           4,
		ExecutorWorkers:             2,
		IngressQueueCapacity:        1024,
		EngineShards:                4,
		MaxEscalationLevel:          3,

		ConstitutionalChannelPartitionFraction: 0.25,

		CooldownBySeverity: map[models.Severity]time.Duration{
			models.SeverityInfo:      15 * time.Minute,
			models.SeverityWarning:   10 * time.Minute,
			models.SeverityCritical:  5 * time.Minute,
			models.SeverityEmergency: 1 * time.Minute,
		},
		CorrelationLabelKeys:    []string{"service", "shard", "region"},
		NotificationMaxAttempts: 5,
		NotificationDeadline:    30 * time.Minute,
		StoreFailureThreshold:   5,
	}
}

// Load builds the configuration from defaults, an optional .env file in the
// working directory, and WARDEN_* environment variables.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	cfg := Defaults()
	applyEnv(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.DataPath, "WARDEN_DATA_PATH")
	setString(&cfg.CatalogPath, "WARDEN_CATALOG_PATH")
	setString(&cfg.LogLevel, "WARDEN_LOG_LEVEL")
	setString(&cfg.LogFormat, "WARDEN_LOG_FORMAT")
	setString(&cfg.MetricsAddr, "WARDEN_METRICS_ADDR")
	setInt(&cfg.AlertRetentionDays, "WARDEN_ALERT_RETENTION_DAYS")
	setInt(&cfg.ConstitutionalRetentionDays, "WARDEN_CONSTITUTIONAL_RETENTION_DAYS")
	setInt(&cfg.DispatcherWorkers, "WARDEN_DISPATCHER_WORKERS")
	setInt(&cfg.ExecutorWorkers, "WARDEN_EXECUTOR_WORKERS")
	setInt(&cfg.IngressQueueCapacity, "WARDEN_INGRESS_QUEUE_CAPACITY")
	setInt(&cfg.EngineShards, "WARDEN_ENGINE_SHARDS")
	setString(&cfg.DefaultPolicyID, "WARDEN_DEFAULT_POLICY_ID")
	setString(&cfg.ConstitutionalPolicyID, "WARDEN_CONSTITUTIONAL_POLICY_ID")
	setString(&cfg.DefaultContactID, "WARDEN_DEFAULT_CONTACT_ID")
	setInt(&cfg.MaxEscalationLevel, "WARDEN_MAX_ESCALATION_LEVEL")
	setBool(&cfg.RemediationKillswitch, "WARDEN_REMEDIATION_KILLSWITCH")
	setFloat(&cfg.ConstitutionalChannelPartitionFraction, "WARDEN_CONSTITUTIONAL_PARTITION_FRACTION")
	setInt(&cfg.NotificationMaxAttempts, "WARDEN_NOTIFICATION_MAX_ATTEMPTS")
	setDuration(&cfg.NotificationDeadline, "WARDEN_NOTIFICATION_DEADLINE")
	setInt(&cfg.StoreFailureThreshold, "WARDEN_STORE_FAILURE_THRESHOLD")
	setString(&cfg.SMTPHost, "WARDEN_SMTP_HOST")
	setInt(&cfg.SMTPPort, "WARDEN_SMTP_PORT")
	setString(&cfg.SMTPUsername, "WARDEN_SMTP_USERNAME")
	setString(&cfg.SMTPPassword, "WARDEN_SMTP_PASSWORD")
	setString(&cfg.SMTPFrom, "WARDEN_SMTP_FROM")

	if v := os.Getenv("WARDEN_CORRELATION_LABEL_KEYS"); v != "" {
		cfg.CorrelationLabelKeys = splitAndTrim(v)
	}
	for sev, key := range map[models.Severity]string{
		models.SeverityInfo:      "WARDEN_COOLDOWN_INFO",
		models.SeverityWarning:   "WARDEN_COOLDOWN_WARNING",
		models.SeverityCritical:  "WARDEN_COOLDOWN_CRITICAL",
		models.SeverityEmergency: "WARDEN_COOLDOWN_EMERGENCY",
	} {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				cfg.CooldownBySeverity[sev] = d
			} else {
				log.Warn().Str("key", key).Str("value", v).Msg("Ignoring unparseable cooldown override")
			}
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Warn().Str("key", key).Str("value", v).Msg("Ignoring unparseable integer override")
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
