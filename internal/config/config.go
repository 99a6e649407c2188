package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every setting required to run a sync pass.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Sophos     SophosConfig     `yaml:"sophos"`
	Autotask   AutotaskConfig   `yaml:"autotask"`
	Ticket     TicketConfig     `yaml:"ticket"`
	Email      EmailConfig      `yaml:"email"`
	Mapping    MappingConfig    `yaml:"mapping"`
	Sync       SyncConfig       `yaml:"sync"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Logging    LoggingConfig    `yaml:"logging"`
	Cache      CacheConfig      `yaml:"cache"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig controls the health and metrics listeners used in schedule mode.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// SophosConfig configures the Sophos Central partner API.
type SophosConfig struct {
	ClientID     string        `yaml:"clientID"`
	ClientSecret string        `yaml:"clientSecret"`
	TokenURL     string        `yaml:"tokenURL"`
	GlobalURL    string        `yaml:"globalURL"`
	Timeout      time.Duration `yaml:"timeout"`
	// RateLimit is the number of tenant alert requests issued per second.
	RateLimit   float64 `yaml:"rateLimit"`
	Concurrency int     `yaml:"concurrency"`
}

// AutotaskConfig configures the Autotask PSA REST API.
type AutotaskConfig struct {
	Username        string        `yaml:"username"`
	Secret          string        `yaml:"secret"`
	IntegrationCode string        `yaml:"integrationCode"`
	ZoneLookupURL   string        `yaml:"zoneLookupURL"`
	BaseURL         string        `yaml:"baseURL"`
	Timeout         time.Duration `yaml:"timeout"`
}

// TicketConfig holds the defaults stamped onto every created ticket.
type TicketConfig struct {
	QueueID                 int64  `yaml:"queueID"`
	IssueType               int64  `yaml:"issueType"`
	SubIssueType            int64  `yaml:"subIssueType"`
	ServiceLevelAgreementID int64  `yaml:"serviceLevelAgreementID"`
	DefaultLocationID       int64  `yaml:"defaultLocationID"`
	TitlePrefix             string `yaml:"titlePrefix"`
	DocumentationLink       string `yaml:"documentationLink"`
	// CorrelationField names an Autotask user-defined field holding the alert id.
	CorrelationField string `yaml:"correlationField"`
}

// EmailConfig configures the fallback notification sent when ticket creation fails.
type EmailConfig struct {
	APIEndpoint string        `yaml:"apiEndpoint"`
	APIKey      string        `yaml:"apiKey"`
	FromEmail   string        `yaml:"fromEmail"`
	FromName    string        `yaml:"fromName"`
	ToEmail     string        `yaml:"toEmail"`
	ToName      string        `yaml:"toName"`
	ShoutrrrURL string        `yaml:"shoutrrrURL"`
	Timeout     time.Duration `yaml:"timeout"`
}

// MappingConfig points at the static lookup tables.
type MappingConfig struct {
	OrgMappingPath   string `yaml:"orgMappingPath"`
	UpDownEventsPath string `yaml:"upDownEventsPath"`
}

// SyncConfig holds reconciliation behaviour flags.
type SyncConfig struct {
	Schedule           string   `yaml:"schedule"`
	IgnoredAlertTypes  []string `yaml:"ignoredAlertTypes"`
	SkipSelfHealing    []int64  `yaml:"skipSelfHealingTicketIDs"`
	RetryFailedTenants bool     `yaml:"retryFailedTenants"`
	CloseUnmarked      bool     `yaml:"closeUnmarked"`
	Sweep              bool     `yaml:"sweep"`
	// Settle is the pause between tenant discovery and the alert fetches.
	Settle time.Duration `yaml:"settle"`
}

// CheckpointConfig controls the last-run file.
type CheckpointConfig struct {
	Path   string        `yaml:"path"`
	MaxAge time.Duration `yaml:"maxAge"`
	// ProbeDirs are tried in order when Path is empty.
	ProbeDirs []string `yaml:"probeDirs"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig controls the in-process lookup cache for PSA company data.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// TelemetryConfig holds optional reporting sinks.
type TelemetryConfig struct {
	PushgatewayURL string `yaml:"pushgatewayURL"`
	SentryDSN      string `yaml:"sentryDSN"`
	Environment    string `yaml:"environment"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("ALERT_SYNC_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// Validate reports missing credentials needed to reach either vendor.
func (c *Config) Validate() error {
	var missing []string
	if c.Sophos.ClientID == "" {
		missing = append(missing, "SOPHOS_CLIENT_ID")
	}
	if c.Sophos.ClientSecret == "" {
		missing = append(missing, "SOPHOS_SECRET")
	}
	if c.Autotask.Username == "" {
		missing = append(missing, "AUTOTASK_USER")
	}
	if c.Autotask.Secret == "" {
		missing = append(missing, "AUTOTASK_SECRET")
	}
	if c.Autotask.IntegrationCode == "" {
		missing = append(missing, "AUTOTASK_INTEGRATION_CODE")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Sophos: SophosConfig{
			TokenURL:    "https://id.sophos.com/api/v2/oauth2/token",
			GlobalURL:   "https://api.central.sophos.com",
			Timeout:     30 * time.Second,
			RateLimit:   12,
			Concurrency: 12,
		},
		Autotask: AutotaskConfig{
			ZoneLookupURL: "https://webservices.autotask.net/atservicesrest/v1.0/zoneInformation",
			Timeout:       30 * time.Second,
		},
		Ticket: TicketConfig{
			DefaultLocationID: 10,
			TitlePrefix:       "Sophos Alert: ",
		},
		Email: EmailConfig{Timeout: 15 * time.Second},
		Mapping: MappingConfig{
			OrgMappingPath:   "OrgMapping.json",
			UpDownEventsPath: "UpDownEvents.json",
		},
		Sync: SyncConfig{
			Schedule:           "0 */10 * * * *",
			RetryFailedTenants: true,
			CloseUnmarked:      true,
			Sweep:              true,
			Settle:             time.Second,
		},
		Checkpoint: CheckpointConfig{
			MaxAge:    24 * time.Hour,
			ProbeDirs: []string{"C:/home/data", "/home/data"},
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Cache:   CacheConfig{Enabled: true, TTL: 10 * time.Minute},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SOPHOS_CLIENT_ID"); v != "" {
		cfg.Sophos.ClientID = v
	}
	if v := os.Getenv("SOPHOS_SECRET"); v != "" {
		cfg.Sophos.ClientSecret = v
	}
	if v := os.Getenv("AUTOTASK_USER"); v != "" {
		cfg.Autotask.Username = v
	}
	if v := os.Getenv("AUTOTASK_SECRET"); v != "" {
		cfg.Autotask.Secret = v
	}
	if v := os.Getenv("AUTOTASK_INTEGRATION_CODE"); v != "" {
		cfg.Autotask.IntegrationCode = v
	}
	if v := os.Getenv("AUTOTASK_BASE_URL"); v != "" {
		cfg.Autotask.BaseURL = v
	}
	setInt64(&cfg.Ticket.QueueID, "TICKET_QueueID")
	setInt64(&cfg.Ticket.IssueType, "TICKET_IssueType")
	setInt64(&cfg.Ticket.SubIssueType, "TICKET_SubIssueType")
	setInt64(&cfg.Ticket.ServiceLevelAgreementID, "TICKET_ServiceLevelAgreementID")
	setInt64(&cfg.Ticket.DefaultLocationID, "TICKET_DefaultLocationID")
	if v := os.Getenv("TICKET_CorrelationField"); v != "" {
		cfg.Ticket.CorrelationField = v
	}
	if v := os.Getenv("HOW_TO_DOCUMENTATION_LINK"); v != "" {
		cfg.Ticket.DocumentationLink = v
	}
	if v := os.Getenv("IGNORE_AlertTypes"); v != "" {
		cfg.Sync.IgnoredAlertTypes = splitList(v)
	}
	if v := os.Getenv("SKIP_SelfHealing_TicketIDs"); v != "" {
		cfg.Sync.SkipSelfHealing = parseIDList(v)
	}
	if v := os.Getenv("EMAIL_API_ENDPOINT"); v != "" {
		cfg.Email.APIEndpoint = v
	}
	if v := os.Getenv("EMAIL_API_KEY"); v != "" {
		cfg.Email.APIKey = v
	}
	if v := os.Getenv("EMAIL_FROM__Email"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("EMAIL_FROM__Name"); v != "" {
		cfg.Email.FromName = v
	}
	if v := os.Getenv("EMAIL_TO__Email"); v != "" {
		cfg.Email.ToEmail = v
	}
	if v := os.Getenv("EMAIL_TO__Name"); v != "" {
		cfg.Email.ToName = v
	}
	if v := os.Getenv("ALERT_SYNC_NOTIFY_URL"); v != "" {
		cfg.Email.ShoutrrrURL = v
	}
	if v := os.Getenv("ALERT_SYNC_ORG_MAPPING"); v != "" {
		cfg.Mapping.OrgMappingPath = v
	}
	if v := os.Getenv("ALERT_SYNC_UPDOWN_EVENTS"); v != "" {
		cfg.Mapping.UpDownEventsPath = v
	}
	if v := os.Getenv("ALERT_SYNC_SCHEDULE"); v != "" {
		cfg.Sync.Schedule = v
	}
	if v := os.Getenv("ALERT_SYNC_RETRY_FAILED_TENANTS"); v != "" {
		cfg.Sync.RetryFailedTenants = parseBool(v)
	}
	if v := os.Getenv("ALERT_SYNC_SETTLE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Settle = d
		}
	}
	if v := os.Getenv("ALERT_SYNC_SWEEP"); v != "" {
		cfg.Sync.Sweep = parseBool(v)
	}
	if v := os.Getenv("ALERT_SYNC_CLOSE_UNMARKED"); v != "" {
		cfg.Sync.CloseUnmarked = parseBool(v)
	}
	if v := os.Getenv("ALERT_SYNC_CHECKPOINT_PATH"); v != "" {
		cfg.Checkpoint.Path = v
	}
	if v := os.Getenv("ALERT_SYNC_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("ALERT_SYNC_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("ALERT_SYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ALERT_SYNC_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("ALERT_SYNC_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = parseBool(v)
	}
	if v := os.Getenv("ALERT_SYNC_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = d
		}
	}
	if v := os.Getenv("ALERT_SYNC_SOPHOS_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sophos.RateLimit = f
		}
	}
	if v := os.Getenv("ALERT_SYNC_SOPHOS_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sophos.Concurrency = n
		}
	}
	if v := os.Getenv("ALERT_SYNC_PUSHGATEWAY_URL"); v != "" {
		cfg.Telemetry.PushgatewayURL = v
	}
	if v := os.Getenv("SENTRY_DSN"); v != "" {
		cfg.Telemetry.SentryDSN = v
	}
	if v := os.Getenv("SENTRY_ENVIRONMENT"); v != "" {
		cfg.Telemetry.Environment = v
	}
}

func setInt64(dst *int64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
		*dst = n
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseIDList drops entries that are not integers.
func parseIDList(v string) []int64 {
	var ids []int64
	for _, p := range splitList(v) {
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			ids = append(ids, n)
		}
	}
	return ids
}
