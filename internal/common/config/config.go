// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig                `mapstructure:"app"`
	Gateway       GatewayConfig            `mapstructure:"gateway"`
	Services      map[string]ServiceConfig `mapstructure:"services"`
	Poller        PollerConfig             `mapstructure:"poller"`
	Batch         BatchConfig              `mapstructure:"batch"`
	Scheduler     SchedulerConfig          `mapstructure:"scheduler"`
	Database      DatabaseConfig           `mapstructure:"database"`
	Notifications NotificationConfig       `mapstructure:"notifications"`
	Logging       LoggingConfig            `mapstructure:"logging"`
	Metrics       MetricsConfig            `mapstructure:"metrics"`
}

// --- Core App Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// --- Gateway ---

// GatewayConfig describes the reverse proxy and its static route table.
type GatewayConfig struct {
	ListenAddress      string        `mapstructure:"listen_address"`
	BaseURL            string        `mapstructure:"base_url"`
	UserAgent          string        `mapstructure:"user_agent"`
	PassThroughHeaders []string      `mapstructure:"pass_through_headers"`
	StatusTimeout      int           `mapstructure:"status_timeout"`   // milliseconds
	ShutdownTimeout    int           `mapstructure:"shutdown_timeout"` // milliseconds
	Routes             []RouteConfig `mapstructure:"routes"`
}

// RouteConfig is one inbound prefix mapped to one backend service.
type RouteConfig struct {
	Name     string   `mapstructure:"name"`
	Prefix   string   `mapstructure:"prefix"`
	BaseURL  string   `mapstructure:"base_url"` // overrides gateway.base_url
	Upstream string   `mapstructure:"upstream"`
	Timeout  int      `mapstructure:"timeout"` // milliseconds
	Verbose  bool     `mapstructure:"verbose"`
	Methods  []string `mapstructure:"methods"`
}

// --- Backend operations used by the batch runner ---

// Operation kinds.
const (
	KindDevice    = "device"
	KindFiles     = "files"
	KindTimeblock = "timeblock"
)

// ServiceConfig describes how to invoke one backend operation.
type ServiceConfig struct {
	DisplayName  string `mapstructure:"display_name"`
	BaseURL      string `mapstructure:"base_url"`
	Path         string `mapstructure:"path"`
	Method       string `mapstructure:"method"`
	Timeout      int    `mapstructure:"timeout"` // milliseconds
	Verbose      bool   `mapstructure:"verbose"`
	Kind         string `mapstructure:"kind"`
	StatusPath   string `mapstructure:"status_path"`   // async task status, relative to base_url
	StatusColumn string `mapstructure:"status_column"` // audio_files column for file based services
	Model        string `mapstructure:"model"`
}

type PollerConfig struct {
	Interval    int `mapstructure:"interval"`     // milliseconds
	PollTimeout int `mapstructure:"poll_timeout"` // milliseconds
}

type BatchConfig struct {
	FallbackDeviceIDs []string `mapstructure:"fallback_device_ids"`
	PendingFileLimit  int      `mapstructure:"pending_file_limit"`
	Timezone          string   `mapstructure:"timezone"` // calendar dates of device recordings
}

type SchedulerConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Timeout int    `mapstructure:"timeout"` // milliseconds
}

// --- Data stores ---
type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// Enabled reports whether a Postgres host has been configured.
func (p PostgresConfig) Enabled() bool {
	return p.Host != ""
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

func (e ElasticsearchConfig) Enabled() bool {
	return len(e.Addresses) > 0
}

type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	RetainFor int    `mapstructure:"retain_for"` // hours
}

func (r RedisConfig) Enabled() bool {
	return r.Address != ""
}

// NotificationConfig controls batch completion notices.
type NotificationConfig struct {
	Region string `mapstructure:"region"`
	SNS    struct {
		Enabled  bool   `mapstructure:"enabled"`
		TopicARN string `mapstructure:"topic_arn"`
	} `mapstructure:"sns"`
	Email struct {
		Enabled   bool     `mapstructure:"enabled"`
		FromEmail string   `mapstructure:"from_email"`
		To        []string `mapstructure:"to"`
	} `mapstructure:"email"`
	OnlyOnFailure bool `mapstructure:"only_on_failure"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}
