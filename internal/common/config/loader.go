// internal/common/config/loader.go
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DefaultBaseURL   = "https://api.hey-watch.me"
	DefaultUserAgent = "WatchMe-API-Manager/1.0"
)

// Load reads configs/config.yaml, merges config.<APP_ENVIRONMENT>.yaml on top
// and applies environment overrides.
func Load() (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig()

	return finish(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return finish(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func loadEnvFile() {
	possiblePaths := []string{".env", "../.env", "../../.env"}
	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// Find project root by looking for go.mod
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			if expanded := os.ExpandEnv(strVal); expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

// Direct override if values are still empty after expansion
func overrideEmptyConfig(cfg *Config) {
	if val := os.Getenv("API_BASE_URL"); val != "" {
		cfg.Gateway.BaseURL = val
	}
	if cfg.Database.Postgres.Host == "" {
		cfg.Database.Postgres.Host = os.Getenv("DB_HOST")
	}
	if cfg.Database.Postgres.Database == "" {
		cfg.Database.Postgres.Database = os.Getenv("DB_NAME")
	}
	if cfg.Database.Postgres.User == "" {
		cfg.Database.Postgres.User = os.Getenv("DB_USER")
	}
	if cfg.Database.Postgres.Password == "" {
		cfg.Database.Postgres.Password = os.Getenv("DB_PASSWORD")
	}
	if cfg.Database.Redis.Address == "" {
		cfg.Database.Redis.Address = os.Getenv("REDIS_ADDRESS")
	}
	if cfg.Notifications.SNS.TopicARN == "" {
		cfg.Notifications.SNS.TopicARN = os.Getenv("NOTIFY_SNS_TOPIC_ARN")
	}
}

// DefaultRoutes is the route table of the reference deployment.
func DefaultRoutes() []RouteConfig {
	return []RouteConfig{
		{Name: "vibe-transcriber", Prefix: "/api/vibe-transcriber", Upstream: "vibe-transcriber", Timeout: 600000, Verbose: true},
		{Name: "vibe-aggregator", Prefix: "/api/vibe-aggregator", Upstream: "vibe-aggregator", Timeout: 300000},
		{Name: "vibe-scorer", Prefix: "/api/vibe-scorer", Upstream: "vibe-scorer", Timeout: 300000},
		{Name: "behavior-features", Prefix: "/api/behavior-features", Upstream: "behavior-features", Timeout: 600000},
		{Name: "behavior-aggregator", Prefix: "/api/behavior-aggregator", Upstream: "behavior-aggregator", Timeout: 300000},
		{Name: "emotion-features", Prefix: "/api/emotion-features", Upstream: "emotion-features", Timeout: 300000},
		{Name: "emotion-aggregator", Prefix: "/api/emotion-aggregator", Upstream: "emotion-aggregator", Timeout: 300000},
	}
}

// DefaultServices is the operation catalog of the reference deployment,
// relative to baseURL.
func DefaultServices(baseURL string) map[string]ServiceConfig {
	base := strings.TrimRight(baseURL, "/")
	return map[string]ServiceConfig{
		"vibe-transcriber": {
			DisplayName: "Whisper Transcriber", BaseURL: base + "/vibe-transcriber", Path: "/fetch-and-transcribe",
			Method: "POST", Timeout: 600000, Verbose: true, Kind: KindFiles,
			StatusColumn: "transcriptions_status", Model: "base",
		},
		"vibe-aggregator": {
			DisplayName: "Vibe Aggregator", BaseURL: base + "/vibe-aggregator", Path: "/generate-mood-prompt-supabase",
			Method: "GET", Timeout: 300000, Kind: KindDevice,
		},
		"vibe-scorer": {
			DisplayName: "Vibe Scorer", BaseURL: base + "/vibe-scorer", Path: "/analyze-vibegraph-supabase",
			Method: "POST", Timeout: 300000, Kind: KindDevice,
		},
		"behavior-features": {
			DisplayName: "Behavior Features", BaseURL: base + "/behavior-features", Path: "/fetch-and-process-paths",
			Method: "POST", Timeout: 600000, Kind: KindFiles, StatusColumn: "behavior_features_status",
		},
		"behavior-aggregator": {
			DisplayName: "Behavior Aggregator", BaseURL: base + "/behavior-aggregator", Path: "/analysis/sed",
			Method: "POST", Timeout: 300000, Kind: KindDevice, StatusPath: "/analysis/sed/{task_id}",
		},
		"emotion-features": {
			DisplayName: "Emotion Features", BaseURL: base + "/emotion-features", Path: "/process/emotion-features",
			Method: "POST", Timeout: 300000, Kind: KindFiles, StatusColumn: "emotion_features_status",
		},
		"emotion-aggregator": {
			DisplayName: "Emotion Aggregator", BaseURL: base + "/emotion-aggregator", Path: "/analyze/opensmile-aggregator",
			Method: "POST", Timeout: 300000, Kind: KindDevice,
		},
		"dashboard-timeblock": {
			DisplayName: "Timeblock Prompt", BaseURL: base + "/vibe-aggregator", Path: "/generate-timeblock-prompt",
			Method: "GET", Timeout: 30000, Kind: KindTimeblock,
		},
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "api-manager"
	}

	// Gateway defaults
	if cfg.Gateway.ListenAddress == "" {
		cfg.Gateway.ListenAddress = ":3001"
	}
	if cfg.Gateway.BaseURL == "" {
		cfg.Gateway.BaseURL = DefaultBaseURL
	}
	if cfg.Gateway.UserAgent == "" {
		cfg.Gateway.UserAgent = DefaultUserAgent
	}
	if len(cfg.Gateway.PassThroughHeaders) == 0 {
		cfg.Gateway.PassThroughHeaders = []string{"Content-Type", "Accept", "User-Agent", "X-Request-ID"}
	}
	if cfg.Gateway.StatusTimeout == 0 {
		cfg.Gateway.StatusTimeout = 10000
	}
	if cfg.Gateway.ShutdownTimeout == 0 {
		cfg.Gateway.ShutdownTimeout = 30000
	}
	if len(cfg.Gateway.Routes) == 0 {
		cfg.Gateway.Routes = DefaultRoutes()
	}
	for i := range cfg.Gateway.Routes {
		route := &cfg.Gateway.Routes[i]
		if route.Timeout == 0 {
			route.Timeout = 600000
		}
		if len(route.Methods) == 0 {
			route.Methods = []string{"GET", "POST", "DELETE"}
		}
	}

	// Operation catalog defaults
	if len(cfg.Services) == 0 {
		cfg.Services = DefaultServices(cfg.Gateway.BaseURL)
	}
	for name, svc := range cfg.Services {
		if svc.Method == "" {
			svc.Method = "POST"
		}
		if svc.Timeout == 0 {
			svc.Timeout = 30000
		}
		if svc.Kind == "" {
			svc.Kind = KindDevice
		}
		if svc.DisplayName == "" {
			svc.DisplayName = name
		}
		cfg.Services[name] = svc
	}

	if cfg.Poller.Interval == 0 {
		cfg.Poller.Interval = 3000
	}
	if cfg.Poller.PollTimeout == 0 {
		cfg.Poller.PollTimeout = 30000
	}
	if cfg.Batch.PendingFileLimit == 0 {
		cfg.Batch.PendingFileLimit = 50
	}
	if cfg.Batch.Timezone == "" {
		cfg.Batch.Timezone = "Asia/Tokyo"
	}
	if cfg.Scheduler.BaseURL == "" {
		cfg.Scheduler.BaseURL = strings.TrimRight(cfg.Gateway.BaseURL, "/") + "/scheduler"
	}
	if cfg.Scheduler.Timeout == 0 {
		cfg.Scheduler.Timeout = 10000
	}

	// Database defaults
	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 10
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 2
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Database.Redis.KeyPrefix == "" {
		cfg.Database.Redis.KeyPrefix = "apimgr"
	}
	if cfg.Database.Redis.RetainFor == 0 {
		cfg.Database.Redis.RetainFor = 24 * 30
	}
	if cfg.Database.Elasticsearch.Index == "" {
		cfg.Database.Elasticsearch.Index = "batch-outcomes"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// validateConfig validates critical configuration fields. Route prefix
// overlap is checked when the gateway builds its route table.
func validateConfig(cfg *Config) error {
	if err := validateAbsoluteURL("gateway.base_url", cfg.Gateway.BaseURL); err != nil {
		return err
	}

	names := make(map[string]bool, len(cfg.Gateway.Routes))
	for i, route := range cfg.Gateway.Routes {
		if route.Name == "" {
			return fmt.Errorf("gateway.routes[%d].name is required", i)
		}
		if names[route.Name] {
			return fmt.Errorf("gateway.routes[%d]: duplicate route name %q", i, route.Name)
		}
		names[route.Name] = true
		if !strings.HasPrefix(route.Prefix, "/") {
			return fmt.Errorf("gateway.routes[%d].prefix must start with /", i)
		}
		if route.Timeout < 0 {
			return fmt.Errorf("gateway.routes[%d].timeout must be positive", i)
		}
		if route.BaseURL != "" {
			if err := validateAbsoluteURL(fmt.Sprintf("gateway.routes[%d].base_url", i), route.BaseURL); err != nil {
				return err
			}
		}
	}

	for name, svc := range cfg.Services {
		if err := validateAbsoluteURL(fmt.Sprintf("services.%s.base_url", name), svc.BaseURL); err != nil {
			return err
		}
		switch svc.Kind {
		case KindDevice, KindFiles, KindTimeblock:
		default:
			return fmt.Errorf("services.%s.kind %q is not one of device, files, timeblock", name, svc.Kind)
		}
		if svc.Kind == KindFiles && svc.StatusColumn == "" {
			return fmt.Errorf("services.%s.status_column is required for file based services", name)
		}
	}

	if cfg.Notifications.SNS.Enabled && cfg.Notifications.SNS.TopicARN == "" {
		return fmt.Errorf("notifications.sns.topic_arn is required when sns is enabled")
	}
	if cfg.Notifications.Email.Enabled && (cfg.Notifications.Email.FromEmail == "" || len(cfg.Notifications.Email.To) == 0) {
		return fmt.Errorf("notifications.email.from_email and notifications.email.to are required when email is enabled")
	}

	return nil
}

func validateAbsoluteURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", field, raw)
	}
	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

// GetService retrieves an operation's configuration.
func GetService(cfg *Config, name string) (ServiceConfig, bool) {
	svc, ok := cfg.Services[name]
	return svc, ok
}
