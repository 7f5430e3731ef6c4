package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Quota     QuotaConfig     `yaml:"quota"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	OptOut    OptOutConfig    `yaml:"optout"`
	Notify    NotifyConfig    `yaml:"notify"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Feeds     FeedsConfig     `yaml:"feeds"`
	Assist    AssistConfig    `yaml:"assist"`
	Media     MediaConfig     `yaml:"media"`
	// APIKeys maps an API key to the account it authenticates.
	APIKeys map[string]string `yaml:"api_keys"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifeMins int    `yaml:"conn_max_life_mins"`
}

// ConnMaxLifetime returns the connection lifetime as a duration
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifeMins) * time.Minute
}

// RedisConfig holds the Redis connection for the quota ledger
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QuotaConfig holds default plan limits for accounts without a stored plan
type QuotaConfig struct {
	DefaultSendsPerMinute int `yaml:"default_sends_per_minute"`
	DefaultSendsPerDay    int `yaml:"default_sends_per_day"`
}

// SchedulerConfig holds campaign runner and dispatcher tuning
type SchedulerConfig struct {
	CampaignPollSeconds int `yaml:"campaign_poll_seconds"`
	MessagePollSeconds  int `yaml:"message_poll_seconds"`
	ProgressFlushEvery  int `yaml:"progress_flush_every"`
}

// CampaignPollInterval returns the campaign poll interval as a duration
func (c SchedulerConfig) CampaignPollInterval() time.Duration {
	return time.Duration(c.CampaignPollSeconds) * time.Second
}

// MessagePollInterval returns the message dispatch poll interval as a duration
func (c SchedulerConfig) MessagePollInterval() time.Duration {
	return time.Duration(c.MessagePollSeconds) * time.Second
}

// GatewayConfig selects and configures the WhatsApp provider.
// Provider is "wacloud" (direct Meta Cloud API) or "awssocial"
// (AWS End User Messaging Social).
type GatewayConfig struct {
	Provider string `yaml:"provider"`
	// AccountID is the account that owns the provider phone number;
	// inbound events (opt-outs) are attributed to it.
	AccountID string          `yaml:"account_id"`
	WACloud   WACloudConfig   `yaml:"wacloud"`
	AWSSocial AWSSocialConfig `yaml:"awssocial"`
}

// WACloudConfig holds Meta Cloud API credentials
type WACloudConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIVersion     string `yaml:"api_version"`
	AccessToken    string `yaml:"access_token"`
	PhoneNumberID  string `yaml:"phone_number_id"`
	VerifyToken    string `yaml:"verify_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c WACloudConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AWSSocialConfig holds AWS End User Messaging Social settings
type AWSSocialConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	OriginationID  string `yaml:"origination_id"`
	MetaAPIVersion string `yaml:"meta_api_version"`
}

// OptOutConfig holds the opt-out registry settings. Backend is "memory"
// or "dynamodb".
type OptOutConfig struct {
	Backend       string `yaml:"backend"`
	DynamoDBTable string `yaml:"dynamodb_table"`
	AWSRegion     string `yaml:"aws_region"`
}

// NotifyConfig holds completion email settings
type NotifyConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	From      string `yaml:"from"`
}

// ArchiveConfig holds S3 report archival settings
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	Region   string `yaml:"aws_region"`
}

// WarehouseConfig holds Snowflake export settings
type WarehouseConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Account         string `yaml:"account"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	Schema          string `yaml:"schema"`
	Warehouse       string `yaml:"warehouse"`
	Table           string `yaml:"table"`
	IntervalMinutes int    `yaml:"interval_minutes"`
}

// Interval returns the export sweep interval as a duration
func (c WarehouseConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// FeedsConfig holds the RSS broadcaster settings
type FeedsConfig struct {
	Enabled             bool         `yaml:"enabled"`
	PollIntervalMinutes int          `yaml:"poll_interval_minutes"`
	Feeds               []FeedConfig `yaml:"feeds"`
}

// PollInterval returns the feed poll interval as a duration
func (c FeedsConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMinutes) * time.Minute
}

// FeedConfig describes one subscribed feed and the campaign it spawns
// per new item.
type FeedConfig struct {
	AccountID     string   `yaml:"account_id"`
	URL           string   `yaml:"url"`
	NamePrefix    string   `yaml:"name_prefix"`
	Template      string   `yaml:"template"`
	Recipients    []string `yaml:"recipients"`
	MinIntervalMs int      `yaml:"min_interval_ms"`
	MaxIntervalMs int      `yaml:"max_interval_ms"`
}

// AssistConfig holds Bedrock template suggestion settings
type AssistConfig struct {
	Enabled bool   `yaml:"enabled"`
	Region  string `yaml:"region"`
	ModelID string `yaml:"model_id"`
}

// MediaConfig holds image attachment limits
type MediaConfig struct {
	MaxBytes     int64 `yaml:"max_bytes"`
	MaxDimension int   `yaml:"max_dimension"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifeMins == 0 {
		cfg.Database.ConnMaxLifeMins = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Quota.DefaultSendsPerMinute == 0 {
		cfg.Quota.DefaultSendsPerMinute = 30
	}
	if cfg.Quota.DefaultSendsPerDay == 0 {
		cfg.Quota.DefaultSendsPerDay = 2000
	}
	if cfg.Scheduler.CampaignPollSeconds == 0 {
		cfg.Scheduler.CampaignPollSeconds = 5
	}
	if cfg.Scheduler.MessagePollSeconds == 0 {
		cfg.Scheduler.MessagePollSeconds = 15
	}
	if cfg.Scheduler.ProgressFlushEvery == 0 {
		cfg.Scheduler.ProgressFlushEvery = 10
	}
	if cfg.Gateway.Provider == "" {
		cfg.Gateway.Provider = "wacloud"
	}
	if cfg.Gateway.WACloud.APIVersion == "" {
		cfg.Gateway.WACloud.APIVersion = "v19.0"
	}
	if cfg.Gateway.WACloud.TimeoutSeconds == 0 {
		cfg.Gateway.WACloud.TimeoutSeconds = 30
	}
	if cfg.Gateway.AWSSocial.Region == "" {
		cfg.Gateway.AWSSocial.Region = "us-east-1"
	}
	if cfg.OptOut.Backend == "" {
		cfg.OptOut.Backend = "memory"
	}
	if cfg.OptOut.DynamoDBTable == "" {
		cfg.OptOut.DynamoDBTable = "whatsapp-optouts"
	}
	if cfg.OptOut.AWSRegion == "" {
		cfg.OptOut.AWSRegion = "us-east-1"
	}
	if cfg.Notify.Region == "" {
		cfg.Notify.Region = "us-west-2"
	}
	if cfg.Archive.S3Prefix == "" {
		cfg.Archive.S3Prefix = "campaign-reports"
	}
	if cfg.Archive.Region == "" {
		cfg.Archive.Region = "us-east-1"
	}
	if cfg.Warehouse.Database == "" {
		cfg.Warehouse.Database = "IGNITE_DATA_LAKE"
	}
	if cfg.Warehouse.Schema == "" {
		cfg.Warehouse.Schema = "MESSAGING"
	}
	if cfg.Warehouse.IntervalMinutes == 0 {
		cfg.Warehouse.IntervalMinutes = 15
	}
	if cfg.Feeds.PollIntervalMinutes == 0 {
		cfg.Feeds.PollIntervalMinutes = 10
	}
	if cfg.Assist.Region == "" {
		cfg.Assist.Region = "us-east-1"
	}
	if cfg.Media.MaxBytes == 0 {
		cfg.Media.MaxBytes = 5 * 1024 * 1024
	}
	if cfg.Media.MaxDimension == 0 {
		cfg.Media.MaxDimension = 5000
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Database override (critical for ECS deployment where config.yaml has local defaults)
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	// Gateway overrides
	if token := os.Getenv("WHATSAPP_ACCESS_TOKEN"); token != "" {
		cfg.Gateway.WACloud.AccessToken = token
	}
	if id := os.Getenv("WHATSAPP_PHONE_NUMBER_ID"); id != "" {
		cfg.Gateway.WACloud.PhoneNumberID = id
	}
	if token := os.Getenv("WHATSAPP_VERIFY_TOKEN"); token != "" {
		cfg.Gateway.WACloud.VerifyToken = token
	}
	if accessKey := os.Getenv("AWS_SOCIAL_ACCESS_KEY"); accessKey != "" {
		cfg.Gateway.AWSSocial.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SOCIAL_SECRET_KEY"); secretKey != "" {
		cfg.Gateway.AWSSocial.SecretKey = secretKey
	}
	if id := os.Getenv("AWS_SOCIAL_ORIGINATION_ID"); id != "" {
		cfg.Gateway.AWSSocial.OriginationID = id
	}

	// Notify overrides
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.Notify.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.Notify.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.Notify.Region = region
	}

	// Warehouse overrides
	if password := os.Getenv("SNOWFLAKE_PASSWORD"); password != "" {
		cfg.Warehouse.Password = password
	}

	return cfg, nil
}
