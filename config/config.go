// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage backends.
const (
	StorageFile     = "file"
	StorageGCS      = "gcs"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

// Notification channels.
const (
	NotifierLog      = "log"
	NotifierEmail    = "email"
	NotifierTelegram = "telegram"
	NotifierSNS      = "sns"
)

// Email providers.
const (
	EmailBrevo = "brevo"
	EmailGmail = "gmail"
	EmailLog   = "log"
)

// ErrInvalid is returned when the configuration is incomplete or inconsistent.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full service configuration.
type Config struct {
	Port        string `mapstructure:"port"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	Timezone    string `mapstructure:"timezone"`
	CatalogFile string `mapstructure:"catalog_file"`

	UpstreamURL      string        `mapstructure:"upstream_url"`
	UpstreamTimeout  time.Duration `mapstructure:"upstream_timeout"`
	UpstreamAttempts uint          `mapstructure:"upstream_attempts"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	FreshnessWindow  time.Duration `mapstructure:"freshness_window"`

	StorageBackend string `mapstructure:"storage_backend"`
	LocalStorage   string `mapstructure:"local_storage"`
	StorageBucket  string `mapstructure:"storage_bucket"`
	StoragePrefix  string `mapstructure:"storage_prefix"`
	RedisAddr      string `mapstructure:"redis_addr"`
	RedisPassword  string `mapstructure:"redis_password"`
	RedisDB        int    `mapstructure:"redis_db"`
	DatabaseURL    string `mapstructure:"database_url"`

	Notifier              string `mapstructure:"notifier"`
	EmailProvider         string `mapstructure:"email_provider"`
	BrevoAPIKey           string `mapstructure:"brevo_api_key"`
	MailFrom              string `mapstructure:"mail_from"`
	MailFromName          string `mapstructure:"mail_from_name"`
	MailTo                string `mapstructure:"mail_to"`
	GoogleCredentialsJSON string `mapstructure:"google_credentials_json"`
	TelegramToken         string `mapstructure:"telegram_token"`
	TelegramChatID        int64  `mapstructure:"telegram_chat_id"`
	SNSTopicARN           string `mapstructure:"sns_topic_arn"`
	AWSRegion             string `mapstructure:"aws_region"`
	IconURL               string `mapstructure:"icon_url"`

	SubscribeLimit int `mapstructure:"subscribe_limit"`
}

var defaults = map[string]any{
	"port":                    "8080",
	"log_level":               "info",
	"log_format":              "json",
	"timezone":                "Europe/Berlin",
	"catalog_file":            "",
	"upstream_url":            "",
	"upstream_timeout":        30 * time.Second,
	"upstream_attempts":       3,
	"poll_interval":           15 * time.Second,
	"freshness_window":        5 * time.Second,
	"storage_backend":         StorageFile,
	"local_storage":           "./data",
	"storage_bucket":          "",
	"storage_prefix":          "termin-notifier/",
	"redis_addr":              "localhost:6379",
	"redis_password":          "",
	"redis_db":                0,
	"database_url":            "",
	"notifier":                NotifierLog,
	"email_provider":          EmailLog,
	"brevo_api_key":           "",
	"mail_from":               "",
	"mail_from_name":          "Termin-Benachrichtigung",
	"mail_to":                 "",
	"google_credentials_json": "",
	"telegram_token":          "",
	"telegram_chat_id":        0,
	"sns_topic_arn":           "",
	"aws_region":              "eu-central-1",
	"icon_url":                "",
	"subscribe_limit":         20,
}

// Load reads a .env file when one exists, then the environment.
func Load() (*Config, error) {
	loadEnvFile()
	return FromViper(newViper())
}

// FromViper unmarshals and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
		// Unmarshal only sees env values for keys viper knows about.
		_ = v.BindEnv(key, strings.ToUpper(key))
	}
	return v
}

// loadEnvFile loads .env from the working directory or the module root.
func loadEnvFile() {
	paths := []string{".env"}
	if root := findProjectRoot(); root != "" {
		paths = append(paths, filepath.Join(root, ".env"))
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			slog.Warn("Failed to load env file", "path", path, "error", err)
			continue
		}
		slog.Debug("Loaded env file", "path", path)
		return
	}
}

// findProjectRoot walks up from the working directory looking for go.mod.
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

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.StorageBackend = strings.ToLower(strings.TrimSpace(c.StorageBackend))
	c.Notifier = strings.ToLower(strings.TrimSpace(c.Notifier))
	c.EmailProvider = strings.ToLower(strings.TrimSpace(c.EmailProvider))
}

// Validate checks that the selected backends have what they need.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("%w: PORT is empty", ErrInvalid)
	}
	if !slices.Contains([]string{"json", "text"}, c.LogFormat) {
		return fmt.Errorf("%w: LOG_FORMAT %q", ErrInvalid, c.LogFormat)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("%w: TIMEZONE %q: %v", ErrInvalid, c.Timezone, err)
	}
	if c.UpstreamTimeout <= 0 || c.PollInterval <= 0 || c.FreshnessWindow < 0 {
		return fmt.Errorf("%w: durations must be positive", ErrInvalid)
	}
	if c.UpstreamAttempts == 0 {
		return fmt.Errorf("%w: UPSTREAM_ATTEMPTS must be at least 1", ErrInvalid)
	}

	switch c.StorageBackend {
	case StorageFile:
		if c.LocalStorage == "" {
			return fmt.Errorf("%w: LOCAL_STORAGE is required for file storage", ErrInvalid)
		}
	case StorageGCS:
		if c.StorageBucket == "" {
			return fmt.Errorf("%w: STORAGE_BUCKET is required for gcs storage", ErrInvalid)
		}
	case StorageRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: REDIS_ADDR is required for redis storage", ErrInvalid)
		}
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for postgres storage", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: STORAGE_BACKEND %q", ErrInvalid, c.StorageBackend)
	}

	switch c.Notifier {
	case NotifierLog:
	case NotifierEmail:
		return c.validateEmail()
	case NotifierTelegram:
		if c.TelegramToken == "" || c.TelegramChatID == 0 {
			return fmt.Errorf("%w: TELEGRAM_TOKEN and TELEGRAM_CHAT_ID are required", ErrInvalid)
		}
	case NotifierSNS:
		if c.SNSTopicARN == "" || c.AWSRegion == "" {
			return fmt.Errorf("%w: SNS_TOPIC_ARN and AWS_REGION are required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: NOTIFIER %q", ErrInvalid, c.Notifier)
	}
	return nil
}

func (c *Config) validateEmail() error {
	if c.MailTo == "" {
		return fmt.Errorf("%w: MAIL_TO is required for email notifications", ErrInvalid)
	}
	switch c.EmailProvider {
	case EmailLog:
	case EmailBrevo:
		if c.BrevoAPIKey == "" || c.MailFrom == "" {
			return fmt.Errorf("%w: BREVO_API_KEY and MAIL_FROM are required", ErrInvalid)
		}
	case EmailGmail:
		if c.GoogleCredentialsJSON == "" {
			return fmt.Errorf("%w: GOOGLE_CREDENTIALS_JSON is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: EMAIL_PROVIDER %q", ErrInvalid, c.EmailProvider)
	}
	return nil
}

// Level maps LOG_LEVEL onto a slog level. Unknown values mean info.
func (c *Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Location returns the configured time zone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
