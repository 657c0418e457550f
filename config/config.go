package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	AWS          AWSConfig
	Access       AccessConfig
	Telephony    TelephonyConfig
	Provisioning ProvisioningConfig
	Export       ExportConfig
	Upload       UploadConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT validation settings. Tokens are minted upstream.
type JWTConfig struct {
	Secret string
}

// AWSConfig holds AWS credentials and the two private containers.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	MediaBucket     string // recordings, greetings, export bundles
	ImagesBucket    string // guest photos
}

// AccessConfig controls signed grant issuance and caching.
type AccessConfig struct {
	GrantTTL        time.Duration
	SafetyMargin    time.Duration
	UpstreamTimeout time.Duration
	CacheSize       int
}

// TelephonyConfig points at the number provisioning provider.
type TelephonyConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// ProvisioningConfig controls when channels are acquired.
type ProvisioningConfig struct {
	ThresholdDays int
	LookbackDays  int    // past events older than this are no longer swept
	SweepSchedule string // robfig/cron spec
	LockTTL       time.Duration
	ClaimTimeout  time.Duration // a claim older than this is considered abandoned
}

// ExportConfig controls archive export jobs.
type ExportConfig struct {
	TempDir        string // empty = os.TempDir()
	MaxMemberBytes int64
	ProgressTTL    time.Duration
}

// UploadConfig holds limits for operator and guest uploads.
type UploadConfig struct {
	MaxGreetingBytes int64
	MaxPhotoBytes    int64
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "guestbook"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "change-me-in-production"),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			MediaBucket:     getEnv("AWS_S3_MEDIA_BUCKET", "guestbook-media"),
			ImagesBucket:    getEnv("AWS_S3_IMAGES_BUCKET", "guestbook-images"),
		},
		Access: AccessConfig{
			GrantTTL:        time.Duration(getEnvInt("GRANT_TTL_MINUTES", 60)) * time.Minute,
			SafetyMargin:    time.Duration(getEnvInt("GRANT_SAFETY_MARGIN_MINUTES", 10)) * time.Minute,
			UpstreamTimeout: time.Duration(getEnvInt("GRANT_TIMEOUT_SEC", 10)) * time.Second,
			CacheSize:       getEnvInt("GRANT_CACHE_SIZE", 10000),
		},
		Telephony: TelephonyConfig{
			BaseURL: getEnv("TELEPHONY_BASE_URL", ""),
			APIKey:  getEnv("TELEPHONY_API_KEY", ""),
			Timeout: time.Duration(getEnvInt("TELEPHONY_TIMEOUT_SEC", 15)) * time.Second,
		},
		Provisioning: ProvisioningConfig{
			ThresholdDays: getEnvInt("CHANNEL_THRESHOLD_DAYS", 30),
			LookbackDays:  getEnvInt("CHANNEL_SWEEP_LOOKBACK_DAYS", 7),
			SweepSchedule: getEnv("CHANNEL_SWEEP_SCHEDULE", "0 * * * *"),
			LockTTL:       time.Duration(getEnvInt("CHANNEL_SWEEP_LOCK_MINUTES", 30)) * time.Minute,
			ClaimTimeout:  time.Duration(getEnvInt("CHANNEL_CLAIM_TIMEOUT_SEC", 120)) * time.Second,
		},
		Export: ExportConfig{
			TempDir:        getEnv("EXPORT_TEMP_DIR", ""),
			MaxMemberBytes: int64(getEnvInt("EXPORT_MAX_MEMBER_MB", 200)) * 1024 * 1024,
			ProgressTTL:    time.Duration(getEnvInt("EXPORT_PROGRESS_TTL_HOURS", 24)) * time.Hour,
		},
		Upload: UploadConfig{
			MaxGreetingBytes: int64(getEnvInt("GREETING_MAX_MB", 10)) * 1024 * 1024,
			MaxPhotoBytes:    int64(getEnvInt("PHOTO_MAX_MB", 10)) * 1024 * 1024,
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the grant cache and provisioner cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Access.GrantTTL <= 0 {
		errs = append(errs, errors.New("GRANT_TTL_MINUTES must be positive"))
	}
	if c.Access.SafetyMargin < 0 || c.Access.SafetyMargin >= c.Access.GrantTTL {
		errs = append(errs, errors.New("GRANT_SAFETY_MARGIN_MINUTES must be non-negative and below the grant TTL"))
	}
	if c.Access.UpstreamTimeout <= 0 {
		errs = append(errs, errors.New("GRANT_TIMEOUT_SEC must be positive"))
	}
	if c.Provisioning.ThresholdDays <= 0 {
		errs = append(errs, errors.New("CHANNEL_THRESHOLD_DAYS must be positive"))
	}
	if c.Telephony.Timeout <= 0 {
		errs = append(errs, errors.New("TELEPHONY_TIMEOUT_SEC must be positive"))
	}
	if c.AWS.MediaBucket == "" || c.AWS.ImagesBucket == "" {
		errs = append(errs, errors.New("both AWS_S3_MEDIA_BUCKET and AWS_S3_IMAGES_BUCKET are required"))
	}
	return errors.Join(errs...)
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
