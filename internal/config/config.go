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

// Config holds all application configuration
type Config struct {
	Env       string
	Server    ServerConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Password  PasswordConfig
	Protect   ProtectConfig
	Mail      MailConfig
	Recaptcha RecaptchaConfig
	Storage   StorageConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string
	Port           string
	PublicURL      string
	AllowedOrigins []string
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

// AuthConfig holds lockout, session and pending token settings
type AuthConfig struct {
	LockoutThreshold   int
	LockoutDuration    time.Duration
	SessionIdleTimeout time.Duration
	PendingTokenSecret string
	PendingTokenTTL    time.Duration
	Issuer             string
	BcryptCost         int
}

// PasswordConfig holds the password age rules. Zero disables a rule.
type PasswordConfig struct {
	MinChangeMinutes int
	MaxAgeDays       int
}

// ProtectConfig holds the PII encryption key, hex encoded
type ProtectConfig struct {
	Key string
}

// MailConfig holds Mailgun settings
type MailConfig struct {
	Domain  string
	APIKey  string
	APIBase string
	From    string
}

// RecaptchaConfig holds reCAPTCHA v3 settings
type RecaptchaConfig struct {
	Enabled      bool
	SiteKey      string
	SecretKey    string
	MinimumScore float64
	VerifyURL    string
}

// StorageConfig holds S3/MinIO settings for resume uploads
type StorageConfig struct {
	Endpoint           string
	Region             string
	Bucket             string
	AccessKeyID        string
	SecretAccessKey    string
	UseSSL             bool
	PresignedURLExpiry time.Duration
	OrphanCleanup      bool
}

// RateLimitConfig holds per-IP limits for the public auth endpoints
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string
	Format string
	Output string
}

// Load reads configuration from environment variables. In development a
// .env file in the working directory is loaded first.
func Load() *Config {
	env := getEnv("APP_ENV", "production")
	if env == "development" {
		_ = godotenv.Load()
	}

	return &Config{
		Env: env,
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnv("SERVER_PORT", "8080"),
			PublicURL:      strings.TrimRight(getEnv("PUBLIC_URL", "http://localhost:8080"), "/"),
			AllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),

			TrustProxyHeaders: getBoolEnv("TRUST_PROXY_HEADERS", false),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "jobportal"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getIntEnv("DB_MAX_CONNS", 10)),
		},
		Auth: AuthConfig{
			LockoutThreshold:   getIntEnv("LOCKOUT_THRESHOLD", 3),
			LockoutDuration:    getDurationEnv("LOCKOUT_DURATION", 15*time.Minute),
			SessionIdleTimeout: getDurationEnv("SESSION_IDLE_TIMEOUT", 30*time.Minute),
			PendingTokenSecret: getEnv("PENDING_TOKEN_SECRET", ""),
			PendingTokenTTL:    getDurationEnv("PENDING_TOKEN_TTL", 5*time.Minute),
			Issuer:             getEnv("AUTH_ISSUER", "JobPortal"),
			BcryptCost:         getIntEnv("BCRYPT_COST", 12),
		},
		Password: PasswordConfig{
			MinChangeMinutes: getIntEnv("PASSWORD_MIN_CHANGE_MINUTES", 0),
			MaxAgeDays:       getIntEnv("PASSWORD_MAX_AGE_DAYS", 0),
		},
		Protect: ProtectConfig{
			Key: getEnv("PII_ENCRYPTION_KEY", ""),
		},
		Mail: MailConfig{
			Domain:  getEnv("MAILGUN_DOMAIN", ""),
			APIKey:  getEnv("MAILGUN_API_KEY", ""),
			APIBase: getEnv("MAILGUN_API_BASE", "https://api.mailgun.net/v3"),
			From:    getEnv("MAIL_FROM", "Job Portal <no-reply@localhost>"),
		},
		Recaptcha: RecaptchaConfig{
			Enabled:      getBoolEnv("RECAPTCHA_ENABLED", true),
			SiteKey:      getEnv("RECAPTCHA_SITE_KEY", ""),
			SecretKey:    getEnv("RECAPTCHA_SECRET_KEY", ""),
			MinimumScore: getFloatEnv("RECAPTCHA_MINIMUM_SCORE", 0.5),
			VerifyURL:    getEnv("RECAPTCHA_VERIFY_URL", "https://www.google.com/recaptcha/api/siteverify"),
		},
		Storage: StorageConfig{
			Endpoint:           getEnv("S3_ENDPOINT", "localhost:9000"),
			Region:             getEnv("S3_REGION", "us-east-1"),
			Bucket:             getEnv("S3_BUCKET", ""),
			AccessKeyID:        getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey:    getEnv("S3_SECRET_ACCESS_KEY", ""),
			UseSSL:             getBoolEnv("S3_USE_SSL", false),
			PresignedURLExpiry: getDurationEnv("S3_PRESIGNED_URL_EXPIRY", 15*time.Minute),
			OrphanCleanup:      getBoolEnv("S3_ORPHAN_CLEANUP", true),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getIntEnv("RATE_LIMIT_PER_MINUTE", 20),
			Burst:             getIntEnv("RATE_LIMIT_BURST", 10),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
	}
}

// Validate reports every missing or invalid required setting
func (c *Config) Validate() error {
	var errs []error

	if len(c.Auth.PendingTokenSecret) < 32 {
		errs = append(errs, errors.New("PENDING_TOKEN_SECRET must be at least 32 characters"))
	}
	if len(c.Protect.Key) != 64 {
		errs = append(errs, errors.New("PII_ENCRYPTION_KEY must be 32 bytes hex encoded"))
	}
	if c.Auth.LockoutThreshold <= 0 {
		errs = append(errs, errors.New("LOCKOUT_THRESHOLD must be positive"))
	}
	if c.Auth.SessionIdleTimeout <= 0 {
		errs = append(errs, errors.New("SESSION_IDLE_TIMEOUT must be positive"))
	}
	if c.Recaptcha.Enabled && c.Recaptcha.SecretKey == "" {
		errs = append(errs, errors.New("RECAPTCHA_SECRET_KEY is required unless RECAPTCHA_ENABLED=false"))
	}
	if c.Mail.Domain == "" || c.Mail.APIKey == "" {
		errs = append(errs, errors.New("MAILGUN_DOMAIN and MAILGUN_API_KEY are required"))
	}

	return errors.Join(errs...)
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// URL returns the database URL form used by golang-migrate
func (d *DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getDurationEnv accepts a Go duration ("15m") or a bare number of minutes
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
