package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort int
	BaseURL    string
	Database   DatabaseConfig
	Session    SessionConfig
	Redis      RedisConfig
	Mail       MailConfig
	Notify     NotifyConfig
	RabbitMQ   RabbitMQConfig
	PubSub     PubSubConfig
	Storage    StorageConfig
	Minio      MinioConfig
	GCS        GCSConfig
	Security   SecurityConfig
	Log        LogConfig

	// TrustedProxies lists addresses or CIDR ranges whose forwarding headers
	// are honoured. Empty means forwarding headers are ignored.
	TrustedProxies []string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	UseSSL   bool
}

// SessionConfig selects how authenticated sessions are persisted.
// Backend is "redis" (server-side) or "jwt" (signed stateless cookie).
type SessionConfig struct {
	Backend      string
	Secret       string
	Timeout      time.Duration
	CookieName   string
	CookieSecure bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type MailConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	From     string
	TLSMode  string
}

// NotifyConfig selects the transport for outbound notifications.
// Backend is "inline" (send from the web process), "rabbitmq" or "pubsub".
type NotifyConfig struct {
	Backend string
	Queue   string
}

type RabbitMQConfig struct {
	URL             string
	QueueDurable    bool
	QueueAutoDelete bool
	PrefetchCount   int
}

type PubSubConfig struct {
	ProjectID          string
	CredentialsFile    string
	SubscriptionSuffix string
}

// StorageConfig selects the object store used for audit archives.
// Backend is "minio", "gcs" or "none".
type StorageConfig struct {
	Backend string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type GCSConfig struct {
	Bucket          string
	ProjectID       string
	CredentialsFile string
}

// SecurityConfig holds the admin-key rate limit, account lockout policy and
// token lifetimes.
type SecurityConfig struct {
	KeyRateLimitWindow    time.Duration
	KeyRateLimitThreshold int
	UserLockoutThreshold  int
	UserLockoutDuration   time.Duration
	AdminLockoutThreshold int
	AdminLockoutDuration  time.Duration
	ResetTokenTTL         time.Duration
	ReminderLookahead     time.Duration
}

type LogConfig struct {
	Env   string
	Level string
}

func LoadConfig() Config {
	if os.Getenv("ENV") == "dev" {
		godotenv.Load()
	}

	dbConfig := DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "taskdesk"),
		Password: getEnv("DB_PASSWORD", "password"),
		DBName:   getEnv("DB_NAME", "taskdesk_db"),
		UseSSL:   getEnvBool("DB_USE_SSL", false),
	}

	return Config{
		ServerPort: getEnvInt("SERVER_PORT", 8080),
		BaseURL:    strings.TrimRight(getEnv("BASE_URL", "http://localhost:8080"), "/"),
		Database:   dbConfig,
		Session: SessionConfig{
			Backend:      getEnv("SESSION_BACKEND", "jwt"),
			Secret:       getEnv("SESSION_SECRET", ""),
			Timeout:      getEnvDuration("SESSION_TIMEOUT", 2*time.Hour),
			CookieName:   getEnv("SESSION_COOKIE", "taskdesk_session"),
			CookieSecure: getEnvBool("SESSION_COOKIE_SECURE", false),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Mail: MailConfig{
			Enabled:  getEnvBool("MAIL_ENABLED", false),
			Host:     getEnv("SMTP_HOST", "localhost"),
			Port:     getEnvInt("SMTP_PORT", 587),
			User:     getEnv("SMTP_USER", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "TaskDesk <no-reply@taskdesk.local>"),
			TLSMode:  getEnv("SMTP_TLS_MODE", "auto"),
		},
		Notify: NotifyConfig{
			Backend: getEnv("NOTIFY_BACKEND", "inline"),
			Queue:   getEnv("NOTIFY_QUEUE", "taskdesk-notifications"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:             getEnv("RABBITMQ_URL", ""),
			QueueDurable:    getEnvBool("RABBITMQ_QUEUE_DURABLE", true),
			QueueAutoDelete: getEnvBool("RABBITMQ_QUEUE_AUTO_DELETE", false),
			PrefetchCount:   getEnvInt("RABBITMQ_PREFETCH", 10),
		},
		PubSub: PubSubConfig{
			ProjectID:          getEnv("PUBSUB_PROJECT_ID", ""),
			CredentialsFile:    getEnv("PUBSUB_CREDENTIALS_FILE", ""),
			SubscriptionSuffix: getEnv("PUBSUB_SUBSCRIPTION_SUFFIX", "-sub"),
		},
		Storage: StorageConfig{
			Backend: getEnv("STORAGE_BACKEND", "none"),
		},
		Minio: MinioConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", "taskdesk"),
			UseSSL:    getEnvBool("MINIO_USE_SSL", false),
		},
		GCS: GCSConfig{
			Bucket:          getEnv("GCS_BUCKET", ""),
			ProjectID:       getEnv("GCS_PROJECT_ID", ""),
			CredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),
		},
		Security: SecurityConfig{
			KeyRateLimitWindow:    getEnvDuration("ADMIN_KEY_RATE_WINDOW", time.Hour),
			KeyRateLimitThreshold: getEnvInt("ADMIN_KEY_RATE_THRESHOLD", 5),
			UserLockoutThreshold:  getEnvInt("USER_LOCKOUT_THRESHOLD", 5),
			UserLockoutDuration:   getEnvDuration("USER_LOCKOUT_DURATION", 6*time.Hour),
			AdminLockoutThreshold: getEnvInt("ADMIN_LOCKOUT_THRESHOLD", 3),
			AdminLockoutDuration:  getEnvDuration("ADMIN_LOCKOUT_DURATION", 2*time.Hour),
			ResetTokenTTL:         getEnvDuration("RESET_TOKEN_TTL", time.Hour),
			ReminderLookahead:     getEnvDuration("REMINDER_LOOKAHEAD", 24*time.Hour),
		},
		Log: LogConfig{
			Env:   getEnv("LOG_ENV", getEnv("ENV", "prod")),
			Level: getEnv("LOG_LEVEL", "info"),
		},
		TrustedProxies: getEnvList("TRUSTED_PROXIES"),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		var value int
		fmt.Sscanf(valueStr, "%d", &value)
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
		if err != nil {
			return defaultValue
		}
		return value
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// getEnvDuration accepts Go duration strings ("90m", "6h").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := time.ParseDuration(strings.TrimSpace(valueStr))
		if err != nil || value <= 0 {
			return defaultValue
		}
		return value
	}
	return defaultValue
}
