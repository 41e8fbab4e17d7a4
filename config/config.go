package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr    string
	CORSOrigins []string

	JWTSecret         string
	SessionTTL        time.Duration
	AdminPasswordHash string

	StoreDriver string
	BoltPath    string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPass      string
	DBName      string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	MinioHost     string
	MinioPort     string
	MinioUsername string
	MinioPassword string
	MinioUseSSL   bool
	BucketName    string

	DispatchMode     string
	RabbitMQURL      string
	RabbitMQHost     string
	RabbitMQPort     string
	RabbitMQUser     string
	RabbitMQPass     string
	RabbitMQVhost    string
	RabbitMQPrefetch int

	DownloadWorkerConcurrency int
	DownloadRate              float64
	DownloadBurst             int
	DownloadDir               string
	FetchConcurrency          int
	FetchRetryMax             int
	FetchRetryDelays          []time.Duration
	FetchTimeout              time.Duration
	UploadRetryMax            int
	UploadRetryDelays         []time.Duration
	UploadTimeout             time.Duration

	VKAPIBase    string
	VKAPIVersion string
	VKUserAgent  string
	VKAPIRate    float64

	XrayBin         string
	XrayConfigDir   string
	XrayStartGrace  time.Duration
	XrayStopGrace   time.Duration
	CheckURL        string
	CheckTimeout    time.Duration
	CheckRetryMax   int
	CheckRetryDelay []time.Duration
}

var AppConfig Config

// getEnv returns the environment value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return defaultValue
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvInt64(key string, defaultValue int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvList(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvDurationList(key string, defaultValue []time.Duration) []time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	parts := strings.Split(raw, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		parsed, err := time.ParseDuration(part)
		if err != nil {
			return defaultValue
		}
		out = append(out, parsed)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// InitConfig loads .env (if present) and the environment into AppConfig.
func InitConfig() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: load .env failed: %v", err)
	}

	rabbitHost := getEnv("RABBITMQ_HOST", "localhost")
	rabbitPort := getEnv("RABBITMQ_PORT", "5672")
	rabbitUser := getEnv("RABBITMQ_USER", "guest")
	rabbitPass := getEnv("RABBITMQ_PASSWORD", "guest")
	rabbitVhost := getEnv("RABBITMQ_VHOST", "/")
	rabbitURL := getEnv("RABBITMQ_URL", "")
	if rabbitURL == "" {
		rabbitURL = fmt.Sprintf(
			"amqp://%s:%s@%s:%s/%s",
			url.PathEscape(rabbitUser),
			url.PathEscape(rabbitPass),
			rabbitHost,
			rabbitPort,
			url.PathEscape(rabbitVhost),
		)
	}

	AppConfig = Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8001"),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),

		JWTSecret:         getEnv("JWT_SECRET", "vk-music-saver"),
		SessionTTL:        getEnvDuration("SESSION_TTL", 24*time.Hour),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),

		StoreDriver: getEnv("STORE_DRIVER", "mysql"),
		BoltPath:    getEnv("BOLT_PATH", "data/saver.db"),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBPort:      getEnv("DB_PORT", "3306"),
		DBUser:      getEnv("DB_USER", "root"),
		DBPass:      getEnv("DB_PASS", "root"),
		DBName:      getEnv("DB_NAME", "vk_music_saver"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MinioHost:     getEnv("MINIO_HOST", "localhost"),
		MinioPort:     getEnv("MINIO_PORT", "9000"),
		MinioUsername: getEnv("MINIO_USERNAME", "minioadmin"),
		MinioPassword: getEnv("MINIO_PASSWORD", "minioadmin"),
		MinioUseSSL:   getEnvBool("MINIO_USE_SSL", false),
		BucketName:    getEnv("BUCKET_NAME", "vk-music"),

		DispatchMode:     getEnv("DISPATCH_MODE", "local"),
		RabbitMQURL:      rabbitURL,
		RabbitMQHost:     rabbitHost,
		RabbitMQPort:     rabbitPort,
		RabbitMQUser:     rabbitUser,
		RabbitMQPass:     rabbitPass,
		RabbitMQVhost:    rabbitVhost,
		RabbitMQPrefetch: getEnvInt("RABBITMQ_PREFETCH", 4),

		DownloadWorkerConcurrency: getEnvInt("DOWNLOAD_WORKER_CONCURRENCY", 4),
		DownloadRate:              getEnvFloat("DOWNLOAD_RATE", 2),
		DownloadBurst:             getEnvInt("DOWNLOAD_BURST", 4),
		DownloadDir:               getEnv("DOWNLOAD_DIR", "/tmp/vk_downloads"),
		FetchConcurrency:          getEnvInt("FETCH_CONCURRENCY", 8),
		FetchRetryMax:             getEnvInt("FETCH_RETRY_MAX", 3),
		FetchRetryDelays:          getEnvDurationList("FETCH_RETRY_DELAYS", []time.Duration{time.Second, 3 * time.Second}),
		FetchTimeout:              getEnvDuration("FETCH_TIMEOUT", 60*time.Second),
		UploadRetryMax:            getEnvInt("UPLOAD_RETRY_MAX", 3),
		UploadRetryDelays:         getEnvDurationList("UPLOAD_RETRY_DELAYS", []time.Duration{5 * time.Second, 15 * time.Second}),
		UploadTimeout:             getEnvDuration("UPLOAD_TIMEOUT", 10*time.Minute),

		VKAPIBase:    getEnv("VK_API_BASE", "https://api.vk.com/method"),
		VKAPIVersion: getEnv("VK_API_VERSION", "5.131"),
		VKUserAgent:  getEnv("VK_USER_AGENT", "KateMobileAndroid/56 lite-460 (Android 4.4.2; SDK 19; x86; unknown Android SDK built for x86; en)"),
		VKAPIRate:    getEnvFloat("VK_API_RATE", 3),

		XrayBin:         getEnv("XRAY_BIN", "/usr/local/bin/xray"),
		XrayConfigDir:   getEnv("XRAY_CONFIG_DIR", "/tmp/xray_configs"),
		XrayStartGrace:  getEnvDuration("XRAY_START_GRACE", 1500*time.Millisecond),
		XrayStopGrace:   getEnvDuration("XRAY_STOP_GRACE", 5*time.Second),
		CheckURL:        getEnv("CHECK_URL", "https://api.ipify.org?format=json"),
		CheckTimeout:    getEnvDuration("CHECK_TIMEOUT", 10*time.Second),
		CheckRetryMax:   getEnvInt("CHECK_RETRY_MAX", 2),
		CheckRetryDelay: getEnvDurationList("CHECK_RETRY_DELAYS", []time.Duration{time.Second}),
	}

	InitStorageConfig()
}
