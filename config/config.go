// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
)

// ストアのバックエンド種別。
const (
	StoreBackendSQL   = "sql"
	StoreBackendMongo = "mongo"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port     string
	LogLevel string

	// データ鍵レコードの保存先
	StoreBackend      string
	DatabaseDriver    string
	DatabaseURL       string
	MongoURI          string
	KeyVaultNamespace string
	MigrationsDir     string

	// KMSプロバイダ
	LocalMasterKey     string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSSessionToken    string
	AWSKMSEndpoint     string
	GCPKMSEnabled      bool
	GoogleCloudProject string

	// OpenTelemetry
	OtelEnabled      bool
	OtelEndpoint     string
	OtelInsecure     bool
	OtelServiceName  string
	OtelSamplingRate float64
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "INFO"),

		StoreBackend:      getEnv("STORE_BACKEND", StoreBackendSQL),
		DatabaseDriver:    getEnv("DATABASE_DRIVER", "mysql"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		MongoURI:          os.Getenv("MONGODB_URI"),
		KeyVaultNamespace: getEnv("KEY_VAULT_NAMESPACE", "keyvault.datakeys"),
		MigrationsDir:     getEnv("MIGRATIONS_DIR", "./migrations"),

		LocalMasterKey:     os.Getenv("LOCAL_MASTER_KEY"),
		AWSRegion:          os.Getenv("AWS_REGION"),
		AWSAccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		AWSSessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		AWSKMSEndpoint:     os.Getenv("AWS_KMS_ENDPOINT"),
		GCPKMSEnabled:      getEnvBool("GCP_KMS_ENABLED", false),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),

		OtelEnabled:      getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:     getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelInsecure:     getEnvBool("OTEL_INSECURE", false),
		OtelServiceName:  getEnv("OTEL_SERVICE_NAME", "keyvault-service"),
		OtelSamplingRate: getEnvFloat("OTEL_SAMPLING_RATE", 1.0),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}
