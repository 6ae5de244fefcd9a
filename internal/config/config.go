package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process configuration loaded from the environment.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint string
	HTTPAddr     string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Identity       IdentityConfig
	Metering       MeteringConfig
	Infrastructure InfrastructureConfig
	Ledger         LedgerConfig
}

// IdentityConfig configures the Keystone-compatible identity backend.
type IdentityConfig struct {
	AuthURL          string
	Username         string
	Password         string
	UserDomainName   string
	ProjectName      string
	ProjectDomain    string
	RatingUserName   string
	RatingRoleName   string
	BillingOwnerRole string
	RequestTimeout   time.Duration
}

// MeteringConfig configures the Gnocchi-compatible metering backend.
type MeteringConfig struct {
	Endpoint       string
	RequestTimeout time.Duration
}

// InfrastructureConfig holds the endpoints of the services reclaimed for owed projects.
type InfrastructureConfig struct {
	ComputeEndpoint string
	VolumeEndpoint  string
	NetworkEndpoint string
	ImageEndpoint   string
	RequestTimeout  time.Duration
}

// LedgerConfig tunes compare-and-swap retries.
type LedgerConfig struct {
	CASMaxRetries int
	CASBackoff    time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "shadowfiend"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8675"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "shadowfiend"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DB_AUTO_MIGRATE", false),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Identity: IdentityConfig{
			AuthURL:          strings.TrimRight(getenv("KEYSTONE_AUTH_URL", "http://localhost:5000"), "/"),
			Username:         getenv("KEYSTONE_USERNAME", "shadowfiend"),
			Password:         getenv("KEYSTONE_PASSWORD", ""),
			UserDomainName:   getenv("KEYSTONE_USER_DOMAIN_NAME", "Default"),
			ProjectName:      getenv("KEYSTONE_PROJECT_NAME", "service"),
			ProjectDomain:    getenv("KEYSTONE_PROJECT_DOMAIN_NAME", "Default"),
			RatingUserName:   getenv("KEYSTONE_RATING_USER", "cloudkitty"),
			RatingRoleName:   getenv("KEYSTONE_RATING_ROLE", "rating"),
			BillingOwnerRole: getenv("KEYSTONE_BILLING_OWNER_ROLE", "billing_owner"),
			RequestTimeout:   getenvDuration("KEYSTONE_REQUEST_TIMEOUT", 15*time.Second),
		},
		Metering: MeteringConfig{
			Endpoint:       strings.TrimRight(getenv("GNOCCHI_ENDPOINT", "http://localhost:8041"), "/"),
			RequestTimeout: getenvDuration("GNOCCHI_REQUEST_TIMEOUT", 30*time.Second),
		},
		Infrastructure: InfrastructureConfig{
			ComputeEndpoint: strings.TrimRight(getenv("NOVA_ENDPOINT", ""), "/"),
			VolumeEndpoint:  strings.TrimRight(getenv("CINDER_ENDPOINT", ""), "/"),
			NetworkEndpoint: strings.TrimRight(getenv("NEUTRON_ENDPOINT", ""), "/"),
			ImageEndpoint:   strings.TrimRight(getenv("GLANCE_ENDPOINT", ""), "/"),
			RequestTimeout:  getenvDuration("INFRA_REQUEST_TIMEOUT", 30*time.Second),
		},
		Ledger: LedgerConfig{
			CASMaxRetries: getenvInt("LEDGER_CAS_MAX_RETRIES", 5),
			CASBackoff:    getenvDuration("LEDGER_CAS_BACKOFF", 10*time.Millisecond),
		},
	}

	return cfg
}

// IsDevelopment reports whether the process runs in a local environment.
func (c Config) IsDevelopment() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
