package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"leaddesk/models"
)

var (
	DB        *gorm.DB
	Redis     *redis.Client
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type Config struct {
	Environment    string      `json:"environment"`
	ServerPort     string      `json:"server_port"`
	DBHost         string      `json:"db_host"`
	DBPort         string      `json:"db_port"`
	DBUser         string      `json:"db_user"`
	DBPassword     string      `json:"-"`
	DBName         string      `json:"db_name"`
	DBSSLMode      string      `json:"db_ssl_mode"`
	DBMaxIdleConns int         `json:"db_max_idle_conns"`
	DBMaxOpenConns int         `json:"db_max_open_conns"`
	DBAutoMigrate  bool        `json:"db_auto_migrate"`
	Redis          RedisConfig `json:"redis"`
	JWTSecret      string      `json:"-"`
	FunctionsURL   string      `json:"functions_url"`
	SentryDSN      string      `json:"-"`
	CORSOrigins    []string    `json:"cors_origins"`
	BulkRateLimit  int         `json:"bulk_rate_limit"`

	PriceFeedURL      string        `json:"price_feed_url"`
	PricePoll         time.Duration `json:"price_poll"`
	PriceSymbols      []string      `json:"price_symbols"`
	SessionIdle       time.Duration `json:"session_idle"`
	ReferenceCacheTTL time.Duration `json:"reference_cache_ttl"`
}

func init() {
	// a missing .env is fine, the environment may be set directly
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "leaddesk"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		DBAutoMigrate:  getEnvAsBool("DB_AUTO_MIGRATE", false),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		JWTSecret:     getEnv("JWT_SECRET", ""),
		FunctionsURL:  strings.TrimRight(getEnv("FUNCTIONS_URL", ""), "/"),
		SentryDSN:     getEnv("SENTRY_DSN", ""),
		CORSOrigins:   getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		BulkRateLimit: getEnvAsInt("BULK_RATE_LIMIT", 20),

		PriceFeedURL:      getEnv("PRICE_FEED_URL", ""),
		PricePoll:         time.Duration(getEnvAsInt("PRICE_POLL_SECONDS", 15)) * time.Second,
		PriceSymbols:      getEnvAsList("PRICE_SYMBOLS", []string{"EURUSD", "GBPUSD", "XAUUSD", "BTCUSD"}),
		SessionIdle:       time.Duration(getEnvAsInt("SESSION_IDLE_MINUTES", 30)) * time.Minute,
		ReferenceCacheTTL: time.Duration(getEnvAsInt("REFERENCE_CACHE_SECONDS", 60)) * time.Second,
	}

	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if AppConfig.IsProduction() && AppConfig.FunctionsURL == "" {
		return fmt.Errorf("FUNCTIONS_URL is required in production")
	}

	logConfig()
	return nil
}

func (c Config) IsProduction() bool { return c.Environment == "production" }

func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	logrus.WithField("dsn", maskPassword(dsn)).Debug("using connection string")

	level := gormlogger.Warn
	if AppConfig.IsProduction() {
		level = gormlogger.Error
	}
	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logrus.Info("Successfully connected to the database")

	if AppConfig.DBAutoMigrate {
		logrus.Info("Starting database migration...")
		if err := migrateDB(DB); err != nil {
			return fmt.Errorf("database migration failed: %w", err)
		}
		logrus.Info("Database migration completed")
	}
	return nil
}

// ConnectRedis opens the shared redis client. It returns nil when redis is
// disabled.
func ConnectRedis() (*redis.Client, error) {
	if !AppConfig.Redis.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     AppConfig.Redis.Address,
		Password: AppConfig.Redis.Password,
		DB:       AppConfig.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	Redis = client
	logrus.WithField("address", AppConfig.Redis.Address).Info("Connected to redis")
	return client, nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		logrus.Warnf("Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment": AppConfig.Environment,
		"port":        AppConfig.ServerPort,
		"database":    fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":       AppConfig.Redis.Enabled,
		"functions":   AppConfig.FunctionsURL != "",
		"price_feed":  AppConfig.PriceFeedURL != "",
		"sentry":      AppConfig.SentryDSN != "",
	}).Info("Loaded configuration")
}

// migrateDB creates the tables for local development. In production the
// hosted backend owns the schema, its views and procedures.
func migrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Agent{},
		&models.Status{},
		&models.Lead{},
		&models.Note{},
		&models.Notification{},
		&models.ChatMessage{},
		&models.MessageRead{},
		&models.RoomMember{},
	)
}
