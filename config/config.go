package config

import (
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
	"gorm.io/gorm/logger"

	"wacampaign/engine"
	"wacampaign/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type WhatsAppConfig struct {
	APIBaseURL    string `json:"api_base_url"`
	PhoneNumberID string `json:"phone_number_id"`
	AccessToken   string `json:"-"`
	AppSecret     string `json:"-"`
	VerifyToken   string `json:"-"`
}

// EngineConfig holds the conversation engine's tunables.
type EngineConfig struct {
	SessionTimeout     time.Duration `json:"session_timeout"`
	MaxChainHops       int           `json:"max_chain_hops"`
	SessionLockTTL     time.Duration `json:"session_lock_ttl"`
	DefaultLanguage    string        `json:"default_language"`
	SupportedLanguages []string      `json:"supported_languages"`
	FeedbackRatings    []string      `json:"feedback_ratings"`
	DispatchTimeout    time.Duration `json:"dispatch_timeout"`
	DedupeTTL          time.Duration `json:"dedupe_ttl"`
}

type Config struct {
	Environment        string         `json:"environment"`
	ServerPort         string         `json:"server_port"`
	LogLevel           string         `json:"log_level"`
	EncryptionKey      string         `json:"-"`
	SentryDSN          string         `json:"-"`
	DBHost             string         `json:"db_host"`
	DBPort             string         `json:"db_port"`
	DBUser             string         `json:"db_user"`
	DBPassword         string         `json:"-"`
	DBName             string         `json:"db_name"`
	DBSSLMode          string         `json:"db_ssl_mode"`
	DBMaxIdleConns     int            `json:"db_max_idle_conns"`
	DBMaxOpenConns     int            `json:"db_max_open_conns"`
	Redis              RedisConfig    `json:"redis"`
	WhatsApp           WhatsAppConfig `json:"whatsapp"`
	Engine             EngineConfig   `json:"engine"`
	EnableSimulator    bool           `json:"enable_simulator"`
	SimulatorRateLimit int            `json:"simulator_rate_limit"`
	OperatorJWTSecret  string         `json:"-"`
	CORSAllowedOrigins []string       `json:"cors_allowed_origins"`
	DeliveryQueueSize  int            `json:"delivery_queue_size"`
	DeliveryMaxRetries int            `json:"delivery_max_retries"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		EncryptionKey:  getEnv("ENCRYPTION_KEY", ""),
		SentryDSN:      getEnv("SENTRY_DSN", ""),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "wacampaign"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		WhatsApp: WhatsAppConfig{
			APIBaseURL:    getEnv("WHATSAPP_API_BASE_URL", "https://graph.facebook.com/v19.0"),
			PhoneNumberID: getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
			AccessToken:   getEnv("WHATSAPP_ACCESS_TOKEN", ""),
			AppSecret:     getEnv("WHATSAPP_APP_SECRET", ""),
			VerifyToken:   getEnv("WHATSAPP_VERIFY_TOKEN", ""),
		},
		Engine: EngineConfig{
			SessionTimeout:     getEnvAsDuration("SESSION_TIMEOUT", 30*time.Minute),
			MaxChainHops:       getEnvAsInt("MAX_CHAIN_HOPS", 20),
			SessionLockTTL:     getEnvAsDuration("SESSION_LOCK_TTL", 30*time.Second),
			DefaultLanguage:    getEnv("DEFAULT_LANGUAGE", "en"),
			SupportedLanguages: getEnvAsList("SUPPORTED_LANGUAGES", []string{"en", "ms", "zh"}),
			FeedbackRatings:    getEnvAsList("FEEDBACK_RATINGS", []string{"good", "neutral", "bad"}),
			DispatchTimeout:    getEnvAsDuration("DISPATCH_TIMEOUT", 10*time.Second),
			DedupeTTL:          getEnvAsDuration("DEDUPE_TTL", 24*time.Hour),
		},
		EnableSimulator:    getEnvAsBool("ENABLE_SIMULATOR", false),
		SimulatorRateLimit: getEnvAsInt("SIMULATOR_RATE_LIMIT", 30),
		OperatorJWTSecret:  getEnv("OPERATOR_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		DeliveryQueueSize:  getEnvAsInt("DELIVERY_QUEUE_SIZE", 256),
		DeliveryMaxRetries: getEnvAsInt("DELIVERY_MAX_RETRIES", 3),
	}

	if err := AppConfig.Validate(); err != nil {
		return err
	}

	SetupLogging(AppConfig.LogLevel, AppConfig.Environment)
	logConfig()
	return nil
}

// Validate checks required settings.
func (c Config) Validate() error {
	if c.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(c.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be 32 bytes, got %d", len(c.EncryptionKey))
	}
	if lock, call := c.Engine.SessionLockTTL, c.Engine.DispatchTimeout; lock > 0 && call > 0 && lock <= call {
		return fmt.Errorf("SESSION_LOCK_TTL (%s) must be longer than DISPATCH_TIMEOUT (%s)", lock, call)
	}
	if c.Environment == "production" {
		if c.WhatsApp.AccessToken == "" || c.WhatsApp.AppSecret == "" || c.WhatsApp.VerifyToken == "" {
			return fmt.Errorf("WhatsApp credentials are required in production")
		}
		if c.EnableSimulator && c.OperatorJWTSecret == "" {
			return fmt.Errorf("OPERATOR_JWT_SECRET is required when the simulator is enabled in production")
		}
	}
	return nil
}

// EngineSettings maps the configuration onto engine.Settings.
func (c Config) EngineSettings() engine.Settings {
	s := engine.DefaultSettings()
	s.SessionTimeout = c.Engine.SessionTimeout
	s.MaxChainHops = c.Engine.MaxChainHops
	s.LockTTL = c.Engine.SessionLockTTL
	s.DefaultLanguage = c.Engine.DefaultLanguage
	if len(c.Engine.SupportedLanguages) > 0 {
		s.SupportedLanguages = c.Engine.SupportedLanguages
	}
	if len(c.Engine.FeedbackRatings) > 0 {
		s.FeedbackRatings = c.Engine.FeedbackRatings
	}
	return s
}

// SetupLogging configures the global logrus logger.
func SetupLogging(level, environment string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stdout)

	if environment == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

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
	logrus.WithField("dsn", maskPassword(dsn)).Debug("Using connection string")

	gormLogLevel := logger.Warn
	if AppConfig.Environment == "production" {
		gormLogLevel = logger.Error
	}

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(gormLogLevel)})
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

	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("Database migration completed")
	return nil
}

// MigrateDB creates the schema and seeds the built-in system commands.
func MigrateDB(db *gorm.DB) error {
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return err
	}
	if err := models.EnsureIndexes(db); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return models.SeedSystemCommands(db)
}

// NewRedisClient connects to Redis when it is enabled. It returns nil otherwise.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	if !cfg.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
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

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(valueStr))
	if err != nil || value <= 0 {
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
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
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
		"environment":      AppConfig.Environment,
		"server_port":      AppConfig.ServerPort,
		"database":         fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":            AppConfig.Redis.Enabled,
		"simulator":        AppConfig.EnableSimulator,
		"session_timeout":  AppConfig.Engine.SessionTimeout.String(),
		"languages":        strings.Join(AppConfig.Engine.SupportedLanguages, ","),
		"whatsapp_enabled": AppConfig.WhatsApp.AccessToken != "",
	}).Info("Loaded configuration")
}
