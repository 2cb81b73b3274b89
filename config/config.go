package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"cohortpulse/models"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	FromName  string `json:"from_name"`
	FromEmail string `json:"from_email"`
}

type IMAPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
	Mailbox  string `json:"mailbox"`
}

type CalendarConfig struct {
	BaseURL      string `json:"base_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`
	TokenURL     string `json:"token_url"`
}

type Config struct {
	Environment string `json:"environment"`
	ServerPort  string `json:"server_port"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	SentryDSN      string `json:"-"`
	AdminJWTKey    string `json:"-"`
	TrackingSecret string `json:"-"`

	// BaseURL is the public origin tracking links point at
	BaseURL string `json:"base_url"`

	SMTP          SMTPConfig     `json:"smtp"`
	IMAP          IMAPConfig     `json:"imap"`
	TelegramToken string         `json:"-"`
	Calendar      CalendarConfig `json:"calendar"`
	Redis         RedisConfig    `json:"redis"`

	// Engine tuning
	TickIntervalMinutes  int `json:"tick_interval_minutes"`
	TickWorkers          int `json:"tick_workers"`
	StepRetryWindowHours int `json:"step_retry_window_hours"`
	MinAttendanceMinutes int `json:"min_attendance_minutes"`
	RateLimitAdminTicks  int `json:"rate_limit_admin_ticks"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "cohortpulse"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		SentryDSN:      getEnv("SENTRY_DSN", ""),
		AdminJWTKey:    getEnv("ADMIN_JWT_KEY", ""),
		TrackingSecret: getEnv("TRACKING_SECRET", ""),
		BaseURL:        getEnv("BASE_URL", "http://localhost:5000"),

		SMTP: SMTPConfig{
			Host:      getEnv("SMTP_HOST", "localhost"),
			Port:      getEnvAsInt("SMTP_PORT", 587),
			Username:  getEnv("SMTP_USERNAME", ""),
			Password:  getEnv("SMTP_PASSWORD", ""),
			FromName:  getEnv("SMTP_FROM_NAME", "CohortPulse"),
			FromEmail: getEnv("SMTP_FROM_EMAIL", ""),
		},
		IMAP: IMAPConfig{
			Host:     getEnv("IMAP_HOST", ""),
			Port:     getEnvAsInt("IMAP_PORT", 993),
			Username: getEnv("IMAP_USERNAME", ""),
			Password: getEnv("IMAP_PASSWORD", ""),
			Mailbox:  getEnv("IMAP_MAILBOX", "INBOX"),
		},
		TelegramToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		Calendar: CalendarConfig{
			BaseURL:      getEnv("CALENDAR_BASE_URL", ""),
			ClientID:     getEnv("CALENDAR_CLIENT_ID", ""),
			ClientSecret: getEnv("CALENDAR_CLIENT_SECRET", ""),
			TokenURL:     getEnv("CALENDAR_TOKEN_URL", ""),
		},
		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		TickIntervalMinutes:  getEnvAsInt("TICK_INTERVAL_MINUTES", 2),
		TickWorkers:          getEnvAsInt("TICK_WORKERS", 8),
		StepRetryWindowHours: getEnvAsInt("STEP_RETRY_WINDOW_HOURS", 4),
		MinAttendanceMinutes: getEnvAsInt("MIN_ATTENDANCE_MINUTES", 10),
		RateLimitAdminTicks:  getEnvAsInt("RATE_LIMIT_ADMIN_TICKS", 10),
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.AdminJWTKey == "" {
		return fmt.Errorf("ADMIN_JWT_KEY is required")
	}
	if AppConfig.TrackingSecret == "" {
		return fmt.Errorf("TRACKING_SECRET is required")
	}
	if AppConfig.Environment == "production" {
		if AppConfig.SMTP.FromEmail == "" {
			return fmt.Errorf("SMTP_FROM_EMAIL is required in production")
		}
		if AppConfig.SentryDSN == "" {
			return fmt.Errorf("SENTRY_DSN is required in production")
		}
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	// TranslateError maps driver duplicate-key errors to
	// gorm.ErrDuplicatedKey, which the sequence machine relies on to
	// absorb concurrent starts
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
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

	log.Println("Successfully connected to the database")
	log.Println("Starting database migration...")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("Database migration completed")
	return nil
}

// MigrateDB runs the schema migration. Exported so tests can migrate an
// in-memory database the same way.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.CommunicationPreference{},
		&models.AttendanceRecord{},
		&models.AttendanceSnapshot{},
		&models.InteractionEvent{},
		&models.EngagementScore{},
		&models.SequenceDefinition{},
		&models.SequenceState{},
		&models.MessageDelivery{},
	)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
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
	log.Println("Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Transports: email(%t), chat(%t), calendar(%t)",
		AppConfig.SMTP.FromEmail != "",
		AppConfig.TelegramToken != "",
		AppConfig.Calendar.BaseURL != "")
}
