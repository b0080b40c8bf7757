package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerConfig       ServerConfig       `json:"server"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	VaultConfig        VaultConfig        `json:"vault"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	NotificationConfig NotificationConfig `json:"notification"`
	AdminConfig        AdminConfig        `json:"admin"`
	PaymentConfig      PaymentConfig      `json:"payment"`
	LifecycleConfig    LifecycleConfig    `json:"lifecycle"`
	WorkerConfig       WorkerConfig       `json:"worker"`
	RateLimitConfig    RateLimitConfig    `json:"rate_limit"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled       bool   `json:"enabled"`
	BotToken      string `json:"bot_token"`
	ChatID        string `json:"chat_id"`
	AdminCommands bool   `json:"admin_commands"` // long-poll getUpdates for /status, /pending, /approve
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // CORS allowed origins, comma separated
	ReadTimeout     int    `json:"read_timeout"`    // Seconds
	WriteTimeout    int    `json:"write_timeout"`   // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// DatabaseConfig holds Postgres connection settings. URL wins over the discrete fields.
type DatabaseConfig struct {
	URL      string `json:"url"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int    `json:"max_conns"`
	MinConns int    `json:"min_conns"`
}

// RedisConfig holds Redis configuration for the pending-activation store
type RedisConfig struct {
	Enabled   bool   `json:"enabled"`
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	PoolSize  int    `json:"pool_size"`
	KeyPrefix string `json:"key_prefix"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	Namespace  string `json:"namespace"`
	MountPath  string `json:"mount_path"`  // KV v2 secrets engine mount path
	SecretPath string `json:"secret_path"` // Path prefix for named worker credentials
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// AdminConfig holds the staff portal credentials
type AdminConfig struct {
	Password     string        `json:"password"`
	PasswordHash string        `json:"password_hash"` // bcrypt; takes precedence over Password
	JWTSecret    string        `json:"jwt_secret"`
	TokenTTL     time.Duration `json:"token_ttl"`
}

// PaymentConfig holds subscription payment details shown to prospective subscribers
type PaymentConfig struct {
	Number            string   `json:"number"`
	Price             string   `json:"price"`
	HelpLink          string   `json:"help_link"`
	WebhookSecret     string   `json:"webhook_secret"`
	ConfirmedStatuses []string `json:"confirmed_statuses"`
}

// LifecycleConfig tunes the worker lifecycle controller
type LifecycleConfig struct {
	PendingTTL      time.Duration `json:"pending_ttl"` // 0 disables expiry
	EphemeralPrefix string        `json:"ephemeral_prefix"`
	EphemeralDigits int           `json:"ephemeral_digits"`
	AmbiguityPolicy string        `json:"ambiguity_policy"` // "last" or "reject"
	WriteQueueSize  int           `json:"write_queue_size"`
	WriteTimeout    time.Duration `json:"write_timeout"`
}

// WorkerConfig holds the venue connection settings shared by all workers
type WorkerConfig struct {
	Endpoint             string        `json:"endpoint"`
	AppID                string        `json:"app_id"`
	PingInterval         time.Duration `json:"ping_interval"`
	MaxReconnectInterval time.Duration `json:"max_reconnect_interval"`
}

// RateLimitConfig bounds unauthenticated requests per client IP
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

const (
	AmbiguityLast   = "last"
	AmbiguityReject = "reject"
)

// DefaultAdminPassword is used when ADMIN_PASSWORD is unset
const DefaultAdminPassword = "admin123"

func Load() (*Config, error) {
	// .env is optional; real environment variables always win
	_ = godotenv.Load()

	cfg, err := loadFromFile(getEnvOrDefault("CONFIG_FILE", "config.json"))
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Values from config.json are used as the fallback before built-in defaults.
func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("PORT", orInt(cfg.ServerConfig.Port, 3000))
	cfg.ServerConfig.Host = getEnvOrDefault("HOST", orString(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", orString(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", orInt(cfg.ServerConfig.ReadTimeout, 15))
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", orInt(cfg.ServerConfig.WriteTimeout, 15))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", orInt(cfg.ServerConfig.ShutdownTimeout, 30))

	// Database config
	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", orString(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", orInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", orString(cfg.DatabaseConfig.User, "postgres"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Name = getEnvOrDefault("DB_NAME", orString(cfg.DatabaseConfig.Name, "deriv_bots"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", orString(cfg.DatabaseConfig.SSLMode, "disable"))
	cfg.DatabaseConfig.MaxConns = getEnvIntOrDefault("DB_MAX_CONNS", orInt(cfg.DatabaseConfig.MaxConns, 10))
	cfg.DatabaseConfig.MinConns = getEnvIntOrDefault("DB_MIN_CONNS", orInt(cfg.DatabaseConfig.MinConns, 2))

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", orString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", orInt(cfg.RedisConfig.PoolSize, 10))
	cfg.RedisConfig.KeyPrefix = getEnvOrDefault("REDIS_KEY_PREFIX", orString(cfg.RedisConfig.KeyPrefix, "derivbots:"))

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", orString(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.Namespace = getEnvOrDefault("VAULT_NAMESPACE", cfg.VaultConfig.Namespace)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", orString(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", orString(cfg.VaultConfig.SecretPath, "deriv-bots/credentials"))
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", orString(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", orString(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.NotificationConfig.Enabled)
	cfg.NotificationConfig.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.NotificationConfig.Telegram.Enabled)
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Telegram.AdminCommands = getEnvBoolOrDefault("TELEGRAM_ADMIN_COMMANDS", cfg.NotificationConfig.Telegram.AdminCommands)
	cfg.NotificationConfig.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.NotificationConfig.Discord.Enabled)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Admin config
	cfg.AdminConfig.Password = getEnvOrDefault("ADMIN_PASSWORD", orString(cfg.AdminConfig.Password, DefaultAdminPassword))
	cfg.AdminConfig.PasswordHash = getEnvOrDefault("ADMIN_PASSWORD_HASH", cfg.AdminConfig.PasswordHash)
	cfg.AdminConfig.JWTSecret = getEnvOrDefault("ADMIN_JWT_SECRET", cfg.AdminConfig.JWTSecret)
	cfg.AdminConfig.TokenTTL = getEnvDurationOrDefault("ADMIN_TOKEN_TTL", orDuration(cfg.AdminConfig.TokenTTL, 12*time.Hour))

	// Payment config
	cfg.PaymentConfig.Number = getEnvOrDefault("PAYMENT_NUMBER", cfg.PaymentConfig.Number)
	cfg.PaymentConfig.Price = getEnvOrDefault("SUB_PRICE", orString(cfg.PaymentConfig.Price, "100 KSH"))
	cfg.PaymentConfig.HelpLink = getEnvOrDefault("HELP_LINK", cfg.PaymentConfig.HelpLink)
	cfg.PaymentConfig.WebhookSecret = getEnvOrDefault("PAYMENT_WEBHOOK_SECRET", cfg.PaymentConfig.WebhookSecret)
	if statuses := getEnvOrDefault("PAYMENT_CONFIRMED_STATUSES", ""); statuses != "" {
		cfg.PaymentConfig.ConfirmedStatuses = splitList(statuses)
	}
	if len(cfg.PaymentConfig.ConfirmedStatuses) == 0 {
		cfg.PaymentConfig.ConfirmedStatuses = []string{"completed", "paid", "success"}
	}

	// Lifecycle config
	cfg.LifecycleConfig.PendingTTL = getEnvDurationOrDefault("PENDING_TTL", orDuration(cfg.LifecycleConfig.PendingTTL, 72*time.Hour))
	cfg.LifecycleConfig.EphemeralPrefix = getEnvOrDefault("EPHEMERAL_PREFIX", orString(cfg.LifecycleConfig.EphemeralPrefix, "User_"))
	cfg.LifecycleConfig.EphemeralDigits = getEnvIntOrDefault("EPHEMERAL_DIGITS", orInt(cfg.LifecycleConfig.EphemeralDigits, 6))
	cfg.LifecycleConfig.AmbiguityPolicy = strings.ToLower(getEnvOrDefault("AMBIGUITY_POLICY", orString(cfg.LifecycleConfig.AmbiguityPolicy, AmbiguityLast)))
	cfg.LifecycleConfig.WriteQueueSize = getEnvIntOrDefault("WRITE_QUEUE_SIZE", orInt(cfg.LifecycleConfig.WriteQueueSize, 256))
	cfg.LifecycleConfig.WriteTimeout = getEnvDurationOrDefault("WRITE_TIMEOUT", orDuration(cfg.LifecycleConfig.WriteTimeout, 5*time.Second))

	// Worker config
	cfg.WorkerConfig.Endpoint = getEnvOrDefault("DERIV_WS_ENDPOINT", orString(cfg.WorkerConfig.Endpoint, "wss://ws.derivws.com/websockets/v3"))
	cfg.WorkerConfig.AppID = getEnvOrDefault("DERIV_APP_ID", orString(cfg.WorkerConfig.AppID, "1089"))
	cfg.WorkerConfig.PingInterval = getEnvDurationOrDefault("DERIV_PING_INTERVAL", orDuration(cfg.WorkerConfig.PingInterval, 30*time.Second))
	cfg.WorkerConfig.MaxReconnectInterval = getEnvDurationOrDefault("DERIV_MAX_RECONNECT_INTERVAL", orDuration(cfg.WorkerConfig.MaxReconnectInterval, time.Minute))

	// Rate limit config
	cfg.RateLimitConfig.RequestsPerSecond = getEnvFloatOrDefault("RATE_LIMIT_RPS", orFloat(cfg.RateLimitConfig.RequestsPerSecond, 2))
	cfg.RateLimitConfig.Burst = getEnvIntOrDefault("RATE_LIMIT_BURST", orInt(cfg.RateLimitConfig.Burst, 5))
}

// Validate rejects configurations the controller cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.ServerConfig.Port))
	}
	switch c.LifecycleConfig.AmbiguityPolicy {
	case AmbiguityLast, AmbiguityReject:
	default:
		errs = append(errs, fmt.Errorf("unknown ambiguity policy %q", c.LifecycleConfig.AmbiguityPolicy))
	}
	if c.LifecycleConfig.WriteQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("write queue size must be positive, got %d", c.LifecycleConfig.WriteQueueSize))
	}
	if c.LifecycleConfig.EphemeralDigits < 3 || c.LifecycleConfig.EphemeralDigits > 12 {
		errs = append(errs, fmt.Errorf("ephemeral digits must be between 3 and 12, got %d", c.LifecycleConfig.EphemeralDigits))
	}
	if c.LifecycleConfig.PendingTTL < 0 {
		errs = append(errs, errors.New("pending ttl cannot be negative"))
	}
	if c.AdminConfig.Password == "" && c.AdminConfig.PasswordHash == "" {
		errs = append(errs, errors.New("admin password or password hash is required"))
	}
	if c.VaultConfig.Enabled && c.VaultConfig.Token == "" {
		errs = append(errs, errors.New("vault enabled without VAULT_TOKEN"))
	}
	if c.NotificationConfig.Telegram.AdminCommands && c.NotificationConfig.Telegram.BotToken == "" {
		errs = append(errs, errors.New("telegram admin commands require TELEGRAM_BOT_TOKEN"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// DSN returns the Postgres connection string
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// IsConfirmedStatus reports whether a payment callback status confirms a subscription
func (p PaymentConfig) IsConfirmedStatus(status string) bool {
	status = strings.ToLower(strings.TrimSpace(status))
	for _, s := range p.ConfirmedStatuses {
		if strings.ToLower(s) == status {
			return true
		}
	}
	return false
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func orString(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func orInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func orFloat(v, fallback float64) float64 {
	if v != 0 {
		return v
	}
	return fallback
}

func orDuration(v, fallback time.Duration) time.Duration {
	if v != 0 {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
