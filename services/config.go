package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/wayl-ai/wayl/cache"
	"github.com/wayl-ai/wayl/inference"
)

// Config holds application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Security   SecurityConfig
	Blockchain BlockchainConfig
	Model      ModelConfig
	Inference  InferenceConfig
	RateLimit  RateLimitConfig
	Monitoring MonitoringConfig
	WebSocket  WebSocketConfig
	Storage    StorageConfig
}

type ServerConfig struct {
	Port        string
	AppName     string
	APIPrefix   string
	Debug       bool
	Environment string
	LogDir      string
}

type DatabaseConfig struct {
	URL          string
	User         string
	Password     string
	Name         string
	Host         string
	Port         string
	Seed         bool
	LogLevel     string
	MaxIdleConns int
	MaxOpenConns int
}

type RedisConfig struct {
	URL      string
	Host     string
	Port     string
	Password string
	DB       int
}

type SecurityConfig struct {
	SecretKey          string
	AccessTokenExpire  time.Duration
	RefreshTokenExpire time.Duration
	APIKeyExpire       time.Duration
	AuthRequestsPerSec float64
	AuthRequestsBurst  int
}

type BlockchainConfig struct {
	RPCURL           string
	TokenAddress     string
	WalletPrivateKey string
	Decimals         int
}

type ModelConfig struct {
	Dir            string
	CacheSize      int
	Default        string
	MaxInputLength int
	Temperature    float64
	TopP           float64
	Paths          map[string]string
}

type InferenceConfig struct {
	Provider     string
	BaseURL      string
	APIKey       string
	GeminiAPIKey string
}

type RateLimitConfig struct {
	Default int
	Window  time.Duration
}

type MonitoringConfig struct {
	SentryDSN           string
	EnableMetrics       bool
	HealthCheckInterval time.Duration
	AuditRetentionDays  int
}

type WebSocketConfig struct {
	AllowedOrigins string
}

type StorageConfig struct {
	AWSRegion       string
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
}

const modelPathEnvPrefix = "MODEL_PATH_"

var configKeys = map[string]struct {
	env string
	def any
}{
	"server.port":                          {"SERVER_PORT", "8000"},
	"server.app_name":                      {"APP_NAME", "Wayl AI"},
	"server.api_prefix":                    {"API_V1_PREFIX", "/api/v1"},
	"server.debug":                         {"DEBUG", false},
	"server.environment":                   {"ENVIRONMENT", ""},
	"server.log_dir":                       {"LOG_DIR", "logs"},
	"database.url":                         {"DATABASE_URL", ""},
	"database.user":                        {"POSTGRES_USER", ""},
	"database.password":                    {"POSTGRES_PASSWORD", ""},
	"database.name":                        {"POSTGRES_DB", ""},
	"database.host":                        {"POSTGRES_HOST", "db"},
	"database.port":                        {"POSTGRES_PORT", "5432"},
	"database.seed":                        {"DATABASE_SEED", false},
	"database.log_level":                   {"DATABASE_LOG_LEVEL", "silent"},
	"database.max_idle_conns":              {"DATABASE_MAX_IDLE_CONNS", 10},
	"database.max_open_conns":              {"DATABASE_MAX_OPEN_CONNS", 100},
	"redis.url":                            {"REDIS_URL", ""},
	"redis.host":                           {"REDIS_HOST", ""},
	"redis.port":                           {"REDIS_PORT", "6379"},
	"redis.password":                       {"REDIS_PASSWORD", ""},
	"redis.db":                             {"REDIS_DB", 0},
	"security.secret_key":                  {"SECRET_KEY", ""},
	"security.access_token_expire_minutes": {"ACCESS_TOKEN_EXPIRE_MINUTES", 30},
	"security.refresh_token_expire_days":   {"REFRESH_TOKEN_EXPIRE_DAYS", 7},
	"security.api_key_expire_days":         {"API_KEY_EXPIRE_DAYS", 30},
	"security.auth_requests_per_second":    {"AUTH_REQUESTS_PER_SECOND", 1.0},
	"security.auth_requests_burst":         {"AUTH_REQUESTS_BURST", 5},
	"blockchain.rpc_url":                   {"SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com"},
	"blockchain.token_address":             {"WAYL_TOKEN_ADDRESS", ""},
	"blockchain.wallet_private_key":        {"WALLET_PRIVATE_KEY", ""},
	"blockchain.decimals":                  {"TOKEN_DECIMALS", 9},
	"model.dir":                            {"MODELS_DIR", "./models"},
	"model.cache_size":                     {"MODEL_CACHE_SIZE", 2},
	"model.default":                        {"DEFAULT_MODEL", "deepseek-7b"},
	"model.max_input_length":               {"MAX_INPUT_LENGTH", 2048},
	"model.temperature":                    {"TEMPERATURE", 0.7},
	"model.top_p":                          {"TOP_P", 0.95},
	"inference.provider":                   {"INFERENCE_PROVIDER", "openai"},
	"inference.base_url":                   {"INFERENCE_BASE_URL", ""},
	"inference.api_key":                    {"INFERENCE_API_KEY", ""},
	"inference.gemini_api_key":             {"GEMINI_API_KEY", ""},
	"rate_limit.default":                   {"DEFAULT_RATE_LIMIT", 10},
	"rate_limit.window":                    {"RATE_LIMIT_WINDOW", 60},
	"monitoring.sentry_dsn":                {"SENTRY_DSN", ""},
	"monitoring.enable_metrics":            {"ENABLE_METRICS", true},
	"monitoring.health_check_interval":     {"HEALTH_CHECK_INTERVAL", 60},
	"monitoring.audit_retention_days":      {"AUDIT_RETENTION_DAYS", 90},
	"websocket.allowed_origins":            {"WEBSOCKET_ALLOWED_ORIGINS", ""},
	"storage.aws_region":                   {"AWS_REGION", "us-east-1"},
	"storage.endpoint_url":                 {"AWS_ENDPOINT_URL", ""},
	"storage.access_key_id":                {"AWS_ACCESS_KEY_ID", ""},
	"storage.secret_access_key":            {"AWS_SECRET_ACCESS_KEY", ""},
}

// LoadConfig loads configuration from environment variables and config files
func LoadConfig() *Config {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	for key, spec := range configKeys {
		viper.SetDefault(key, spec.def)
		viper.BindEnv(key, spec.env)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Warn("Config file not found, using defaults and environment variables")
		} else {
			slog.Error("Error reading config file", "error", err)
		}
	}

	return &Config{
		Server: ServerConfig{
			Port:        viper.GetString("server.port"),
			AppName:     viper.GetString("server.app_name"),
			APIPrefix:   viper.GetString("server.api_prefix"),
			Debug:       viper.GetBool("server.debug"),
			Environment: viper.GetString("server.environment"),
			LogDir:      viper.GetString("server.log_dir"),
		},
		Database: DatabaseConfig{
			URL:          viper.GetString("database.url"),
			User:         viper.GetString("database.user"),
			Password:     viper.GetString("database.password"),
			Name:         viper.GetString("database.name"),
			Host:         viper.GetString("database.host"),
			Port:         viper.GetString("database.port"),
			Seed:         viper.GetBool("database.seed"),
			LogLevel:     viper.GetString("database.log_level"),
			MaxIdleConns: viper.GetInt("database.max_idle_conns"),
			MaxOpenConns: viper.GetInt("database.max_open_conns"),
		},
		Redis: RedisConfig{
			URL:      viper.GetString("redis.url"),
			Host:     viper.GetString("redis.host"),
			Port:     viper.GetString("redis.port"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Security: SecurityConfig{
			SecretKey:          viper.GetString("security.secret_key"),
			AccessTokenExpire:  time.Duration(viper.GetInt("security.access_token_expire_minutes")) * time.Minute,
			RefreshTokenExpire: time.Duration(viper.GetInt("security.refresh_token_expire_days")) * 24 * time.Hour,
			APIKeyExpire:       time.Duration(viper.GetInt("security.api_key_expire_days")) * 24 * time.Hour,
			AuthRequestsPerSec: viper.GetFloat64("security.auth_requests_per_second"),
			AuthRequestsBurst:  viper.GetInt("security.auth_requests_burst"),
		},
		Blockchain: BlockchainConfig{
			RPCURL:           viper.GetString("blockchain.rpc_url"),
			TokenAddress:     viper.GetString("blockchain.token_address"),
			WalletPrivateKey: viper.GetString("blockchain.wallet_private_key"),
			Decimals:         viper.GetInt("blockchain.decimals"),
		},
		Model: ModelConfig{
			Dir:            viper.GetString("model.dir"),
			CacheSize:      viper.GetInt("model.cache_size"),
			Default:        viper.GetString("model.default"),
			MaxInputLength: viper.GetInt("model.max_input_length"),
			Temperature:    viper.GetFloat64("model.temperature"),
			TopP:           viper.GetFloat64("model.top_p"),
			Paths:          modelPathsFromEnv(os.Environ()),
		},
		Inference: InferenceConfig{
			Provider:     viper.GetString("inference.provider"),
			BaseURL:      viper.GetString("inference.base_url"),
			APIKey:       viper.GetString("inference.api_key"),
			GeminiAPIKey: viper.GetString("inference.gemini_api_key"),
		},
		RateLimit: RateLimitConfig{
			Default: viper.GetInt("rate_limit.default"),
			Window:  time.Duration(viper.GetInt("rate_limit.window")) * time.Second,
		},
		Monitoring: MonitoringConfig{
			SentryDSN:           viper.GetString("monitoring.sentry_dsn"),
			EnableMetrics:       viper.GetBool("monitoring.enable_metrics"),
			HealthCheckInterval: time.Duration(viper.GetInt("monitoring.health_check_interval")) * time.Second,
			AuditRetentionDays:  viper.GetInt("monitoring.audit_retention_days"),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins: viper.GetString("websocket.allowed_origins"),
		},
		Storage: StorageConfig{
			AWSRegion:       viper.GetString("storage.aws_region"),
			EndpointURL:     viper.GetString("storage.endpoint_url"),
			AccessKeyID:     viper.GetString("storage.access_key_id"),
			SecretAccessKey: viper.GetString("storage.secret_access_key"),
		},
	}
}

// modelPathsFromEnv collects MODEL_PATH_<ID>=<path> overrides.
func modelPathsFromEnv(environ []string) map[string]string {
	paths := make(map[string]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, modelPathEnvPrefix) || value == "" {
			continue
		}
		paths[strings.TrimPrefix(key, modelPathEnvPrefix)] = value
	}
	return paths
}

// DSN returns DATABASE_URL, or composes one from the POSTGRES_* settings.
func (d *DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	if d.User == "" || d.Name == "" {
		return ""
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, d.Port),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// Enabled reports whether a Redis server is configured.
func (r *RedisConfig) Enabled() bool {
	return r.URL != "" || r.Host != ""
}

// Options returns the client options, preferring REDIS_URL.
func (r *RedisConfig) Options() (cache.Options, error) {
	if r.URL != "" {
		opt, err := redis.ParseURL(r.URL)
		if err != nil {
			return cache.Options{}, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return cache.Options{Address: opt.Addr, Password: opt.Password, DB: opt.DB}, nil
	}
	return cache.Options{
		Address:  net.JoinHostPort(r.Host, r.Port),
		Password: r.Password,
		DB:       r.DB,
	}, nil
}

func (c *Config) InferenceConfig() inference.Config {
	return inference.Config{
		Provider:       c.Inference.Provider,
		BaseURL:        c.Inference.BaseURL,
		APIKey:         c.Inference.APIKey,
		GeminiAPIKey:   c.Inference.GeminiAPIKey,
		Paths:          c.Model.Paths,
		MaxInputLength: c.Model.MaxInputLength,
	}
}

func (c *Config) DefaultParams() inference.Params {
	return inference.Params{
		Temperature: float32(c.Model.Temperature),
		TopP:        float32(c.Model.TopP),
		MaxTokens:   c.Model.MaxInputLength,
	}
}

func (c *Config) S3Config() inference.S3Config {
	return inference.S3Config{
		Region:          c.Storage.AWSRegion,
		Endpoint:        c.Storage.EndpointURL,
		AccessKeyID:     c.Storage.AccessKeyID,
		SecretAccessKey: c.Storage.SecretAccessKey,
	}
}

// Validate returns every violated rule joined together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Security.SecretKey == "" && !c.Server.Debug {
		add("SECRET_KEY is required unless DEBUG is set")
	}
	if c.Security.AccessTokenExpire <= 0 {
		add("ACCESS_TOKEN_EXPIRE_MINUTES must be positive")
	}
	if !strings.HasPrefix(c.Server.APIPrefix, "/") {
		add("API_V1_PREFIX must start with /")
	}
	if c.Model.CacheSize < 1 {
		add("MODEL_CACHE_SIZE must be at least 1")
	}
	if c.Model.MaxInputLength < 1 {
		add("MAX_INPUT_LENGTH must be positive")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		add("TEMPERATURE must be between 0 and 2, got %v", c.Model.Temperature)
	}
	if c.Model.TopP <= 0 || c.Model.TopP > 1 {
		add("TOP_P must be in (0, 1], got %v", c.Model.TopP)
	}
	if c.RateLimit.Default < 1 {
		add("DEFAULT_RATE_LIMIT must be positive")
	}
	if c.RateLimit.Window <= 0 {
		add("RATE_LIMIT_WINDOW must be positive")
	}
	switch c.Inference.Provider {
	case "", "openai":
	case "gemini":
		if c.Inference.GeminiAPIKey == "" {
			add("GEMINI_API_KEY is required for the gemini provider")
		}
	default:
		add("INFERENCE_PROVIDER %q is not supported", c.Inference.Provider)
	}

	if c.Database.URL != "" {
		u, err := url.Parse(c.Database.URL)
		if err != nil {
			add("DATABASE_URL is not a valid URL: %v", err)
		} else {
			if c.Database.User != "" && u.User.Username() != c.Database.User {
				add("DATABASE_URL user %q does not match POSTGRES_USER %q", u.User.Username(), c.Database.User)
			}
			if db := strings.TrimPrefix(u.Path, "/"); c.Database.Name != "" && db != c.Database.Name {
				add("DATABASE_URL database %q does not match POSTGRES_DB %q", db, c.Database.Name)
			}
		}
	}

	if c.Redis.URL != "" && c.Redis.Password != "" {
		opt, err := redis.ParseURL(c.Redis.URL)
		if err != nil {
			add("REDIS_URL is not valid: %v", err)
		} else if opt.Password != c.Redis.Password {
			add("REDIS_URL password does not match REDIS_PASSWORD")
		}
	}

	return errors.Join(errs...)
}
