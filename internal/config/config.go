package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
	SQLDB    SQLDBConfig    `mapstructure:"sqldb"`
	Auth     AuthConfig     `mapstructure:"auth"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Tools    ToolsConfig    `mapstructure:"tools"`
	Session  SessionConfig  `mapstructure:"session"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host              string          `mapstructure:"host"`
	Port              int             `mapstructure:"port"`
	ReadTimeout       time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration   `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration   `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration   `mapstructure:"shutdown_timeout"`
	MiddlewareTimeout time.Duration   `mapstructure:"middleware_timeout"`
	CORSOrigins       []string        `mapstructure:"cors_origins"`
	RateLimit         RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig limits API callers per token subject. It needs redis.
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// StorageConfig selects the durable store for sessions and usage counters.
// Driver is one of memory, redis, postgres, mongo, sqlite, mysql.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// DatabaseConfig configures postgres. UsageRetention is how long usage
// counters are kept before pruning.
type DatabaseConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	Database       string        `mapstructure:"database"`
	SSLMode        string        `mapstructure:"ssl_mode"`
	MaxConns       int32         `mapstructure:"max_conns"`
	MinConns       int32         `mapstructure:"min_conns"`
	AutoMigrate    bool          `mapstructure:"auto_migrate"`
	UsageRetention time.Duration `mapstructure:"usage_retention"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// RedisConfig configures redis. Enabled turns on the search cache and API
// rate limits even when storage.driver is not redis.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type MongoConfig struct {
	URI      string        `mapstructure:"uri"`
	Database string        `mapstructure:"database"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SQLDBConfig configures the database/sql backed store (sqlite or mysql)
type SQLDBConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
	MySQLDSN   string `mapstructure:"mysql_dsn"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Issuer    string        `mapstructure:"issuer"`
}

type LLMConfig struct {
	DefaultModel  string            `mapstructure:"default_model"`
	FallbackModel string            `mapstructure:"fallback_model"`
	MaxToolRounds int               `mapstructure:"max_tool_rounds"`
	Language      string            `mapstructure:"language"`
	Prompts       map[string]string `mapstructure:"prompts"`
	OpenAI        OpenAIConfig      `mapstructure:"openai"`
	Anthropic     AnthropicConfig   `mapstructure:"anthropic"`
	Ollama        OllamaConfig      `mapstructure:"ollama"`
	DeepSeek      DeepSeekConfig    `mapstructure:"deepseek"`
	Gemini        GeminiConfig      `mapstructure:"gemini"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type AnthropicConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type OllamaConfig struct {
	Host string `mapstructure:"host"`
}

type DeepSeekConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type ToolsConfig struct {
	Concurrency int             `mapstructure:"concurrency"`
	Search      SearchConfig    `mapstructure:"search"`
	Image       ImageToolConfig `mapstructure:"image"`
	Video       VideoToolConfig `mapstructure:"video"`
}

type SearchConfig struct {
	BraveAPIKey string        `mapstructure:"brave_api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	MaxResults  int           `mapstructure:"max_results"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type ImageToolConfig struct {
	Model string `mapstructure:"model"`
	Size  string `mapstructure:"size"`
}

type VideoToolConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	MaxPolls     int           `mapstructure:"max_polls"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type SessionConfig struct {
	TTL                time.Duration `mapstructure:"ttl"`
	MaxMessages        int           `mapstructure:"max_messages"`
	AutoArchiveMinutes int           `mapstructure:"auto_archive_minutes"`
}

// QuotaConfig holds daily per-model request limits. A model without an entry
// is unlimited. Limits is a list because model ids contain dots, which viper
// treats as key separators.
type QuotaConfig struct {
	Limits         []ModelLimit `mapstructure:"limits"`
	Ordering       string       `mapstructure:"ordering"`
	FallbackMargin int          `mapstructure:"fallback_margin"`
}

type ModelLimit struct {
	Model string `mapstructure:"model"`
	Limit int    `mapstructure:"limit"`
}

// LimitTable returns the limits keyed by model id
func (c QuotaConfig) LimitTable() map[string]int {
	table := make(map[string]int, len(c.Limits))
	for _, l := range c.Limits {
		if l.Model != "" {
			table[l.Model] = l.Limit
		}
	}
	return table
}

// DiscordConfig configures thread teardown. CloseMode is "archive" (archive
// and lock the thread) or "delete".
type DiscordConfig struct {
	BotToken  string `mapstructure:"bot_token"`
	CloseMode string `mapstructure:"close_mode"`
}

type LoggingConfig struct {
	Level        string        `mapstructure:"level"`
	Format       string        `mapstructure:"format"`
	File         string        `mapstructure:"file"`
	MaxAge       time.Duration `mapstructure:"max_age"`
	RotationTime time.Duration `mapstructure:"rotation_time"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	// Set config file path
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// SetConfigFile surfaces a missing file as an fs error, not ConfigFileNotFoundError
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "450s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.middleware_timeout", "420s")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit.requests_per_minute", 60)
	v.SetDefault("server.rate_limit.burst", 10)

	// Storage
	v.SetDefault("storage.driver", "memory")

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "relay")
	v.SetDefault("database.database", "relay")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("database.usage_retention", "720h")

	// Redis
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", "10m")

	// Mongo
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "relay")
	v.SetDefault("mongo.timeout", "10s")

	// SQL
	v.SetDefault("sqldb.sqlite_path", "./data/relay.db")

	// Auth
	v.SetDefault("auth.token_ttl", "720h")
	v.SetDefault("auth.issuer", "llm-relay")

	// LLM
	v.SetDefault("llm.default_model", "gpt-4o-mini")
	v.SetDefault("llm.fallback_model", "gemini-1.5-flash")
	v.SetDefault("llm.max_tool_rounds", 2)
	v.SetDefault("llm.language", "en")
	v.SetDefault("llm.ollama.host", "http://localhost:11434")

	// Tools
	v.SetDefault("tools.concurrency", 4)
	v.SetDefault("tools.search.base_url", "https://api.search.brave.com/res/v1")
	v.SetDefault("tools.search.max_results", 5)
	v.SetDefault("tools.search.timeout", "15s")
	v.SetDefault("tools.image.model", "dall-e-3")
	v.SetDefault("tools.image.size", "1024x1024")
	v.SetDefault("tools.video.max_polls", 30)
	v.SetDefault("tools.video.poll_interval", "10s")

	// Session
	v.SetDefault("session.ttl", "24h")
	v.SetDefault("session.max_messages", 10)
	v.SetDefault("session.auto_archive_minutes", 1440)

	// Quota
	v.SetDefault("quota.ordering", "check-then-increment")
	v.SetDefault("quota.fallback_margin", 2)

	// Discord
	v.SetDefault("discord.close_mode", "archive")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_age", "168h")
	v.SetDefault("logging.rotation_time", "24h")

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

func bindEnvVars(v *viper.Viper) {
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("storage.driver", "STORAGE_DRIVER")
	v.BindEnv("logging.level", "LOG_LEVEL")

	// Database
	v.BindEnv("database.host", "POSTGRES_HOST")
	v.BindEnv("database.password", "POSTGRES_PASSWORD")

	// Redis
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// Mongo
	v.BindEnv("mongo.uri", "MONGO_URI")

	// SQL
	v.BindEnv("sqldb.mysql_dsn", "MYSQL_DSN")

	// Auth
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")

	// LLM API Keys
	v.BindEnv("llm.openai.api_key", "OPENAI_API_KEY")
	v.BindEnv("llm.anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("llm.deepseek.api_key", "DEEPSEEK_API_KEY")
	v.BindEnv("llm.gemini.api_key", "GEMINI_API_KEY")
	v.BindEnv("llm.ollama.host", "OLLAMA_HOST")

	// Tools
	v.BindEnv("tools.search.brave_api_key", "BRAVE_API_KEY")
	v.BindEnv("tools.video.api_key", "VIDEO_API_KEY")
	v.BindEnv("tools.video.base_url", "VIDEO_API_URL")

	// Discord
	v.BindEnv("discord.bot_token", "DISCORD_BOT_TOKEN")
}
