package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	HTTP    HTTPConfig
	Agents  AgentConfig
	Gemini  GeminiConfig
	Redis   RedisConfig
	Scraper ScraperConfig
	Export  ExportConfig
	Log     LogConfig
}

type HTTPConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// AgentConfig describes the remote agent boundary. The three agents share one
// endpoint and differ only by id.
type AgentConfig struct {
	Endpoint string
	APIKey   string

	NewsAgentID    string
	ProfileAgentID string
	DraftAgentID   string

	// Invoker selects the AgentInvoker implementation: "http" or "gemini".
	Invoker string

	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration

	BreakerMaxFailures int
	BreakerCooldown    time.Duration

	NewsTopic  string
	Audience   string
	TopStories int
}

type GeminiConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

type RedisConfig struct {
	Enabled      bool
	StreamsURL   string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type ScraperConfig struct {
	Enabled      bool
	Timeout      time.Duration
	MaxBodyChars int
	Parallelism  int
	Delay        time.Duration
}

type ExportConfig struct {
	Dir        string
	FilePrefix string
}

type LogConfig struct {
	Level  string
	Format string
	Output string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func Load() (*Config, error) {
	environment := getEnv("ENVIRONMENT", "development")

	// A missing .env is only fatal in production, where all config must be
	// explicit.
	if err := godotenv.Load(); err != nil && environment == "production" {
		if os.Getenv("AGENT_ENDPOINT") == "" && os.Getenv("GEMINI_API_KEY") == "" {
			return nil, fmt.Errorf("loading .env file failed: %w", err)
		}
	}
	environment = getEnv("ENVIRONMENT", environment)

	port, err := getIntEnv("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("parsing PORT failed: %w", err)
	}

	agentMaxRetries, err := getIntEnv("AGENT_MAX_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("parsing AGENT_MAX_RETRIES failed: %w", err)
	}

	breakerMaxFailures, err := getIntEnv("BREAKER_MAX_FAILURES", 5)
	if err != nil {
		return nil, fmt.Errorf("parsing BREAKER_MAX_FAILURES failed: %w", err)
	}

	topStories, err := getIntEnv("TOP_STORIES", 3)
	if err != nil {
		return nil, fmt.Errorf("parsing TOP_STORIES failed: %w", err)
	}

	geminiMaxTokens, err := getIntEnv("GEMINI_MAX_TOKENS", 8192)
	if err != nil {
		return nil, fmt.Errorf("parsing GEMINI_MAX_TOKENS failed: %w", err)
	}

	geminiTemperature, err := getFloatEnv("GEMINI_TEMPERATURE", 0.7)
	if err != nil {
		return nil, fmt.Errorf("parsing GEMINI_TEMPERATURE failed: %w", err)
	}

	geminiMaxRetries, err := getIntEnv("GEMINI_MAX_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("parsing GEMINI_MAX_RETRIES failed: %w", err)
	}

	redisPoolSize, err := getIntEnv("REDIS_POOL_SIZE", 10)
	if err != nil {
		return nil, fmt.Errorf("parsing REDIS_POOL_SIZE failed: %w", err)
	}

	scraperMaxBodyChars, err := getIntEnv("SCRAPER_MAX_BODY_CHARS", 4000)
	if err != nil {
		return nil, fmt.Errorf("parsing SCRAPER_MAX_BODY_CHARS failed: %w", err)
	}

	scraperParallelism, err := getIntEnv("SCRAPER_PARALLELISM", 2)
	if err != nil {
		return nil, fmt.Errorf("parsing SCRAPER_PARALLELISM failed: %w", err)
	}

	logMaxSizeMB, err := getIntEnv("LOG_MAX_SIZE_MB", 100)
	if err != nil {
		return nil, fmt.Errorf("parsing LOG_MAX_SIZE_MB failed: %w", err)
	}

	logMaxBackups, err := getIntEnv("LOG_MAX_BACKUPS", 5)
	if err != nil {
		return nil, fmt.Errorf("parsing LOG_MAX_BACKUPS failed: %w", err)
	}

	logMaxAgeDays, err := getIntEnv("LOG_MAX_AGE_DAYS", 28)
	if err != nil {
		return nil, fmt.Errorf("parsing LOG_MAX_AGE_DAYS failed: %w", err)
	}

	cfg := &Config{
		Environment: environment,
		HTTP: HTTPConfig{
			Port:        port,
			ReadTimeout: getDurationEnv("HTTP_READ_TIMEOUT", 30*time.Second),
			// Runs make three agent calls back to back, so responses can
			// take a few minutes to start writing.
			WriteTimeout: getDurationEnv("HTTP_WRITE_TIMEOUT", 300*time.Second),
			IdleTimeout:  getDurationEnv("HTTP_IDLE_TIMEOUT", 120*time.Second),
		},
		Agents: AgentConfig{
			Endpoint:           os.Getenv("AGENT_ENDPOINT"),
			APIKey:             os.Getenv("AGENT_API_KEY"),
			NewsAgentID:        getEnv("NEWS_AGENT_ID", "news-scout"),
			ProfileAgentID:     getEnv("PROFILE_AGENT_ID", "voice-analyst"),
			DraftAgentID:       getEnv("DRAFT_AGENT_ID", "post-writer"),
			Invoker:            getEnv("AGENT_INVOKER", "http"),
			Timeout:            getDurationEnv("AGENT_TIMEOUT", 45*time.Second),
			MaxRetries:         agentMaxRetries,
			RetryDelay:         getDurationEnv("AGENT_RETRY_DELAY", 2*time.Second),
			BreakerMaxFailures: breakerMaxFailures,
			BreakerCooldown:    getDurationEnv("BREAKER_COOLDOWN", 30*time.Second),
			NewsTopic:          getEnv("NEWS_TOPIC", "artificial intelligence"),
			Audience:           getEnv("TARGET_AUDIENCE", "startup founders and tech leads on LinkedIn"),
			TopStories:         topStories,
		},
		Gemini: GeminiConfig{
			APIKey:      os.Getenv("GEMINI_API_KEY"),
			Model:       getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
			MaxTokens:   geminiMaxTokens,
			Temperature: geminiTemperature,
			Timeout:     getDurationEnv("GEMINI_TIMEOUT", 60*time.Second),
			MaxRetries:  geminiMaxRetries,
			RetryDelay:  getDurationEnv("GEMINI_RETRY_DELAY", 2*time.Second),
		},
		Redis: RedisConfig{
			Enabled:      getBoolEnv("REDIS_ENABLED", os.Getenv("REDIS_STREAMS_URL") != ""),
			StreamsURL:   getEnv("REDIS_STREAMS_URL", "redis://localhost:6379/0"),
			PoolSize:     redisPoolSize,
			DialTimeout:  getDurationEnv("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDurationEnv("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDurationEnv("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Scraper: ScraperConfig{
			Enabled:      getBoolEnv("SCRAPER_ENABLED", false),
			Timeout:      getDurationEnv("SCRAPER_TIMEOUT", 30*time.Second),
			MaxBodyChars: scraperMaxBodyChars,
			Parallelism:  scraperParallelism,
			Delay:        getDurationEnv("SCRAPER_DELAY", 2*time.Second),
		},
		Export: ExportConfig{
			Dir:        getEnv("EXPORT_DIR", "exports"),
			FilePrefix: getEnv("EXPORT_FILE_PREFIX", "muse-post"),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			MaxSizeMB:  logMaxSizeMB,
			MaxBackups: logMaxBackups,
			MaxAgeDays: logMaxAgeDays,
			Compress:   getBoolEnv("LOG_COMPRESS", true),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", cfg.HTTP.Port)
	}

	switch cfg.Agents.Invoker {
	case "http":
		if cfg.Agents.Endpoint == "" && cfg.Environment == "production" {
			return fmt.Errorf("AGENT_ENDPOINT is required when AGENT_INVOKER=http")
		}
	case "gemini":
		if cfg.Gemini.APIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when AGENT_INVOKER=gemini")
		}
	default:
		return fmt.Errorf("AGENT_INVOKER must be \"http\" or \"gemini\", got %q", cfg.Agents.Invoker)
	}

	if cfg.Agents.TopStories <= 0 {
		return fmt.Errorf("TOP_STORIES must be positive, got %d", cfg.Agents.TopStories)
	}

	if cfg.Agents.MaxRetries < 1 {
		return fmt.Errorf("AGENT_MAX_RETRIES must be at least 1, got %d", cfg.Agents.MaxRetries)
	}

	return nil
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}

func getIntEnv(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	return strconv.Atoi(value)
}

func getFloatEnv(key string, fallback float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(value, 64)
}

func getBoolEnv(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value == "1" || value == "true" || value == "TRUE"
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}

	// Bare integers are treated as seconds, matching the older env files.
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return fallback
}
