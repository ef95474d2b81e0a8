package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	JWTSecret       string `yaml:"jwtSecret"`
	TokenTTLMinutes int    `yaml:"tokenTTLMinutes"`

	ModelProvider string `yaml:"modelProvider"`
	ModelBaseURL  string `yaml:"modelBaseURL"`
	ModelAPIKey   string `yaml:"modelAPIKey"`
	ModelName     string `yaml:"modelName"`

	DefaultMaxTokens      int     `yaml:"defaultMaxTokens"`
	DefaultTemperature    float64 `yaml:"defaultTemperature"`
	DefaultContextWindow  int     `yaml:"defaultContextWindow"`
	GenerationTimeoutSecs int     `yaml:"generationTimeoutSeconds"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	AuthRateLimit       int `yaml:"authRateLimit"`
	AuthRateWindowSecs  int `yaml:"authRateWindowSeconds"`
	ChatRateLimit       int `yaml:"chatRateLimit"`
	ChatRateWindowSecs  int `yaml:"chatRateWindowSeconds"`
	SweepIntervalSecs   int `yaml:"sweepIntervalSeconds"`
	StaleProcessingSecs int `yaml:"staleProcessingSeconds"`

	TrustProxy  bool     `yaml:"trustProxy"`
	CORSOrigins []string `yaml:"corsOrigins"`
}

// TokenTTL returns the session token lifetime.
func (c FileConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes) * time.Minute
}

// GenerationTimeout returns the per-request model generation deadline.
func (c FileConfig) GenerationTimeout() time.Duration {
	return time.Duration(c.GenerationTimeoutSecs) * time.Second
}

// AuthRateWindow returns the fixed window for login/register limiting.
func (c FileConfig) AuthRateWindow() time.Duration {
	return time.Duration(c.AuthRateWindowSecs) * time.Second
}

// ChatRateWindow returns the fixed window for chat request limiting.
func (c FileConfig) ChatRateWindow() time.Duration {
	return time.Duration(c.ChatRateWindowSecs) * time.Second
}

// SweepInterval returns how often stalled message recovery runs.
func (c FileConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSecs) * time.Second
}

// StaleProcessingAge returns how long a message may stay in processing
// before the sweeper marks it failed.
func (c FileConfig) StaleProcessingAge() time.Duration {
	return time.Duration(c.StaleProcessingSecs) * time.Second
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("MODEL_PROVIDER"); v != "" {
		cfg.ModelProvider = v
	}
	if v := os.Getenv("MODEL_BASE_URL"); v != "" {
		cfg.ModelBaseURL = v
	}
	if v := os.Getenv("MODEL_API_KEY"); v != "" {
		cfg.ModelAPIKey = v
	}
	if v := os.Getenv("MODEL_NAME"); v != "" {
		cfg.ModelName = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("GENERATION_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GenerationTimeoutSecs = n
		}
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.TokenTTLMinutes <= 0 {
		cfg.TokenTTLMinutes = 30
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 512
	}
	if cfg.DefaultTemperature <= 0 {
		cfg.DefaultTemperature = 0.7
	}
	if cfg.DefaultContextWindow <= 0 {
		cfg.DefaultContextWindow = 10
	}
	if cfg.GenerationTimeoutSecs <= 0 {
		cfg.GenerationTimeoutSecs = 60
	}
	if cfg.AuthRateLimit <= 0 {
		cfg.AuthRateLimit = 10
	}
	if cfg.AuthRateWindowSecs <= 0 {
		cfg.AuthRateWindowSecs = 60
	}
	if cfg.ChatRateLimit <= 0 {
		cfg.ChatRateLimit = 30
	}
	if cfg.ChatRateWindowSecs <= 0 {
		cfg.ChatRateWindowSecs = 60
	}
	if cfg.SweepIntervalSecs <= 0 {
		cfg.SweepIntervalSecs = 60
	}
	if cfg.StaleProcessingSecs <= 0 {
		cfg.StaleProcessingSecs = 300
	}
	if cfg.AMQPExchange == "" {
		cfg.AMQPExchange = "convoai.events"
	}
	if cfg.ModelProvider == "" {
		cfg.ModelProvider = "openai"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or JWT_SECRET)")
	}
	if len(cfg.JWTSecret) < 32 {
		return errors.New("config: jwtSecret must be at least 32 bytes")
	}
	switch cfg.ModelProvider {
	case "openai", "ollama", "none":
	default:
		return fmt.Errorf("config: unknown modelProvider %q (expected openai, ollama, or none)", cfg.ModelProvider)
	}
	if cfg.ModelProvider != "none" && cfg.ModelName == "" {
		return errors.New("config: modelName is required (set in config.yaml or MODEL_NAME)")
	}
	if cfg.DefaultTemperature < 0 || cfg.DefaultTemperature > 2 {
		return errors.New("config: defaultTemperature must be between 0 and 2")
	}
	return nil
}
