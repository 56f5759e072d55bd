package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// MaxAttachmentSize is the largest attachment payload forwarded to a model (10 MiB).
const MaxAttachmentSize = 10 << 20

// ProviderConfig holds the endpoint and credentials for one LLM provider.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
}

// Config is the resolved runtime configuration.
type Config struct {
	Port               int
	MaxRequestBodySize int64
	CORSAllowedOrigins []string

	StorageBackend string
	DataDir        string
	RedisURL       string
	RedisKeyPrefix string
	ResultCacheTTL time.Duration

	GatewayTimeout time.Duration
	RatePerSecond  float64
	RateBurst      int
	Providers      map[Provider]ProviderConfig

	Models     []ModelDescriptor
	ChairmanID string
	ChatModel  ModelDescriptor

	LogLevel  string
	LogFormat string

	// EnvFile is the .env file that was loaded, if any. It is logged once
	// the logger exists.
	EnvFile string
}

// DefaultModels is the council used when no council.models are configured.
var DefaultModels = []ModelDescriptor{
	{ID: "gpt-5.2", DisplayName: "GPT 5.2", Provider: ProviderOpenAI, ProviderModelID: "gpt-5.2"},
	{ID: "claude-opus", DisplayName: "Claude Opus 4.5", Provider: ProviderAnthropic, ProviderModelID: "claude-opus-4-5"},
	{ID: "claude-sonnet", DisplayName: "Claude Sonnet 4.5", Provider: ProviderAnthropic, ProviderModelID: "claude-sonnet-4-5"},
	{ID: "gemini-3-pro", DisplayName: "Gemini 3 Pro", Provider: ProviderGoogle, ProviderModelID: "gemini-3-pro-preview"},
	{ID: "grok-4.1-fast", DisplayName: "Grok 4.1 Fast", Provider: ProviderXAI, ProviderModelID: "grok-4.1-fast-reasoning"},
}

// DefaultChairmanID must name one of DefaultModels.
const DefaultChairmanID = "gemini-3-pro"

var defaultBaseURLs = map[Provider]string{
	ProviderOpenAI:    "https://api.openai.com/v1",
	ProviderAnthropic: "https://api.anthropic.com/v1",
	ProviderGoogle:    "https://generativelanguage.googleapis.com/v1beta/openai",
	ProviderXAI:       "https://api.x.ai/v1",
}

var providerKeyEnv = map[Provider]string{
	ProviderOpenAI:    "OPENAI_API_KEY",
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderGoogle:    "GOOGLE_API_KEY",
	ProviderXAI:       "XAI_API_KEY",
}

// loadDotEnv loads the first .env file found in the current or parent
// directory and returns its path, or "" if none was found.
func loadDotEnv() string {
	envLocations := []string{
		".env",
		"../.env",
	}

	for _, envPath := range envLocations {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				return absPath
			}
		}
	}

	return ""
}

// newViper builds a viper instance with defaults and environment bindings.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8001)
	v.SetDefault("server.max_request_body", int64(25<<20))
	v.SetDefault("cors.allowed_origins", "")
	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("storage.cache_ttl", 5*time.Minute)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.key_prefix", "")
	v.SetDefault("gateway.timeout", 120*time.Second)
	v.SetDefault("gateway.rate_per_second", 2.0)
	v.SetDefault("gateway.burst", 4)
	v.SetDefault("council.chairman", DefaultChairmanID)
	v.SetDefault("chat.provider", string(ProviderOpenAI))
	v.SetDefault("chat.model", "gpt-5-mini")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	_ = v.BindEnv("cors.allowed_origins", "CORS_ALLOWED_ORIGINS")
	_ = v.BindEnv("redis.url", "REDIS_URL")
	for provider, env := range providerKeyEnv {
		key := "providers." + string(provider)
		v.SetDefault(key+".base_url", defaultBaseURLs[provider])
		_ = v.BindEnv(key+".api_key", env, strings.ToUpper(strings.ReplaceAll(key, ".", "_"))+"_API_KEY")
	}
	return v
}

// LoadConfig loads .env, the optional council.yaml (COUNCIL_CONFIG overrides
// the path) and environment variables into a Config.
func LoadConfig() (*Config, error) {
	envFile := loadDotEnv()

	path := os.Getenv("COUNCIL_CONFIG")
	if path == "" {
		path = "council.yaml"
	}
	cfg, err := loadConfigFile(path)
	if err != nil {
		return nil, err
	}
	cfg.EnvFile = envFile
	return cfg, nil
}

func loadConfigFile(path string) (*Config, error) {
	v := newViper()
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	cfg := &Config{
		Port:               v.GetInt("server.port"),
		MaxRequestBodySize: v.GetInt64("server.max_request_body"),
		CORSAllowedOrigins: stringList(v, "cors.allowed_origins"),
		StorageBackend:     v.GetString("storage.backend"),
		DataDir:            v.GetString("storage.data_dir"),
		RedisURL:           v.GetString("redis.url"),
		RedisKeyPrefix:     v.GetString("redis.key_prefix"),
		ResultCacheTTL:     v.GetDuration("storage.cache_ttl"),
		GatewayTimeout:     v.GetDuration("gateway.timeout"),
		RatePerSecond:      v.GetFloat64("gateway.rate_per_second"),
		RateBurst:          v.GetInt("gateway.burst"),
		Providers:          make(map[Provider]ProviderConfig, len(providerKeyEnv)),
		ChairmanID:         v.GetString("council.chairman"),
		ChatModel: ModelDescriptor{
			ID:              "chat",
			DisplayName:     "Assistant",
			Provider:        Provider(v.GetString("chat.provider")),
			ProviderModelID: v.GetString("chat.model"),
		},
		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),
	}

	for provider := range providerKeyEnv {
		key := "providers." + string(provider)
		cfg.Providers[provider] = ProviderConfig{
			BaseURL: strings.TrimRight(v.GetString(key+".base_url"), "/"),
			APIKey:  v.GetString(key + ".api_key"),
		}
	}

	if v.IsSet("council.models") {
		if err := v.UnmarshalKey("council.models", &cfg.Models); err != nil {
			return nil, fmt.Errorf("failed to parse council.models: %w", err)
		}
	}
	if len(cfg.Models) == 0 {
		cfg.Models = append([]ModelDescriptor(nil), DefaultModels...)
	}

	if cfg.StorageBackend != "file" && cfg.StorageBackend != "redis" {
		return nil, fmt.Errorf("unknown storage.backend %q", cfg.StorageBackend)
	}

	return cfg, nil
}

// stringList reads a key that may be either a YAML list or a comma-separated string.
func stringList(v *viper.Viper, key string) []string {
	raw, ok := v.Get(key).(string)
	if !ok {
		return v.GetStringSlice(key)
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
