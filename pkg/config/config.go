// Package config loads service settings from an optional .env file, an
// optional YAML file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	VectorQdrant  = "qdrant"

	ProviderHuggingFace = "huggingface"
	ProviderOpenAI      = "openai"
	ProviderOllama      = "ollama"
)

// Config holds all settings shared by the binaries.
type Config struct {
	Port        string `yaml:"port"`
	CORSOrigin  string `yaml:"cors_origin"`
	MetricsAddr string `yaml:"metrics_addr"`

	StoreBackend     string `yaml:"store_backend"`
	DatabaseURL      string `yaml:"database_url"`
	VectorBackend    string `yaml:"vector_backend"`
	QdrantURL        string `yaml:"qdrant_url"`
	QdrantCollection string `yaml:"qdrant_collection"`

	EmbedProvider  string  `yaml:"embed_provider"`
	EmbedModel     string  `yaml:"embed_model"`
	EmbedDims      int     `yaml:"embed_dims"`
	HuggingFaceKey string  `yaml:"-"`
	ChatProvider   string  `yaml:"chat_provider"`
	ChatModel      string  `yaml:"chat_model"`
	OpenAIKey      string  `yaml:"-"`
	OpenAIBaseURL  string  `yaml:"openai_base_url"`
	OllamaURL      string  `yaml:"ollama_url"`
	YahooURL       string  `yaml:"yahoo_url"`
	TickerMapFile  string  `yaml:"ticker_map_file"`
	NATSURL        string  `yaml:"nats_url"`
	APIRate        float64 `yaml:"api_rate"`
	APIBurst       int     `yaml:"api_burst"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Port:             "8080",
		CORSOrigin:       "*",
		MetricsAddr:      ":9090",
		StoreBackend:     StoreMemory,
		QdrantURL:        "localhost:6334",
		QdrantCollection: "filings_chunks",
		EmbedProvider:    ProviderHuggingFace,
		EmbedDims:        1024,
		ChatProvider:     ProviderOpenAI,
		OllamaURL:        "http://localhost:11434",
		NATSURL:          "nats://localhost:4222",
		APIRate:          20,
		APIBurst:         40,
	}
}

// Load builds a Config. A missing .env or CONFIG_FILE is not an error.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Port = envOr("PORT", c.Port)
	c.CORSOrigin = envOr("CORS_ORIGIN", c.CORSOrigin)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)
	c.StoreBackend = envOr("STORE_BACKEND", c.StoreBackend)
	c.DatabaseURL = envOr("DATABASE_URL", c.DatabaseURL)
	c.VectorBackend = envOr("VECTOR_BACKEND", c.VectorBackend)
	c.QdrantURL = envOr("QDRANT_URL", c.QdrantURL)
	c.QdrantCollection = envOr("QDRANT_COLLECTION", c.QdrantCollection)
	c.EmbedProvider = envOr("EMBED_PROVIDER", c.EmbedProvider)
	c.EmbedModel = envOr("EMBED_MODEL", c.EmbedModel)
	c.HuggingFaceKey = envOr("HUGGINGFACE_API_KEY", c.HuggingFaceKey)
	c.ChatProvider = envOr("CHAT_PROVIDER", c.ChatProvider)
	c.ChatModel = envOr("CHAT_MODEL", c.ChatModel)
	c.OpenAIKey = envOr("OPENAI_API_KEY", c.OpenAIKey)
	c.OpenAIBaseURL = envOr("OPENAI_BASE_URL", c.OpenAIBaseURL)
	c.OllamaURL = envOr("OLLAMA_URL", c.OllamaURL)
	c.YahooURL = envOr("YAHOO_URL", c.YahooURL)
	c.TickerMapFile = envOr("TICKER_MAP_FILE", c.TickerMapFile)
	c.NATSURL = envOr("NATS_URL", c.NATSURL)

	var err error
	if c.EmbedDims, err = envInt("EMBED_DIMS", c.EmbedDims); err != nil {
		return err
	}
	if c.APIBurst, err = envInt("API_BURST", c.APIBurst); err != nil {
		return err
	}
	if v := os.Getenv("API_RATE"); v != "" {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			return fmt.Errorf("config: API_RATE: %w", perr)
		}
		c.APIRate = f
	}
	return nil
}

// Validate rejects unknown backends and missing connection settings.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.VectorBackend != "" && c.VectorBackend != VectorQdrant {
		return fmt.Errorf("config: unknown VECTOR_BACKEND %q", c.VectorBackend)
	}
	switch c.EmbedProvider {
	case ProviderHuggingFace, ProviderOpenAI, ProviderOllama:
	default:
		return fmt.Errorf("config: unknown EMBED_PROVIDER %q", c.EmbedProvider)
	}
	switch c.ChatProvider {
	case ProviderOpenAI, ProviderOllama:
	default:
		return fmt.Errorf("config: unknown CHAT_PROVIDER %q", c.ChatProvider)
	}
	if c.EmbedDims <= 0 {
		return fmt.Errorf("config: EMBED_DIMS must be positive, got %d", c.EmbedDims)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
