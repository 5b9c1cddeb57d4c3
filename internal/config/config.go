package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"citerag/internal/fragment"
	"citerag/internal/models"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	VectorPGVector = "pgvector"
	VectorChromem  = "chromem"
	VectorNone     = "none"

	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Vector   VectorConfig   `yaml:"vector"`
	EmbedLLM LLMConfig      `yaml:"embed_llm"`
	InferLLM LLMConfig      `yaml:"infer_llm"`
	RAG      RAGConfig      `yaml:"rag"`
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	Password     string `yaml:"password"`
	Debug        bool   `yaml:"debug"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type VectorConfig struct {
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	Compress      bool   `yaml:"compress"`
	EncryptionKey string `yaml:"encryption_key"`
}

// LLMConfig describes one upstream model endpoint, either for embeddings or
// for answer generation.
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	BaseURL     string  `yaml:"base_url"`
	Key         string  `yaml:"key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

type RAGConfig struct {
	ChunkTarget     int           `yaml:"chunk_target"`
	ChunkMin        int           `yaml:"chunk_min"`
	ChunkMax        int           `yaml:"chunk_max"`
	OverlapRatio    float64       `yaml:"overlap_ratio"`
	TopK            int           `yaml:"top_k"`
	EmbedBatchSize  int           `yaml:"embed_batch_size"`
	EmbedBatchPause time.Duration `yaml:"embed_batch_pause"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	JWTSecret   string `yaml:"jwt_secret"`
	BodyLimitMB int    `yaml:"body_limit_mb"`
}

type StorageConfig struct {
	Dir string `yaml:"dir"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// LoadConfig reads the YAML file at path, applies .env and environment
// overrides and fills defaults. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	// .env is optional, the process environment always wins
	_ = godotenv.Load()
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	override(&cfg.Database.DSN, "CITERAG_DATABASE_DSN")
	override(&cfg.Database.Password, "CITERAG_DATABASE_PASSWORD")
	override(&cfg.EmbedLLM.Key, "CITERAG_EMBED_API_KEY")
	override(&cfg.InferLLM.Key, "CITERAG_LLM_API_KEY")
	override(&cfg.Server.JWTSecret, "CITERAG_JWT_SECRET")
	override(&cfg.Vector.EncryptionKey, "CITERAG_VECTOR_ENCRYPTION_KEY")
}

func override(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverPostgres
	}
	if cfg.Vector.Backend == "" {
		if cfg.Database.Driver == DriverPostgres {
			cfg.Vector.Backend = VectorPGVector
		} else {
			cfg.Vector.Backend = VectorChromem
		}
	}
	if cfg.Vector.Backend == VectorChromem && cfg.Vector.Path == "" {
		cfg.Vector.Path = "./chromemdb"
	}
	for _, llm := range []*LLMConfig{&cfg.EmbedLLM, &cfg.InferLLM} {
		if llm.Provider == "" {
			llm.Provider = ProviderOllama
		}
		if llm.Provider == ProviderOllama && llm.BaseURL == "" {
			llm.BaseURL = "http://localhost:11434"
		}
	}
	if cfg.InferLLM.Temperature == 0 {
		cfg.InferLLM.Temperature = 0.1
	}

	opts := cfg.FragmentOptions()
	cfg.RAG.ChunkTarget, cfg.RAG.ChunkMin, cfg.RAG.ChunkMax, cfg.RAG.OverlapRatio = opts.Target, opts.Min, opts.Max, opts.OverlapRatio
	if cfg.RAG.TopK <= 0 {
		cfg.RAG.TopK = 10
	}
	if cfg.RAG.EmbedBatchSize <= 0 {
		cfg.RAG.EmbedBatchSize = 10
	}
	if cfg.RAG.EmbedBatchPause <= 0 {
		cfg.RAG.EmbedBatchPause = 50 * time.Millisecond
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":3000"
	}
	if cfg.Server.BodyLimitMB <= 0 {
		cfg.Server.BodyLimitMB = 10
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "./uploads"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// FragmentOptions returns the fragmenter settings.
func (c *Config) FragmentOptions() fragment.Options {
	return fragment.Options{
		Target:       c.RAG.ChunkTarget,
		Min:          c.RAG.ChunkMin,
		Max:          c.RAG.ChunkMax,
		OverlapRatio: c.RAG.OverlapRatio,
	}.Normalize()
}

// Validate reports missing credentials and inconsistent settings as a
// configuration error. The server settings are only checked when server is
// true.
func (c *Config) Validate(server bool) error {
	var problems []string

	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		problems = append(problems, fmt.Sprintf("unknown database driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		problems = append(problems, "database dsn")
	}

	switch c.Vector.Backend {
	case VectorPGVector:
		if c.Database.Driver != DriverPostgres {
			problems = append(problems, "pgvector backend requires the postgres driver")
		}
	case VectorChromem, VectorNone:
	default:
		problems = append(problems, fmt.Sprintf("unknown vector backend %q", c.Vector.Backend))
	}

	problems = append(problems, c.EmbedLLM.missing("embed_llm")...)
	problems = append(problems, c.InferLLM.missing("infer_llm")...)

	if server && c.Server.JWTSecret == "" {
		problems = append(problems, "server jwt secret")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", models.ErrConfiguration, strings.Join(problems, ", "))
	}
	return nil
}

func (l LLMConfig) missing(name string) []string {
	var problems []string
	switch l.Provider {
	case ProviderOpenAI:
		if l.Key == "" {
			problems = append(problems, name+" api key")
		}
	case ProviderOllama:
		if l.BaseURL == "" {
			problems = append(problems, name+" base url")
		}
	default:
		problems = append(problems, fmt.Sprintf("%s unknown provider %q", name, l.Provider))
	}
	if l.Model == "" {
		problems = append(problems, name+" model")
	}
	return problems
}
