package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// OpenAIConfig holds connection settings for an OpenAI-compatible endpoint.
// Ollama serves this API under /v1, which is the default.
type OpenAIConfig struct {
	BaseURL     string `yaml:"base_url" validate:"required,url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	TimeoutSecs int    `yaml:"timeout_secs" validate:"gte=0"`
}

// LLMConfig configures the chat model used to answer questions.
type LLMConfig struct {
	Model string `yaml:"model" validate:"required"`
}

// EmbedderConfig selects and configures the text embedder implementation.
type EmbedderConfig struct {
	Type      string `yaml:"type" validate:"oneof=openai hash"`
	Model     string `yaml:"model" validate:"required"`
	BatchSize int    `yaml:"batch_size" validate:"gt=0"`
	// Dimension is only used by the hash embedder.
	Dimension int `yaml:"dimension" validate:"gte=0"`
}

// ChunkerConfig configures how documents are split into chunks.
type ChunkerConfig struct {
	ChunkSize    int `yaml:"chunk_size" validate:"gt=0"`
	ChunkOverlap int `yaml:"chunk_overlap" validate:"gte=0,ltfield=ChunkSize"`
}

// VectorStoreConfig selects and configures the vector store implementation.
type VectorStoreConfig struct {
	Type   string        `yaml:"type" validate:"oneof=bolt qdrant memory"`
	Path   string        `yaml:"path" validate:"required_if=Type bolt"`
	Qdrant *QdrantConfig `yaml:"qdrant,omitempty" validate:"required_if=Type qdrant"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	URL         string `yaml:"url" validate:"required,url"`
	APIKey      string `yaml:"api_key"`
	Collection  string `yaml:"collection" validate:"required"`
	TimeoutSecs int    `yaml:"timeout_secs" validate:"gte=0"`
}

// PathsConfig lists the directories documents are read from.
type PathsConfig struct {
	DataPath  string `yaml:"data_path"`
	UploadDir string `yaml:"upload_dir" validate:"required"`
}

// RetrievalConfig configures query-time retrieval.
type RetrievalConfig struct {
	TopK int `yaml:"top_k" validate:"gt=0"`
}

// SummarizerConfig configures the ingest summary.
type SummarizerConfig struct {
	MaxSentences int `yaml:"max_sentences" validate:"gte=0"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
	File   string `yaml:"file"`
}

// ServerConfig configures the HTTP front end.
type ServerConfig struct {
	Addr          string `yaml:"addr" validate:"required"`
	MaxUploadMB   int    `yaml:"max_upload_mb" validate:"gt=0"`
	ShutdownSecs  int    `yaml:"shutdown_secs" validate:"gte=0"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	OpenAI      OpenAIConfig      `yaml:"openai"`
	LLM         LLMConfig         `yaml:"llm"`
	Embedder    EmbedderConfig    `yaml:"embedder"`
	Chunker     ChunkerConfig     `yaml:"chunker"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Paths       PathsConfig       `yaml:"paths"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Summarizer  SummarizerConfig  `yaml:"summarizer"`
	Log         LogConfig         `yaml:"log"`
	Server      ServerConfig      `yaml:"server"`
}

// Load reads a config from a specified path. If the file does not exist,
// defaults are used. Environment overrides are applied last.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return finish(Default())
		}
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return finish(cfg)
}

// LoadDefault tries ./config.yaml first, then ~/.config/localrag/config.yaml.
// If neither exists, it writes defaults to the user path and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	if err := Save(userPath, Default()); err != nil {
		return nil, "", err
	}
	cfg, err := finish(Default())
	return cfg, userPath, err
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks field constraints.
func (c *AppConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *AppConfig {
	return &AppConfig{
		OpenAI:      OpenAIConfig{BaseURL: "http://localhost:11434/v1", APIKeyEnv: "OPENAI_API_KEY", TimeoutSecs: 120},
		LLM:         LLMConfig{Model: "llama3"},
		Embedder:    EmbedderConfig{Type: "openai", Model: "nomic-embed-text", BatchSize: 32, Dimension: 256},
		Chunker:     ChunkerConfig{ChunkSize: 1000, ChunkOverlap: 200},
		VectorStore: VectorStoreConfig{Type: "bolt", Path: filepath.Join("data", "vector_store")},
		Paths: PathsConfig{
			DataPath:  filepath.Join("data", "source_docs"),
			UploadDir: filepath.Join("data", "uploads"),
		},
		Retrieval:  RetrievalConfig{TopK: 5},
		Summarizer: SummarizerConfig{MaxSentences: 3},
		Log:        LogConfig{Level: "info", Format: "console"},
		Server:     ServerConfig{Addr: ":8080", MaxUploadMB: 64, ShutdownSecs: 10, EnableMetrics: true},
	}
}

func finish(cfg *AppConfig) (*AppConfig, error) {
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "localrag", "config.yaml"), nil
}

// applyEnv overlays the environment variables the assistant has always
// honoured on top of the file configuration.
func applyEnv(cfg *AppConfig, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("MODEL_NAME", &cfg.LLM.Model)
	str("EMBEDDING_MODEL", &cfg.Embedder.Model)
	str("EMBEDDER", &cfg.Embedder.Type)
	str("DATA_PATH", &cfg.Paths.DataPath)
	str("UPLOAD_DIR", &cfg.Paths.UploadDir)
	str("VECTOR_STORE", &cfg.VectorStore.Type)
	str("VECTOR_STORE_PATH", &cfg.VectorStore.Path)
	str("OLLAMA_BASE_URL", &cfg.OpenAI.BaseURL)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LISTEN_ADDR", &cfg.Server.Addr)
	for key, dst := range map[string]*int{
		"CHUNK_SIZE":    &cfg.Chunker.ChunkSize,
		"CHUNK_OVERLAP": &cfg.Chunker.ChunkOverlap,
		"RETRIEVAL_K":   &cfg.Retrieval.TopK,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	return nil
}
