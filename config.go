package anima

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds all configuration for the anima engine.
type Config struct {
	// DBPath is the full path to the persona-metadata SQLite database.
	// If empty, defaults to ~/.anima/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the metadata database (used when DBPath is
	// empty). Defaults to "anima". The file will be <DBName>.db inside
	// the storage directory (~/.anima/ or the working dir).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the databases are created when DBPath is
	// not explicitly set. Options: "home" (default) uses ~/.anima/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// CollectionsDir holds one SQLite file per persona's vector+lexical
	// collection, named <collection_id>.db. Defaults alongside DBPath.
	CollectionsDir string `json:"collections_dir" yaml:"collections_dir"`

	// LLM providers
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// Chunking
	WindowChars  int `json:"window_chars" yaml:"window_chars"`
	OverlapChars int `json:"overlap_chars" yaml:"overlap_chars"`

	// Embedding dimension (must match the embedding model and the
	// collection's declared vector dimension)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// Ingestion
	IngestConcurrency int `json:"ingest_concurrency" yaml:"ingest_concurrency"` // bounded worker count per batch
	EmbedBatchSize    int `json:"embed_batch_size" yaml:"embed_batch_size"`

	// AgentLoop
	IterationCap     int           `json:"iteration_cap" yaml:"iteration_cap"`
	ToolCallSoftCap  int           `json:"tool_call_soft_cap" yaml:"tool_call_soft_cap"`
	MaxFeedbackItems int           `json:"max_feedback_items" yaml:"max_feedback_items"`
	ToolTimeout      time.Duration `json:"tool_timeout" yaml:"tool_timeout"`
	RequestTimeout   time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// AuthRequired, when set, makes the bearer-auth middleware verify
	// persisted per-owner API key hashes; when unset, the caller's owner
	// id is taken from the X-Owner-Id header without verification.
	AuthRequired bool `json:"auth_required" yaml:"auth_required"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openrouter, xai, gemini, groq, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Metadata is stored in ~/.anima/anima.db by default, collections in
// ~/.anima/collections/<collection_id>.db.
func DefaultConfig() Config {
	return Config{
		DBName:     "anima",
		StorageDir: "home",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		WindowChars:       800,
		OverlapChars:      100,
		EmbeddingDim:      768,
		IngestConcurrency: 8,
		EmbedBatchSize:    32,
		IterationCap:      20,
		ToolCallSoftCap:   10,
		MaxFeedbackItems:  12,
		ToolTimeout:       30 * time.Second,
		RequestTimeout:    180 * time.Second,
	}
}

// resolveDBPath computes the final metadata database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "anima"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		dir := filepath.Join(home, ".anima")
		return filepath.Join(dir, name+".db")
	}
}

// resolveCollectionsDir computes the directory holding one sqlite file
// per collection_id.
func (c *Config) resolveCollectionsDir() string {
	if c.CollectionsDir != "" {
		return c.CollectionsDir
	}
	base := filepath.Dir(c.resolveDBPath())
	return filepath.Join(base, "collections")
}
