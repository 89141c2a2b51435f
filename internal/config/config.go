package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"policyqa/internal/chunker"
	"policyqa/internal/embedding"
	"policyqa/internal/vectorstore"
)

// SegmenterConfig bounds clause size and overlap, in characters.
type SegmenterConfig struct {
	MaxClauseChars int `yaml:"max_clause_chars"`
	OverlapChars   int `yaml:"overlap_chars"`
}

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL           string  `yaml:"base_url"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	Model             string  `yaml:"model"`
	TimeoutSecs       int     `yaml:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// EmbedderConfig selects the model and tunes the adapter around it.
type EmbedderConfig struct {
	Type       string                `yaml:"type"`
	BatchSize  int                   `yaml:"batch_size"`
	Workers    int                   `yaml:"workers"`
	MaxRetries *int                  `yaml:"max_retries,omitempty"`
	Cache      *bool                 `yaml:"cache,omitempty"`
	Normalize  *bool                 `yaml:"normalize,omitempty"`
	OpenAI     *OpenAIEmbedderConfig `yaml:"openai,omitempty"`
}

// QdrantConfig contains connection details for a Qdrant server.
type QdrantConfig struct {
	Addr        string `yaml:"addr"`
	Collection  string `yaml:"collection"`
	TimeoutSecs int    `yaml:"timeout_secs"`
	Exact       bool   `yaml:"exact"`
}

// IndexConfig selects the vector index.
type IndexConfig struct {
	Type   string        `yaml:"type"`
	Qdrant *QdrantConfig `yaml:"qdrant,omitempty"`
}

// RetrievalConfig holds query defaults.
type RetrievalConfig struct {
	TopK      int      `yaml:"top_k"`
	Threshold *float64 `yaml:"threshold,omitempty"`
	MergeTop  int      `yaml:"merge_top"`
}

// SummarizerConfig configures the ingest summary.
type SummarizerConfig struct {
	MaxSentences int `yaml:"max_sentences"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Segmenter  SegmenterConfig  `yaml:"segmenter"`
	Embedder   EmbedderConfig   `yaml:"embedder"`
	Index      IndexConfig      `yaml:"index"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// Load reads a config from path. A missing file yields the defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyConfigDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/policyqa/config.yaml.
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
	cfg := Default()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
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

// Validate rejects settings no component can honour.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Segmenter.MaxClauseChars <= 0 {
		errs = append(errs, errors.New("segmenter.max_clause_chars must be positive"))
	}
	if c.Segmenter.OverlapChars < 0 || c.Segmenter.OverlapChars >= c.Segmenter.MaxClauseChars {
		errs = append(errs, errors.New("segmenter.overlap_chars must be in [0, max_clause_chars)"))
	}
	switch c.Embedder.Type {
	case "tfidf":
	case "openai":
		if c.Embedder.OpenAI == nil {
			errs = append(errs, errors.New("embedder.openai section is required for type openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown embedder type %q", c.Embedder.Type))
	}
	if c.Embedder.MaxRetries != nil && *c.Embedder.MaxRetries < 0 {
		errs = append(errs, errors.New("embedder.max_retries must not be negative"))
	}
	switch c.Index.Type {
	case "memory":
	case "qdrant":
		if c.Index.Qdrant == nil || c.Index.Qdrant.Addr == "" {
			errs = append(errs, errors.New("index.qdrant.addr is required for type qdrant"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown index type %q", c.Index.Type))
	}
	if c.Retrieval.TopK < 0 {
		errs = append(errs, errors.New("retrieval.top_k must not be negative"))
	}
	if t := c.Retrieval.Threshold; t != nil && (*t < -1 || *t > 1) {
		errs = append(errs, errors.New("retrieval.threshold must be within [-1, 1]"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "policyqa", "config.yaml"), nil
}

// Default returns the configuration used when no file exists.
func Default() *AppConfig {
	cfg := &AppConfig{}
	applyConfigDefaults(cfg)
	return cfg
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Segmenter.MaxClauseChars == 0 {
		cfg.Segmenter.MaxClauseChars = chunker.DefaultMaxClauseChars
		if cfg.Segmenter.OverlapChars == 0 {
			cfg.Segmenter.OverlapChars = chunker.DefaultOverlapChars
		}
	}
	if cfg.Embedder.Type == "" {
		cfg.Embedder.Type = "tfidf"
	}
	if cfg.Embedder.BatchSize == 0 {
		cfg.Embedder.BatchSize = embedding.DefaultBatchSize
	}
	if cfg.Embedder.Workers == 0 {
		cfg.Embedder.Workers = embedding.DefaultWorkers
	}
	if cfg.Embedder.MaxRetries == nil {
		n := embedding.DefaultMaxRetries
		cfg.Embedder.MaxRetries = &n
	}
	if cfg.Embedder.Cache == nil {
		on := true
		cfg.Embedder.Cache = &on
	}
	if cfg.Embedder.Normalize == nil {
		on := true
		cfg.Embedder.Normalize = &on
	}
	if cfg.Embedder.Type == "openai" && cfg.Embedder.OpenAI == nil {
		cfg.Embedder.OpenAI = &OpenAIEmbedderConfig{}
	}
	if o := cfg.Embedder.OpenAI; o != nil {
		if o.BaseURL == "" {
			o.BaseURL = "https://api.openai.com/v1"
		}
		if o.APIKeyEnv == "" {
			o.APIKeyEnv = "OPENAI_API_KEY"
		}
		if o.Model == "" {
			o.Model = "text-embedding-3-small"
		}
		if o.TimeoutSecs == 0 {
			o.TimeoutSecs = 30
		}
	}
	if cfg.Index.Type == "" {
		cfg.Index.Type = "memory"
	}
	if q := cfg.Index.Qdrant; q != nil {
		if q.Collection == "" {
			q.Collection = "policyqa"
		}
		if q.TimeoutSecs == 0 {
			q.TimeoutSecs = 15
		}
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = vectorstore.DefaultTopK
	}
	if cfg.Retrieval.MergeTop == 0 {
		cfg.Retrieval.MergeTop = 1
	}
	if cfg.Summarizer.MaxSentences == 0 {
		cfg.Summarizer.MaxSentences = 3
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
