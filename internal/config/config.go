package config

import (
	"fmt"
	"time"
)

// Config holds all cortex configuration.
type Config struct {
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Database   DatabaseConfig   `toml:"database" mapstructure:"database"`
	LLM        LLMConfig        `toml:"llm" mapstructure:"llm"`
	Embedding  EmbeddingConfig  `toml:"embedding" mapstructure:"embedding"`
	Extraction ExtractionConfig `toml:"extraction" mapstructure:"extraction"`
	Graph      GraphConfig      `toml:"graph" mapstructure:"graph"`
	Traversal  TraversalConfig  `toml:"traversal" mapstructure:"traversal"`
	Schema     SchemaConfig     `toml:"schema" mapstructure:"schema"`
	Breaker    BreakerConfig    `toml:"breaker" mapstructure:"breaker"`
}

type ServerConfig struct {
	Bind string `toml:"bind" mapstructure:"bind"`
	Port int    `toml:"port" mapstructure:"port"`
}

type DatabaseConfig struct {
	Path string `toml:"path" mapstructure:"path"`
}

type LLMConfig struct {
	Provider     string        `toml:"provider" mapstructure:"provider"` // "ollama", "anthropic", "openai", "none"
	Model        string        `toml:"model" mapstructure:"model"`
	OllamaURL    string        `toml:"ollama_url" mapstructure:"ollama_url"`
	AnthropicKey string        `toml:"anthropic_key" mapstructure:"anthropic_key"`
	OpenAIKey    string        `toml:"openai_key" mapstructure:"openai_key"`
	OpenAIURL    string        `toml:"openai_url" mapstructure:"openai_url"` // any OpenAI-compatible endpoint
	Timeout      time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type EmbeddingConfig struct {
	Provider   string `toml:"provider" mapstructure:"provider"` // "ollama", "openai", "hash"
	Model      string `toml:"model" mapstructure:"model"`
	URL        string `toml:"url" mapstructure:"url"`
	APIKey     string `toml:"api_key" mapstructure:"api_key"`
	Dimensions int    `toml:"dimensions" mapstructure:"dimensions"`
}

type ExtractionConfig struct {
	Provider  string        `toml:"provider" mapstructure:"provider"` // "heuristic", "gliner", "llm"
	URL       string        `toml:"url" mapstructure:"url"`
	APIKey    string        `toml:"api_key" mapstructure:"api_key"`
	Threshold float64       `toml:"threshold" mapstructure:"threshold"`
	Timeout   time.Duration `toml:"timeout" mapstructure:"timeout"`
}

// GraphConfig controls edge weight dynamics and entity resolution.
type GraphConfig struct {
	DecayRate      float64       `toml:"decay_rate" mapstructure:"decay_rate"`
	HalfLife       time.Duration `toml:"half_life" mapstructure:"half_life"`
	PruneFloor     float64       `toml:"prune_floor" mapstructure:"prune_floor"`
	BoostIncrement float64       `toml:"boost_increment" mapstructure:"boost_increment"`
	RejectPolicy   string        `toml:"reject_policy" mapstructure:"reject_policy"` // "instance" or "pattern"
	MatchThreshold float64       `toml:"match_threshold" mapstructure:"match_threshold"`
	LinkThreshold  float64       `toml:"link_threshold" mapstructure:"link_threshold"`
	SimilarNotes   int           `toml:"similar_notes" mapstructure:"similar_notes"`
}

type TraversalConfig struct {
	SeedCount        int     `toml:"seed_count" mapstructure:"seed_count"`
	MaxDepth         int     `toml:"max_depth" mapstructure:"max_depth"`
	MaxResults       int     `toml:"max_results" mapstructure:"max_results"`
	RelevanceDecay   float64 `toml:"relevance_decay" mapstructure:"relevance_decay"`
	EntityMatchScore float64 `toml:"entity_match_score" mapstructure:"entity_match_score"`
	DominantScore    float64 `toml:"dominant_score" mapstructure:"dominant_score"`
	ContextNodes     int     `toml:"context_nodes" mapstructure:"context_nodes"`
	MinSeedScore     float64 `toml:"min_seed_score" mapstructure:"min_seed_score"` // seeds below this similarity are ignored
}

type SchemaConfig struct {
	MinCluster     int           `toml:"min_cluster" mapstructure:"min_cluster"`
	Cohesion       float64       `toml:"cohesion" mapstructure:"cohesion"`
	Separation     float64       `toml:"separation" mapstructure:"separation"`
	EvolveInterval time.Duration `toml:"evolve_interval" mapstructure:"evolve_interval"` // 0 disables the background pass
}

// BreakerConfig configures the circuit breakers around external capabilities.
type BreakerConfig struct {
	Enabled          bool          `toml:"enabled" mapstructure:"enabled"`
	MaxRequests      uint32        `toml:"max_requests" mapstructure:"max_requests"`
	Interval         time.Duration `toml:"interval" mapstructure:"interval"`
	Timeout          time.Duration `toml:"timeout" mapstructure:"timeout"`
	ReadyToTripRatio float64       `toml:"ready_to_trip_ratio" mapstructure:"ready_to_trip_ratio"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		LLM: LLMConfig{
			Provider:  "ollama",
			Model:     "llama3.2",
			OllamaURL: "http://localhost:11434",
			Timeout:   30 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			URL:        "http://localhost:11434",
			Dimensions: 768,
		},
		Extraction: ExtractionConfig{
			Provider:  "heuristic",
			URL:       "http://localhost:8000",
			Threshold: 0.5,
			Timeout:   10 * time.Second,
		},
		Graph: GraphConfig{
			DecayRate:      0.5,
			HalfLife:       30 * 24 * time.Hour,
			PruneFloor:     0.05,
			BoostIncrement: 0.1,
			RejectPolicy:   "instance",
			MatchThreshold: 0.85,
			LinkThreshold:  0.7,
			SimilarNotes:   3,
		},
		Traversal: TraversalConfig{
			SeedCount:        5,
			MaxDepth:         2,
			MaxResults:       10,
			RelevanceDecay:   0.7,
			EntityMatchScore: 0.95,
			DominantScore:    0.9,
			ContextNodes:     10,
			MinSeedScore:     0.2,
		},
		Schema: SchemaConfig{
			MinCluster: 5,
			Cohesion:   0.8,
			Separation: 0.6,
		},
		Breaker: BreakerConfig{
			Enabled:          true,
			MaxRequests:      1,
			Interval:         60 * time.Second,
			Timeout:          30 * time.Second,
			ReadyToTripRatio: 0.6,
		},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
