package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DefaultConfigPath returns ~/.cortex/config.toml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".cortex", "config.toml"), nil
}

// Load reads configuration from defaults, an optional TOML file, and the
// environment, in increasing order of precedence. An empty path looks for
// the default config file and silently skips it when absent.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	explicit := path != ""
	if !explicit {
		if p, err := DefaultConfigPath(); err == nil {
			path = p
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			switch {
			case errors.As(err, &notFound), !explicit && errors.Is(err, os.ErrNotExist):
			default:
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix("CORTEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	overrideWithEnv(cfg)
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.bind", d.Server.Bind)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.ollama_url", d.LLM.OllamaURL)
	v.SetDefault("llm.anthropic_key", d.LLM.AnthropicKey)
	v.SetDefault("llm.openai_key", d.LLM.OpenAIKey)
	v.SetDefault("llm.openai_url", d.LLM.OpenAIURL)
	v.SetDefault("llm.timeout", d.LLM.Timeout)

	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.url", d.Embedding.URL)
	v.SetDefault("embedding.api_key", d.Embedding.APIKey)
	v.SetDefault("embedding.dimensions", d.Embedding.Dimensions)

	v.SetDefault("extraction.provider", d.Extraction.Provider)
	v.SetDefault("extraction.url", d.Extraction.URL)
	v.SetDefault("extraction.api_key", d.Extraction.APIKey)
	v.SetDefault("extraction.threshold", d.Extraction.Threshold)
	v.SetDefault("extraction.timeout", d.Extraction.Timeout)

	v.SetDefault("graph.decay_rate", d.Graph.DecayRate)
	v.SetDefault("graph.half_life", d.Graph.HalfLife)
	v.SetDefault("graph.prune_floor", d.Graph.PruneFloor)
	v.SetDefault("graph.boost_increment", d.Graph.BoostIncrement)
	v.SetDefault("graph.reject_policy", d.Graph.RejectPolicy)
	v.SetDefault("graph.match_threshold", d.Graph.MatchThreshold)
	v.SetDefault("graph.link_threshold", d.Graph.LinkThreshold)
	v.SetDefault("graph.similar_notes", d.Graph.SimilarNotes)

	v.SetDefault("traversal.seed_count", d.Traversal.SeedCount)
	v.SetDefault("traversal.max_depth", d.Traversal.MaxDepth)
	v.SetDefault("traversal.max_results", d.Traversal.MaxResults)
	v.SetDefault("traversal.relevance_decay", d.Traversal.RelevanceDecay)
	v.SetDefault("traversal.entity_match_score", d.Traversal.EntityMatchScore)
	v.SetDefault("traversal.dominant_score", d.Traversal.DominantScore)
	v.SetDefault("traversal.context_nodes", d.Traversal.ContextNodes)
	v.SetDefault("traversal.min_seed_score", d.Traversal.MinSeedScore)

	v.SetDefault("schema.min_cluster", d.Schema.MinCluster)
	v.SetDefault("schema.cohesion", d.Schema.Cohesion)
	v.SetDefault("schema.separation", d.Schema.Separation)
	v.SetDefault("schema.evolve_interval", d.Schema.EvolveInterval)

	v.SetDefault("breaker.enabled", d.Breaker.Enabled)
	v.SetDefault("breaker.max_requests", d.Breaker.MaxRequests)
	v.SetDefault("breaker.interval", d.Breaker.Interval)
	v.SetDefault("breaker.timeout", d.Breaker.Timeout)
	v.SetDefault("breaker.ready_to_trip_ratio", d.Breaker.ReadyToTripRatio)
}

// overrideWithEnv applies the well-known provider variables that do not
// follow the CORTEX_ prefix.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.LLM.AnthropicKey == "" {
		cfg.LLM.AnthropicKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if cfg.LLM.OpenAIKey == "" {
			cfg.LLM.OpenAIKey = key
		}
		if cfg.Embedding.APIKey == "" {
			cfg.Embedding.APIKey = key
		}
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" && cfg.LLM.OpenAIURL == "" {
		cfg.LLM.OpenAIURL = url
	}
	if path := os.Getenv("CORTEX_DB"); path != "" {
		cfg.Database.Path = path
	}
}
