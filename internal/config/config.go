// Package config resolves pipeline settings across the layered sources:
// built-in defaults, global user config, CODESTORY_ environment variables,
// local repo config, an explicit custom config file, and CLI flags, in
// rising precedence.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"codestory/internal/chunk"
	"codestory/internal/modelgroup"
	"codestory/internal/secretscan"
	"codestory/internal/semgroup"
)

// Config is the fully resolved settings set the orchestrator consumes.
type Config struct {
	Model                              string  `yaml:"model"`
	APIKey                             string  `yaml:"api_key"`
	APIBase                            string  `yaml:"api_base"`
	Temperature                        float64 `yaml:"temperature"`
	MaxTokens                          int     `yaml:"max_tokens"`
	RelevanceFiltering                 bool    `yaml:"relevance_filtering"`
	RelevanceFilterSimilarityThreshold float64 `yaml:"relevance_filter_similarity_threshold"`
	SecretScannerAggression            string  `yaml:"secret_scanner_aggression"`
	FallbackGroupingStrategy           string  `yaml:"fallback_grouping_strategy"`
	ChunkingLevel                      string  `yaml:"chunking_level"`
	CustomLanguageConfig               string  `yaml:"custom_language_config"`
	ClusterStrictness                  float64 `yaml:"cluster_strictness"`
	BatchingStrategy                   string  `yaml:"batching_strategy"`
	NumRetries                         int     `yaml:"num_retries"`
	FailOnSyntaxErrors                 bool    `yaml:"fail_on_syntax_errors"`
	AskForCommitMessage                bool    `yaml:"ask_for_commit_message"`
	DisplayDiffType                    string  `yaml:"display_diff_type"`
	AutoAccept                         bool    `yaml:"auto_accept"`
	Silent                             bool    `yaml:"silent"`
	Verbose                            bool    `yaml:"verbose"`
	CustomEmbeddingModel               string  `yaml:"custom_embedding_model"`
}

// Defaults returns the built-in bottom layer.
func Defaults() Config {
	return Config{
		Model:                              "genai:gemini-3-flash-preview",
		Temperature:                        0.2,
		MaxTokens:                          32000,
		RelevanceFilterSimilarityThreshold: 0.35,
		SecretScannerAggression:            string(secretscan.AggressionStandard),
		FallbackGroupingStrategy:           string(semgroup.FallbackByFile),
		ChunkingLevel:                      string(chunk.LevelAllFiles),
		ClusterStrictness:                  0.5,
		BatchingStrategy:                   string(modelgroup.BatchingAuto),
		NumRetries:                         2,
		DisplayDiffType:                    "semantic",
	}
}

// Layer is one configuration source: raw string values keyed by setting
// name.
type Layer map[string]string

type keySpec struct {
	name        string
	description string
	apply       func(cfg *Config, value string) error
}

func floatKey(target func(*Config) *float64, lo, hi float64) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		if f < lo || f > hi {
			return fmt.Errorf("%g out of range [%g, %g]", f, lo, hi)
		}
		*target(cfg) = f
		return nil
	}
}

func boolKey(target func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*target(cfg) = b
		return nil
	}
}

func stringKey(target func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		*target(cfg) = value
		return nil
	}
}

var keys = []keySpec{
	{"model", "model provider and name, as provider:name", stringKey(func(c *Config) *string { return &c.Model })},
	{"api_key", "model provider API key", stringKey(func(c *Config) *string { return &c.APIKey })},
	{"api_base", "model provider base URL override; stored only, the genai analyzer does not read it", stringKey(func(c *Config) *string { return &c.APIBase })},
	{"temperature", "model sampling temperature, 0 to 1; stored only, the genai analyzer samples at a fixed 0.2", floatKey(func(c *Config) *float64 { return &c.Temperature }, 0, 1)},
	{"max_tokens", "model context budget per request", func(cfg *Config, value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		if n <= 0 {
			return fmt.Errorf("%d must be positive", n)
		}
		cfg.MaxTokens = n
		return nil
	}},
	{"relevance_filtering", "score groups against the intent and drop low scorers", boolKey(func(c *Config) *bool { return &c.RelevanceFiltering })},
	{"relevance_filter_similarity_threshold", "minimum intent similarity, 0 to 1", floatKey(func(c *Config) *float64 { return &c.RelevanceFilterSimilarityThreshold }, 0, 1)},
	{"secret_scanner_aggression", "secret scanner level: none, safe, standard, strict", func(cfg *Config, value string) error {
		level, err := secretscan.ParseAggression(value)
		if err != nil {
			return err
		}
		cfg.SecretScannerAggression = string(level)
		return nil
	}},
	{"fallback_grouping_strategy", "grouping for unparseable files: all_together, by_file, by_extension", func(cfg *Config, value string) error {
		s, err := semgroup.ParseFallbackStrategy(value)
		if err != nil {
			return err
		}
		cfg.FallbackGroupingStrategy = string(s)
		return nil
	}},
	{"chunking_level", "hunk splitting: none, full_files, all_files", func(cfg *Config, value string) error {
		l, err := chunk.ParseLevel(value)
		if err != nil {
			return err
		}
		cfg.ChunkingLevel = string(l)
		return nil
	}},
	{"custom_language_config", "path to a language configuration JSON file", stringKey(func(c *Config) *string { return &c.CustomLanguageConfig })},
	{"cluster_strictness", "how aggressively the model merges groups, 0 to 1", floatKey(func(c *Config) *float64 { return &c.ClusterStrictness }, 0, 1)},
	{"batching_strategy", "model request batching: auto, requests, prompt", func(cfg *Config, value string) error {
		s, err := modelgroup.ParseBatchingStrategy(value)
		if err != nil {
			return err
		}
		cfg.BatchingStrategy = string(s)
		return nil
	}},
	{"num_retries", "model call retries, 0 to 10", func(cfg *Config, value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		if n < 0 || n > 10 {
			return fmt.Errorf("%d out of range [0, 10]", n)
		}
		cfg.NumRetries = n
		return nil
	}},
	{"fail_on_syntax_errors", "reject groups whose files stop parsing", boolKey(func(c *Config) *bool { return &c.FailOnSyntaxErrors })},
	{"ask_for_commit_message", "prompt for message confirmation per commit", boolKey(func(c *Config) *bool { return &c.AskForCommitMessage })},
	{"display_diff_type", "preview rendering: semantic or git", func(cfg *Config, value string) error {
		switch value {
		case "semantic", "git":
			cfg.DisplayDiffType = value
			return nil
		}
		return fmt.Errorf("unknown display diff type %q", value)
	}},
	{"auto_accept", "skip the confirmation prompt", boolKey(func(c *Config) *bool { return &c.AutoAccept })},
	{"silent", "suppress progress output", boolKey(func(c *Config) *bool { return &c.Silent })},
	{"verbose", "verbose progress output", boolKey(func(c *Config) *bool { return &c.Verbose })},
	{"custom_embedding_model", "embedding model override for the relevance filter", stringKey(func(c *Config) *string { return &c.CustomEmbeddingModel })},
}

func specFor(name string) *keySpec {
	for i := range keys {
		if keys[i].name == name {
			return &keys[i]
		}
	}
	return nil
}

// KnownKeys lists every setting name, sorted.
func KnownKeys() []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.name
	}
	sort.Strings(out)
	return out
}

// Describe returns a key's one-line description.
func Describe(name string) (string, error) {
	spec := specFor(name)
	if spec == nil {
		return "", fmt.Errorf("unknown configuration key %q", name)
	}
	return spec.description, nil
}

// Validate checks a single key/value pair without building a Config.
func Validate(name, value string) error {
	spec := specFor(name)
	if spec == nil {
		return fmt.Errorf("unknown configuration key %q", name)
	}
	probe := Defaults()
	if err := spec.apply(&probe, value); err != nil {
		return fmt.Errorf("invalid value for %s: %w", name, err)
	}
	return nil
}

// Resolve merges layers over the defaults. Later layers take precedence;
// pass them lowest first (global, env, local, custom file, flags).
func Resolve(layers ...Layer) (Config, error) {
	cfg := Defaults()
	for _, layer := range layers {
		names := make([]string, 0, len(layer))
		for name := range layer {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			spec := specFor(name)
			if spec == nil {
				return Config{}, fmt.Errorf("unknown configuration key %q", name)
			}
			if err := spec.apply(&cfg, layer[name]); err != nil {
				return Config{}, fmt.Errorf("invalid value for %s: %w", name, err)
			}
		}
	}
	return cfg, nil
}

const envPrefix = "CODESTORY_"

// FromEnv collects CODESTORY_-prefixed variables for the known keys.
func FromEnv() Layer {
	layer := Layer{}
	for _, k := range keys {
		envName := envPrefix + strings.ToUpper(k.name)
		if v, ok := os.LookupEnv(envName); ok {
			layer[k.name] = v
		}
	}
	return layer
}
