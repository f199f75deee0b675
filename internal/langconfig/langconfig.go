// Package langconfig resolves a file path to the tree-sitter query set that
// the scope indexer should run against it, and loads user-supplied overrides
// of that mapping from JSON.
package langconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// SharedTokenQueries splits identifier queries into definitions and general
// (i.e. reference) sites, per spec's language-configuration schema.
type SharedTokenQueries struct {
	General     []string `json:"general"`
	Definitions []string `json:"definitions"`
}

// LanguageConfig is one entry of the `language_name -> {...}` mapping spec.md
// defines: the root node name tree-sitter produces for a whole file, the
// scope queries delimiting named/anonymous scopes, the identifier queries
// split into general/definition roles, the comment queries, and whether
// cross-reference cohesion should follow identifiers across files of this
// language.
type LanguageConfig struct {
	RootNodeName            string             `json:"root_node_name"`
	ScopeQueries            []string           `json:"scope_queries"`
	SharedTokenQueries      SharedTokenQueries `json:"shared_token_queries"`
	CommentQueries          []string           `json:"comment_queries"`
	ShareTokensBetweenFiles bool               `json:"share_tokens_between_files"`
}

// Rule maps a glob pattern over repo-relative paths to a language name,
// letting a config route "cmd/**/*.go" and "internal/**/*.go" to the same
// "go" entry, or carve out an exception for generated files.
type Rule struct {
	Pattern  string `json:"pattern"`
	Language string `json:"language"`
}

// file is the on-disk shape of a custom language-config file
// (`--custom-language-config PATH`).
type file struct {
	Languages map[string]*LanguageConfig `json:"languages"`
	Rules     []Rule                     `json:"rules"`
}

// Registry resolves paths to LanguageConfigs. Safe for concurrent reads
// after LoadFile; the pipeline's scope indexer, including the one the
// filter chain's syntax validator uses, reads from the same registry and it
// is never mutated mid-run.
type Registry struct {
	mu        sync.RWMutex
	languages map[string]*LanguageConfig
	rules     []Rule
	extByLang map[string][]string // built-in extension fallbacks, e.g. "go" -> [".go"]
}

// NewRegistry returns a registry pre-seeded with the built-in Go,
// JavaScript/TypeScript, and Python configurations.
func NewRegistry() *Registry {
	r := &Registry{
		languages: map[string]*LanguageConfig{
			"go":         goConfig(),
			"javascript": jsConfig(),
			"typescript": jsConfig(),
			"python":     pythonConfig(),
		},
		extByLang: map[string][]string{
			"go":         {".go"},
			"javascript": {".js", ".jsx", ".mjs", ".cjs"},
			"typescript": {".ts", ".tsx"},
			"python":     {".py"},
		},
	}
	r.rebuildRules()
	return r
}

// rebuildRules derives glob rules from the built-in extension table; custom
// rules loaded from a config file are placed before them and take precedence
// since Resolve checks rules in order and returns the first match.
func (r *Registry) rebuildRules() {
	var rules []Rule
	for lang, exts := range r.extByLang {
		for _, ext := range exts {
			rules = append(rules, Rule{Pattern: "**/*" + ext, Language: lang})
		}
	}
	r.rules = append(rules, r.rules...)
}

// LoadFile merges a custom language-config JSON file into the registry.
// Entries under the same language name replace the built-in entirely
// (languages are not deep-merged); new rules are prepended so they are
// tried before the extension-derived defaults.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading language config %s: %w", path, err)
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing language config %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, cfg := range f.Languages {
		r.languages[name] = cfg
	}
	r.rules = append(f.Rules, r.rules...)

	return nil
}

// Resolve returns the language name and config for a repo-relative path,
// trying rules in registration order (custom rules first, then the
// built-in extension fallbacks) and falling back to (false) when nothing
// matches, signaling fallback mode to the caller.
func (r *Registry) Resolve(path string) (lang string, cfg *LanguageConfig, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rule := range r.rules {
		matched, err := doublestar.Match(rule.Pattern, path)
		if err != nil || !matched {
			continue
		}
		if cfg, exists := r.languages[rule.Language]; exists {
			return rule.Language, cfg, true
		}
	}
	return "", nil, false
}

// Languages returns every language name currently registered.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.languages))
	for name := range r.languages {
		names = append(names, name)
	}
	return names
}

func goConfig() *LanguageConfig {
	return &LanguageConfig{
		RootNodeName: "source_file",
		ScopeQueries: []string{
			`(function_declaration) @placeholder`,
			`(method_declaration) @placeholder`,
			`(type_declaration) @placeholder`,
			`(func_literal) @placeholder`,
		},
		SharedTokenQueries: SharedTokenQueries{
			Definitions: []string{
				`(function_declaration name: (identifier) @placeholder.name) @placeholder`,
				`(method_declaration name: (field_identifier) @placeholder.name) @placeholder`,
				`(type_spec name: (type_identifier) @placeholder.name) @placeholder`,
				`(const_spec name: (identifier) @placeholder.name) @placeholder`,
				`(var_spec name: (identifier) @placeholder.name) @placeholder`,
			},
			General: []string{
				`(identifier) @placeholder.name @placeholder`,
				`(selector_expression field: (field_identifier) @placeholder.name) @placeholder`,
			},
		},
		CommentQueries:          []string{`(comment) @placeholder`},
		ShareTokensBetweenFiles: true,
	}
}

func jsConfig() *LanguageConfig {
	return &LanguageConfig{
		RootNodeName: "program",
		ScopeQueries: []string{
			`(function_declaration) @placeholder`,
			`(function) @placeholder`,
			`(arrow_function) @placeholder`,
			`(class_declaration) @placeholder`,
			`(method_definition) @placeholder`,
		},
		SharedTokenQueries: SharedTokenQueries{
			Definitions: []string{
				`(function_declaration name: (identifier) @placeholder.name) @placeholder`,
				`(class_declaration name: (identifier) @placeholder.name) @placeholder`,
				`(variable_declarator name: (identifier) @placeholder.name) @placeholder`,
				`(method_definition name: (property_identifier) @placeholder.name) @placeholder`,
			},
			General: []string{
				`(identifier) @placeholder.name @placeholder`,
				`(member_expression property: (property_identifier) @placeholder.name) @placeholder`,
			},
		},
		CommentQueries:          []string{`(comment) @placeholder`},
		ShareTokensBetweenFiles: true,
	}
}

func pythonConfig() *LanguageConfig {
	return &LanguageConfig{
		RootNodeName: "module",
		ScopeQueries: []string{
			`(function_definition) @placeholder`,
			`(class_definition) @placeholder`,
		},
		SharedTokenQueries: SharedTokenQueries{
			Definitions: []string{
				`(function_definition name: (identifier) @placeholder.name) @placeholder`,
				`(class_definition name: (identifier) @placeholder.name) @placeholder`,
				`(assignment left: (identifier) @placeholder.name) @placeholder`,
			},
			General: []string{
				`(identifier) @placeholder.name @placeholder`,
				`(attribute attribute: (identifier) @placeholder.name) @placeholder`,
			},
		},
		CommentQueries:          []string{`(comment) @placeholder`},
		ShareTokensBetweenFiles: true,
	}
}
