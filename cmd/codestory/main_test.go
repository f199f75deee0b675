package main

import (
	"os"
	"path/filepath"
	"testing"

	"codestory/internal/config"
)

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "codestory" {
		t.Errorf("expected Use 'codestory', got %q", rootCmd.Use)
	}
	if rootCmd.Short == "" {
		t.Error("Short description should not be empty")
	}
	for _, cmd := range []struct {
		name string
		use  string
	}{
		{"commit", commitCmd.Use},
		{"fix", fixCmd.Use},
		{"clean", cleanCmd.Use},
		{"report", reportCmd.Use},
		{"config", configCmd.Use},
		{"prune", pruneCmd.Use},
	} {
		found := false
		for _, sub := range rootCmd.Commands() {
			if sub.Use == cmd.use {
				found = true
			}
		}
		if !found {
			t.Errorf("%s not wired into root", cmd.name)
		}
	}
}

func TestPipelineCommandsCarrySettingFlags(t *testing.T) {
	for _, cmd := range []struct {
		name string
		has  func(string) bool
	}{
		{"commit", func(n string) bool { return commitCmd.Flags().Lookup(n) != nil }},
		{"fix", func(n string) bool { return fixCmd.Flags().Lookup(n) != nil }},
		{"clean", func(n string) bool { return cleanCmd.Flags().Lookup(n) != nil }},
	} {
		for _, flag := range []string{"model", "auto-accept", "secret-scanner-aggression", "chunking-level"} {
			if !cmd.has(flag) {
				t.Errorf("%s missing --%s", cmd.name, flag)
			}
		}
	}
	if commitCmd.Flags().Lookup("intent") == nil {
		t.Error("commit missing --intent")
	}
	if cleanCmd.Flags().Lookup("min-size") == nil {
		t.Error("clean missing --min-size")
	}
}

func TestFlagLayer_OnlyChangedConfigFlags(t *testing.T) {
	if err := commitCmd.Flags().Set("model", "heuristic:none"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := commitCmd.Flags().Set("num-retries", "7"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := commitCmd.Flags().Set("intent", "tidy up"); err != nil {
		t.Fatalf("set: %v", err)
	}

	layer := flagLayer(commitCmd)
	if layer["model"] != "heuristic:none" {
		t.Errorf("model = %q", layer["model"])
	}
	if layer["num_retries"] != "7" {
		t.Errorf("num_retries = %q", layer["num_retries"])
	}
	if _, ok := layer["intent"]; ok {
		t.Error("intent is not a config key and must stay out of the layer")
	}
	if _, ok := layer["temperature"]; ok {
		t.Error("unchanged flags must stay out of the layer")
	}
}

func TestResolveConfig_Precedence(t *testing.T) {
	globalDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", globalDir)
	repoRoot := t.TempDir()

	write := func(path, content string) {
		t.Helper()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(filepath.Join(globalDir, "codestory", "config.yaml"), "model: \"genai:global\"\nnum_retries: \"1\"\n")
	t.Setenv("CODESTORY_MODEL", "genai:env")
	write(config.LocalPath(repoRoot), "model: \"genai:local\"\n")

	custom := filepath.Join(repoRoot, "custom.yaml")
	write(custom, "model: \"genai:custom\"\n")
	flagConfigFile = custom
	defer func() { flagConfigFile = "" }()

	cfg, err := resolveConfig(fixCmd, repoRoot)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Model != "genai:custom" {
		t.Errorf("custom file must beat local, env, global: %q", cfg.Model)
	}
	if cfg.NumRetries != 1 {
		t.Errorf("global num_retries must survive: %d", cfg.NumRetries)
	}

	flagConfigFile = ""
	cfg, err = resolveConfig(fixCmd, repoRoot)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Model != "genai:local" {
		t.Errorf("local must beat env and global: %q", cfg.Model)
	}
}

func TestRunConfig_SetGetDelete(t *testing.T) {
	repoRoot := t.TempDir()
	flagRepo = repoRoot
	flagScope = "local"
	flagDelete = false
	flagDeleteAll = false
	flagDescribe = false
	defer func() { flagRepo = "." }()

	if err := runConfig(configCmd, []string{"chunking_level", "none"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	store := config.NewStore(config.LocalPath(repoRoot))
	v, ok, err := store.Get("chunking_level")
	if err != nil || !ok || v != "none" {
		t.Fatalf("get = %q, %t, %v", v, ok, err)
	}

	if err := runConfig(configCmd, []string{"chunking_level", "bogus"}); err == nil {
		t.Error("invalid value must be rejected")
	}

	flagDelete = true
	if err := runConfig(configCmd, []string{"chunking_level"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	flagDelete = false
	if _, ok, _ := store.Get("chunking_level"); ok {
		t.Error("key should be gone after delete")
	}
}

func TestSplitModel(t *testing.T) {
	for _, tc := range []struct {
		in, provider, name string
	}{
		{"genai:gemini-3-flash-preview", "genai", "gemini-3-flash-preview"},
		{"heuristic:", "heuristic", ""},
		{"gemini-3-pro", "genai", "gemini-3-pro"},
	} {
		p, n := splitModel(tc.in)
		if p != tc.provider || n != tc.name {
			t.Errorf("splitModel(%q) = %q, %q", tc.in, p, n)
		}
	}
}

func TestMaskSecret(t *testing.T) {
	if got := maskSecret(""); got != "" {
		t.Errorf("empty = %q", got)
	}
	if got := maskSecret("ab"); got != "****" {
		t.Errorf("short = %q", got)
	}
	if got := maskSecret("sk-abcdef1234"); got != "****1234" {
		t.Errorf("long = %q", got)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q", got)
	}
}
