// Package main provides the codestory CLI.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"codestory/internal/config"
	"codestory/internal/embedding"
	"codestory/internal/gitio"
	"codestory/internal/graph"
	"codestory/internal/modelgroup"
	"codestory/internal/orchestrator"
	"codestory/internal/report"
)

const (
	codestoryDir = ".codestory"
	ledgerFile   = "ledger.db"
	objectsDir   = "objects"
)

// Version is the current codestory CLI version
var Version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:           "codestory",
	Short:         "codestory - decompose changes into atomic, reviewable commits",
	Long:          `codestory turns an unstructured pile of source changes into a sequence of atomic, logically grouped git commits. It chunks the diff, groups chunks by the code structures they touch, filters out secrets and noise, asks a model to propose logical commits, and writes the chain with content-addressed safety against concurrent ref moves.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Command groups for organized help output
const (
	groupPipeline = "pipeline"
	groupSupport  = "support"
)

var commitCmd = &cobra.Command{
	Use:     "commit [pathspec...]",
	Short:   "Split the working tree into atomic commits",
	GroupID: groupPipeline,
	Long: `Split the uncommitted working tree changes into a chain of atomic
commits on the current branch.

Pathspecs restrict which files are considered:

  codestory commit                   # everything that changed
  codestory commit src/ '**/*.go'    # only matching paths
  codestory commit --intent "fix the retry loop"`,
	RunE: runCommit,
}

var fixCmd = &cobra.Command{
	Use:     "fix <rev>",
	Short:   "Split an existing commit in place",
	GroupID: groupPipeline,
	Long: `Rewrite one existing commit as a chain of atomic commits with the
same final tree. Descendant commits are rebased on top, and the branch
ref moves in a single compare-and-swap.

  codestory fix HEAD
  codestory fix abc123def`,
	Args: cobra.ExactArgs(1),
	RunE: runFix,
}

var cleanCmd = &cobra.Command{
	Use:     "clean [rev]",
	Short:   "Rewrite a linear run of history into atomic commits",
	GroupID: groupPipeline,
	Long: `Walk the linear history ending at rev (default: the branch tip)
back to the root or the nearest merge, and rewrite every commit on the
way with fix semantics. Commits below --min-size changed lines are kept
intact and re-parented.

  codestory clean
  codestory clean HEAD~3 --min-size 5`,
	Args: cobra.MaximumNArgs(1),
	RunE: runClean,
}

var reportCmd = &cobra.Command{
	Use:     "report [run-id]",
	Short:   "Replay a past run from the ledger",
	GroupID: groupSupport,
	Long: `Print what a past run decided: the commits it wrote and the groups
it rejected, reconstructed from the run ledger without redoing any
pipeline work. With no run id the most recent run is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReport,
}

var configCmd = &cobra.Command{
	Use:     "config [key] [value]",
	Short:   "Read and write configuration",
	GroupID: groupSupport,
	Long: `Read and write codestory configuration.

  codestory config                          # list effective settings
  codestory config model                    # show one value
  codestory config model genai:gemini-3-pro # set locally
  codestory config --scope global api_key sk-...
  codestory config --delete api_key
  codestory config --describe model`,
	Args: cobra.MaximumNArgs(2),
	RunE: runConfig,
}

var pruneCmd = &cobra.Command{
	Use:     "prune",
	Short:   "Garbage collect unreferenced ledger data",
	GroupID: groupSupport,
	Long: `Sweep ledger nodes and objects no live run references. Rejected
groups are kept for inspection unless --aggressive is set.

  codestory prune --dry-run
  codestory prune --since 30 --yes`,
	RunE: runPrune,
}

var (
	flagRepo       string
	flagConfigFile string

	flagIntent  string
	flagMinSize int

	flagScope     string
	flagDelete    bool
	flagDeleteAll bool
	flagDescribe  bool

	flagDryRun     bool
	flagSinceDays  int
	flagAggressive bool
	flagYes        bool

	flagModel               string
	flagAPIKey              string
	flagAPIBase             string
	flagTemperature         float64
	flagMaxTokens           int
	flagRelevance           bool
	flagRelevanceThreshold  float64
	flagSecretAggression    string
	flagFallbackStrategy    string
	flagChunkingLevel       string
	flagLanguageConfig      string
	flagClusterStrictness   float64
	flagBatchingStrategy    string
	flagNumRetries          int
	flagFailOnSyntaxErrors  bool
	flagAskForCommitMessage bool
	flagDisplayDiffType     string
	flagAutoAccept          bool
	flagSilent              bool
	flagVerbose             bool
	flagEmbeddingModel      string
)

// addPipelineFlags registers the per-run setting overrides on a pipeline
// command. Flag names are the config keys with dashes; only flags the user
// actually set make it into the flag layer.
func addPipelineFlags(cmd *cobra.Command) {
	d := config.Defaults()
	f := cmd.Flags()
	f.StringVar(&flagModel, "model", d.Model, "model provider and name, as provider:name")
	f.StringVar(&flagAPIKey, "api-key", "", "model provider API key")
	f.StringVar(&flagAPIBase, "api-base", "", "model provider base URL override (stored only, not read by the genai analyzer)")
	f.Float64Var(&flagTemperature, "temperature", d.Temperature, "model sampling temperature (stored only; the genai analyzer samples at a fixed 0.2)")
	f.IntVar(&flagMaxTokens, "max-tokens", d.MaxTokens, "model context budget per request")
	f.BoolVar(&flagRelevance, "relevance-filtering", d.RelevanceFiltering, "score groups against the intent and drop low scorers")
	f.Float64Var(&flagRelevanceThreshold, "relevance-filter-similarity-threshold", d.RelevanceFilterSimilarityThreshold, "minimum intent similarity")
	f.StringVar(&flagSecretAggression, "secret-scanner-aggression", d.SecretScannerAggression, "secret scanner level: none, safe, standard, strict")
	f.StringVar(&flagFallbackStrategy, "fallback-grouping-strategy", d.FallbackGroupingStrategy, "grouping for unparseable files")
	f.StringVar(&flagChunkingLevel, "chunking-level", d.ChunkingLevel, "hunk splitting: none, full_files, all_files")
	f.StringVar(&flagLanguageConfig, "custom-language-config", "", "path to a language configuration JSON file")
	f.Float64Var(&flagClusterStrictness, "cluster-strictness", d.ClusterStrictness, "how aggressively the model merges groups")
	f.StringVar(&flagBatchingStrategy, "batching-strategy", d.BatchingStrategy, "model request batching: auto, requests, prompt")
	f.IntVar(&flagNumRetries, "num-retries", d.NumRetries, "model call retries")
	f.BoolVar(&flagFailOnSyntaxErrors, "fail-on-syntax-errors", d.FailOnSyntaxErrors, "reject groups whose files stop parsing")
	f.BoolVar(&flagAskForCommitMessage, "ask-for-commit-message", d.AskForCommitMessage, "prompt for message confirmation per commit")
	f.StringVar(&flagDisplayDiffType, "display-diff-type", d.DisplayDiffType, "preview rendering: semantic or git")
	f.BoolVarP(&flagAutoAccept, "auto-accept", "y", d.AutoAccept, "skip the confirmation prompt")
	f.BoolVar(&flagSilent, "silent", d.Silent, "suppress progress output")
	f.BoolVar(&flagVerbose, "verbose", d.Verbose, "verbose progress output")
	f.StringVar(&flagEmbeddingModel, "custom-embedding-model", "", "embedding model override for the relevance filter")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRepo, "repo", ".", "path to the git repository")
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "explicit config file layered above local config")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupPipeline, Title: "Pipeline Commands:"},
		&cobra.Group{ID: groupSupport, Title: "Support Commands:"},
	)

	addPipelineFlags(commitCmd)
	addPipelineFlags(fixCmd)
	addPipelineFlags(cleanCmd)

	commitCmd.Flags().StringVar(&flagIntent, "intent", "", "what the change set is trying to achieve")
	cleanCmd.Flags().IntVar(&flagMinSize, "min-size", 0, "keep commits smaller than this many changed lines intact")

	configCmd.Flags().StringVar(&flagScope, "scope", "local", "config file to operate on: local or global")
	configCmd.Flags().BoolVar(&flagDelete, "delete", false, "remove the key from the selected scope")
	configCmd.Flags().BoolVar(&flagDeleteAll, "deleteall", false, "remove the whole config file for the selected scope")
	configCmd.Flags().BoolVar(&flagDescribe, "describe", false, "print the key's description instead of its value")

	pruneCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "report what would be deleted without deleting")
	pruneCmd.Flags().IntVar(&flagSinceDays, "since", 0, "only sweep runs older than this many days")
	pruneCmd.Flags().BoolVar(&flagAggressive, "aggressive", false, "also sweep rejected groups kept for inspection")
	pruneCmd.Flags().BoolVar(&flagYes, "yes", false, "skip the deletion confirmation")

	rootCmd.AddCommand(commitCmd, fixCmd, cleanCmd, reportCmd, configCmd, pruneCmd)
}

// flagLayer collects the settings the user overrode on the command line.
// Flag names translate to config keys by swapping dashes for underscores;
// anything that is not a config key (like --intent) stays out of the layer.
func flagLayer(cmd *cobra.Command) config.Layer {
	layer := config.Layer{}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if _, err := config.Describe(key); err != nil {
			return
		}
		layer[key] = f.Value.String()
	})
	return layer
}

// resolveConfig builds the effective configuration for one invocation.
// Layers rise in precedence: global file, environment, local file, the
// --config file, command-line flags.
func resolveConfig(cmd *cobra.Command, repoRoot string) (config.Config, error) {
	layers := make([]config.Layer, 0, 5)

	globalPath, err := config.GlobalPath()
	if err == nil {
		global, err := config.NewStore(globalPath).Load()
		if err != nil {
			return config.Config{}, err
		}
		layers = append(layers, global)
	}

	layers = append(layers, config.FromEnv())

	local, err := config.NewStore(config.LocalPath(repoRoot)).Load()
	if err != nil {
		return config.Config{}, err
	}
	layers = append(layers, local)

	if flagConfigFile != "" {
		custom, err := config.NewStore(flagConfigFile).Load()
		if err != nil {
			return config.Config{}, err
		}
		layers = append(layers, custom)
	}

	layers = append(layers, flagLayer(cmd))
	return config.Resolve(layers...)
}

func openLedger(repoRoot string) (*graph.DB, error) {
	dir := filepath.Join(repoRoot, codestoryDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	db, err := graph.Open(filepath.Join(dir, ledgerFile), filepath.Join(dir, objectsDir))
	if err != nil {
		return nil, err
	}
	if err := db.ApplySchema(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// splitModel breaks "provider:name" apart. A bare name means genai.
func splitModel(spec string) (provider, name string) {
	if i := strings.Index(spec, ":"); i >= 0 {
		return spec[:i], spec[i+1:]
	}
	return "genai", spec
}

// buildAnalyzer picks the logical grouping backend. Without an API key the
// pipeline stays usable offline through the heuristic analyzer.
func buildAnalyzer(ctx context.Context, cfg config.Config) (modelgroup.Analyzer, error) {
	provider, name := splitModel(cfg.Model)
	switch provider {
	case "heuristic":
		return modelgroup.NewHeuristicAnalyzer(), nil
	case "genai":
		if cfg.APIKey == "" {
			fmt.Fprintln(os.Stderr, "no api_key configured, grouping without a model")
			return modelgroup.NewHeuristicAnalyzer(), nil
		}
		a, err := modelgroup.NewGenAIAnalyzer(ctx, cfg.APIKey, name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", orchestrator.ErrModel, err)
		}
		return a, nil
	}
	return nil, fmt.Errorf("unknown model provider %q", provider)
}

// buildEngine creates the embedding engine behind the relevance filter, or
// nothing when relevance filtering is off.
func buildEngine(ctx context.Context, cfg config.Config) (embedding.Engine, error) {
	if !cfg.RelevanceFiltering {
		return nil, nil
	}
	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "no api_key configured, relevance filtering disabled")
		return nil, nil
	}
	e, err := embedding.NewGenAIEngine(ctx, cfg.APIKey, cfg.CustomEmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", orchestrator.ErrModel, err)
	}
	return e, nil
}

// newOrchestrator assembles a pipeline run from the resolved configuration.
// The returned cleanup closes the ledger.
func newOrchestrator(ctx context.Context, cfg config.Config, repoRoot string) (*orchestrator.Orchestrator, func(), error) {
	repo, err := gitio.Open(repoRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", orchestrator.ErrGateway, err)
	}

	ledger, err := openLedger(repoRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: run ledger unavailable: %v\n", err)
		ledger = nil
	}

	analyzer, err := buildAnalyzer(ctx, cfg)
	if err != nil {
		if ledger != nil {
			ledger.Close()
		}
		return nil, nil, err
	}
	engine, err := buildEngine(ctx, cfg)
	if err != nil {
		if ledger != nil {
			ledger.Close()
		}
		return nil, nil, err
	}

	in := bufio.NewReader(os.Stdin)
	o := &orchestrator.Orchestrator{
		Repo:     repo,
		Cfg:      cfg,
		Analyzer: analyzer,
		Engine:   engine,
		Ledger:   ledger,
	}
	if !cfg.AutoAccept {
		o.Confirm = func(res *orchestrator.Result) (bool, error) {
			if err := report.Render(os.Stdout, res, cfg.Verbose); err != nil {
				return false, err
			}
			fmt.Fprint(os.Stdout, "\nproceed? [y/N] ")
			return readYes(in)
		}
	}
	if cfg.AskForCommitMessage {
		o.EditMessage = func(msg string) (string, error) {
			fmt.Fprintf(os.Stdout, "\nmessage: %s\nedit (empty keeps): ", strings.TrimSpace(msg))
			line, err := in.ReadString('\n')
			if err != nil && err != io.EOF {
				return "", err
			}
			return strings.TrimSpace(line), nil
		}
	}

	cleanup := func() {
		if ledger != nil {
			ledger.Close()
		}
	}
	return o, cleanup, nil
}

func readYes(in *bufio.Reader) (bool, error) {
	line, err := in.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func runContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

// finishRun prints the outcome of a pipeline run. The interactive confirm
// path already showed the full report, so it only gets the closing line.
func finishRun(cfg config.Config, res *orchestrator.Result) error {
	out := io.Writer(os.Stdout)
	if cfg.Silent {
		out = io.Discard
	}
	if cfg.AutoAccept {
		if err := report.Render(out, res, cfg.Verbose); err != nil {
			return err
		}
	} else {
		for _, w := range res.Warnings {
			fmt.Fprintf(out, "warning: %s\n", w)
		}
	}
	if len(res.Commits) == 0 {
		return nil
	}
	fmt.Fprintf(out, "\nwrote %d commits, %s -> %s\n",
		len(res.Commits), shortID(res.OldTip.String()), shortID(res.NewTip.String()))
	return nil
}

func runCommit(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd, flagRepo)
	if err != nil {
		return err
	}
	ctx, stop := runContext()
	defer stop()

	o, cleanup, err := newOrchestrator(ctx, cfg, flagRepo)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := o.Commit(ctx, args, flagIntent)
	if err != nil {
		return err
	}
	return finishRun(cfg, res)
}

func runFix(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd, flagRepo)
	if err != nil {
		return err
	}
	ctx, stop := runContext()
	defer stop()

	o, cleanup, err := newOrchestrator(ctx, cfg, flagRepo)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := o.Fix(ctx, args[0])
	if err != nil {
		return err
	}
	return finishRun(cfg, res)
}

func runClean(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd, flagRepo)
	if err != nil {
		return err
	}
	ctx, stop := runContext()
	defer stop()

	o, cleanup, err := newOrchestrator(ctx, cfg, flagRepo)
	if err != nil {
		return err
	}
	defer cleanup()

	rev := ""
	if len(args) > 0 {
		rev = args[0]
	}
	res, err := o.Clean(ctx, rev, flagMinSize)
	if err != nil {
		return err
	}
	return finishRun(cfg, res)
}

func runReport(cmd *cobra.Command, args []string) error {
	db, err := openLedger(flagRepo)
	if err != nil {
		return err
	}
	defer db.Close()

	runID := ""
	if len(args) > 0 {
		runID = args[0]
	}
	s, err := report.Replay(db, runID)
	if err != nil {
		return err
	}
	report.RenderSummary(os.Stdout, s)
	return nil
}

func configStore(scope config.Scope) (*config.Store, error) {
	if scope == config.ScopeGlobal {
		path, err := config.GlobalPath()
		if err != nil {
			return nil, err
		}
		return config.NewStore(path), nil
	}
	return config.NewStore(config.LocalPath(flagRepo)), nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	scope, err := config.ParseScope(flagScope)
	if err != nil {
		return err
	}
	store, err := configStore(scope)
	if err != nil {
		return err
	}

	if flagDeleteAll {
		if len(args) > 0 {
			return fmt.Errorf("--deleteall takes no key")
		}
		return store.DeleteAll()
	}

	switch len(args) {
	case 0:
		cfg, err := resolveConfig(cmd, flagRepo)
		if err != nil {
			return err
		}
		return listConfig(os.Stdout, cfg, store)
	case 1:
		key := args[0]
		if flagDescribe {
			desc, err := config.Describe(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, desc)
			return nil
		}
		if flagDelete {
			return store.Delete(key)
		}
		v, ok, err := store.Get(key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s is not set in %s config", key, scope)
		}
		fmt.Fprintln(os.Stdout, v)
		return nil
	default:
		if flagDelete || flagDescribe {
			return fmt.Errorf("cannot combine a value with --delete or --describe")
		}
		return store.Set(args[0], args[1])
	}
}

// listConfig prints every known key with its effective value, marking the
// ones the selected store overrides.
func listConfig(w io.Writer, cfg config.Config, store *config.Store) error {
	stored, err := store.Load()
	if err != nil {
		return err
	}
	effective := effectiveValues(cfg)
	for _, key := range config.KnownKeys() {
		marker := " "
		if _, ok := stored[key]; ok {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %-40s %s\n", marker, key, effective[key])
	}
	return nil
}

func effectiveValues(cfg config.Config) map[string]string {
	return map[string]string{
		"model":                                 cfg.Model,
		"api_key":                               maskSecret(cfg.APIKey),
		"api_base":                              cfg.APIBase,
		"temperature":                           fmt.Sprintf("%g", cfg.Temperature),
		"max_tokens":                            fmt.Sprintf("%d", cfg.MaxTokens),
		"relevance_filtering":                   fmt.Sprintf("%t", cfg.RelevanceFiltering),
		"relevance_filter_similarity_threshold": fmt.Sprintf("%g", cfg.RelevanceFilterSimilarityThreshold),
		"secret_scanner_aggression":             cfg.SecretScannerAggression,
		"fallback_grouping_strategy":            cfg.FallbackGroupingStrategy,
		"chunking_level":                        cfg.ChunkingLevel,
		"custom_language_config":                cfg.CustomLanguageConfig,
		"cluster_strictness":                    fmt.Sprintf("%g", cfg.ClusterStrictness),
		"batching_strategy":                     cfg.BatchingStrategy,
		"num_retries":                           fmt.Sprintf("%d", cfg.NumRetries),
		"fail_on_syntax_errors":                 fmt.Sprintf("%t", cfg.FailOnSyntaxErrors),
		"ask_for_commit_message":                fmt.Sprintf("%t", cfg.AskForCommitMessage),
		"display_diff_type":                     cfg.DisplayDiffType,
		"auto_accept":                           fmt.Sprintf("%t", cfg.AutoAccept),
		"silent":                                fmt.Sprintf("%t", cfg.Silent),
		"verbose":                               fmt.Sprintf("%t", cfg.Verbose),
		"custom_embedding_model":                cfg.CustomEmbeddingModel,
	}
}

func maskSecret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}

func runPrune(cmd *cobra.Command, args []string) error {
	db, err := openLedger(flagRepo)
	if err != nil {
		return err
	}
	defer db.Close()

	plan, err := db.BuildGCPlan(graph.GCOptions{
		SinceDays:  flagSinceDays,
		Aggressive: flagAggressive,
		DryRun:     flagDryRun,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "sweep: %d runs, %d chunks, %d semantic groups, %d logical groups, %d commits\n",
		plan.RunCount, plan.ChunkCount, plan.SemanticGroupCount, plan.LogicalGroupCount, plan.CommitCount)
	fmt.Fprintf(os.Stdout, "objects: %d files, %d bytes\n", len(plan.ObjectsToDelete), plan.BytesReclaimed)

	if flagDryRun {
		return nil
	}
	if len(plan.NodesToDelete) == 0 && len(plan.ObjectsToDelete) == 0 {
		fmt.Fprintln(os.Stdout, "nothing to prune")
		return nil
	}
	if !flagYes {
		fmt.Fprint(os.Stdout, "delete? [y/N] ")
		yes, err := readYes(bufio.NewReader(os.Stdin))
		if err != nil {
			return err
		}
		if !yes {
			return fmt.Errorf("%w: prune declined", orchestrator.ErrUserAbort)
		}
	}
	return db.ExecuteGC(plan)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(orchestrator.ExitCode(err))
	}
}
