// Package orchestrator wires the pipeline stages end to end: diff the base
// and target trees, chunk, group, filter, cluster, then write the commit
// chain into a sandbox and promote it under compare-and-swap. Nothing
// reaches the destination ref until every stage has succeeded and the user
// has confirmed the plan.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/uuid"

	"codestory/internal/cas"
	"codestory/internal/chunk"
	"codestory/internal/commitstrategy"
	"codestory/internal/config"
	"codestory/internal/embedding"
	"codestory/internal/filter"
	"codestory/internal/gitio"
	"codestory/internal/graph"
	"codestory/internal/ignore"
	"codestory/internal/langconfig"
	"codestory/internal/modelgroup"
	"codestory/internal/scope"
	"codestory/internal/secretscan"
	"codestory/internal/semgroup"
)

// Mode names the operation a run performs.
type Mode string

const (
	ModeCommit Mode = "commit"
	ModeFix    Mode = "fix"
	ModeClean  Mode = "clean"
)

// CommitPreview is one commit of the proposed chain, shown to the user
// before anything is written to the destination ref.
type CommitPreview struct {
	Message   string
	Rationale string
	Files     []string
	Scopes    []string
	Diff      string
	Source    plumbing.Hash
	Hash      plumbing.Hash
}

// Result is the structured run report.
type Result struct {
	RunID    string
	Mode     Mode
	Branch   string
	OldTip   plumbing.Hash
	NewTip   plumbing.Hash
	Commits  []CommitPreview
	Rejected []filter.Rejection
	Warnings []string
}

// Orchestrator runs the pipeline against one repository. Analyzer and
// Engine are optional: a nil Analyzer falls back to the heuristic grouper,
// a nil Engine disables relevance scoring regardless of configuration.
type Orchestrator struct {
	Repo     *gitio.Repository
	Cfg      config.Config
	Analyzer modelgroup.Analyzer
	Engine   embedding.Engine
	Registry *langconfig.Registry
	Ledger   *graph.DB

	// Confirm is asked before finalize unless auto_accept is set. A nil
	// Confirm accepts.
	Confirm func(*Result) (bool, error)

	// EditMessage rewrites a proposed commit message when
	// ask_for_commit_message is set.
	EditMessage func(string) (string, error)

	Committer   gitio.Signature
	Parallelism int
}

func (o *Orchestrator) committer() gitio.Signature {
	if o.Committer.Name != "" {
		return o.Committer
	}
	return gitio.Signature{Name: "codestory", Email: "codestory@localhost", When: time.Now()}
}

func (o *Orchestrator) analyzer() modelgroup.Analyzer {
	if o.Analyzer != nil {
		return o.Analyzer
	}
	return modelgroup.NewHeuristicAnalyzer()
}

func (o *Orchestrator) registry() (*langconfig.Registry, error) {
	if o.Registry != nil {
		return o.Registry, nil
	}
	reg := langconfig.NewRegistry()
	if o.Cfg.CustomLanguageConfig != "" {
		if err := reg.LoadFile(o.Cfg.CustomLanguageConfig); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
	}
	o.Registry = reg
	return reg, nil
}

func (o *Orchestrator) parallelism() int {
	if o.Parallelism > 0 {
		return o.Parallelism
	}
	return 4
}

// branchTip resolves the current branch and its tip. An unborn branch
// yields a zero tip.
func (o *Orchestrator) branchTip() (string, plumbing.Hash, error) {
	branch, err := o.Repo.CurrentBranch()
	if err != nil {
		return "", plumbing.ZeroHash, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	tip, err := o.Repo.ResolveRef(branch)
	if err != nil {
		return branch, plumbing.ZeroHash, nil
	}
	return branch, tip, nil
}

func (o *Orchestrator) treeOf(commit plumbing.Hash) (map[string]gitio.TreeEntry, error) {
	if commit == plumbing.ZeroHash {
		return map[string]gitio.TreeEntry{}, nil
	}
	c, err := o.Repo.Commit(commit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	tree, err := o.Repo.ReadTree(c.TreeHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	return tree, nil
}

// Commit decomposes the working directory's changes against HEAD into a
// chain of commits on the current branch.
func (o *Orchestrator) Commit(ctx context.Context, pathspecs []string, intent string) (*Result, error) {
	branch, oldTip, err := o.branchTip()
	if err != nil {
		return nil, err
	}
	res := o.newResult(ModeCommit, branch, oldTip)

	baseTree, err := o.treeOf(oldTip)
	if err != nil {
		return res, err
	}

	sb, err := o.Repo.OpenSandbox()
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer sb.Discard()

	matcher, err := ignore.LoadFromDir(o.Repo.Path())
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	targetHash, err := o.Repo.BuildWorktreeTree(sb, baseTree, pathspecs, matcher)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	targetTree, err := sb.ReadTree(targetHash)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	out, err := o.pipeline(ctx, sb, baseTree, targetTree, intent, true)
	if err != nil {
		return res, err
	}
	res.Rejected = out.report.Rejected
	res.Warnings = append(res.Warnings, out.report.Warnings...)
	if len(out.logical) == 0 {
		if len(res.Rejected) > 0 {
			return res, ErrAllRejected
		}
		return res, nil
	}

	if err := o.editMessages(out.logical); err != nil {
		return res, err
	}
	res.Commits = o.previews(out.logical, plumbing.ZeroHash)

	if err := o.awaitConfirmation(ctx, res); err != nil {
		return res, err
	}

	sig := o.committer()
	planner := commitstrategy.NewPlanner(sb, baseTree, targetTree, out.baseFiles, sig, sig)
	planned, err := planner.BuildChain(oldTip, out.logical)
	if err != nil {
		return res, err
	}
	for i := range planned {
		res.Commits[i].Hash = planned[i].Commit
	}
	res.NewTip = planned[len(planned)-1].Commit

	if err := sb.Finalize(branch, oldTip, res.NewTip); err != nil {
		return res, err
	}
	o.record(res, out, planned)
	return res, nil
}

// Fix splits one existing commit into a chain and rebases its descendants
// on top. Filters are disabled: the rewritten history reproduces the
// original tree exactly.
func (o *Orchestrator) Fix(ctx context.Context, rev string) (*Result, error) {
	branch, tip, err := o.branchTip()
	if err != nil {
		return nil, err
	}
	res := o.newResult(ModeFix, branch, tip)

	target, err := o.Repo.ResolveRef(rev)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	c, err := o.Repo.Commit(target)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if len(c.ParentHashes) > 1 {
		return res, fmt.Errorf("%w: %s is a merge commit", ErrGateway, target)
	}
	parent := plumbing.ZeroHash
	if len(c.ParentHashes) == 1 {
		parent = c.ParentHashes[0]
	}

	descendants, err := o.descendantsOf(tip, target)
	if err != nil {
		return res, err
	}

	sb, err := o.Repo.OpenSandbox()
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer sb.Discard()

	planned, out, err := o.splitCommitOnto(ctx, sb, c, parent)
	if err != nil {
		return res, err
	}
	res.Warnings = append(res.Warnings, out.report.Warnings...)
	res.Commits = o.previews(out.logical, target)
	for i := range planned {
		res.Commits[i].Hash = planned[i].Commit
	}

	newTip := planned[len(planned)-1].Commit
	if len(descendants) > 0 {
		newTip, err = commitstrategy.Rebase(sb, o.Repo, newTip, descendants)
		if err != nil {
			return res, fmt.Errorf("%w: %v", ErrGateway, err)
		}
	}
	res.NewTip = newTip

	if err := o.awaitConfirmation(ctx, res); err != nil {
		return res, err
	}
	if err := sb.Finalize(branch, tip, newTip); err != nil {
		return res, err
	}
	o.record(res, out, planned)
	return res, nil
}

// Clean walks the branch's linear history from the chosen tip toward the
// root, stopping below the first merge commit, and applies fix semantics
// to every commit along the way. Commits smaller than minSize lines are
// re-parented unchanged.
func (o *Orchestrator) Clean(ctx context.Context, rev string, minSize int) (*Result, error) {
	branch, tip, err := o.branchTip()
	if err != nil {
		return nil, err
	}
	res := o.newResult(ModeClean, branch, tip)

	start := tip
	if rev != "" {
		start, err = o.Repo.ResolveRef(rev)
		if err != nil {
			return res, fmt.Errorf("%w: %v", ErrGateway, err)
		}
	}
	run, err := commitstrategy.LinearHistory(o.Repo, start, plumbing.ZeroHash)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if len(run) == 0 {
		return res, nil
	}

	descendants, err := o.descendantsOf(tip, start)
	if err != nil {
		return res, err
	}

	sb, err := o.Repo.OpenSandbox()
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer sb.Discard()

	first, err := o.Repo.Commit(run[0])
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	newParent := plumbing.ZeroHash
	if len(first.ParentHashes) == 1 {
		newParent = first.ParentHashes[0]
	}

	merged := &pipelineOut{report: &filter.Report{}}
	var allPlanned []commitstrategy.PlannedCommit
	for _, h := range run {
		c, err := o.Repo.Commit(h)
		if err != nil {
			return res, fmt.Errorf("%w: %v", ErrGateway, err)
		}

		size, err := o.commitSize(sb, c)
		if err != nil {
			return res, err
		}
		if minSize > 0 && size < minSize {
			author := gitio.Signature{Name: c.Author.Name, Email: c.Author.Email, When: c.Author.When}
			kept, err := sb.WriteCommit(c.TreeHash, parentsOf(newParent), c.Message, author, o.committer())
			if err != nil {
				return res, fmt.Errorf("%w: %v", ErrGateway, err)
			}
			res.Commits = append(res.Commits, CommitPreview{
				Message: c.Message,
				Source:  h,
				Hash:    kept,
			})
			newParent = kept
			continue
		}

		planned, out, err := o.splitCommitOnto(ctx, sb, c, newParent)
		if err != nil {
			return res, err
		}
		res.Warnings = append(res.Warnings, out.report.Warnings...)
		previews := o.previews(out.logical, h)
		for i := range planned {
			previews[i].Hash = planned[i].Commit
		}
		res.Commits = append(res.Commits, previews...)
		allPlanned = append(allPlanned, planned...)
		merged.chunks = append(merged.chunks, out.chunks...)
		merged.sems = append(merged.sems, out.sems...)
		merged.logical = append(merged.logical, out.logical...)
		newParent = planned[len(planned)-1].Commit
	}

	newTip := newParent
	if len(descendants) > 0 {
		newTip, err = commitstrategy.Rebase(sb, o.Repo, newTip, descendants)
		if err != nil {
			return res, fmt.Errorf("%w: %v", ErrGateway, err)
		}
	}
	res.NewTip = newTip

	if err := o.awaitConfirmation(ctx, res); err != nil {
		return res, err
	}
	if err := sb.Finalize(branch, tip, newTip); err != nil {
		return res, err
	}
	o.record(res, merged, allPlanned)
	return res, nil
}

func parentsOf(h plumbing.Hash) []plumbing.Hash {
	if h == plumbing.ZeroHash {
		return nil
	}
	return []plumbing.Hash{h}
}

// splitCommitOnto chains the rewritten commits onto newParent. The trees
// are always computed against the commit's original parent, so the
// rewritten chain reproduces the original tree byte for byte.
func (o *Orchestrator) splitCommitOnto(ctx context.Context, sb *gitio.Sandbox, c *object.Commit, newParent plumbing.Hash) ([]commitstrategy.PlannedCommit, *pipelineOut, error) {
	baseTree := map[string]gitio.TreeEntry{}
	if len(c.ParentHashes) == 1 {
		var err error
		baseTree, err = o.treeOf(c.ParentHashes[0])
		if err != nil {
			return nil, nil, err
		}
	}
	targetTree, err := o.Repo.ReadTree(c.TreeHash)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	out, err := o.pipeline(ctx, sb, baseTree, targetTree, "", false)
	if err != nil {
		return nil, nil, err
	}
	if len(out.logical) == 0 {
		// an empty commit keeps its (empty) delta as a single commit
		out.logical = []modelgroup.LogicalGroup{{Message: strings.TrimSpace(c.Message)}}
	}

	author := gitio.Signature{Name: c.Author.Name, Email: c.Author.Email, When: c.Author.When}
	planner := commitstrategy.NewPlanner(sb, baseTree, targetTree, out.baseFiles, author, o.committer())
	planned, err := planner.BuildChain(newParent, out.logical)
	if err != nil {
		return nil, nil, err
	}
	return planned, out, nil
}

// commitSize counts the changed lines a commit carries against its parent.
func (o *Orchestrator) commitSize(sb *gitio.Sandbox, c *object.Commit) (int, error) {
	baseTree := map[string]gitio.TreeEntry{}
	if len(c.ParentHashes) == 1 {
		var err error
		baseTree, err = o.treeOf(c.ParentHashes[0])
		if err != nil {
			return 0, err
		}
	}
	targetTree, err := o.Repo.ReadTree(c.TreeHash)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	deltas, err := o.Repo.Diff(baseTree, targetTree, sb.ReadBlob)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	size := 0
	for _, d := range deltas {
		for _, h := range d.Hunks {
			size += len(h.OldLines) + len(h.NewLines)
		}
	}
	return size, nil
}

// descendantsOf returns the first-parent commits between tip (inclusive)
// and stop (exclusive), oldest first, verifying stop actually sits on that
// line.
func (o *Orchestrator) descendantsOf(tip, stop plumbing.Hash) ([]plumbing.Hash, error) {
	if tip == stop {
		return nil, nil
	}
	descendants, err := commitstrategy.LinearHistory(o.Repo, tip, stop)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if len(descendants) == 0 {
		return nil, fmt.Errorf("%w: %s is not on the current branch", ErrGateway, stop)
	}
	oldest, err := o.Repo.Commit(descendants[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if len(oldest.ParentHashes) != 1 || oldest.ParentHashes[0] != stop {
		return nil, fmt.Errorf("%w: %s is not on the current branch's linear history", ErrGateway, stop)
	}
	return descendants, nil
}

func (o *Orchestrator) newResult(mode Mode, branch string, oldTip plumbing.Hash) *Result {
	id := uuid.New()
	return &Result{
		RunID:  cas.BytesToHex(id[:]),
		Mode:   mode,
		Branch: branch,
		OldTip: oldTip,
	}
}

func (o *Orchestrator) editMessages(logical []modelgroup.LogicalGroup) error {
	if !o.Cfg.AskForCommitMessage || o.EditMessage == nil {
		return nil
	}
	for i := range logical {
		m, err := o.EditMessage(logical[i].Message)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUserAbort, err)
		}
		if strings.TrimSpace(m) != "" {
			logical[i].Message = m
		}
	}
	return nil
}

func (o *Orchestrator) awaitConfirmation(ctx context.Context, res *Result) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUserAbort, err)
	}
	if o.Cfg.AutoAccept || o.Confirm == nil {
		return nil
	}
	ok, err := o.Confirm(res)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUserAbort, err)
	}
	if !ok {
		return ErrUserAbort
	}
	return nil
}

// previews renders the dry-run view of a logical group chain.
func (o *Orchestrator) previews(logical []modelgroup.LogicalGroup, source plumbing.Hash) []CommitPreview {
	out := make([]CommitPreview, len(logical))
	for i := range logical {
		g := &logical[i]
		files := map[string]bool{}
		scopes := map[string]bool{}
		for _, m := range g.Members {
			for _, f := range m.Files {
				files[f] = true
			}
			for _, s := range m.Scopes {
				if s.Name != "" {
					scopes[s.Name] = true
				}
			}
		}
		p := CommitPreview{
			Message:   g.Message,
			Rationale: g.Rationale,
			Files:     sortedKeys(files),
			Scopes:    sortedKeys(scopes),
			Source:    source,
		}
		if o.Cfg.DisplayDiffType == "git" {
			p.Diff = gitDiffText(g)
		}
		out[i] = p
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// gitDiffText renders a group's chunks as unified-diff style hunks.
func gitDiffText(g *modelgroup.LogicalGroup) string {
	var b strings.Builder
	lastFile := ""
	for _, c := range g.ChunksOf() {
		if c.FilePath != lastFile {
			old := c.FilePath
			if c.OldPath != "" {
				old = c.OldPath
			}
			fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", old, c.FilePath)
			lastFile = c.FilePath
		}
		if c.Binary {
			fmt.Fprintf(&b, "Binary file %s differs\n", c.FilePath)
			continue
		}
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", c.OldRange.Start+1, c.OldRange.Len(), c.NewRange.Start+1, c.NewRange.Len())
		for _, l := range c.OldLines {
			b.WriteString("-" + strings.TrimSuffix(l, "\n") + "\n")
		}
		for _, l := range c.NewLines {
			b.WriteString("+" + strings.TrimSuffix(l, "\n") + "\n")
		}
	}
	return b.String()
}

// pipelineOut carries every intermediate artifact one diff's pipeline pass
// produced, for previewing and ledger recording.
type pipelineOut struct {
	chunks    []chunk.Chunk
	sems      []semgroup.Group
	logical   []modelgroup.LogicalGroup
	report    *filter.Report
	baseFiles map[string][]string
}

// pipeline runs chunking, grouping, filtering and clustering over one
// base/target tree pair. Filters only run when enabled (commit mode).
func (o *Orchestrator) pipeline(ctx context.Context, sb *gitio.Sandbox, baseTree, targetTree map[string]gitio.TreeEntry, intent string, filtersOn bool) (*pipelineOut, error) {
	deltas, err := o.Repo.Diff(baseTree, targetTree, sb.ReadBlob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	out := &pipelineOut{report: &filter.Report{}, baseFiles: map[string][]string{}}
	if len(deltas) == 0 {
		return out, nil
	}

	level, err := chunk.ParseLevel(o.Cfg.ChunkingLevel)
	if err != nil {
		return nil, err
	}

	newFiles := map[string][]byte{}
	for _, d := range deltas {
		var baseLines []string
		if d.OldBlobID != "" && !d.Binary {
			data, err := sb.ReadBlob(plumbing.NewHash(d.OldBlobID))
			if err != nil {
				return nil, fmt.Errorf("%w: reading %s: %v", ErrGateway, d.OldPath, err)
			}
			baseLines = chunk.SplitLines(string(data))
			out.baseFiles[d.OldPath] = baseLines
			out.baseFiles[d.Path] = baseLines
		}

		var targetLines []string
		if d.NewBlobID != "" {
			data, err := sb.ReadBlob(plumbing.NewHash(d.NewBlobID))
			if err != nil {
				return nil, fmt.Errorf("%w: reading %s: %v", ErrGateway, d.Path, err)
			}
			if !d.Binary {
				newFiles[d.Path] = data
				targetLines = chunk.SplitLines(string(data))
			}
		}

		cs, err := chunk.Split(d, level)
		if err != nil {
			return nil, err
		}
		if !d.Binary {
			if err := chunk.VerifyExhaustive(baseLines, targetLines, cs); err != nil {
				return nil, err
			}
		}
		out.chunks = append(out.chunks, cs...)
	}
	chunk.SortCanonical(out.chunks)

	reg, err := o.registry()
	if err != nil {
		return nil, err
	}
	indexer := scope.NewIndexer(reg)
	indexes, err := indexer.IndexFiles(ctx, newFiles, o.parallelism())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	fallback, err := semgroup.ParseFallbackStrategy(o.Cfg.FallbackGroupingStrategy)
	if err != nil {
		return nil, err
	}
	sems, err := semgroup.Build(out.chunks, indexes, newFiles, fallback)
	if err != nil {
		return nil, err
	}
	out.sems = sems

	accepted := sems
	if filtersOn {
		aggression, err := secretscan.ParseAggression(o.Cfg.SecretScannerAggression)
		if err != nil {
			return nil, err
		}
		engine := o.Engine
		chain := filter.New(filter.Options{
			Scanner:             secretscan.New(aggression),
			Engine:              engine,
			RelevanceEnabled:    o.Cfg.RelevanceFiltering && engine != nil && intent != "",
			Intent:              intent,
			SimilarityThreshold: o.Cfg.RelevanceFilterSimilarityThreshold,
			ValidateSyntax:      true,
			FailOnSyntaxErrors:  o.Cfg.FailOnSyntaxErrors,
			Indexer:             indexer,
		})
		accepted, out.report, err = chain.Run(ctx, sems, out.baseFiles)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModel, err)
		}
	}
	if len(accepted) == 0 {
		return out, nil
	}

	batching, err := modelgroup.ParseBatchingStrategy(o.Cfg.BatchingStrategy)
	if err != nil {
		return nil, err
	}
	logical, err := modelgroup.Build(ctx, accepted, modelgroup.Options{
		Analyzer:          o.analyzer(),
		Batching:          batching,
		Intent:            intent,
		ClusterStrictness: o.Cfg.ClusterStrictness,
		MaxTokens:         o.Cfg.MaxTokens,
		NumRetries:        o.Cfg.NumRetries,
		Parallelism:       o.parallelism(),
		Fragments:         sb,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModel, err)
	}
	out.logical = logical
	return out, nil
}
