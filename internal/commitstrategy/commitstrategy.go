// Package commitstrategy materializes logical groups as a chain of
// commits by incremental accumulation: commit k's tree is the base tree
// with the union of the first k groups' chunks applied, so every commit's
// diff against its parent is exactly its own group.
package commitstrategy

import (
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"

	"codestory/internal/chunk"
	"codestory/internal/gitio"
	"codestory/internal/modelgroup"
)

// PlannedCommit is one commit in the built chain.
type PlannedCommit struct {
	Message string
	Tree    plumbing.Hash
	Commit  plumbing.Hash
	Files   []string
}

// Planner accumulates chunks into sandbox trees and commits. All object
// writes go to the sandbox; nothing touches the primary store until
// finalize.
type Planner struct {
	sb         *gitio.Sandbox
	baseTree   map[string]gitio.TreeEntry
	targetTree map[string]gitio.TreeEntry
	baseFiles  map[string][]string
	author     gitio.Signature
	committer  gitio.Signature
}

// NewPlanner builds a planner. baseFiles carries base-side content as
// lines keyed by old-tree path; targetTree decides modes and which empty
// files are deletions.
func NewPlanner(sb *gitio.Sandbox, baseTree, targetTree map[string]gitio.TreeEntry, baseFiles map[string][]string, author, committer gitio.Signature) *Planner {
	return &Planner{
		sb:         sb,
		baseTree:   baseTree,
		targetTree: targetTree,
		baseFiles:  baseFiles,
		author:     author,
		committer:  committer,
	}
}

// BuildChain writes one commit per logical group. parent is the base
// commit; it may be zero for an unborn branch.
func (p *Planner) BuildChain(parent plumbing.Hash, groups []modelgroup.LogicalGroup) ([]PlannedCommit, error) {
	accumulated := map[string][]chunk.Chunk{}

	var planned []PlannedCommit
	for k := range groups {
		g := &groups[k]
		var files []string
		for _, c := range g.ChunksOf() {
			if len(accumulated[c.FilePath]) == 0 {
				files = append(files, c.FilePath)
			}
			accumulated[c.FilePath] = append(accumulated[c.FilePath], c)
		}
		sort.Strings(files)

		tree, err := p.accumulatedTree(accumulated)
		if err != nil {
			return nil, fmt.Errorf("building tree for %q: %w", g.Message, err)
		}

		var parents []plumbing.Hash
		if parent != plumbing.ZeroHash {
			parents = []plumbing.Hash{parent}
		}
		commit, err := p.sb.WriteCommit(tree, parents, g.Message, p.author, p.committer)
		if err != nil {
			return nil, fmt.Errorf("writing commit for %q: %w", g.Message, err)
		}

		planned = append(planned, PlannedCommit{Message: g.Message, Tree: tree, Commit: commit, Files: files})
		parent = commit
	}
	return planned, nil
}

// accumulatedTree applies every accumulated chunk to the base tree.
// Untouched paths keep their base entries; renamed files drop the old
// path as soon as their first chunk lands.
func (p *Planner) accumulatedTree(accumulated map[string][]chunk.Chunk) (plumbing.Hash, error) {
	entries := make(map[string]gitio.TreeEntry, len(p.baseTree))
	for path, e := range p.baseTree {
		entries[path] = e
	}

	paths := make([]string, 0, len(accumulated))
	for path := range accumulated {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		chunks := accumulated[path]
		if chunks[0].OldPath != "" && chunks[0].OldPath != path {
			delete(entries, chunks[0].OldPath)
		}

		if chunks[0].Binary {
			if err := p.applyBinary(entries, path, chunks[0]); err != nil {
				return plumbing.ZeroHash, err
			}
			continue
		}

		lines, err := chunk.Compose(p.baseLinesFor(chunks[0]), chunks)
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("composing %s: %w", path, err)
		}
		if len(lines) == 0 {
			if _, stays := p.targetTree[path]; !stays {
				delete(entries, path)
				continue
			}
		}
		blob, err := p.sb.WriteBlob([]byte(chunk.JoinLines(lines)))
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("writing blob for %s: %w", path, err)
		}
		entries[path] = gitio.TreeEntry{Mode: p.modeFor(path), Blob: blob}
	}

	return p.sb.WriteTree(entries)
}

// applyBinary swaps the whole blob; binary files carry a single opaque
// chunk.
func (p *Planner) applyBinary(entries map[string]gitio.TreeEntry, path string, c chunk.Chunk) error {
	if c.NewBlobID == "" {
		delete(entries, path)
		return nil
	}
	if !plumbing.IsHash(c.NewBlobID) {
		return fmt.Errorf("binary chunk for %s carries malformed blob id %q", path, c.NewBlobID)
	}
	entries[path] = gitio.TreeEntry{Mode: p.modeFor(path), Blob: plumbing.NewHash(c.NewBlobID)}
	return nil
}

func (p *Planner) baseLinesFor(c chunk.Chunk) []string {
	if c.OldPath != "" {
		return p.baseFiles[c.OldPath]
	}
	return p.baseFiles[c.FilePath]
}

func (p *Planner) modeFor(path string) filemode.FileMode {
	if e, ok := p.targetTree[path]; ok {
		return e.Mode
	}
	if e, ok := p.baseTree[path]; ok {
		return e.Mode
	}
	return filemode.Regular
}

// Rebase replays descendant commits onto a new parent. Trees are kept as
// they were; only parentage changes. descendants must be ordered oldest
// first.
func Rebase(sb *gitio.Sandbox, repo *gitio.Repository, newParent plumbing.Hash, descendants []plumbing.Hash) (plumbing.Hash, error) {
	tip := newParent
	for _, h := range descendants {
		c, err := repo.Commit(h)
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("reading descendant %s: %w", h, err)
		}
		author := gitio.Signature{Name: c.Author.Name, Email: c.Author.Email, When: c.Author.When}
		committer := gitio.Signature{Name: c.Committer.Name, Email: c.Committer.Email, When: c.Committer.When}
		rewritten, err := sb.WriteCommit(c.TreeHash, []plumbing.Hash{tip}, c.Message, author, committer)
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("rewriting descendant %s: %w", h, err)
		}
		tip = rewritten
	}
	return tip, nil
}

// LinearHistory walks first parents from tip down to (and excluding)
// stop, newest first in the input sense but returned oldest first. The
// walk also stops at the first merge commit or at the root.
func LinearHistory(repo *gitio.Repository, tip, stop plumbing.Hash) ([]plumbing.Hash, error) {
	var reversed []plumbing.Hash
	cur := tip
	for cur != plumbing.ZeroHash && cur != stop {
		c, err := repo.Commit(cur)
		if err != nil {
			return nil, fmt.Errorf("walking history at %s: %w", cur, err)
		}
		if len(c.ParentHashes) > 1 {
			break
		}
		reversed = append(reversed, cur)
		if len(c.ParentHashes) == 0 {
			break
		}
		cur = c.ParentHashes[0]
	}

	out := make([]plumbing.Hash, len(reversed))
	for i, h := range reversed {
		out[len(reversed)-1-i] = h
	}
	return out, nil
}
