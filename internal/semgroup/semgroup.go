// Package semgroup partitions chunks into semantic groups: connected
// components under scope cohesion, comment attachment, and cross-file
// identifier definition/reference edges.
package semgroup

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"codestory/internal/cas"
	"codestory/internal/chunk"
	"codestory/internal/scope"
)

// ErrPartitionViolated reports a broken partition: a chunk landing in zero
// or multiple groups. Fatal; indicates a grouping bug, not bad input.
var ErrPartitionViolated = errors.New("semantic partition violated")

// FallbackStrategy controls how chunks of unparseable or unknown-language
// files join groups.
type FallbackStrategy string

const (
	FallbackAllTogether FallbackStrategy = "all_together"
	FallbackByFile      FallbackStrategy = "by_file"
	FallbackByExtension FallbackStrategy = "by_extension"
)

// ParseFallbackStrategy validates a strategy string from configuration.
func ParseFallbackStrategy(s string) (FallbackStrategy, error) {
	switch FallbackStrategy(s) {
	case FallbackAllTogether, FallbackByFile, FallbackByExtension:
		return FallbackStrategy(s), nil
	case "":
		return FallbackByFile, nil
	}
	return "", fmt.Errorf("unknown fallback grouping strategy %q", s)
}

// Group is a set of chunks unified by shared scope or shared identifiers.
// Identifiers holds definitions the group touches; Referenced holds names
// the group's chunks refer to, which drives commit ordering downstream.
type Group struct {
	ID          string
	Chunks      []chunk.Chunk
	Files       []string
	Scopes      []scope.Node
	Identifiers []string
	Referenced  []string
}

// MinChunkID returns the smallest chunk ID, the group's canonical sort key.
func (g *Group) MinChunkID() string {
	min := ""
	for _, c := range g.Chunks {
		if min == "" || c.ID < min {
			min = c.ID
		}
	}
	return min
}

// Build partitions chunks into groups. Indexes are keyed by target-tree
// path; newFiles carries target file content for the whitespace test in
// comment attachment. Every chunk lands in exactly one group.
func Build(chunks []chunk.Chunk, indexes map[string]*scope.FileIndex, newFiles map[string][]byte, fallback FallbackStrategy) ([]Group, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	uf := newUnionFind(len(chunks))

	// innermost-scope home for every chunk on the target side
	scopeHome := map[scopeKey]int{}
	chunkScope := make([]*scope.Node, len(chunks))

	for i, c := range chunks {
		idx := indexes[c.FilePath]
		if idx == nil || idx.Fallback {
			continue
		}
		s := idx.InnermostScope(c.NewRange)
		if s == nil {
			continue
		}
		chunkScope[i] = s
		key := scopeKey{path: c.FilePath, start: s.StartByte, end: s.EndByte}
		if first, ok := scopeHome[key]; ok {
			uf.union(first, i)
		} else {
			scopeHome[key] = i
		}
	}

	attachComments(chunks, indexes, newFiles, scopeHome, uf)
	linkReferences(chunks, indexes, uf)
	linkFallback(chunks, indexes, fallback, uf)

	groups, err := collect(chunks, chunkScope, indexes, uf)
	if err != nil {
		return nil, err
	}
	return groups, nil
}

type scopeKey struct {
	path  string
	start uint32
	end   uint32
}

// attachComments merges a comment-only chunk into the group of the scope it
// immediately precedes, when only blank lines separate the two.
func attachComments(chunks []chunk.Chunk, indexes map[string]*scope.FileIndex, newFiles map[string][]byte, scopeHome map[scopeKey]int, uf *unionFind) {
	for i, c := range chunks {
		idx := indexes[c.FilePath]
		if idx == nil || idx.Fallback || c.NewRange.Len() == 0 {
			continue
		}
		if !coveredByComments(c.NewRange, idx.Comments) {
			continue
		}

		target := followingScope(c, idx, newFiles[c.FilePath])
		if target == nil {
			continue
		}
		key := scopeKey{path: c.FilePath, start: target.StartByte, end: target.EndByte}
		if home, ok := scopeHome[key]; ok {
			uf.union(home, i)
		}
	}
}

func coveredByComments(lines chunk.Range, comments []scope.Node) bool {
	if len(comments) == 0 {
		return false
	}
	for l := lines.Start; l < lines.End; l++ {
		covered := false
		for _, cm := range comments {
			if cm.Lines.Start <= l && l < cm.Lines.End {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// followingScope finds the first scope starting at or after the chunk's end
// with nothing but whitespace in between.
func followingScope(c chunk.Chunk, idx *scope.FileIndex, content []byte) *scope.Node {
	lines := chunk.SplitLines(string(content))

	var best *scope.Node
	for i := range idx.Scopes {
		s := &idx.Scopes[i]
		if s.Lines.Start < c.NewRange.End {
			continue
		}
		if best == nil || s.Lines.Start < best.Lines.Start {
			best = s
		}
	}
	if best == nil {
		return nil
	}
	for l := c.NewRange.End; l < best.Lines.Start && l < len(lines); l++ {
		if strings.TrimSpace(lines[l]) != "" {
			return nil
		}
	}
	return best
}

// linkReferences merges every chunk that touches a reference to an
// identifier whose definition changed into the defining chunk's group.
func linkReferences(chunks []chunk.Chunk, indexes map[string]*scope.FileIndex, uf *unionFind) {
	type def struct {
		chunkIdx int
		file     string
		share    bool
	}
	changedDefs := map[string]def{}

	for i, c := range chunks {
		idx := indexes[c.FilePath]
		if idx == nil || idx.Fallback {
			continue
		}
		for _, d := range idx.Definitions {
			if !lineInRange(d.Line, c.NewRange) {
				continue
			}
			if _, seen := changedDefs[d.Name]; !seen {
				changedDefs[d.Name] = def{chunkIdx: i, file: c.FilePath, share: idx.ShareTokens}
			}
		}
	}

	for i, c := range chunks {
		idx := indexes[c.FilePath]
		if idx == nil || idx.Fallback {
			continue
		}
		for _, r := range idx.References {
			d, ok := changedDefs[r.Name]
			if !ok {
				continue
			}
			if !d.share && d.file != c.FilePath {
				continue
			}
			if lineInRange(r.Line, c.NewRange) {
				uf.union(d.chunkIdx, i)
			}
		}
	}
}

func lineInRange(line int, r chunk.Range) bool {
	if r.Len() == 0 {
		return false
	}
	return r.Start <= line && line < r.End
}

func linkFallback(chunks []chunk.Chunk, indexes map[string]*scope.FileIndex, strategy FallbackStrategy, uf *unionFind) {
	firstAny := -1
	firstByFile := map[string]int{}
	firstByExt := map[string]int{}

	for i, c := range chunks {
		idx := indexes[c.FilePath]
		if idx != nil && !idx.Fallback {
			continue
		}
		switch strategy {
		case FallbackAllTogether:
			if firstAny < 0 {
				firstAny = i
			} else {
				uf.union(firstAny, i)
			}
		case FallbackByFile:
			if first, ok := firstByFile[c.FilePath]; ok {
				uf.union(first, i)
			} else {
				firstByFile[c.FilePath] = i
			}
		case FallbackByExtension:
			ext := fileExt(c.FilePath)
			if first, ok := firstByExt[ext]; ok {
				uf.union(first, i)
			} else {
				firstByExt[ext] = i
			}
		}
	}
}

func fileExt(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i:]
	}
	return ""
}

func collect(chunks []chunk.Chunk, chunkScope []*scope.Node, indexes map[string]*scope.FileIndex, uf *unionFind) ([]Group, error) {
	members := map[int][]int{}
	for i := range chunks {
		root := uf.find(i)
		members[root] = append(members[root], i)
	}

	total := 0
	var groups []Group
	for _, idxs := range members {
		g := Group{}
		scopeSeen := map[string]bool{}
		identSeen := map[string]bool{}
		refSeen := map[string]bool{}
		fileSeen := map[string]bool{}

		for _, i := range idxs {
			c := chunks[i]
			g.Chunks = append(g.Chunks, c)
			if !fileSeen[c.FilePath] {
				fileSeen[c.FilePath] = true
				g.Files = append(g.Files, c.FilePath)
			}
			if s := chunkScope[i]; s != nil {
				key := fmt.Sprintf("%s:%d:%d", s.FilePath, s.StartByte, s.EndByte)
				if !scopeSeen[key] {
					scopeSeen[key] = true
					g.Scopes = append(g.Scopes, *s)
				}
			}
			if idx := indexes[c.FilePath]; idx != nil && !idx.Fallback {
				for _, d := range idx.Definitions {
					if lineInRange(d.Line, c.NewRange) && !identSeen[d.Name] {
						identSeen[d.Name] = true
						g.Identifiers = append(g.Identifiers, d.Name)
					}
				}
				for _, r := range idx.References {
					if lineInRange(r.Line, c.NewRange) && !refSeen[r.Name] {
						refSeen[r.Name] = true
						g.Referenced = append(g.Referenced, r.Name)
					}
				}
			}
			total++
		}

		chunk.SortCanonical(g.Chunks)
		sort.Strings(g.Files)
		sort.Strings(g.Identifiers)
		sort.Strings(g.Referenced)
		sort.SliceStable(g.Scopes, func(a, b int) bool {
			if g.Scopes[a].FilePath != g.Scopes[b].FilePath {
				return g.Scopes[a].FilePath < g.Scopes[b].FilePath
			}
			return g.Scopes[a].StartByte < g.Scopes[b].StartByte
		})

		chunkIDs := make([]string, len(g.Chunks))
		for i, c := range g.Chunks {
			chunkIDs[i] = c.ID
		}
		id, err := cas.NodeIDHex("SemanticGroup", map[string]interface{}{"chunks": chunkIDs})
		if err != nil {
			return nil, fmt.Errorf("fingerprinting group: %w", err)
		}
		g.ID = id
		groups = append(groups, g)
	}

	if total != len(chunks) {
		return nil, fmt.Errorf("%w: %d chunks in, %d assigned", ErrPartitionViolated, len(chunks), total)
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].MinChunkID() < groups[j].MinChunkID() })
	return groups, nil
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}
