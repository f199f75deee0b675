// Package scope parses source files with tree-sitter and evaluates the
// configured scope, identifier, and comment queries into a per-file index
// the semantic grouper consumes.
package scope

import (
	"context"
	"fmt"
	"sort"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"

	"codestory/internal/chunk"
	"codestory/internal/langconfig"
)

// NodeKind classifies a syntactic region.
type NodeKind string

const (
	KindNamedScope     NodeKind = "named_scope"
	KindAnonymousScope NodeKind = "anonymous_scope"
	KindComment        NodeKind = "comment"
)

// Node is one syntactic region of a file. Scopes nest strictly; siblings
// never overlap.
type Node struct {
	Kind      NodeKind
	FilePath  string
	Name      string
	StartByte uint32
	EndByte   uint32
	Lines     chunk.Range
}

// Role distinguishes identifier definition sites from reference sites.
type Role string

const (
	RoleDefinition Role = "definition"
	RoleReference  Role = "reference"
)

// IdentifierSite is one occurrence of an identifier.
type IdentifierSite struct {
	FilePath  string
	Name      string
	Role      Role
	Line      int
	StartByte uint32
	EndByte   uint32
}

// FileIndex is everything the grouper needs to know about one file.
// Fallback files carry no scopes or identifiers; the whole file acts as a
// single region.
type FileIndex struct {
	Path        string
	Language    string
	Fallback    bool
	ParseFailed bool
	ShareTokens bool
	Scopes      []Node
	Comments    []Node
	Definitions []IdentifierSite
	References  []IdentifierSite
}

// Indexer evaluates language configurations against file content. Compiled
// queries are cached per (language, query); the cache is safe for
// concurrent readers.
type Indexer struct {
	registry *langconfig.Registry

	mu      sync.Mutex
	queries map[string]*sitter.Query
}

// NewIndexer returns an indexer over the given language registry.
func NewIndexer(registry *langconfig.Registry) *Indexer {
	return &Indexer{registry: registry, queries: map[string]*sitter.Query{}}
}

// language maps a registry language name to its grammar. Nil means no
// grammar is linked in and the file falls back.
func language(name string) *sitter.Language {
	switch name {
	case "go":
		return golang.GetLanguage()
	case "javascript", "typescript":
		return javascript.GetLanguage()
	case "python":
		return python.GetLanguage()
	}
	return nil
}

// IndexFile parses one file and evaluates its language's queries. Unknown
// languages and failed parses produce a fallback index rather than an
// error; the caller decides whether a failed parse is fatal.
func (ix *Indexer) IndexFile(ctx context.Context, path string, content []byte) (*FileIndex, error) {
	langName, cfg, ok := ix.registry.Resolve(path)
	if !ok {
		return &FileIndex{Path: path, Fallback: true}, nil
	}
	lang := language(langName)
	if lang == nil {
		return &FileIndex{Path: path, Language: langName, Fallback: true}, nil
	}

	parser := sitter.NewParser()
	parser.SetLanguage(lang)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	idx := &FileIndex{
		Path:        path,
		Language:    langName,
		ShareTokens: cfg.ShareTokensBetweenFiles,
	}
	if root.HasError() || (cfg.RootNodeName != "" && root.Type() != cfg.RootNodeName) {
		idx.ParseFailed = true
		idx.Fallback = true
		return idx, nil
	}

	for _, q := range cfg.ScopeQueries {
		nodes, err := ix.scopeNodes(path, langName, lang, q, root, content, false)
		if err != nil {
			return nil, err
		}
		idx.Scopes = append(idx.Scopes, nodes...)
	}
	for _, q := range cfg.CommentQueries {
		nodes, err := ix.scopeNodes(path, langName, lang, q, root, content, true)
		if err != nil {
			return nil, err
		}
		idx.Comments = append(idx.Comments, nodes...)
	}
	for _, q := range cfg.SharedTokenQueries.Definitions {
		sites, err := ix.identifierSites(path, langName, lang, q, root, content, RoleDefinition)
		if err != nil {
			return nil, err
		}
		idx.Definitions = append(idx.Definitions, sites...)
	}
	for _, q := range cfg.SharedTokenQueries.General {
		sites, err := ix.identifierSites(path, langName, lang, q, root, content, RoleReference)
		if err != nil {
			return nil, err
		}
		idx.References = append(idx.References, sites...)
	}

	sortNodes(idx.Scopes)
	sortNodes(idx.Comments)
	sortSites(idx.Definitions)
	sortSites(idx.References)
	return idx, nil
}

func (ix *Indexer) compiled(langName string, lang *sitter.Language, query string) (*sitter.Query, error) {
	key := langName + "\x00" + query
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if q, ok := ix.queries[key]; ok {
		return q, nil
	}
	q, err := sitter.NewQuery([]byte(query), lang)
	if err != nil {
		return nil, fmt.Errorf("compiling %s query %q: %w", langName, query, err)
	}
	ix.queries[key] = q
	return q, nil
}

func (ix *Indexer) scopeNodes(path, langName string, lang *sitter.Language, query string, root *sitter.Node, content []byte, comment bool) ([]Node, error) {
	q, err := ix.compiled(langName, lang, query)
	if err != nil {
		return nil, err
	}

	var nodes []Node
	cursor := sitter.NewQueryCursor()
	defer cursor.Close()
	cursor.Exec(q, root)
	for {
		match, ok := cursor.NextMatch()
		if !ok {
			break
		}
		match = cursor.FilterPredicates(match, content)

		var whole *sitter.Node
		var name string
		for _, c := range match.Captures {
			switch q.CaptureNameForId(c.Index) {
			case "placeholder":
				whole = c.Node
			case "placeholder.name":
				name = c.Node.Content(content)
			}
		}
		if whole == nil {
			continue
		}
		if name == "" && !comment {
			if n := whole.ChildByFieldName("name"); n != nil {
				name = n.Content(content)
			}
		}

		kind := KindNamedScope
		switch {
		case comment:
			kind = KindComment
		case name == "":
			kind = KindAnonymousScope
		}
		nodes = append(nodes, Node{
			Kind:      kind,
			FilePath:  path,
			Name:      name,
			StartByte: whole.StartByte(),
			EndByte:   whole.EndByte(),
			Lines: chunk.Range{
				Start: int(whole.StartPoint().Row),
				End:   int(whole.EndPoint().Row) + 1,
			},
		})
	}
	return nodes, nil
}

func (ix *Indexer) identifierSites(path, langName string, lang *sitter.Language, query string, root *sitter.Node, content []byte, role Role) ([]IdentifierSite, error) {
	q, err := ix.compiled(langName, lang, query)
	if err != nil {
		return nil, err
	}

	var sites []IdentifierSite
	cursor := sitter.NewQueryCursor()
	defer cursor.Close()
	cursor.Exec(q, root)
	for {
		match, ok := cursor.NextMatch()
		if !ok {
			break
		}
		match = cursor.FilterPredicates(match, content)

		var nameNode *sitter.Node
		for _, c := range match.Captures {
			if q.CaptureNameForId(c.Index) == "placeholder.name" {
				nameNode = c.Node
			}
		}
		if nameNode == nil {
			continue
		}
		sites = append(sites, IdentifierSite{
			FilePath:  path,
			Name:      nameNode.Content(content),
			Role:      role,
			Line:      int(nameNode.StartPoint().Row),
			StartByte: nameNode.StartByte(),
			EndByte:   nameNode.EndByte(),
		})
	}
	return sites, nil
}

func sortNodes(nodes []Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].StartByte != nodes[j].StartByte {
			return nodes[i].StartByte < nodes[j].StartByte
		}
		return nodes[i].EndByte > nodes[j].EndByte
	})
}

func sortSites(sites []IdentifierSite) {
	sort.SliceStable(sites, func(i, j int) bool {
		if sites[i].StartByte != sites[j].StartByte {
			return sites[i].StartByte < sites[j].StartByte
		}
		return sites[i].Name < sites[j].Name
	})
}

// InnermostScope returns the narrowest scope whose line range covers the
// given line span, or nil when no scope does.
func (f *FileIndex) InnermostScope(lines chunk.Range) *Node {
	var best *Node
	for i := range f.Scopes {
		s := &f.Scopes[i]
		if !s.Lines.Overlaps(lines) && !(lines.Len() == 0 && s.Lines.Start <= lines.Start && lines.Start < s.Lines.End) {
			continue
		}
		if best == nil || s.Lines.Len() < best.Lines.Len() {
			best = s
		}
	}
	return best
}

// IndexFiles fans IndexFile out across a bounded worker pool. Results come
// back keyed by path regardless of completion order.
func (ix *Indexer) IndexFiles(ctx context.Context, files map[string][]byte, workers int) (map[string]*FileIndex, error) {
	if workers < 1 {
		workers = 1
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	type result struct {
		idx *FileIndex
		err error
	}

	jobs := make(chan string)
	results := make(chan result, len(paths))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				idx, err := ix.IndexFile(ctx, p, files[p])
				results <- result{idx: idx, err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, p := range paths {
			select {
			case jobs <- p:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[string]*FileIndex, len(paths))
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		out[r.idx.Path] = r.idx
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
