// Package ignore matches paths against gitignore-style patterns. The
// worktree scan uses it to keep never-committable files out of the
// candidate tree.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// rule is one compiled ignore pattern. Pattern lines without a slash match
// the basename at any depth; a leading slash anchors the pattern to the
// repository root; a trailing slash restricts it to directories.
type rule struct {
	glob    string
	negate  bool
	dirOnly bool
}

// Matcher evaluates an ordered pattern list. The last matching rule wins,
// so later sources can re-include paths with ! patterns.
type Matcher struct {
	rules []rule
	base  string
}

// NewMatcher returns an empty matcher rooted at basePath.
func NewMatcher(basePath string) *Matcher {
	return &Matcher{base: basePath}
}

// AddPattern compiles one pattern line. Blank lines and # comments are
// dropped.
func (m *Matcher) AddPattern(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}

	r := rule{}
	if strings.HasPrefix(line, "!") {
		r.negate = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}

	anchored := strings.HasPrefix(line, "/")
	if anchored {
		line = line[1:]
	}
	if !anchored && !strings.Contains(line, "/") {
		line = "**/" + line
	}

	r.glob = line
	m.rules = append(m.rules, r)
}

// AddPatterns compiles pattern lines in order.
func (m *Matcher) AddPatterns(lines []string) {
	for _, line := range lines {
		m.AddPattern(line)
	}
}

// LoadFile reads pattern lines from an ignore file. A missing file adds
// nothing.
func (m *Matcher) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m.AddPattern(sc.Text())
	}
	return sc.Err()
}

// Match reports whether the path, relative to the matcher root, is
// ignored. Files inside an ignored directory are ignored with it.
func (m *Matcher) Match(path string, isDir bool) bool {
	path = strings.TrimPrefix(filepath.ToSlash(path), "./")

	ignored := false
	for _, r := range m.rules {
		if r.dirOnly && !isDir {
			if matchesParentDir(r.glob, path) {
				ignored = !r.negate
			}
			continue
		}
		if matchesGlob(r.glob, path) {
			ignored = !r.negate
		}
	}
	return ignored
}

// matchesParentDir reports whether any proper ancestor of path matches the
// glob. The full path itself is excluded: it names a file, and the glob
// only applies to directories.
func matchesParentDir(glob, path string) bool {
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if matchesGlob(glob, strings.Join(parts[:i], "/")) {
			return true
		}
	}
	return false
}

func matchesGlob(glob, path string) bool {
	if ok, _ := doublestar.Match(glob, path); ok {
		return true
	}
	// a directory match carries everything below it
	if !strings.HasSuffix(glob, "/**") {
		if ok, _ := doublestar.Match(glob+"/**", path); ok {
			return true
		}
	}
	return false
}

// MatchPath stats the path under the matcher root to learn whether it is a
// directory, then matches. Unstatable paths are treated as files.
func (m *Matcher) MatchPath(path string) bool {
	info, err := os.Stat(filepath.Join(m.base, path))
	if err != nil {
		return m.Match(path, false)
	}
	return m.Match(path, info.IsDir())
}

// LoadDefaults adds the built-in patterns. The list stays deliberately
// small: only metadata directories and files git never tracks. Anything
// project-specific belongs in .gitignore, which commits routinely include
// and which LoadFromDir layers on top.
func (m *Matcher) LoadDefaults() {
	m.AddPatterns([]string{
		// version control metadata
		".git/",
		".codestory/",
		".svn/",
		".hg/",

		// OS droppings
		".DS_Store",
		"Thumbs.db",
		"Desktop.ini",

		// editor state
		"*.swp",
		"*.swo",
		"*~",
		".idea/",
		".vscode/",

		// dependency trees too large to ever belong in a commit proposal
		"node_modules/",
	})
}

// LoadFromDir builds the matcher a worktree scan uses: defaults first,
// then the repository's .gitignore, then .codestoryignore, whose patterns
// win on conflict.
func LoadFromDir(dir string) (*Matcher, error) {
	m := NewMatcher(dir)
	m.LoadDefaults()
	if err := m.LoadFile(filepath.Join(dir, ".gitignore")); err != nil {
		return nil, err
	}
	if err := m.LoadFile(filepath.Join(dir, ".codestoryignore")); err != nil {
		return nil, err
	}
	return m, nil
}

// Compile builds a rootless matcher from pattern strings.
func Compile(patterns []string) *Matcher {
	m := NewMatcher("")
	m.AddPatterns(patterns)
	return m
}
