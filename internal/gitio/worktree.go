package gitio

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"

	"codestory/internal/ignore"
)

// BuildWorktreeTree writes a transient tree capturing the current working
// directory: blobs land in the sandbox, ignored files are skipped, and an
// optional pathspec list narrows which changed files participate. Paths
// outside the pathspecs keep their base-tree entry so the resulting tree
// still describes the full repository.
func (r *Repository) BuildWorktreeTree(sb *Sandbox, baseTree map[string]TreeEntry, pathspecs []string, matcher *ignore.Matcher) (plumbing.Hash, error) {
	entries := make(map[string]TreeEntry, len(baseTree))
	seen := make(map[string]bool)

	root := r.path
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			if matcher != nil && matcher.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		if matcher != nil && matcher.Match(rel, false) {
			return nil
		}

		rel = cleanPath(rel)
		seen[rel] = true

		if len(pathspecs) > 0 && !matchesPathspec(rel, pathspecs) {
			// outside the requested scope: keep whatever the base has
			if be, ok := baseTree[rel]; ok {
				entries[rel] = be
			}
			return nil
		}

		mode := filemode.Regular
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", rel, err)
		}
		var content []byte
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(p)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", rel, err)
			}
			content = []byte(target)
			mode = filemode.Symlink
		} else {
			if info.Mode()&0o111 != 0 {
				mode = filemode.Executable
			}
			content, err = os.ReadFile(p)
			if err != nil {
				return fmt.Errorf("reading %s: %w", rel, err)
			}
		}

		blob, err := sb.WriteBlob(content)
		if err != nil {
			return fmt.Errorf("staging blob for %s: %w", rel, err)
		}
		entries[rel] = TreeEntry{Mode: mode, Blob: blob}
		return nil
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("walking worktree: %w", err)
	}

	// deleted files: present in base, gone from disk. With pathspecs, the
	// deletion only takes effect when the path is in scope.
	for p, be := range baseTree {
		if seen[p] {
			continue
		}
		if len(pathspecs) > 0 && !matchesPathspec(p, pathspecs) {
			entries[p] = be
		}
	}

	return sb.WriteTree(entries)
}

func matchesPathspec(p string, pathspecs []string) bool {
	for _, spec := range pathspecs {
		if matched, err := doublestar.Match(spec, p); err == nil && matched {
			return true
		}
		// a bare directory prefix selects everything under it
		if matched, err := doublestar.Match(spec+"/**", p); err == nil && matched {
			return true
		}
	}
	return false
}
