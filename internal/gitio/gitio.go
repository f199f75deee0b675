// Package gitio is the repository gateway: it reads and writes git blob,
// tree, and commit objects through go-git, computes per-file deltas with
// zero-context hunks, and updates refs with compare-and-swap semantics.
package gitio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage"

	"codestory/internal/chunk"
)

// ErrRefConflict reports a lost compare-and-swap on a ref update: someone
// else moved the branch between pipeline start and finalize.
var ErrRefConflict = errors.New("ref moved concurrently")

// TreeEntry is one path in a flattened tree listing.
type TreeEntry struct {
	Mode filemode.FileMode
	Blob plumbing.Hash
}

// Signature identifies an author or committer.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

func (s Signature) object() object.Signature {
	return object.Signature{Name: s.Name, Email: s.Email, When: s.When}
}

// Repository wraps a go-git repository and exposes the object-database
// operations the pipeline consumes.
type Repository struct {
	repo *git.Repository
	path string
}

// Open opens an existing repository rooted at repoPath.
func Open(repoPath string) (*Repository, error) {
	repo, err := git.PlainOpenWithOptions(repoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return &Repository{repo: repo, path: repoPath}, nil
}

// Wrap adopts an already-open go-git repository (tests use in-memory ones).
func Wrap(repo *git.Repository, repoPath string) *Repository {
	return &Repository{repo: repo, path: repoPath}
}

// Path returns the worktree root this repository was opened at.
func (r *Repository) Path() string { return r.path }

// Storer exposes the underlying object storage.
func (r *Repository) Storer() storage.Storer { return r.repo.Storer }

// ResolveRef resolves a branch name, tag, HEAD, or raw hash to a commit hash.
func (r *Repository) ResolveRef(name string) (plumbing.Hash, error) {
	if name == "HEAD" {
		ref, err := r.repo.Head()
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("resolving HEAD: %w", err)
		}
		return ref.Hash(), nil
	}

	if ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(name), true); err == nil {
		return ref.Hash(), nil
	}
	if ref, err := r.repo.Reference(plumbing.NewTagReferenceName(name), true); err == nil {
		return ref.Hash(), nil
	}
	if ref, err := r.repo.Reference(plumbing.ReferenceName(name), true); err == nil {
		return ref.Hash(), nil
	}

	if h, err := r.repo.ResolveRevision(plumbing.Revision(name)); err == nil {
		return *h, nil
	}
	return plumbing.ZeroHash, fmt.Errorf("resolving ref %q: not a branch, tag, or commit hash", name)
}

// CurrentBranch returns the ref name HEAD points at, or an error on a
// detached HEAD.
func (r *Repository) CurrentBranch() (string, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	if !ref.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached at %s", ref.Hash())
	}
	return ref.Name().String(), nil
}

// Commit looks up a commit object.
func (r *Repository) Commit(h plumbing.Hash) (*object.Commit, error) {
	c, err := object.GetCommit(r.repo.Storer, h)
	if err != nil {
		return nil, fmt.Errorf("getting commit %s: %w", h, err)
	}
	return c, nil
}

// ReadBlob returns a blob's full content from the primary store.
func (r *Repository) ReadBlob(h plumbing.Hash) ([]byte, error) {
	return readBlob(r.repo.Storer, h)
}

// ReadTree flattens a tree object into a path-keyed map.
func (r *Repository) ReadTree(h plumbing.Hash) (map[string]TreeEntry, error) {
	return readTree(r.repo.Storer, h)
}

// UpdateRef moves refName from oldHash to newHash with compare-and-swap
// semantics; a concurrent move surfaces as ErrRefConflict.
func (r *Repository) UpdateRef(refName string, oldHash, newHash plumbing.Hash) error {
	current, err := r.repo.Reference(plumbing.ReferenceName(refName), false)
	if err != nil {
		return fmt.Errorf("reading ref %s: %w", refName, err)
	}
	if current.Hash() != oldHash {
		return fmt.Errorf("%w: %s is at %s, expected %s", ErrRefConflict, refName, current.Hash(), oldHash)
	}

	newRef := plumbing.NewHashReference(plumbing.ReferenceName(refName), newHash)
	oldRef := plumbing.NewHashReference(plumbing.ReferenceName(refName), oldHash)
	if err := r.repo.Storer.CheckAndSetReference(newRef, oldRef); err != nil {
		return fmt.Errorf("%w: updating %s: %v", ErrRefConflict, refName, err)
	}
	return nil
}

func readBlob(s storer.EncodedObjectStorer, h plumbing.Hash) ([]byte, error) {
	blob, err := object.GetBlob(s, h)
	if err != nil {
		return nil, fmt.Errorf("getting blob %s: %w", h, err)
	}
	reader, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("opening blob %s: %w", h, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", h, err)
	}
	return data, nil
}

func readTree(s storer.EncodedObjectStorer, h plumbing.Hash) (map[string]TreeEntry, error) {
	if h == plumbing.ZeroHash {
		return map[string]TreeEntry{}, nil
	}
	tree, err := object.GetTree(s, h)
	if err != nil {
		return nil, fmt.Errorf("getting tree %s: %w", h, err)
	}

	entries := make(map[string]TreeEntry)
	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()
	for {
		name, entry, err := walker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("walking tree %s: %w", h, err)
		}
		if entry.Mode == filemode.Dir {
			continue
		}
		entries[name] = TreeEntry{Mode: entry.Mode, Blob: entry.Hash}
	}
	return entries, nil
}

func writeBlob(s storer.EncodedObjectStorer, data []byte) (plumbing.Hash, error) {
	obj := s.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("opening blob writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return plumbing.ZeroHash, fmt.Errorf("writing blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("closing blob writer: %w", err)
	}
	return s.SetEncodedObject(obj)
}

// writeTree builds nested tree objects bottom-up from a flat path map.
func writeTree(s storer.EncodedObjectStorer, entries map[string]TreeEntry) (plumbing.Hash, error) {
	type dirNode struct {
		files map[string]TreeEntry
		dirs  map[string]*dirNode
	}
	newDir := func() *dirNode {
		return &dirNode{files: map[string]TreeEntry{}, dirs: map[string]*dirNode{}}
	}
	root := newDir()

	for p, e := range entries {
		parts := strings.Split(p, "/")
		node := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := node.dirs[part]
			if !ok {
				child = newDir()
				node.dirs[part] = child
			}
			node = child
		}
		node.files[parts[len(parts)-1]] = e
	}

	var encode func(node *dirNode) (plumbing.Hash, error)
	encode = func(node *dirNode) (plumbing.Hash, error) {
		var tree object.Tree
		for name, child := range node.dirs {
			h, err := encode(child)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			tree.Entries = append(tree.Entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: h})
		}
		for name, e := range node.files {
			tree.Entries = append(tree.Entries, object.TreeEntry{Name: name, Mode: e.Mode, Hash: e.Blob})
		}
		sort.Slice(tree.Entries, func(i, j int) bool {
			return treeEntrySortName(tree.Entries[i]) < treeEntrySortName(tree.Entries[j])
		})

		obj := s.NewEncodedObject()
		if err := tree.Encode(obj); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("encoding tree: %w", err)
		}
		return s.SetEncodedObject(obj)
	}
	return encode(root)
}

// treeEntrySortName implements git's tree-entry ordering, where directory
// names sort as if suffixed with a slash.
func treeEntrySortName(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

func writeCommit(s storer.EncodedObjectStorer, treeHash plumbing.Hash, parents []plumbing.Hash, message string, author, committer Signature) (plumbing.Hash, error) {
	commit := object.Commit{
		Author:       author.object(),
		Committer:    committer.object(),
		Message:      message,
		TreeHash:     treeHash,
		ParentHashes: parents,
	}
	obj := s.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encoding commit: %w", err)
	}
	return s.SetEncodedObject(obj)
}

// IsBinary reports whether content should pass through the pipeline
// opaquely. Matching git's heuristic: a NUL byte in the first 8000 bytes.
func IsBinary(content []byte) bool {
	probe := content
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	return bytes.IndexByte(probe, 0) >= 0
}

// Diff computes the per-file deltas between two flattened trees, with
// zero-context hunks ready for the chunker. Exact-content renames are
// paired; everything else reports as added, deleted, or modified.
func (r *Repository) Diff(baseTree, targetTree map[string]TreeEntry, read func(plumbing.Hash) ([]byte, error)) ([]chunk.FileDelta, error) {
	if read == nil {
		read = r.ReadBlob
	}

	var deltas []chunk.FileDelta
	var added, deleted []string

	for p := range targetTree {
		if _, ok := baseTree[p]; !ok {
			added = append(added, p)
		}
	}
	for p := range baseTree {
		if _, ok := targetTree[p]; !ok {
			deleted = append(deleted, p)
		}
	}
	sort.Strings(added)
	sort.Strings(deleted)

	// exact-content rename pairing
	renamedFrom := map[string]string{} // new path -> old path
	consumed := map[string]bool{}
	for _, np := range added {
		for _, op := range deleted {
			if consumed[op] {
				continue
			}
			if baseTree[op].Blob == targetTree[np].Blob {
				renamedFrom[np] = op
				consumed[op] = true
				break
			}
		}
	}

	paths := make([]string, 0, len(targetTree))
	for p := range targetTree {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		te := targetTree[p]
		be, existed := baseTree[p]

		if old, renamed := renamedFrom[p]; renamed {
			deltas = append(deltas, chunk.FileDelta{
				Path:      p,
				OldPath:   old,
				Kind:      chunk.KindRenamed,
				OldBlobID: baseTree[old].Blob.String(),
				NewBlobID: te.Blob.String(),
				OldMode:   uint32(baseTree[old].Mode),
				NewMode:   uint32(te.Mode),
			})
			continue
		}

		if !existed {
			d, err := fileDelta(p, "", plumbing.ZeroHash, te.Blob, 0, uint32(te.Mode), chunk.KindAdded, read)
			if err != nil {
				return nil, err
			}
			deltas = append(deltas, d)
			continue
		}

		if be.Blob == te.Blob && be.Mode == te.Mode {
			continue
		}
		d, err := fileDelta(p, "", be.Blob, te.Blob, uint32(be.Mode), uint32(te.Mode), chunk.KindModified, read)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, d)
	}

	for _, p := range deleted {
		if consumed[p] {
			continue
		}
		be := baseTree[p]
		d, err := fileDelta(p, "", be.Blob, plumbing.ZeroHash, uint32(be.Mode), 0, chunk.KindDeleted, read)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, d)
	}

	sort.Slice(deltas, func(i, j int) bool { return deltas[i].Path < deltas[j].Path })
	return deltas, nil
}

func fileDelta(p, oldPath string, oldBlob, newBlob plumbing.Hash, oldMode, newMode uint32, kind chunk.Kind, read func(plumbing.Hash) ([]byte, error)) (chunk.FileDelta, error) {
	d := chunk.FileDelta{
		Path:      p,
		OldPath:   oldPath,
		Kind:      kind,
		OldBlobID: blobID(oldBlob),
		NewBlobID: blobID(newBlob),
		OldMode:   oldMode,
		NewMode:   newMode,
	}

	var oldContent, newContent []byte
	var err error
	if oldBlob != plumbing.ZeroHash {
		if oldContent, err = read(oldBlob); err != nil {
			return d, err
		}
	}
	if newBlob != plumbing.ZeroHash {
		if newContent, err = read(newBlob); err != nil {
			return d, err
		}
	}

	if IsBinary(oldContent) || IsBinary(newContent) {
		d.Binary = true
		return d, nil
	}

	oldLines := chunk.SplitLines(string(oldContent))
	newLines := chunk.SplitLines(string(newContent))
	d.Hunks = chunk.BuildHunks(oldLines, newLines)
	return d, nil
}

func blobID(h plumbing.Hash) string {
	if h == plumbing.ZeroHash {
		return ""
	}
	return h.String()
}

// cleanPath normalizes a repo-relative path to slash form.
func cleanPath(p string) string {
	return path.Clean(strings.ReplaceAll(p, "\\", "/"))
}
