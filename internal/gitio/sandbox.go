package gitio

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/klauspost/compress/zstd"
)

// Sandbox scopes every object a pipeline run writes to a temporary store
// next to the repository. Nothing reaches the primary object database until
// Finalize; Discard removes the whole area in one call.
type Sandbox struct {
	repo      *Repository
	dir       string
	store     *filesystem.Storage
	finalized bool
}

// OpenSandbox creates a fresh sandbox object area for one pipeline run.
func (r *Repository) OpenSandbox() (*Sandbox, error) {
	// Disk-backed repositories get the area inside their git directory,
	// beside the object store; others fall back to the system temp dir.
	base := ""
	if fs, ok := r.Storer().(*filesystem.Storage); ok {
		base = fs.Filesystem().Root()
	}
	dir, err := os.MkdirTemp(base, "codestory-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox dir: %w", err)
	}
	store := filesystem.NewStorage(osfs.New(dir), cache.NewObjectLRUDefault())
	return &Sandbox{repo: r, dir: dir, store: store}, nil
}

// Dir returns the sandbox's temporary directory.
func (s *Sandbox) Dir() string { return s.dir }

// WriteBlob stores blob content in the sandbox.
func (s *Sandbox) WriteBlob(data []byte) (plumbing.Hash, error) {
	return writeBlob(s.store, data)
}

// WriteTree stores a tree built from a flat path map in the sandbox.
func (s *Sandbox) WriteTree(entries map[string]TreeEntry) (plumbing.Hash, error) {
	return writeTree(s.store, entries)
}

// WriteCommit stores a commit object in the sandbox.
func (s *Sandbox) WriteCommit(tree plumbing.Hash, parents []plumbing.Hash, message string, author, committer Signature) (plumbing.Hash, error) {
	return writeCommit(s.store, tree, parents, message, author, committer)
}

// ReadBlob reads from the primary store first, then the sandbox, so
// accumulated trees can mix base blobs with staged ones.
func (s *Sandbox) ReadBlob(h plumbing.Hash) ([]byte, error) {
	if data, err := readBlob(s.repo.Storer(), h); err == nil {
		return data, nil
	}
	return readBlob(s.store, h)
}

// ReadTree resolves a tree from either store.
func (s *Sandbox) ReadTree(h plumbing.Hash) (map[string]TreeEntry, error) {
	if entries, err := readTree(s.repo.Storer(), h); err == nil {
		return entries, nil
	}
	return readTree(s.store, h)
}

// Finalize promotes every sandbox object into the primary store, then moves
// refName from oldHash to newHash under compare-and-swap. On ErrRefConflict
// nothing observable changes: the promoted objects stay unreachable and the
// next gc sweep collects them.
func (s *Sandbox) Finalize(refName string, oldHash, newHash plumbing.Hash) error {
	iter, err := s.store.IterEncodedObjects(plumbing.AnyObject)
	if err != nil {
		return fmt.Errorf("iterating sandbox objects: %w", err)
	}
	err = iter.ForEach(func(obj plumbing.EncodedObject) error {
		if _, err := s.repo.Storer().SetEncodedObject(obj); err != nil {
			return fmt.Errorf("promoting object %s: %w", obj.Hash(), err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.repo.UpdateRef(refName, oldHash, newHash); err != nil {
		return err
	}
	s.finalized = true
	return nil
}

// Discard removes the sandbox area and everything staged in it.
func (s *Sandbox) Discard() error {
	return os.RemoveAll(s.dir)
}

// PutFragment spills a rendered diff fragment into the sandbox under a
// stable key, zstd-compressed. Large runs keep fragment text out of memory
// between rendering and batch dispatch in the logical grouper.
func (s *Sandbox) PutFragment(key string, data []byte) error {
	dir := filepath.Join(s.dir, "fragments")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating fragments dir: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("creating zstd writer: %w", err)
	}
	compressed := enc.EncodeAll(data, nil)
	enc.Close()

	path := filepath.Join(dir, key+".zst")
	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return fmt.Errorf("writing fragment %s: %w", key, err)
	}
	return nil
}

// GetFragment reads back a fragment stored with PutFragment.
func (s *Sandbox) GetFragment(key string) ([]byte, error) {
	path := filepath.Join(s.dir, "fragments", key+".zst")
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fragment %s: %w", key, err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd reader: %w", err)
	}
	defer dec.Close()

	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing fragment %s: %w", key, err)
	}
	return data, nil
}
