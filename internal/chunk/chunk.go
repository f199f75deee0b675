// Package chunk splits raw line diffs into the smallest pairwise-disjoint,
// independently-applicable units of change, and provides the composition
// arithmetic that rebuilds file content from any subset of those units.
package chunk

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"codestory/internal/cas"
)

// ErrInvariantViolated reports a failure of the chunk algebra: overlapping
// ranges, out-of-bounds offsets, or a chunk set that does not reproduce the
// target file. It is fatal; the pipeline never commits past it.
var ErrInvariantViolated = errors.New("chunking invariant violated")

// Kind classifies a per-path delta.
type Kind string

const (
	KindAdded    Kind = "added"
	KindDeleted  Kind = "deleted"
	KindModified Kind = "modified"
	KindRenamed  Kind = "renamed"
)

// FileDelta is one changed path between the base and target trees. Renames
// carry both paths; otherwise OldPath may be empty, in which case chunks
// take Path as their old path.
type FileDelta struct {
	Path      string
	OldPath   string
	Kind      Kind
	OldBlobID string
	NewBlobID string
	OldMode   uint32
	NewMode   uint32
	Binary    bool
	Hunks     []Hunk
}

// Range is a half-open run of 0-based line offsets [Start, End). A
// zero-width range (Start == End) marks a pure insertion anchor on the old
// side or a pure deletion on the new side.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of lines covered.
func (r Range) Len() int { return r.End - r.Start }

// Overlaps reports whether two ranges share at least one line. Zero-width
// ranges overlap a range only when strictly inside it; two anchors at the
// same offset do not overlap, which is what lets several added-file regions
// share the offset-zero anchor.
func (r Range) Overlaps(o Range) bool {
	if r.Len() == 0 && o.Len() == 0 {
		return false
	}
	if r.Len() == 0 {
		return o.Start < r.Start && r.Start < o.End
	}
	if o.Len() == 0 {
		return r.Start < o.Start && o.Start < r.End
	}
	return r.Start < o.End && o.Start < r.End
}

// Hunk is a contiguous line-range edit inside one FileDelta, as produced by
// the repository gateway's zero-context diff. Adjacent hunks never share a
// boundary line.
type Hunk struct {
	OldRange Range
	NewRange Range
	OldLines []string
	NewLines []string
}

// Chunk is the atomic unit everything downstream works with. OldRange is
// expressed against the base file, NewRange against the target file, so a
// chunk applies to the base no matter which other chunks accompany it.
// Binary chunks carry no lines; they swap the whole blob and are opaque to
// the composition arithmetic.
type Chunk struct {
	ID       string
	FilePath string
	OldPath  string
	OldRange Range
	NewRange Range
	OldLines []string
	NewLines []string

	Binary    bool
	OldBlobID string
	NewBlobID string
}

// fingerprint is the canonical payload a chunk ID is derived from.
type fingerprint struct {
	FilePath string   `json:"file_path"`
	OldPath  string   `json:"old_path"`
	OldRange Range    `json:"old_range"`
	NewRange Range    `json:"new_range"`
	OldLines []string `json:"old_lines"`
	NewLines []string `json:"new_lines"`
	Binary   bool     `json:"binary,omitempty"`
	OldBlob  string   `json:"old_blob,omitempty"`
	NewBlob  string   `json:"new_blob,omitempty"`
}

func (c *Chunk) computeID() (string, error) {
	return cas.NodeIDHex("Chunk", fingerprint{
		FilePath: c.FilePath,
		OldPath:  c.OldPath,
		OldRange: c.OldRange,
		NewRange: c.NewRange,
		OldLines: c.OldLines,
		NewLines: c.NewLines,
		Binary:   c.Binary,
		OldBlob:  c.OldBlobID,
		NewBlob:  c.NewBlobID,
	})
}

// Level controls how aggressively hunks are split.
type Level string

const (
	// LevelNone emits one chunk per input hunk.
	LevelNone Level = "none"
	// LevelFullFiles splits only full-file add/delete hunks; modified-file
	// hunks pass through whole.
	LevelFullFiles Level = "full_files"
	// LevelAllFiles splits every hunk maximally. The default.
	LevelAllFiles Level = "all_files"
)

// ParseLevel validates a level string from configuration.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelNone, LevelFullFiles, LevelAllFiles:
		return Level(s), nil
	case "":
		return LevelAllFiles, nil
	}
	return "", fmt.Errorf("unknown chunking level %q", s)
}

// Split breaks a delta's hunks into chunks at the requested granularity and
// assigns content-addressed IDs. Output is in old-offset order. Binary
// deltas produce a single opaque chunk swapping the whole blob.
func Split(delta FileDelta, level Level) ([]Chunk, error) {
	if delta.Binary {
		c := Chunk{
			FilePath:  delta.Path,
			OldPath:   oldPath(delta),
			Binary:    true,
			OldBlobID: delta.OldBlobID,
			NewBlobID: delta.NewBlobID,
		}
		id, err := c.computeID()
		if err != nil {
			return nil, fmt.Errorf("fingerprinting binary chunk %s: %w", delta.Path, err)
		}
		c.ID = id
		return []Chunk{c}, nil
	}

	var chunks []Chunk
	for _, h := range delta.Hunks {
		split, err := splitHunk(delta, h, level)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, split...)
	}

	SortCanonical(chunks)
	for i := range chunks {
		id, err := chunks[i].computeID()
		if err != nil {
			return nil, fmt.Errorf("fingerprinting chunk in %s: %w", delta.Path, err)
		}
		chunks[i].ID = id
	}
	return chunks, nil
}

func splitHunk(delta FileDelta, h Hunk, level Level) ([]Chunk, error) {
	switch level {
	case LevelNone:
		return []Chunk{hunkChunk(delta, h)}, nil
	case LevelFullFiles:
		if delta.Kind == KindAdded || delta.Kind == KindDeleted {
			return splitWholeFile(delta, h), nil
		}
		return []Chunk{hunkChunk(delta, h)}, nil
	case LevelAllFiles:
		if delta.Kind == KindAdded || delta.Kind == KindDeleted {
			return splitWholeFile(delta, h), nil
		}
		return splitByEditScript(delta, h)
	}
	return nil, fmt.Errorf("unknown chunking level %q", level)
}

func hunkChunk(delta FileDelta, h Hunk) Chunk {
	return Chunk{
		FilePath: delta.Path,
		OldPath:  oldPath(delta),
		OldRange: h.OldRange,
		NewRange: h.NewRange,
		OldLines: h.OldLines,
		NewLines: h.NewLines,
	}
}

func oldPath(delta FileDelta) string {
	if delta.OldPath != "" {
		return delta.OldPath
	}
	return delta.Path
}

// splitWholeFile carves a full-file add (or delete) hunk at maximal runs of
// blank lines. A blank run attaches to the region preceding it, so every
// region keeps its trailing separation and any subset composes back with
// the original spacing intact.
func splitWholeFile(delta FileDelta, h Hunk) []Chunk {
	lines := h.NewLines
	deleted := delta.Kind == KindDeleted
	if deleted {
		lines = h.OldLines
	}
	if len(lines) == 0 {
		return []Chunk{hunkChunk(delta, h)}
	}

	var regions []Range
	start := 0
	i := 0
	for i < len(lines) {
		// advance through the region body
		for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
			i++
		}
		// swallow the trailing blank run into this region
		for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
			i++
		}
		regions = append(regions, Range{Start: start, End: i})
		start = i
	}

	chunks := make([]Chunk, 0, len(regions))
	for _, reg := range regions {
		c := Chunk{FilePath: delta.Path, OldPath: oldPath(delta)}
		if deleted {
			c.OldRange = Range{Start: h.OldRange.Start + reg.Start, End: h.OldRange.Start + reg.End}
			c.OldLines = lines[reg.Start:reg.End]
			c.NewRange = Range{Start: h.NewRange.Start, End: h.NewRange.Start}
		} else {
			c.NewRange = Range{Start: h.NewRange.Start + reg.Start, End: h.NewRange.Start + reg.End}
			c.NewLines = lines[reg.Start:reg.End]
			c.OldRange = Range{Start: h.OldRange.Start, End: h.OldRange.Start}
		}
		chunks = append(chunks, c)
	}
	return chunks
}

// splitByEditScript recomputes the line-level edit script inside a hunk and
// fuses adjacent non-keep operations into chunks, starting a new chunk at
// every maximal run of kept lines.
func splitByEditScript(delta FileDelta, h Hunk) ([]Chunk, error) {
	if len(h.OldLines) == 0 || len(h.NewLines) == 0 {
		// pure insertion or pure deletion is already atomic
		return []Chunk{hunkChunk(delta, h)}, nil
	}

	script := editScript(h.OldLines, h.NewLines)

	var chunks []Chunk
	oldOff := h.OldRange.Start
	newOff := h.NewRange.Start
	var cur *Chunk

	flush := func() {
		if cur != nil {
			chunks = append(chunks, *cur)
			cur = nil
		}
	}

	for _, op := range script {
		switch op.kind {
		case opKeep:
			flush()
			oldOff += len(op.lines)
			newOff += len(op.lines)
		case opDelete:
			if cur == nil {
				cur = &Chunk{
					FilePath: delta.Path,
					OldPath:  oldPath(delta),
					OldRange: Range{Start: oldOff, End: oldOff},
					NewRange: Range{Start: newOff, End: newOff},
				}
			}
			cur.OldLines = append(cur.OldLines, op.lines...)
			cur.OldRange.End += len(op.lines)
			oldOff += len(op.lines)
		case opInsert:
			if cur == nil {
				cur = &Chunk{
					FilePath: delta.Path,
					OldPath:  oldPath(delta),
					OldRange: Range{Start: oldOff, End: oldOff},
					NewRange: Range{Start: newOff, End: newOff},
				}
			}
			cur.NewLines = append(cur.NewLines, op.lines...)
			cur.NewRange.End += len(op.lines)
			newOff += len(op.lines)
		}
	}
	flush()

	if oldOff != h.OldRange.End || newOff != h.NewRange.End {
		return nil, fmt.Errorf("%w: edit script for %s covers old %d..%d new %d..%d, hunk ends at %d/%d",
			ErrInvariantViolated, delta.Path, h.OldRange.Start, oldOff, h.NewRange.Start, newOff,
			h.OldRange.End, h.NewRange.End)
	}
	return chunks, nil
}

// SortCanonical orders chunks by (file, old offset, new offset), the
// canonical hand-off order between pipeline stages.
func SortCanonical(chunks []Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		a, b := chunks[i], chunks[j]
		if a.FilePath != b.FilePath {
			return a.FilePath < b.FilePath
		}
		if a.OldRange.Start != b.OldRange.Start {
			return a.OldRange.Start < b.OldRange.Start
		}
		if a.OldRange.End != b.OldRange.End {
			return a.OldRange.End < b.OldRange.End
		}
		return a.NewRange.Start < b.NewRange.Start
	})
}

// Compose applies any subset of a file's chunks to its base lines. The
// subset is re-sorted into canonical order first, so the result depends
// only on which chunks are present, never on caller ordering.
func Compose(base []string, chunks []Chunk) ([]string, error) {
	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	SortCanonical(sorted)

	var out []string
	cursor := 0
	for _, c := range sorted {
		if c.OldRange.Start < cursor {
			return nil, fmt.Errorf("%w: chunk %s old range %d..%d overlaps prior chunk ending at %d in %s",
				ErrInvariantViolated, shortID(c.ID), c.OldRange.Start, c.OldRange.End, cursor, c.FilePath)
		}
		if c.OldRange.End > len(base) {
			return nil, fmt.Errorf("%w: chunk %s old range %d..%d exceeds base length %d in %s",
				ErrInvariantViolated, shortID(c.ID), c.OldRange.Start, c.OldRange.End, len(base), c.FilePath)
		}
		out = append(out, base[cursor:c.OldRange.Start]...)
		out = append(out, c.NewLines...)
		cursor = c.OldRange.End
	}
	out = append(out, base[cursor:]...)
	return out, nil
}

// VerifyExhaustive proves that the full chunk set reproduces the target
// file byte-for-byte at the line level.
func VerifyExhaustive(base, target []string, chunks []Chunk) error {
	got, err := Compose(base, chunks)
	if err != nil {
		return err
	}
	if len(got) != len(target) {
		return fmt.Errorf("%w: composed %d lines, target has %d", ErrInvariantViolated, len(got), len(target))
	}
	for i := range got {
		if got[i] != target[i] {
			return fmt.Errorf("%w: composed line %d differs from target", ErrInvariantViolated, i)
		}
	}
	return nil
}

// SplitLines breaks blob content into lines without dropping a trailing
// newline marker: "a\nb\n" and "a\nb" compose back to distinct contents.
func SplitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
		for i := range lines {
			lines[i] += "\n"
		}
		return lines
	}
	for i := 0; i < len(lines)-1; i++ {
		lines[i] += "\n"
	}
	return lines
}

// JoinLines is the inverse of SplitLines.
func JoinLines(lines []string) string {
	return strings.Join(lines, "")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
