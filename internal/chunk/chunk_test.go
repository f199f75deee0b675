package chunk

import (
	"errors"
	"testing"
)

func modifiedDelta(path string, h Hunk) FileDelta {
	return FileDelta{Path: path, Kind: KindModified, Hunks: []Hunk{h}}
}

func TestSplitLines_RoundTrip(t *testing.T) {
	cases := []string{
		"",
		"one line no newline",
		"a\nb\nc\n",
		"a\nb\nc",
		"\n",
		"\n\n",
	}
	for _, content := range cases {
		lines := SplitLines(content)
		if got := JoinLines(lines); got != content {
			t.Errorf("round trip %q: got %q", content, got)
		}
	}
}

func TestSplit_TwoIndependentEdits(t *testing.T) {
	// base: f(); target: g() inserted above, h() appended below.
	oldLines := []string{"def f():\n", "    return 1\n"}
	newLines := []string{"def g(): return 2\n", "def f():\n", "    return 1\n", "def h(): return 3\n"}

	delta := modifiedDelta("a.py", Hunk{
		OldRange: Range{Start: 0, End: 2},
		NewRange: Range{Start: 0, End: 4},
		OldLines: oldLines,
		NewLines: newLines,
	})

	chunks, err := Split(delta, LevelAllFiles)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}

	top, bottom := chunks[0], chunks[1]
	if top.OldRange.Len() != 0 || len(top.NewLines) != 1 {
		t.Errorf("top chunk should be a pure insertion of one line, got %+v", top)
	}
	if bottom.OldRange.Start != 2 || len(bottom.NewLines) != 1 {
		t.Errorf("bottom chunk should insert after line 2, got %+v", bottom)
	}

	if err := VerifyExhaustive(oldLines, newLines, chunks); err != nil {
		t.Fatalf("exhaustiveness: %v", err)
	}
}

func TestSplit_ReplaceWithKeptInterior(t *testing.T) {
	oldLines := []string{"a\n", "b\n", "c\n"}
	newLines := []string{"A\n", "b\n", "C\n"}

	delta := modifiedDelta("f.txt", Hunk{
		OldRange: Range{Start: 0, End: 3},
		NewRange: Range{Start: 0, End: 3},
		OldLines: oldLines,
		NewLines: newLines,
	})

	chunks, err := Split(delta, LevelAllFiles)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("kept interior line should split the hunk in two, got %d chunks", len(chunks))
	}
	if err := VerifyExhaustive(oldLines, newLines, chunks); err != nil {
		t.Fatalf("exhaustiveness: %v", err)
	}
}

func TestSplit_LevelNonePassesHunksThrough(t *testing.T) {
	delta := modifiedDelta("f.txt", Hunk{
		OldRange: Range{Start: 0, End: 3},
		NewRange: Range{Start: 0, End: 3},
		OldLines: []string{"a\n", "b\n", "c\n"},
		NewLines: []string{"A\n", "b\n", "C\n"},
	})

	chunks, err := Split(delta, LevelNone)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("level none must emit one chunk per hunk, got %d", len(chunks))
	}
}

func TestSplit_AddedFileBlankLineRegions(t *testing.T) {
	newLines := []string{
		"package a\n",
		"\n",
		"func One() {}\n",
		"\n",
		"func Two() {}\n",
	}
	delta := FileDelta{
		Path: "a.go",
		Kind: KindAdded,
		Hunks: []Hunk{{
			OldRange: Range{Start: 0, End: 0},
			NewRange: Range{Start: 0, End: len(newLines)},
			NewLines: newLines,
		}},
	}

	chunks, err := Split(delta, LevelAllFiles)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 blank-separated regions, got %d", len(chunks))
	}
	for _, c := range chunks {
		if c.OldRange.Len() != 0 {
			t.Errorf("added-file chunk must anchor at a zero-width old range, got %+v", c.OldRange)
		}
	}
	if err := VerifyExhaustive(nil, newLines, chunks); err != nil {
		t.Fatalf("exhaustiveness: %v", err)
	}
}

func TestCompose_OrderFree(t *testing.T) {
	oldLines := []string{"def f():\n", "    return 1\n"}
	newLines := []string{"def g(): return 2\n", "def f():\n", "    return 1\n", "def h(): return 3\n"}

	chunks, err := Split(modifiedDelta("a.py", Hunk{
		OldRange: Range{Start: 0, End: 2},
		NewRange: Range{Start: 0, End: 4},
		OldLines: oldLines,
		NewLines: newLines,
	}), LevelAllFiles)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}

	forward, err := Compose(oldLines, []Chunk{chunks[0], chunks[1]})
	if err != nil {
		t.Fatalf("compose forward: %v", err)
	}
	reversed, err := Compose(oldLines, []Chunk{chunks[1], chunks[0]})
	if err != nil {
		t.Fatalf("compose reversed: %v", err)
	}
	if JoinLines(forward) != JoinLines(reversed) {
		t.Errorf("composition must not depend on caller order:\n%q\n%q", forward, reversed)
	}
}

func TestCompose_SubsetAppliesAlone(t *testing.T) {
	oldLines := []string{"def f():\n", "    return 1\n"}
	newLines := []string{"def g(): return 2\n", "def f():\n", "    return 1\n", "def h(): return 3\n"}

	chunks, err := Split(modifiedDelta("a.py", Hunk{
		OldRange: Range{Start: 0, End: 2},
		NewRange: Range{Start: 0, End: 4},
		OldLines: oldLines,
		NewLines: newLines,
	}), LevelAllFiles)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	topOnly, err := Compose(oldLines, chunks[:1])
	if err != nil {
		t.Fatalf("compose subset: %v", err)
	}
	want := "def g(): return 2\ndef f():\n    return 1\n"
	if JoinLines(topOnly) != want {
		t.Errorf("subset composition:\ngot  %q\nwant %q", JoinLines(topOnly), want)
	}
}

func TestCompose_RejectsOverlap(t *testing.T) {
	base := []string{"a\n", "b\n", "c\n"}
	overlapping := []Chunk{
		{FilePath: "f", OldRange: Range{Start: 0, End: 2}, NewLines: []string{"x\n"}},
		{FilePath: "f", OldRange: Range{Start: 1, End: 3}, NewLines: []string{"y\n"}},
	}
	_, err := Compose(base, overlapping)
	if !errors.Is(err, ErrInvariantViolated) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestVerifyExhaustive_DetectsLoss(t *testing.T) {
	oldLines := []string{"a\n"}
	target := []string{"a\n", "b\n"}
	// deliberately no chunks: composition yields the base, not the target
	err := VerifyExhaustive(oldLines, target, nil)
	if !errors.Is(err, ErrInvariantViolated) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestRange_Overlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b Range
		want bool
	}{
		{"disjoint", Range{0, 2}, Range{2, 4}, false},
		{"touching interiors", Range{0, 3}, Range{2, 4}, true},
		{"anchor inside", Range{1, 1}, Range{0, 3}, true},
		{"anchor at boundary", Range{2, 2}, Range{0, 2}, false},
		{"two anchors same offset", Range{0, 0}, Range{0, 0}, false},
	}
	for _, tt := range tests {
		if got := tt.a.Overlaps(tt.b); got != tt.want {
			t.Errorf("%s: %v.Overlaps(%v) = %v, want %v", tt.name, tt.a, tt.b, got, tt.want)
		}
		if got := tt.b.Overlaps(tt.a); got != tt.want {
			t.Errorf("%s (sym): %v.Overlaps(%v) = %v, want %v", tt.name, tt.b, tt.a, got, tt.want)
		}
	}
}

func TestSplit_StableIDs(t *testing.T) {
	delta := modifiedDelta("a.py", Hunk{
		OldRange: Range{Start: 0, End: 1},
		NewRange: Range{Start: 0, End: 1},
		OldLines: []string{"x = 1\n"},
		NewLines: []string{"x = 2\n"},
	})
	first, err := Split(delta, LevelAllFiles)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	second, err := Split(delta, LevelAllFiles)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if first[0].ID == "" || first[0].ID != second[0].ID {
		t.Errorf("chunk IDs must be deterministic: %q vs %q", first[0].ID, second[0].ID)
	}
}
